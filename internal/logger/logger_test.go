package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"meridian/pkg/logging"
)

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)

	log, err := New("", "")
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestCtxVariantsPrependContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromCore(core).With("service_name", "engine-service")

	ctx := logging.WithComponentID(logging.WithFlowID(context.Background(), "f-1"), "c-1")
	log.WarnwCtx(ctx, "Event scheduled for retry", "retry_count", 2)
	log.DebugwCtx(context.Background(), "Polled", "events", 0)

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "Event scheduled for retry", entries[0].Message)
	assert.Equal(t, map[string]any{
		"service_name": "engine-service",
		"component_id": "c-1",
		"flow_id":      "f-1",
		"retry_count":  int64(2),
	}, entries[0].ContextMap())

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, map[string]any{
		"service_name": "engine-service",
		"events":       int64(0),
	}, entries[1].ContextMap())
}

func TestLevelFiltersEntries(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := FromCore(core)

	log.Infow("dropped")
	log.Errorw("kept", "error", "boom")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

func TestNopLoggerDiscards(t *testing.T) {
	log := NopLogger()
	log.ErrorwCtx(context.Background(), "nothing")
	assert.NoError(t, log.With("k", "v").Sync())
}
