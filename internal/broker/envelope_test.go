package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/ledger"
	"meridian/internal/message"
	apperrors "meridian/pkg/errors"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := Envelope{
		FlowID:      "flow-1",
		GroupID:     "group-1",
		ComponentID: "component-1",
		Source:      "default/route/transform",
		Content:     "MSH|^~\\&|A|B\rPID|1\r",
		ContentType: message.ContentTypeHL7,
		Properties: ledger.Properties{
			{Key: "file", Value: "a.hl7"},
			{Key: "file", Value: "b.hl7"},
		},
		Time: at,
	}

	msg, err := EncodeEnvelope(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "group-1", msg.Key)

	_, got, err := DecodeEnvelope(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, env.FlowID, got.FlowID)
	assert.Equal(t, env.GroupID, got.GroupID)
	assert.Equal(t, env.ComponentID, got.ComponentID)
	assert.Equal(t, env.Content, got.Content)
	assert.Equal(t, env.ContentType, got.ContentType)
	assert.Equal(t, env.Properties, got.Properties)
	assert.True(t, at.Equal(got.Time))

	v, ok := got.Properties.Get("file")
	require.True(t, ok)
	assert.Equal(t, "b.hl7", v)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, _, err := DecodeEnvelope(context.Background(), Message{Value: []byte("not json")})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestDecodeEnvelopeRejectsForeignEvents(t *testing.T) {
	body := `{"specversion":"1.0","id":"x","source":"/elsewhere","type":"com.example.other"}`
	_, _, err := DecodeEnvelope(context.Background(), Message{Value: []byte(body)})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
