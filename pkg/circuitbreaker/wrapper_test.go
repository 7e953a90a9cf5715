package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	apperrors "meridian/pkg/errors"
)

func TestWrapperOpensOnTransportFailures(t *testing.T) {
	w := NewWrapper(FromSettings("test-open", config.CircuitBreakerConfig{
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	}))
	ctx := context.Background()
	failing := func(context.Context) error { return apperrors.ErrTransport.AsRetryable() }

	require.Error(t, w.Execute(ctx, failing))
	require.Error(t, w.Execute(ctx, failing))
	assert.True(t, w.IsOpen())

	err := w.Execute(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
}

func TestWrapperIgnoresNonRetryableErrors(t *testing.T) {
	w := NewWrapper(FromSettings("test-rejects", config.CircuitBreakerConfig{MinRequests: 1}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := w.Execute(ctx, func(context.Context) error { return apperrors.ErrValidation })
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	}
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestWrapperHonoursCancelledContext(t *testing.T) {
	w := NewWrapper(DefaultConfig("test-cancel"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := w.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
