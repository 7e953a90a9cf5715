package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "meridian/pkg/errors"
)

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

// RetryWithCallback runs fn until it succeeds, returns a non-retryable error,
// or the policy is exhausted. Classification follows apperrors.IsRetryable.
func RetryWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry func(attempt int, err error, nextDelay time.Duration)) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}

	var b backoff.BackOff = ExponentialBackoffWithMaxElapsed(
		policy.InitialInterval,
		policy.MaxInterval,
		policy.MaxElapsedTime,
		policy.Multiplier,
	)
	b = backoff.WithContext(b, ctx)
	b = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}

		if !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}

		if onRetry != nil && attempt < policy.MaxAttempts {
			nextDelay := CalculateBackoffDuration(attempt, policy.InitialInterval, policy.Multiplier, policy.MaxInterval)
			onRetry(attempt, err, nextDelay)
		}

		return err
	}

	return backoff.Retry(operation, b)
}
