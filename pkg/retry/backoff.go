package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func ExponentialBackoffWithMaxElapsed(initialInterval, maxInterval, maxElapsed time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = maxElapsed
	return exp
}

func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}

// LinearDelay returns step*count, capped at maxDelay when maxDelay > 0.
// count is the retry count after the increment, so the first retry waits one step.
func LinearDelay(step time.Duration, count int, maxDelay time.Duration) time.Duration {
	if count < 1 {
		count = 1
	}
	delay := step * time.Duration(count)
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
