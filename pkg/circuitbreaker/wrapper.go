package circuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"meridian/internal/config"
	apperrors "meridian/pkg/errors"
	"meridian/pkg/metrics"
)

type Config struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: tripAt(3, 0.5),
	}
}

// FromSettings overlays the non-zero values of cfg on DefaultConfig.
func FromSettings(name string, cfg config.CircuitBreakerConfig) Config {
	out := DefaultConfig(name)
	if cfg.MaxRequests > 0 {
		out.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		out.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	minRequests, ratio := uint32(3), 0.5
	if cfg.MinRequests > 0 {
		minRequests = cfg.MinRequests
	}
	if cfg.FailureRatio > 0 {
		ratio = cfg.FailureRatio
	}
	out.ReadyToTrip = tripAt(minRequests, ratio)
	return out
}

func tripAt(minRequests uint32, ratio float64) func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}
}

type Wrapper struct {
	cb *gobreaker.CircuitBreaker
}

func NewWrapper(cfg Config) *Wrapper {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		// Only failures of the protected dependency count; a rejected
		// message says nothing about its health.
		IsSuccessful: func(err error) bool {
			return err == nil || !apperrors.IsRetryable(err)
		},
	}
	if cfg.ReadyToTrip != nil {
		settings.ReadyToTrip = cfg.ReadyToTrip
	}

	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		updateCircuitBreakerMetrics(name, to)
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(name, from, to)
		}
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	updateCircuitBreakerMetrics(cfg.Name, cb.State())

	return &Wrapper{cb: cb}
}

// Execute runs fn through the breaker. An open breaker is reported as a
// retryable SERVICE_UNAVAILABLE.
func (w *Wrapper) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := w.cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fn(ctx)
	})
	w.RecordRequest(err == nil)

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.ErrServiceUnavailable.
			WithMessage("circuit breaker " + w.cb.Name() + " is " + w.cb.State().String()).
			WithCause(err).
			AsRetryable()
	}
	return err
}

func (w *Wrapper) State() gobreaker.State {
	return w.cb.State()
}

func (w *Wrapper) Name() string {
	return w.cb.Name()
}

func (w *Wrapper) IsOpen() bool {
	return w.cb.State() == gobreaker.StateOpen
}

func updateCircuitBreakerMetrics(name string, state gobreaker.State) {
	var stateValue float64
	switch state {
	case gobreaker.StateClosed:
		stateValue = 0
	case gobreaker.StateHalfOpen:
		stateValue = 1
	case gobreaker.StateOpen:
		stateValue = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue)
}

func (w *Wrapper) RecordRequest(success bool) {
	state := w.cb.State().String()
	metrics.CircuitBreakerRequests.WithLabelValues(w.cb.Name(), state).Inc()
	if !success {
		metrics.CircuitBreakerFailures.WithLabelValues(w.cb.Name()).Inc()
	}
}
