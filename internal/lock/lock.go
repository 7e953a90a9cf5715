// Package lock provides named mutual exclusion across engine instances.
package lock

import (
	"context"

	"meridian/internal/config"
	apperrors "meridian/pkg/errors"
)

type Guard interface {
	// Release gives the lock up. It is safe to call more than once.
	Release(ctx context.Context) error
	// Lost is closed when the holder can no longer be sure it owns the lock.
	Lost() <-chan struct{}
}

type Locker interface {
	// Lock blocks until key is held, ctx ends, or the acquire timeout passes.
	Lock(ctx context.Context, key string) (Guard, error)
}

func acquireTimeout(key string, err error) error {
	return apperrors.ErrTimeout.
		WithCause(err).
		WithMessage("timed out waiting for lock").
		WithDetail("lock", key).
		AsRetryable()
}

// New builds the locker selected by cfg.Type.
func New(cfg config.CoordinationConfig, client RedisClient) Locker {
	if cfg.Type == "local" || client == nil {
		return NewLocalLocker(cfg.AcquireTimeout)
	}
	return NewRedisLocker(client, RedisOptions{
		KeyPrefix:      cfg.KeyPrefix,
		TTL:            cfg.LeaseTTL,
		AcquireTimeout: cfg.AcquireTimeout,
		RetryInterval:  cfg.RetryInterval,
	})
}
