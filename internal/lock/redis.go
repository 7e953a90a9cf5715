package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "meridian/pkg/errors"
	"meridian/pkg/metrics"
)

const redisBackend = "redis"

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	errHeld = errors.New("lock held by another owner")
)

// RedisClient is the subset of go-redis the locker uses.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type RedisOptions struct {
	KeyPrefix      string
	TTL            time.Duration
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
}

// RedisLocker implements a lease: SET NX PX with a random token, renewed in
// the background at a third of the TTL. A holder that dies stops renewing and
// the key expires after one TTL.
type RedisLocker struct {
	client RedisClient
	opts   RedisOptions
}

func NewRedisLocker(client RedisClient, opts RedisOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	return &RedisLocker{client: client, opts: opts}
}

func (l *RedisLocker) key(name string) string {
	if l.opts.KeyPrefix == "" {
		return name
	}
	return l.opts.KeyPrefix + ":" + name
}

func (l *RedisLocker) Lock(ctx context.Context, name string) (Guard, error) {
	key := l.key(name)
	token := uuid.NewString()
	start := time.Now()

	acquireCtx := ctx
	if l.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.opts.AcquireTimeout)
		defer cancel()
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(l.opts.RetryInterval), acquireCtx)
	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(acquireCtx, key, token, l.opts.TTL).Result()
		if err != nil {
			if acquireCtx.Err() != nil {
				return backoff.Permanent(acquireCtx.Err())
			}
			return backoff.Permanent(apperrors.ErrServiceUnavailable.
				WithCause(fmt.Errorf("redis SetNX failed: %w", err)).
				WithDetail("lock", key).
				AsRetryable())
		}
		if !ok {
			return errHeld
		}
		return nil
	}, b)
	if err != nil {
		metrics.IncLockAcquireFailure(redisBackend)
		if errors.Is(err, errHeld) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, acquireTimeout(key, err)
		}
		return nil, err
	}
	metrics.ObserveLockWait(redisBackend, time.Since(start))

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &redisGuard{
		locker: l,
		key:    key,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go g.renew(renewCtx)
	return g, nil
}

type redisGuard struct {
	locker   *RedisLocker
	key      string
	token    string
	cancel   context.CancelFunc
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
	once     sync.Once
}

func (g *redisGuard) Lost() <-chan struct{} {
	return g.lost
}

func (g *redisGuard) renew(ctx context.Context) {
	defer close(g.done)

	ttl := g.locker.opts.TTL
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, g.locker.client, []string{g.key}, g.token, ttl.Milliseconds()).Int64()
			if ctx.Err() != nil {
				return
			}
			// A network error is retried on the next tick while the lease
			// may still be valid; a zero reply means someone else owns it.
			if err == nil && n == 0 {
				g.markLost()
				return
			}
		}
	}
}

func (g *redisGuard) markLost() {
	g.lostOnce.Do(func() {
		metrics.IncLockLeaseLost(redisBackend)
		close(g.lost)
	})
}

func (g *redisGuard) Release(ctx context.Context) error {
	var err error
	g.once.Do(func() {
		g.cancel()
		<-g.done
		if _, runErr := releaseScript.Run(context.WithoutCancel(ctx), g.locker.client, []string{g.key}, g.token).Result(); runErr != nil {
			err = fmt.Errorf("failed to release lock %s: %w", g.key, runErr)
		}
	})
	return err
}
