package lock

import (
	"context"
	"sync"
	"time"

	"meridian/pkg/metrics"
)

const localBackend = "local"

// LocalLocker serializes holders within one process.
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	timeout time.Duration
}

func NewLocalLocker(acquireTimeout time.Duration) *LocalLocker {
	return &LocalLocker{
		slots:   make(map[string]chan struct{}),
		timeout: acquireTimeout,
	}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (Guard, error) {
	ch := l.slot(key)
	start := time.Now()

	var timeout <-chan time.Time
	if l.timeout > 0 {
		t := time.NewTimer(l.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case ch <- struct{}{}:
		metrics.ObserveLockWait(localBackend, time.Since(start))
		return &localGuard{slot: ch, lost: make(chan struct{})}, nil
	case <-ctx.Done():
		metrics.IncLockAcquireFailure(localBackend)
		return nil, ctx.Err()
	case <-timeout:
		metrics.IncLockAcquireFailure(localBackend)
		return nil, acquireTimeout(key, context.DeadlineExceeded)
	}
}

type localGuard struct {
	slot chan struct{}
	lost chan struct{}
	once sync.Once
}

func (g *localGuard) Release(context.Context) error {
	g.once.Do(func() { <-g.slot })
	return nil
}

// Lost never fires; a local lock cannot be taken away.
func (g *localGuard) Lost() <-chan struct{} {
	return g.lost
}
