// Package testkit holds in-memory stand-ins for the relational store used by
// unit tests. Transactions are not isolated from each other; rollback
// restores a snapshot taken when the outermost unit of work began.
package testkit

import (
	"context"
	"sync"
)

type snapshotter interface {
	snapshot() func()
}

type uowKey struct{}

type UnitOfWork struct {
	mu           sync.Mutex
	participants []snapshotter
	commitErr    error
	Commits      int
	Rollbacks    int
}

func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{}
}

func (u *UnitOfWork) register(s snapshotter) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.participants = append(u.participants, s)
}

// FailNextCommit makes the next outermost unit of work roll back with err
// after fn has succeeded.
func (u *UnitOfWork) FailNextCommit(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.commitErr = err
}

func (u *UnitOfWork) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(uowKey{}) != nil {
		return fn(ctx)
	}

	u.mu.Lock()
	restores := make([]func(), 0, len(u.participants))
	for _, p := range u.participants {
		restores = append(restores, p.snapshot())
	}
	u.mu.Unlock()

	err := fn(context.WithValue(ctx, uowKey{}, true))

	u.mu.Lock()
	defer u.mu.Unlock()
	if err == nil && u.commitErr != nil {
		err, u.commitErr = u.commitErr, nil
	}
	if err != nil {
		for _, restore := range restores {
			restore()
		}
		u.Rollbacks++
		return err
	}
	u.Commits++
	return nil
}
