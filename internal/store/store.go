// Package store provides the relational unit of work shared by the ledger,
// the event scheduler and the component registry.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"
)

// Executor is satisfied by both *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork runs fn atomically. Nested calls join the outer unit.
type UnitOfWork interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type txState struct {
	tx            *sql.Tx
	compensations []func(ctx context.Context)
}

type Transactor struct {
	db *sql.DB
}

func NewTransactor(db *sql.DB) *Transactor {
	return &Transactor{db: db}
}

func (t *Transactor) DB() *sql.DB {
	return t.db
}

// Executor returns the transaction bound to ctx, or the pool when there is none.
func (t *Transactor) Executor(ctx context.Context) Executor {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return t.db
}

func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return Classify(fmt.Errorf("begin transaction: %w", err))
	}

	state := &txState{tx: tx}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			state.compensate(ctx)
			panic(r)
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		_ = tx.Rollback()
		state.compensate(ctx)
		return err
	}

	if err := tx.Commit(); err != nil {
		state.compensate(ctx)
		return Classify(fmt.Errorf("commit transaction: %w", err))
	}

	return nil
}

// OnRollback registers an undo action for side effects made outside the
// database during the current unit of work. Without an active unit of work
// the action is dropped.
func OnRollback(ctx context.Context, fn func(ctx context.Context)) {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		state.compensations = append(state.compensations, fn)
	}
}

// InTransaction reports whether ctx carries an active unit of work.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

func (s *txState) compensate(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.compensations) - 1; i >= 0; i-- {
		s.compensations[i](ctx)
	}
}

// Builder returns a squirrel builder using Postgres placeholders.
func Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}
