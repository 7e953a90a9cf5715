package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"meridian/internal/store"
	apperrors "meridian/pkg/errors"
)

const (
	outboxTable = "outbox_events"
	inboxTable  = "inbox_events"

	idColumn          = "id"
	flowIDColumn      = "message_flow_id"
	componentIDColumn = "component_id"
	routeIDColumn     = "route_id"
	ownerColumn       = "owner"
	typeColumn        = "type"
	retryAfterColumn  = "retry_after"
	retryCountColumn  = "retry_count"
	createdAtColumn   = "created_at"
)

var eventColumns = []string{
	idColumn, flowIDColumn, componentIDColumn, routeIDColumn, ownerColumn,
	typeColumn, retryAfterColumn, retryCountColumn, createdAtColumn,
}

type Repository interface {
	Create(ctx context.Context, ev *Event) error
	// Get looks in both tables. Inside a unit of work the row is locked.
	Get(ctx context.Context, id string) (*Event, error)
	Eligible(ctx context.Context, q EligibleQuery) ([]Event, error)
	UpdateRetry(ctx context.Context, ev *Event) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context, componentID string) ([]Stats, error)
	ListByComponent(ctx context.Context, componentID string, dir Direction, limit uint64) ([]Event, error)
}

type PostgresRepository struct {
	tx *store.Transactor
}

func NewRepository(tx *store.Transactor) *PostgresRepository {
	return &PostgresRepository{tx: tx}
}

func tableFor(dir Direction) string {
	if dir == DirectionInbox {
		return inboxTable
	}
	return outboxTable
}

func notFound(id string) error {
	return apperrors.ErrEventNotFound.WithDetail("event_id", id)
}

func (r *PostgresRepository) Create(ctx context.Context, ev *Event) error {
	query, args, err := store.Builder().
		Insert(tableFor(ev.Direction)).
		Columns(eventColumns...).
		Values(ev.ID, ev.MessageFlowID, ev.ComponentID, ev.RouteID, ev.Owner,
			ev.Type, ev.RetryAfter, ev.RetryCount, ev.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := r.tx.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		if store.IsUniqueViolation(err) {
			return apperrors.ErrConflict.
				WithCause(err).
				WithMessage("event already recorded for this flow").
				WithDetail("message_flow_id", ev.MessageFlowID).
				WithDetail("type", string(ev.Type))
		}
		return store.Classify(fmt.Errorf("failed to insert event: %w", err))
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Event, error) {
	for _, dir := range []Direction{DirectionOutbox, DirectionInbox} {
		builder := store.Builder().
			Select(eventColumns...).
			From(tableFor(dir)).
			Where(sq.Eq{idColumn: id})
		if store.InTransaction(ctx) {
			builder = builder.Suffix("FOR UPDATE")
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return nil, fmt.Errorf("failed to build select: %w", err)
		}

		ev, err := scanEvent(r.tx.Executor(ctx).QueryRowContext(ctx, query, args...), dir)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, store.Classify(fmt.Errorf("failed to get event: %w", err))
		}
		return ev, nil
	}
	return nil, notFound(id)
}

func (r *PostgresRepository) Eligible(ctx context.Context, q EligibleQuery) ([]Event, error) {
	builder := store.Builder().
		Select(eventColumns...).
		From(tableFor(q.Direction)).
		Where(sq.Eq{componentIDColumn: q.ComponentID}).
		Where(sq.Or{sq.Eq{retryAfterColumn: nil}, sq.LtOrEq{retryAfterColumn: q.Now}}).
		OrderBy(createdAtColumn+" ASC", idColumn+" ASC")

	if len(q.ExcludeTypes) > 0 {
		excluded := make([]string, len(q.ExcludeTypes))
		for i, t := range q.ExcludeTypes {
			excluded[i] = string(t)
		}
		builder = builder.Where(sq.NotEq{typeColumn: excluded})
	}
	if q.Limit > 0 {
		builder = builder.Limit(q.Limit)
	}

	return r.query(ctx, builder, q.Direction)
}

func (r *PostgresRepository) UpdateRetry(ctx context.Context, ev *Event) error {
	query, args, err := store.Builder().
		Update(tableFor(ev.Direction)).
		Set(retryCountColumn, ev.RetryCount).
		Set(retryAfterColumn, ev.RetryAfter).
		Where(sq.Eq{idColumn: ev.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := r.tx.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return store.Classify(fmt.Errorf("failed to update event retry: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(ev.ID)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	for _, table := range []string{outboxTable, inboxTable} {
		query, args, err := store.Builder().
			Delete(table).
			Where(sq.Eq{idColumn: id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build delete: %w", err)
		}

		res, err := r.tx.Executor(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			return store.Classify(fmt.Errorf("failed to delete event: %w", err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	return notFound(id)
}

func (r *PostgresRepository) Stats(ctx context.Context, componentID string) ([]Stats, error) {
	var out []Stats
	for _, dir := range []Direction{DirectionInbox, DirectionOutbox} {
		builder := store.Builder().
			Select(
				componentIDColumn,
				typeColumn,
				"COUNT(*)",
				"COUNT(*) FILTER (WHERE "+retryCountColumn+" > 0)",
				"COALESCE(MAX("+retryCountColumn+"), 0)",
				"MIN("+createdAtColumn+")",
			).
			From(tableFor(dir)).
			GroupBy(componentIDColumn, typeColumn).
			OrderBy(componentIDColumn, typeColumn)
		if componentID != "" {
			builder = builder.Where(sq.Eq{componentIDColumn: componentID})
		}

		query, args, err := builder.ToSql()
		if err != nil {
			return nil, fmt.Errorf("failed to build stats query: %w", err)
		}

		rows, err := r.tx.Executor(ctx).QueryContext(ctx, query, args...)
		if err != nil {
			return nil, store.Classify(fmt.Errorf("failed to query event stats: %w", err))
		}

		for rows.Next() {
			s := Stats{Direction: dir}
			var oldest sql.NullTime
			if err := rows.Scan(&s.ComponentID, &s.Type, &s.Pending, &s.Retrying, &s.MaxRetryCount, &oldest); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan event stats: %w", err)
			}
			if oldest.Valid {
				t := oldest.Time
				s.OldestAt = &t
			}
			out = append(out, s)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, store.Classify(err)
		}
	}
	return out, nil
}

func (r *PostgresRepository) ListByComponent(ctx context.Context, componentID string, dir Direction, limit uint64) ([]Event, error) {
	builder := store.Builder().
		Select(eventColumns...).
		From(tableFor(dir)).
		Where(sq.Eq{componentIDColumn: componentID}).
		OrderBy(createdAtColumn + " ASC")
	if limit > 0 {
		builder = builder.Limit(limit)
	}
	return r.query(ctx, builder, dir)
}

func (r *PostgresRepository) query(ctx context.Context, builder sq.SelectBuilder, dir Direction) ([]Event, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := r.tx.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, dir Direction) (*Event, error) {
	ev := Event{Direction: dir}
	var retryAfter sql.NullTime
	if err := row.Scan(
		&ev.ID,
		&ev.MessageFlowID,
		&ev.ComponentID,
		&ev.RouteID,
		&ev.Owner,
		&ev.Type,
		&retryAfter,
		&ev.RetryCount,
		&ev.CreatedAt,
	); err != nil {
		return nil, err
	}
	if retryAfter.Valid {
		t := retryAfter.Time
		ev.RetryAfter = &t
	}
	return &ev, nil
}

