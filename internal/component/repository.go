package component

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"meridian/internal/store"
	apperrors "meridian/pkg/errors"
)

type Repository interface {
	FindOrCreateRoute(ctx context.Context, name, owner string) (*Route, error)
	GetRoute(ctx context.Context, id string) (*Route, error)
	// FindOrCreate returns the component identified by (name, route, owner),
	// creating it in the RUNNING state on first use. Type and configuration
	// follow the latest declaration; run state is never touched.
	FindOrCreate(ctx context.Context, spec Spec) (*Component, error)
	Get(ctx context.Context, id string) (*Component, error)
	List(ctx context.Context, owner string) ([]Component, error)
	UpdateState(ctx context.Context, id string, side Side, state State, at time.Time) error
}

var componentColumns = []string{
	"id", "name", "route_id", "owner", "type", "inbound_state", "outbound_state",
	"configuration", "created_at", "updated_at",
}

type PostgresRepository struct {
	tx *store.Transactor
}

func NewRepository(tx *store.Transactor) *PostgresRepository {
	return &PostgresRepository{tx: tx}
}

func (r *PostgresRepository) FindOrCreateRoute(ctx context.Context, name, owner string) (*Route, error) {
	_, err := r.tx.Executor(ctx).ExecContext(ctx, `
		INSERT INTO routes (id, name, owner, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, owner) DO NOTHING
	`, uuid.NewString(), name, owner, time.Now().UTC())
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to create route: %w", err))
	}

	var route Route
	err = r.tx.Executor(ctx).QueryRowContext(ctx,
		`SELECT id, name, owner, created_at FROM routes WHERE name = $1 AND owner = $2`,
		name, owner,
	).Scan(&route.ID, &route.Name, &route.Owner, &route.CreatedAt)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to get route: %w", err))
	}
	return &route, nil
}

func (r *PostgresRepository) GetRoute(ctx context.Context, id string) (*Route, error) {
	var route Route
	err := r.tx.Executor(ctx).QueryRowContext(ctx,
		`SELECT id, name, owner, created_at FROM routes WHERE id = $1`, id,
	).Scan(&route.ID, &route.Name, &route.Owner, &route.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrRouteNotFound.WithDetail("route_id", id)
	}
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to get route: %w", err))
	}
	return &route, nil
}

func (r *PostgresRepository) FindOrCreate(ctx context.Context, spec Spec) (*Component, error) {
	cfg, err := json.Marshal(spec.Configuration)
	if err != nil {
		return nil, apperrors.ErrConfiguration.WithCause(err).WithMessage("configuration is not serializable")
	}

	now := time.Now().UTC()
	query, args, err := store.Builder().
		Insert("components").
		Columns(componentColumns...).
		Values(uuid.NewString(), spec.Name, spec.RouteID, spec.Owner, spec.Type,
			StateRunning, StateRunning, cfg, now, now).
		Suffix(`ON CONFLICT (name, route_id, owner) DO UPDATE
			SET type = EXCLUDED.type,
			    configuration = EXCLUDED.configuration,
			    updated_at = EXCLUDED.updated_at
			RETURNING ` + strings.Join(componentColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build upsert: %w", err)
	}

	c, err := scanComponent(r.tx.Executor(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to upsert component: %w", err))
	}
	return c, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Component, error) {
	builder := store.Builder().
		Select(componentColumns...).
		From("components").
		Where(sq.Eq{"id": id})
	if store.InTransaction(ctx) {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	c, err := scanComponent(r.tx.Executor(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrComponentNotFound.WithDetail("component_id", id)
	}
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to get component: %w", err))
	}
	return c, nil
}

func (r *PostgresRepository) List(ctx context.Context, owner string) ([]Component, error) {
	builder := store.Builder().
		Select(componentColumns...).
		From("components").
		OrderBy("route_id", "name")
	if owner != "" {
		builder = builder.Where(sq.Eq{"owner": owner})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := r.tx.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to list components: %w", err))
	}
	defer rows.Close()

	var out []Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan component: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(fmt.Errorf("rows iteration error: %w", err))
	}
	return out, nil
}

func (r *PostgresRepository) UpdateState(ctx context.Context, id string, side Side, state State, at time.Time) error {
	column := "outbound_state"
	if side == SideInbound {
		column = "inbound_state"
	}

	query, args, err := store.Builder().
		Update("components").
		Set(column, state).
		Set("updated_at", at).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := r.tx.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return store.Classify(fmt.Errorf("failed to update component state: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrComponentNotFound.WithDetail("component_id", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComponent(row rowScanner) (*Component, error) {
	var (
		c   Component
		cfg []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.RouteID,
		&c.Owner,
		&c.Type,
		&c.InboundState,
		&c.OutboundState,
		&cfg,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Configuration = make(map[string]string)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c.Configuration); err != nil {
			return nil, fmt.Errorf("failed to decode configuration of component %s: %w", c.ID, err)
		}
	}
	return &c, nil
}
