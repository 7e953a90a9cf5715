package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"meridian/internal/store"
	apperrors "meridian/pkg/errors"
)

type Repository interface {
	CreateGroup(ctx context.Context) (string, error)
	Insert(ctx context.Context, flow *Flow) error
	Get(ctx context.Context, id string) (*Flow, error)
	// UpdateAction moves id from one action to another and reports whether
	// the row was still in the expected state.
	UpdateAction(ctx context.Context, id string, from, to Action, at time.Time) (bool, error)
	InsertDetail(ctx context.Context, detail *Detail) error
	// GetDetail returns nil when the flow has no side record.
	GetDetail(ctx context.Context, flowID string) (*Detail, error)
	ListByGroup(ctx context.Context, groupID string) ([]Flow, error)
	ListChildren(ctx context.Context, parentID string) ([]Flow, error)
	ListErrors(ctx context.Context, query ErrorQuery) ([]ErrorRecord, error)
}

var flowColumns = []string{
	"f.id", "f.group_id", "f.parent_id", "f.component_id", "f.message_id",
	"f.content_type", "f.content_hash", "f.action", "f.properties",
	"f.created_at", "f.updated_at",
}

type PostgresRepository struct {
	tx *store.Transactor
}

func NewRepository(tx *store.Transactor) *PostgresRepository {
	return &PostgresRepository{tx: tx}
}

func (r *PostgresRepository) CreateGroup(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := r.tx.Executor(ctx).ExecContext(ctx,
		`INSERT INTO message_flow_groups (id, created_at) VALUES ($1, $2)`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return "", store.Classify(fmt.Errorf("failed to create flow group: %w", err))
	}
	return id, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, flow *Flow) error {
	props, err := json.Marshal(flow.Properties)
	if err != nil {
		return apperrors.ErrValidation.WithCause(err).WithMessage("properties are not serializable")
	}

	query, args, err := store.Builder().
		Insert("message_flows").
		Columns("id", "group_id", "parent_id", "component_id", "message_id",
			"content_type", "content_hash", "action", "properties", "created_at", "updated_at").
		Values(flow.ID, flow.GroupID, flow.ParentID, flow.ComponentID, flow.MessageID,
			flow.ContentType, flow.ContentHash, flow.Action, props, flow.CreatedAt, flow.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := r.tx.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		return store.Classify(fmt.Errorf("failed to insert flow: %w", err))
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Flow, error) {
	query, args, err := store.Builder().
		Select(flowColumns...).
		From("message_flows f").
		Where(sq.Eq{"f.id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	flow, err := scanFlow(r.tx.Executor(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrFlowNotFound.WithDetail("flow_id", id)
	}
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to get flow: %w", err))
	}
	return flow, nil
}

func (r *PostgresRepository) UpdateAction(ctx context.Context, id string, from, to Action, at time.Time) (bool, error) {
	query, args, err := store.Builder().
		Update("message_flows").
		Set("action", to).
		Set("updated_at", at).
		Where(sq.Eq{"id": id, "action": from}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update: %w", err)
	}

	res, err := r.tx.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, store.Classify(fmt.Errorf("failed to update flow action: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Classify(err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) InsertDetail(ctx context.Context, detail *Detail) error {
	query, args, err := store.Builder().
		Insert("message_flow_details").
		Columns("flow_id", "kind", "name", "reason", "error", "created_at").
		Values(detail.FlowID, detail.Kind,
			nullString(detail.Name), nullString(detail.Reason), nullString(detail.Error),
			detail.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := r.tx.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		if store.IsUniqueViolation(err) {
			return apperrors.ErrConflict.
				WithCause(err).
				WithMessage("flow already has a filter or error record").
				WithDetail("flow_id", detail.FlowID)
		}
		return store.Classify(fmt.Errorf("failed to insert flow detail: %w", err))
	}
	return nil
}

func (r *PostgresRepository) GetDetail(ctx context.Context, flowID string) (*Detail, error) {
	query := `
		SELECT flow_id, kind, COALESCE(name, ''), COALESCE(reason, ''), COALESCE(error, ''), created_at
		FROM message_flow_details
		WHERE flow_id = $1
	`

	var d Detail
	err := r.tx.Executor(ctx).QueryRowContext(ctx, query, flowID).Scan(
		&d.FlowID,
		&d.Kind,
		&d.Name,
		&d.Reason,
		&d.Error,
		&d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to get flow detail: %w", err))
	}
	return &d, nil
}

func (r *PostgresRepository) ListByGroup(ctx context.Context, groupID string) ([]Flow, error) {
	return r.list(ctx, sq.Eq{"f.group_id": groupID})
}

func (r *PostgresRepository) ListChildren(ctx context.Context, parentID string) ([]Flow, error) {
	return r.list(ctx, sq.Eq{"f.parent_id": parentID})
}

func (r *PostgresRepository) list(ctx context.Context, where sq.Sqlizer) ([]Flow, error) {
	query, args, err := store.Builder().
		Select(flowColumns...).
		From("message_flows f").
		Where(where).
		OrderBy("f.created_at ASC", "f.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := r.tx.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to query flows: %w", err))
	}
	defer rows.Close()

	var flows []Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flows = append(flows, *flow)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(fmt.Errorf("rows iteration error: %w", err))
	}
	return flows, nil
}

func (r *PostgresRepository) ListErrors(ctx context.Context, q ErrorQuery) ([]ErrorRecord, error) {
	builder := store.Builder().
		Select(append(flowColumns, "d.error", "d.created_at")...).
		From("message_flow_details d").
		Join("message_flows f ON f.id = d.flow_id").
		Where(sq.Eq{"d.kind": DetailError}).
		OrderBy("d.created_at DESC")

	if q.ComponentID != "" {
		builder = builder.Where(sq.Eq{"f.component_id": q.ComponentID})
	}
	if !q.Since.IsZero() {
		builder = builder.Where(sq.GtOrEq{"d.created_at": q.Since})
	}
	if q.Limit > 0 {
		builder = builder.Limit(q.Limit)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := r.tx.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to query errors: %w", err))
	}
	defer rows.Close()

	var records []ErrorRecord
	for rows.Next() {
		var (
			rec      ErrorRecord
			parentID sql.NullString
			props    []byte
		)
		if err := rows.Scan(
			&rec.Flow.ID, &rec.Flow.GroupID, &parentID, &rec.Flow.ComponentID, &rec.Flow.MessageID,
			&rec.Flow.ContentType, &rec.Flow.ContentHash, &rec.Flow.Action, &props,
			&rec.Flow.CreatedAt, &rec.Flow.UpdatedAt,
			&rec.Error, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		if err := fillFlow(&rec.Flow, parentID, props); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(fmt.Errorf("rows iteration error: %w", err))
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*Flow, error) {
	var (
		flow     Flow
		parentID sql.NullString
		props    []byte
	)
	if err := row.Scan(
		&flow.ID,
		&flow.GroupID,
		&parentID,
		&flow.ComponentID,
		&flow.MessageID,
		&flow.ContentType,
		&flow.ContentHash,
		&flow.Action,
		&props,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := fillFlow(&flow, parentID, props); err != nil {
		return nil, err
	}
	return &flow, nil
}

func fillFlow(flow *Flow, parentID sql.NullString, props []byte) error {
	if parentID.Valid {
		id := parentID.String
		flow.ParentID = &id
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &flow.Properties); err != nil {
			return fmt.Errorf("failed to decode properties of flow %s: %w", flow.ID, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
