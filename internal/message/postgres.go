package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meridian/internal/store"
)

type PostgresStore struct {
	tx *store.Transactor
}

func NewPostgresStore(tx *store.Transactor) *PostgresStore {
	return &PostgresStore{tx: tx}
}

func (s *PostgresStore) Save(ctx context.Context, content string, contentType ContentType) (*Message, error) {
	msg := &Message{
		ID:          uuid.NewString(),
		Content:     content,
		ContentType: contentType,
		ContentHash: Hash(content),
		CreatedAt:   time.Now().UTC(),
	}

	query := `
		INSERT INTO messages (id, content, content_type, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.tx.Executor(ctx).ExecContext(ctx, query,
		msg.ID, msg.Content, msg.ContentType, msg.ContentHash, msg.CreatedAt,
	); err != nil {
		return nil, store.Classify(fmt.Errorf("failed to insert message: %w", err))
	}

	return msg, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, content, content_type, content_hash, created_at
		FROM messages
		WHERE id = $1
	`

	var msg Message
	err := s.tx.Executor(ctx).QueryRowContext(ctx, query, id).Scan(
		&msg.ID,
		&msg.Content,
		&msg.ContentType,
		&msg.ContentHash,
		&msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, store.Classify(fmt.Errorf("failed to get message: %w", err))
	}

	return &msg, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.tx.Executor(ctx).ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return store.Classify(fmt.Errorf("failed to delete message: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}
