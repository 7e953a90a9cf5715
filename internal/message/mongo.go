package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"meridian/internal/logger"
	"meridian/internal/store"
	apperrors "meridian/pkg/errors"
)

// MongoStore keeps content outside the relational store. Writes happen
// before the surrounding unit of work commits, so each write registers a
// compensating delete that runs if that unit of work rolls back.
type MongoStore struct {
	collection *mongo.Collection
	logger     logger.Logger
}

func NewMongoStore(collection *mongo.Collection, log logger.Logger) *MongoStore {
	return &MongoStore{collection: collection, logger: log}
}

func (s *MongoStore) Save(ctx context.Context, content string, contentType ContentType) (*Message, error) {
	msg := &Message{
		ID:          uuid.NewString(),
		Content:     content,
		ContentType: contentType,
		ContentHash: Hash(content),
		CreatedAt:   time.Now().UTC(),
	}

	if _, err := s.collection.InsertOne(ctx, msg); err != nil {
		return nil, apperrors.ErrStore.WithCause(fmt.Errorf("failed to insert message: %w", err)).AsRetryable()
	}

	store.OnRollback(ctx, func(ctx context.Context) {
		if err := s.Delete(ctx, msg.ID); err != nil && !apperrors.IsNotFound(err) {
			s.logger.WarnwCtx(ctx, "Failed to remove orphaned message content",
				"message_id", msg.ID,
				"error", err,
			)
		}
	})

	return msg, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.ErrStore.WithCause(fmt.Errorf("failed to get message: %w", err)).AsRetryable()
	}
	return &msg, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperrors.ErrStore.WithCause(fmt.Errorf("failed to delete message: %w", err)).AsRetryable()
	}
	if res.DeletedCount == 0 {
		return notFound(id)
	}
	return nil
}
