package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureMessageCollection creates the indexes used by the external content store.
func EnsureMessageCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "content_hash", Value: 1}},
			Options: options.Index().SetName("idx_messages_content_hash"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_messages_created_at"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
