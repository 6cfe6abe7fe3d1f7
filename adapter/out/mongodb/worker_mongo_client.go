// Package mongodb implements the MongoDB stores for sync records and user
// integrations.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionSyncRecords  = "sync_records"
	collectionIntegrations = "user_integrations"
)

// NewClient creates a new MongoDB client.
func NewClient(ctx context.Context, url string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(url).
		SetMaxPoolSize(100).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client, nil
}

// EnsureIndexes creates the indexes both stores rely on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	if err := NewSyncRecordAdapter(db).EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("sync_records indexes: %w", err)
	}
	if err := NewIntegrationAdapter(db).EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("user_integrations indexes: %w", err)
	}
	return nil
}
