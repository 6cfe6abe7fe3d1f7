package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB Sync Record Adapter
// =============================================================================

// SyncRecordAdapter implements out.SyncRecordRepository using MongoDB.
type SyncRecordAdapter struct {
	collection *mongo.Collection
}

// NewSyncRecordAdapter creates a new MongoDB sync record adapter.
func NewSyncRecordAdapter(db *mongo.Database) *SyncRecordAdapter {
	return &SyncRecordAdapter{collection: db.Collection(collectionSyncRecords)}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *SyncRecordAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_attempt_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

type syncRecordDocument struct {
	MessageID string `bson:"message_id"`
	UserID    string `bson:"user_id"`

	ProviderEventID    string `bson:"provider_event_id,omitempty"`
	ProviderCalendarID string `bson:"provider_calendar_id,omitempty"`

	Status        string     `bson:"status"`
	LastError     string     `bson:"last_error,omitempty"`
	LastErrorType string     `bson:"last_error_type,omitempty"`
	LastAttemptAt *time.Time `bson:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `bson:"next_retry_at,omitempty"`
	RetryCount    int        `bson:"retry_count"`
	MaxRetries    int        `bson:"max_retries"`

	Reminder *reminderDocument `bson:"reminder,omitempty"`

	CorrelationID string    `bson:"correlation_id,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type reminderDocument struct {
	MessageID       string `bson:"message_id"`
	Description     string `bson:"description"`
	Date            string `bson:"date"`
	DurationMinutes int    `bson:"duration_minutes,omitempty"`
	EndDate         string `bson:"end_date,omitempty"`
}

func toReminderDocument(r *domain.Reminder) *reminderDocument {
	if r == nil {
		return nil
	}
	return &reminderDocument{
		MessageID:       r.MessageID,
		Description:     r.Description,
		Date:            r.Date,
		DurationMinutes: r.DurationMinutes,
		EndDate:         r.EndDate,
	}
}

func (d *reminderDocument) toEntity() *domain.Reminder {
	if d == nil {
		return nil
	}
	return &domain.Reminder{
		MessageID:       d.MessageID,
		Description:     d.Description,
		Date:            d.Date,
		DurationMinutes: d.DurationMinutes,
		EndDate:         d.EndDate,
	}
}

func (d *syncRecordDocument) toEntity() *domain.SyncRecord {
	return &domain.SyncRecord{
		MessageID:          d.MessageID,
		UserID:             d.UserID,
		ProviderEventID:    d.ProviderEventID,
		ProviderCalendarID: d.ProviderCalendarID,
		Status:             domain.SyncStatus(d.Status),
		LastError:          d.LastError,
		LastErrorType:      domain.ErrorType(d.LastErrorType),
		LastAttemptAt:      d.LastAttemptAt,
		NextRetryAt:        d.NextRetryAt,
		RetryCount:         d.RetryCount,
		MaxRetries:         d.MaxRetries,
		Reminder:           d.Reminder.toEntity(),
		CorrelationID:      d.CorrelationID,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

// =============================================================================
// Lookup / insert-if-absent
// =============================================================================

// GetOrCreate upserts with $setOnInsert in one FindOneAndUpdate. The
// pre-image is empty only for the inserting call, which then owns record as
// stored. A concurrent insert that loses on the unique index retries and
// reads the winner.
func (a *SyncRecordAdapter) GetOrCreate(ctx context.Context, record *domain.SyncRecord) (*domain.SyncRecord, bool, error) {
	filter := bson.M{"message_id": record.MessageID}
	// message_id comes from the equality filter on insert
	update := bson.M{"$setOnInsert": bson.M{
		"user_id":        record.UserID,
		"status":         string(record.Status),
		"retry_count":    record.RetryCount,
		"max_retries":    record.MaxRetries,
		"reminder":       toReminderDocument(record.Reminder),
		"correlation_id": record.CorrelationID,
		"created_at":     record.CreatedAt,
		"updated_at":     record.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	for attempt := 0; ; attempt++ {
		var doc syncRecordDocument
		err := a.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		switch {
		case err == nil:
			return doc.toEntity(), false, nil
		case errors.Is(err, mongo.ErrNoDocuments):
			stored := *record
			return &stored, true, nil
		case mongo.IsDuplicateKeyError(err) && attempt == 0:
			continue
		default:
			return nil, false, fmt.Errorf("failed to upsert sync record: %w", err)
		}
	}
}

// GetByMessageID returns nil when no record exists.
func (a *SyncRecordAdapter) GetByMessageID(ctx context.Context, messageID string) (*domain.SyncRecord, error) {
	var doc syncRecordDocument
	err := a.collection.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync record: %w", err)
	}
	return doc.toEntity(), nil
}

// UpdateReminder replaces the stored payload.
func (a *SyncRecordAdapter) UpdateReminder(ctx context.Context, messageID string, reminder *domain.Reminder, at time.Time) error {
	return a.updateOne(ctx, messageID, bson.M{"$set": bson.M{
		"reminder":   toReminderDocument(reminder),
		"updated_at": at,
	}})
}

// =============================================================================
// State transitions
// =============================================================================

// MarkSynced sets OK with the provider ids and clears the error fields.
func (a *SyncRecordAdapter) MarkSynced(ctx context.Context, messageID, providerEventID, providerCalendarID string, at time.Time) error {
	return a.updateOne(ctx, messageID, bson.M{
		"$set": bson.M{
			"status":               string(domain.SyncStatusOK),
			"provider_event_id":    providerEventID,
			"provider_calendar_id": providerCalendarID,
			"last_attempt_at":      at,
			"updated_at":           at,
		},
		"$unset": bson.M{"last_error": "", "last_error_type": "", "next_retry_at": ""},
	})
}

// MarkFailed records a failed attempt.
func (a *SyncRecordAdapter) MarkFailed(ctx context.Context, f out.SyncFailure) error {
	set := bson.M{
		"status":          string(domain.SyncStatusFailed),
		"last_error":      f.Error,
		"last_error_type": string(f.ErrorType),
		"retry_count":     f.RetryCount,
		"last_attempt_at": f.AttemptedAt,
		"updated_at":      f.AttemptedAt,
	}
	update := bson.M{"$set": set}
	if f.NextRetryAt != nil {
		set["next_retry_at"] = *f.NextRetryAt
	} else {
		update["$unset"] = bson.M{"next_retry_at": ""}
	}
	return a.updateOne(ctx, f.MessageID, update)
}

// MarkQueued notes why the record was not attempted. A FAILED record with
// retries left is parked as QUEUED; its retry count and error type are kept.
func (a *SyncRecordAdapter) MarkQueued(ctx context.Context, messageID, reason string, at time.Time) error {
	filter := bson.M{
		"message_id": messageID,
		"$or": bson.A{
			bson.M{"status": string(domain.SyncStatusQueued)},
			retryCandidateFilter(),
		},
	}
	_, err := a.collection.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{
			"status":     string(domain.SyncStatusQueued),
			"last_error": reason,
			"updated_at": at,
		},
		"$unset": bson.M{"next_retry_at": ""},
	})
	if err != nil {
		return fmt.Errorf("failed to mark sync record queued: %w", err)
	}
	return nil
}

func (a *SyncRecordAdapter) updateOne(ctx context.Context, messageID string, update bson.M) error {
	res, err := a.collection.UpdateOne(ctx, bson.M{"message_id": messageID}, update)
	if err != nil {
		return fmt.Errorf("failed to update sync record: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// =============================================================================
// Retry queue
// =============================================================================

func retryCandidateFilter() bson.M {
	return bson.M{
		"status": string(domain.SyncStatusFailed),
		"$expr":  bson.M{"$lt": bson.A{"$retry_count", "$max_retries"}},
	}
}

// ListRetryCandidates returns FAILED records inside their retry budget,
// least recently attempted first.
func (a *SyncRecordAdapter) ListRetryCandidates(ctx context.Context, limit int) ([]*domain.SyncRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_attempt_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := a.collection.Find(ctx, retryCandidateFilter(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry candidates: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []syncRecordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode retry candidates: %w", err)
	}

	records := make([]*domain.SyncRecord, 0, len(docs))
	for i := range docs {
		records = append(records, docs[i].toEntity())
	}
	return records, nil
}

// CountPendingRetries counts FAILED records inside their retry budget.
func (a *SyncRecordAdapter) CountPendingRetries(ctx context.Context) (int64, error) {
	n, err := a.collection.CountDocuments(ctx, retryCandidateFilter())
	if err != nil {
		return 0, fmt.Errorf("failed to count retry candidates: %w", err)
	}
	return n, nil
}

// ResumeParked returns userID's parked records to FAILED, due at once.
func (a *SyncRecordAdapter) ResumeParked(ctx context.Context, userID string, at time.Time) (int64, error) {
	filter := bson.M{
		"user_id":     userID,
		"status":      string(domain.SyncStatusQueued),
		"retry_count": bson.M{"$gt": 0},
		"$expr":       bson.M{"$lt": bson.A{"$retry_count", "$max_retries"}},
	}
	res, err := a.collection.UpdateMany(ctx, filter, bson.M{"$set": bson.M{
		"status":        string(domain.SyncStatusFailed),
		"next_retry_at": at,
		"updated_at":    at,
	}})
	if err != nil {
		return 0, fmt.Errorf("failed to resume parked records: %w", err)
	}
	return res.ModifiedCount, nil
}

// DeleteSyncedBefore removes OK records last updated before cutoff.
func (a *SyncRecordAdapter) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.collection.DeleteMany(ctx, bson.M{
		"status":     string(domain.SyncStatusOK),
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced records: %w", err)
	}
	return res.DeletedCount, nil
}

var _ out.SyncRecordRepository = (*SyncRecordAdapter)(nil)
