package out

import (
	"context"
	"time"

	"remindsync/core/domain"
)

// SyncRecordRepository - one document per reminder, unique on MessageID.
// Every mutating method is a single-document atomic write.
type SyncRecordRepository interface {
	// ==========================================================================
	// Lookup / insert-if-absent
	// ==========================================================================

	// GetOrCreate stores record unless one with the same MessageID exists and
	// returns the stored record; created is true only for the inserting call.
	GetOrCreate(ctx context.Context, record *domain.SyncRecord) (stored *domain.SyncRecord, created bool, err error)
	GetByMessageID(ctx context.Context, messageID string) (*domain.SyncRecord, error)
	// UpdateReminder replaces the stored payload after the caller edited it.
	UpdateReminder(ctx context.Context, messageID string, reminder *domain.Reminder, at time.Time) error

	// ==========================================================================
	// State transitions
	// ==========================================================================

	// MarkSynced sets OK, stores the provider ids and clears the error fields.
	MarkSynced(ctx context.Context, messageID, providerEventID, providerCalendarID string, at time.Time) error
	// MarkFailed sets FAILED with the given bookkeeping.
	MarkFailed(ctx context.Context, failure SyncFailure) error
	// MarkQueued notes why a record was not attempted without touching the
	// retry budget. A FAILED record with retries left is parked as QUEUED so
	// it leaves the retry queue; OK and exhausted records are not changed.
	MarkQueued(ctx context.Context, messageID, reason string, at time.Time) error

	// ==========================================================================
	// Retry queue
	// ==========================================================================

	// ListRetryCandidates returns FAILED records with retry_count < max_retries,
	// least recently attempted first.
	ListRetryCandidates(ctx context.Context, limit int) ([]*domain.SyncRecord, error)
	CountPendingRetries(ctx context.Context) (int64, error)
	ParkedRecordResumer

	// DeleteSyncedBefore removes OK records last updated before cutoff.
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ParkedRecordResumer puts a user's parked records back on the retry queue,
// due at once.
type ParkedRecordResumer interface {
	ResumeParked(ctx context.Context, userID string, at time.Time) (int64, error)
}

// SyncFailure is the bookkeeping written for a failed attempt.
type SyncFailure struct {
	MessageID   string
	Error       string
	ErrorType   domain.ErrorType
	RetryCount  int
	AttemptedAt time.Time
	NextRetryAt *time.Time // nil when no retry will follow
}
