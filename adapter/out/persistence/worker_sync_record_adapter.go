package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// SyncRecordAdapter implements out.SyncRecordRepository using PostgreSQL.
type SyncRecordAdapter struct {
	db *sqlx.DB
}

// NewSyncRecordAdapter creates a new SyncRecordAdapter.
func NewSyncRecordAdapter(db *sqlx.DB) *SyncRecordAdapter {
	return &SyncRecordAdapter{db: db}
}

const syncRecordColumns = `message_id, user_id, provider_event_id, provider_calendar_id, status,
	last_error, last_error_type, last_attempt_at, next_retry_at, retry_count, max_retries,
	reminder, correlation_id, created_at, updated_at`

// syncRecordRow represents the database row for a sync record.
type syncRecordRow struct {
	MessageID          string         `db:"message_id"`
	UserID             string         `db:"user_id"`
	ProviderEventID    sql.NullString `db:"provider_event_id"`
	ProviderCalendarID sql.NullString `db:"provider_calendar_id"`
	Status             string         `db:"status"`
	LastError          sql.NullString `db:"last_error"`
	LastErrorType      sql.NullString `db:"last_error_type"`
	LastAttemptAt      sql.NullTime   `db:"last_attempt_at"`
	NextRetryAt        sql.NullTime   `db:"next_retry_at"`
	RetryCount         int            `db:"retry_count"`
	MaxRetries         int            `db:"max_retries"`
	Reminder           []byte         `db:"reminder"`
	CorrelationID      sql.NullString `db:"correlation_id"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *syncRecordRow) toEntity() (*domain.SyncRecord, error) {
	rec := &domain.SyncRecord{
		MessageID:          r.MessageID,
		UserID:             r.UserID,
		ProviderEventID:    r.ProviderEventID.String,
		ProviderCalendarID: r.ProviderCalendarID.String,
		Status:             domain.SyncStatus(r.Status),
		LastError:          r.LastError.String,
		LastErrorType:      domain.ErrorType(r.LastErrorType.String),
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		CorrelationID:      r.CorrelationID.String,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.LastAttemptAt.Valid {
		t := r.LastAttemptAt.Time
		rec.LastAttemptAt = &t
	}
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		rec.NextRetryAt = &t
	}
	if len(r.Reminder) > 0 && string(r.Reminder) != "null" {
		var rem domain.Reminder
		if err := json.Unmarshal(r.Reminder, &rem); err != nil {
			return nil, fmt.Errorf("decode reminder for %s: %w", r.MessageID, err)
		}
		rec.Reminder = &rem
	}
	return rec, nil
}

// encodeReminder renders the payload as JSON text for the jsonb column.
func encodeReminder(r *domain.Reminder) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode reminder: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// =============================================================================
// Lookup / insert-if-absent
// =============================================================================

// GetOrCreate inserts with ON CONFLICT DO NOTHING and reads the stored row.
func (a *SyncRecordAdapter) GetOrCreate(ctx context.Context, record *domain.SyncRecord) (*domain.SyncRecord, bool, error) {
	payload, err := encodeReminder(record.Reminder)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO sync_records (message_id, user_id, status, retry_count, max_retries,
			reminder, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING message_id`

	var inserted string
	err = a.db.QueryRowxContext(ctx, query,
		record.MessageID, record.UserID, string(record.Status), record.RetryCount, record.MaxRetries,
		payload, nullString(record.CorrelationID), record.CreatedAt, record.UpdatedAt,
	).Scan(&inserted)
	created := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert sync record: %w", err)
	}

	stored, err := a.GetByMessageID(ctx, record.MessageID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, domain.ErrRecordNotFound
	}
	return stored, created, nil
}

// GetByMessageID returns nil when no record exists.
func (a *SyncRecordAdapter) GetByMessageID(ctx context.Context, messageID string) (*domain.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records WHERE message_id = $1`

	var row syncRecordRow
	if err := a.db.QueryRowxContext(ctx, query, messageID).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync record: %w", err)
	}
	return row.toEntity()
}

// UpdateReminder replaces the stored payload.
func (a *SyncRecordAdapter) UpdateReminder(ctx context.Context, messageID string, reminder *domain.Reminder, at time.Time) error {
	payload, err := encodeReminder(reminder)
	if err != nil {
		return err
	}
	return a.exec(ctx, `UPDATE sync_records SET reminder = $2, updated_at = $3 WHERE message_id = $1`,
		messageID, payload, at)
}

// =============================================================================
// State transitions
// =============================================================================

// MarkSynced sets OK with the provider ids and clears the error fields.
func (a *SyncRecordAdapter) MarkSynced(ctx context.Context, messageID, providerEventID, providerCalendarID string, at time.Time) error {
	query := `
		UPDATE sync_records
		SET status = 'OK', provider_event_id = $2, provider_calendar_id = $3,
			last_error = NULL, last_error_type = NULL, next_retry_at = NULL,
			last_attempt_at = $4, updated_at = $4
		WHERE message_id = $1`
	return a.exec(ctx, query, messageID, providerEventID, providerCalendarID, at)
}

// MarkFailed records a failed attempt.
func (a *SyncRecordAdapter) MarkFailed(ctx context.Context, f out.SyncFailure) error {
	var next sql.NullTime
	if f.NextRetryAt != nil {
		next = sql.NullTime{Time: *f.NextRetryAt, Valid: true}
	}
	query := `
		UPDATE sync_records
		SET status = 'FAILED', last_error = $2, last_error_type = $3, retry_count = $4,
			last_attempt_at = $5, next_retry_at = $6, updated_at = $5
		WHERE message_id = $1`
	return a.exec(ctx, query, f.MessageID, f.Error, string(f.ErrorType), f.RetryCount, f.AttemptedAt, next)
}

// MarkQueued notes why the record was not attempted. A FAILED record with
// retries left is parked as QUEUED; its retry count and error type are kept.
func (a *SyncRecordAdapter) MarkQueued(ctx context.Context, messageID, reason string, at time.Time) error {
	query := `
		UPDATE sync_records
		SET status = 'QUEUED', last_error = $2, next_retry_at = NULL, updated_at = $3
		WHERE message_id = $1
			AND (status = 'QUEUED' OR (status = 'FAILED' AND retry_count < max_retries))`
	if _, err := a.db.ExecContext(ctx, query, messageID, reason, at); err != nil {
		return fmt.Errorf("mark sync record queued: %w", err)
	}
	return nil
}

func (a *SyncRecordAdapter) exec(ctx context.Context, query string, args ...any) error {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update sync record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// =============================================================================
// Retry queue
// =============================================================================

// ListRetryCandidates returns FAILED records inside their retry budget,
// least recently attempted first.
func (a *SyncRecordAdapter) ListRetryCandidates(ctx context.Context, limit int) ([]*domain.SyncRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records
		WHERE status = 'FAILED' AND retry_count < max_retries
		ORDER BY last_attempt_at ASC NULLS FIRST
		LIMIT $1`

	var rows []syncRecordRow
	if err := a.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list retry candidates: %w", err)
	}

	records := make([]*domain.SyncRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// CountPendingRetries counts FAILED records inside their retry budget.
func (a *SyncRecordAdapter) CountPendingRetries(ctx context.Context) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM sync_records WHERE status = 'FAILED' AND retry_count < max_retries`
	if err := a.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("count retry candidates: %w", err)
	}
	return n, nil
}

// ResumeParked returns userID's parked records to FAILED, due at once.
func (a *SyncRecordAdapter) ResumeParked(ctx context.Context, userID string, at time.Time) (int64, error) {
	query := `
		UPDATE sync_records
		SET status = 'FAILED', next_retry_at = $2, updated_at = $2
		WHERE user_id = $1 AND status = 'QUEUED' AND retry_count > 0 AND retry_count < max_retries`
	res, err := a.db.ExecContext(ctx, query, userID, at)
	if err != nil {
		return 0, fmt.Errorf("resume parked records: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSyncedBefore removes OK records last updated before cutoff.
func (a *SyncRecordAdapter) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM sync_records WHERE status = 'OK' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete synced records: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ out.SyncRecordRepository = (*SyncRecordAdapter)(nil)
