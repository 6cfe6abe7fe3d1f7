package domain

import (
	"errors"
	"time"
)

// =============================================================================
// Sync Record - one per reminder, keyed by messageId
// =============================================================================

type SyncStatus string

const (
	SyncStatusQueued SyncStatus = "QUEUED"
	SyncStatusOK     SyncStatus = "OK"
	SyncStatusFailed SyncStatus = "FAILED"
)

// DefaultMaxRetries is used when a record is created without an explicit budget.
const DefaultMaxRetries = 3

var (
	ErrRecordNotFound      = errors.New("sync record not found")
	ErrIntegrationNotFound = errors.New("user integration not found")
	ErrDuplicateRecord     = errors.New("sync record already exists")
	ErrNoStoredCredential  = errors.New("no refresh token stored")
)

type SyncRecord struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`

	// Provider side identifiers (set once an event exists)
	ProviderEventID    string `json:"provider_event_id,omitempty"`
	ProviderCalendarID string `json:"provider_calendar_id,omitempty"`

	Status        SyncStatus `json:"status"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorType ErrorType  `json:"last_error_type,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`

	// Reminder is the latest payload seen for MessageID; the retry
	// processor replays from it.
	Reminder *Reminder `json:"reminder,omitempty"`

	// CorrelationID of the call that created the record
	CorrelationID string `json:"correlation_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSyncRecord returns a QUEUED record ready for insert-if-absent.
func NewSyncRecord(messageID, userID string, maxRetries int, correlationID string, now time.Time) *SyncRecord {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &SyncRecord{
		MessageID:     messageID,
		UserID:        userID,
		Status:        SyncStatusQueued,
		MaxRetries:    maxRetries,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Exhausted reports whether the retry budget is used up.
func (r *SyncRecord) Exhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

// CanRetry - FAILED and still inside the retry budget
func (r *SyncRecord) CanRetry() bool {
	return r.Status == SyncStatusFailed && !r.Exhausted()
}

// IsDue reports whether the retry processor may replay the record at now.
// An explicit NextRetryAt wins; otherwise the un-jittered backoff for the
// current retry count is measured from LastAttemptAt.
func (r *SyncRecord) IsDue(now time.Time, policy RetryPolicy) bool {
	if !r.CanRetry() {
		return false
	}
	if r.NextRetryAt != nil {
		return !now.Before(*r.NextRetryAt)
	}
	if r.LastAttemptAt == nil {
		return true
	}
	return now.Sub(*r.LastAttemptAt) >= policy.BaseDelayFor(r.RetryCount)
}

// Parkable reports whether a skipped sync may move the record to QUEUED:
// it is still QUEUED, or FAILED with retries left. A parked record leaves the
// retry queue until its user is eligible again.
func (r *SyncRecord) Parkable() bool {
	return r.Status == SyncStatusQueued || r.CanRetry()
}

// Parked reports a record taken off the retry queue while its user was
// ineligible. Only a failed attempt gives a QUEUED record a retry count.
func (r *SyncRecord) Parked() bool {
	return r.Status == SyncStatusQueued && r.RetryCount > 0 && !r.Exhausted()
}

// Replayable reports whether the record carries enough to be re-driven.
func (r *SyncRecord) Replayable() bool {
	return r.Reminder != nil && r.Reminder.MessageID != ""
}

// Synced reports the OK invariant: status OK with a provider event id.
func (r *SyncRecord) Synced() bool {
	return r.Status == SyncStatusOK && r.ProviderEventID != ""
}

// =============================================================================
// Sync Request / Result - the entry point used by the chat layer
// =============================================================================

// SyncRequest is one syncReminder call.
type SyncRequest struct {
	Reminder      *Reminder `json:"reminder"`
	UserID        string    `json:"user_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

type SyncResultStatus string

const (
	SyncResultSynced  SyncResultStatus = "SYNCED"
	SyncResultSkipped SyncResultStatus = "SKIPPED"
	SyncResultFailed  SyncResultStatus = "FAILED"
)

type SyncAction string

const (
	SyncActionNone    SyncAction = ""
	SyncActionCreated SyncAction = "created"
	SyncActionUpdated SyncAction = "updated"
)

type SyncResult struct {
	Status          SyncResultStatus `json:"status"`
	MessageID       string           `json:"message_id"`
	ProviderEventID string           `json:"provider_event_id,omitempty"`
	Action          SyncAction       `json:"action,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorType       ErrorType        `json:"error_type,omitempty"`
	Disposition     DispositionKind  `json:"disposition,omitempty"`
	CorrelationID   string           `json:"correlation_id"`
}

// OK reports whether the reminder is now reflected at the provider.
func (r *SyncResult) OK() bool {
	return r.Status == SyncResultSynced
}

// StoreUnavailable reports a failure of the record or integration store
// rather than of the provider. Such a call left no trace and may be resent.
func (r *SyncResult) StoreUnavailable() bool {
	return r.Status == SyncResultFailed && r.Disposition == "" && r.ErrorType == ""
}
