package in

import (
	"context"

	"remindsync/core/domain"
)

// ReminderSyncUseCase is the only entry point the chat layer calls.
// Expected failures come back inside the result, never as an error.
type ReminderSyncUseCase interface {
	SyncReminder(ctx context.Context, req domain.SyncRequest) *domain.SyncResult
}

// RetryReplayer re-drives a stored FAILED record.
type RetryReplayer interface {
	Replay(ctx context.Context, record *domain.SyncRecord) *domain.SyncResult
}
