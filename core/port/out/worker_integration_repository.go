package out

import (
	"context"
	"time"

	"remindsync/core/domain"
)

// IntegrationRepository - one UserIntegration per user.
type IntegrationRepository interface {
	GetByUserID(ctx context.Context, userID string) (*domain.UserIntegration, error)

	// Create inserts integration unless the user already has one.
	Create(ctx context.Context, integration *domain.UserIntegration) error

	// Connect stores a granted credential, sets both flags and clears
	// reconnect_required_at in one write, inserting the document when absent.
	// An empty grant.RefreshToken keeps the stored ciphertext and fails with
	// domain.ErrNoStoredCredential when none is stored.
	Connect(ctx context.Context, userID string, grant domain.TokenUpdate, at time.Time) (*domain.UserIntegration, error)

	// UpdatePreferences writes only the non-nil preference fields.
	UpdatePreferences(ctx context.Context, userID string, prefs domain.IntegrationPreferences, at time.Time) (*domain.UserIntegration, error)

	// UpdateTokens persists a refreshed credential.
	UpdateTokens(ctx context.Context, userID string, update domain.TokenUpdate, at time.Time) error

	// Disconnect sets connected=false, calendar_sync_enabled=false and
	// clears the four token/calendar fields in one write.
	Disconnect(ctx context.Context, userID string, at time.Time) error

	// MarkReconnectionRequired severs sync after an unrecoverable auth
	// failure; clearTokens additionally wipes the stored credential.
	MarkReconnectionRequired(ctx context.Context, userID string, clearTokens bool, at time.Time) error

	SetSyncEnabled(ctx context.Context, userID string, enabled bool, at time.Time) error

	// AppendNotification records a send of kind and drops entries older than keep.
	AppendNotification(ctx context.Context, userID string, kind domain.NotificationKind, at time.Time, keep time.Duration) error
}
