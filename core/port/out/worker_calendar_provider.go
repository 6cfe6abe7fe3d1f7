// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"time"

	"remindsync/core/domain"

	"golang.org/x/oauth2"
)

// TokenExpiryBuffer - access tokens this close to expiry are refreshed first.
const TokenExpiryBuffer = 5 * time.Minute

// =============================================================================
// Calendar Gateway Port (single provider)
// =============================================================================

// CalendarGateway wraps the provider event API. It holds no per-user state:
// credentials go in explicitly and refreshed credentials come back as new
// values. Every error it returns is a *domain.SyncError.
type CalendarGateway interface {
	// EnsureValidToken returns token unchanged when it is valid beyond
	// TokenExpiryBuffer, otherwise a refreshed token and refreshed=true.
	EnsureValidToken(ctx context.Context, token *oauth2.Token) (valid *oauth2.Token, refreshed bool, err error)
	RefreshAccessToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)

	SearchEventByIdempotencyKey(ctx context.Context, token *oauth2.Token, calendarID, messageID string) (*ProviderEvent, error)
	CreateEvent(ctx context.Context, token *oauth2.Token, calendarID string, payload *EventPayload) (*ProviderEvent, error)
	UpdateEvent(ctx context.Context, token *oauth2.Token, calendarID, eventID string, payload *EventPayload) (*ProviderEvent, error)

	RevokeTokens(ctx context.Context, token *oauth2.Token) error
}

// OAuthFlow is the authorization-code half of the provider integration.
type OAuthFlow interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
}

// =============================================================================
// Calendar Event Types
// =============================================================================

// EventPayload is what the sync path wants the provider event to look like.
type EventPayload struct {
	MessageID       string
	Summary         string
	Description     string
	Timing          *domain.EventTiming
	ReminderOffsets []int // minutes before start, empty uses provider defaults
}

// ProviderEvent is the provider's view of a synced event.
type ProviderEvent struct {
	ID         string
	CalendarID string
	Status     string
	HTMLLink   string
	Updated    time.Time
}
