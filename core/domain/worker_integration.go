package domain

import (
	"time"
)

const DefaultCalendarID = "primary"

// NotificationKind is the rate-limit bucket for outbound user notices.
type NotificationKind string

const (
	NotificationReconnectionRequired NotificationKind = "reconnection_required"
	NotificationPersistentFailure    NotificationKind = "persistent_failure"
)

// UserIntegration is the per-user calendar connection.
// RefreshToken is always vault ciphertext; plaintext never leaves a request.
type UserIntegration struct {
	UserID string `json:"user_id"`

	Connected           bool `json:"connected"`
	CalendarSyncEnabled bool `json:"calendar_sync_enabled"`

	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`

	CalendarID             string `json:"calendar_id"`
	Timezone               string `json:"timezone,omitempty"`
	DefaultReminderOffsets []int  `json:"default_reminder_offsets,omitempty"` // minutes before the event
	DefaultEventMinutes    int    `json:"default_event_minutes,omitempty"`

	NotificationHistory map[NotificationKind][]time.Time `json:"notification_history,omitempty"`

	ConnectedAt         *time.Time `json:"connected_at,omitempty"`
	ReconnectRequiredAt *time.Time `json:"reconnect_required_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NewUserIntegration - created on first connect attempt
func NewUserIntegration(userID string, now time.Time) *UserIntegration {
	return &UserIntegration{
		UserID:              userID,
		CalendarID:          DefaultCalendarID,
		NotificationHistory: make(map[NotificationKind][]time.Time),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Eligible - sync requires both flags
func (u *UserIntegration) Eligible() bool {
	return u != nil && u.Connected && u.CalendarSyncEnabled
}

// HasCredentials reports whether a refresh token is stored.
func (u *UserIntegration) HasCredentials() bool {
	return u.RefreshToken != ""
}

// DefaultEventDuration is the user-level timed event length, 0 when unset.
func (u *UserIntegration) DefaultEventDuration() time.Duration {
	return time.Duration(u.DefaultEventMinutes) * time.Minute
}

// EffectiveCalendarID falls back to the user's primary calendar.
func (u *UserIntegration) EffectiveCalendarID() string {
	if u.CalendarID == "" {
		return DefaultCalendarID
	}
	return u.CalendarID
}

// ClearTokens empties the four token/calendar fields together.
func (u *UserIntegration) ClearTokens() {
	u.AccessToken = ""
	u.RefreshToken = ""
	u.TokenExpiresAt = nil
	u.CalendarID = ""
}

// RecentNotifications returns the sends of kind inside the window ending at now.
func (u *UserIntegration) RecentNotifications(kind NotificationKind, now time.Time, window time.Duration) []time.Time {
	var recent []time.Time
	for _, ts := range u.NotificationHistory[kind] {
		if now.Sub(ts) < window {
			recent = append(recent, ts)
		}
	}
	return recent
}

// IntegrationPreferences are the user-editable parts of an integration.
type IntegrationPreferences struct {
	CalendarID             *string `json:"calendar_id,omitempty"`
	Timezone               *string `json:"timezone,omitempty"`
	DefaultReminderOffsets []int   `json:"default_reminder_offsets,omitempty"`
	DefaultEventMinutes    *int    `json:"default_event_minutes,omitempty"`
}

// Normalized maps an empty calendar id to the primary calendar.
func (p IntegrationPreferences) Normalized() IntegrationPreferences {
	if p.CalendarID != nil && *p.CalendarID == "" {
		primary := DefaultCalendarID
		p.CalendarID = &primary
	}
	return p
}

// ApplyPreferences copies the non-nil fields of p onto u.
func (u *UserIntegration) ApplyPreferences(p IntegrationPreferences) {
	if p.CalendarID != nil {
		u.CalendarID = *p.CalendarID
	}
	if p.Timezone != nil {
		u.Timezone = *p.Timezone
	}
	if p.DefaultReminderOffsets != nil {
		u.DefaultReminderOffsets = append([]int(nil), p.DefaultReminderOffsets...)
	}
	if p.DefaultEventMinutes != nil {
		u.DefaultEventMinutes = *p.DefaultEventMinutes
	}
}

// TokenUpdate carries a refreshed credential to persist.
type TokenUpdate struct {
	AccessToken    string
	RefreshToken   string // ciphertext, empty keeps the stored one
	TokenExpiresAt time.Time
}

// ExpiresAt returns the expiry as stored, nil when unknown.
func (t TokenUpdate) ExpiresAt() *time.Time {
	if t.TokenExpiresAt.IsZero() {
		return nil
	}
	exp := t.TokenExpiresAt
	return &exp
}
