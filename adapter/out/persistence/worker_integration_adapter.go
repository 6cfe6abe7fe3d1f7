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
	"github.com/lib/pq"
)

// IntegrationAdapter implements out.IntegrationRepository using PostgreSQL.
type IntegrationAdapter struct {
	db *sqlx.DB
}

// NewIntegrationAdapter creates a new IntegrationAdapter.
func NewIntegrationAdapter(db *sqlx.DB) *IntegrationAdapter {
	return &IntegrationAdapter{db: db}
}

// integrationRow represents the database row for a user integration.
type integrationRow struct {
	UserID                 string         `db:"user_id"`
	Connected              bool           `db:"connected"`
	CalendarSyncEnabled    bool           `db:"calendar_sync_enabled"`
	AccessToken            sql.NullString `db:"access_token"`
	RefreshToken           sql.NullString `db:"refresh_token"`
	TokenExpiresAt         sql.NullTime   `db:"token_expires_at"`
	CalendarID             sql.NullString `db:"calendar_id"`
	Timezone               sql.NullString `db:"timezone"`
	DefaultReminderOffsets pq.Int64Array  `db:"default_reminder_offsets"`
	DefaultEventMinutes    int            `db:"default_event_minutes"`
	NotificationHistory    []byte         `db:"notification_history"`
	ConnectedAt            sql.NullTime   `db:"connected_at"`
	ReconnectRequiredAt    sql.NullTime   `db:"reconnect_required_at"`
	CreatedAt              time.Time      `db:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

func (r *integrationRow) toEntity() (*domain.UserIntegration, error) {
	u := &domain.UserIntegration{
		UserID:              r.UserID,
		Connected:           r.Connected,
		CalendarSyncEnabled: r.CalendarSyncEnabled,
		AccessToken:         r.AccessToken.String,
		RefreshToken:        r.RefreshToken.String,
		TokenExpiresAt:      nullTimePtr(r.TokenExpiresAt),
		CalendarID:          r.CalendarID.String,
		Timezone:            r.Timezone.String,
		DefaultEventMinutes: r.DefaultEventMinutes,
		NotificationHistory: make(map[domain.NotificationKind][]time.Time),
		ConnectedAt:         nullTimePtr(r.ConnectedAt),
		ReconnectRequiredAt: nullTimePtr(r.ReconnectRequiredAt),
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	for _, m := range r.DefaultReminderOffsets {
		u.DefaultReminderOffsets = append(u.DefaultReminderOffsets, int(m))
	}
	if len(r.NotificationHistory) > 0 {
		if err := json.Unmarshal(r.NotificationHistory, &u.NotificationHistory); err != nil {
			return nil, fmt.Errorf("decode notification history for %s: %w", r.UserID, err)
		}
	}
	return u, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timePtrNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// =============================================================================
// Operations
// =============================================================================

// GetByUserID returns nil when the user never started a connect.
func (a *IntegrationAdapter) GetByUserID(ctx context.Context, userID string) (*domain.UserIntegration, error) {
	query := `SELECT * FROM user_integrations WHERE user_id = $1`

	var row integrationRow
	if err := a.db.QueryRowxContext(ctx, query, userID).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return row.toEntity()
}

// Create inserts u unless the user already has a row.
func (a *IntegrationAdapter) Create(ctx context.Context, u *domain.UserIntegration) error {
	query := `
		INSERT INTO user_integrations (user_id, connected, calendar_sync_enabled, calendar_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING`
	_, err := a.db.ExecContext(ctx, query,
		u.UserID, u.Connected, u.CalendarSyncEnabled, nullString(u.CalendarID), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create integration: %w", err)
	}
	return nil
}

// Connect writes only the connection columns. With a new refresh token the
// row is upserted; without one the stored token must still be present.
func (a *IntegrationAdapter) Connect(ctx context.Context, userID string, grant domain.TokenUpdate, at time.Time) (*domain.UserIntegration, error) {
	var row integrationRow
	var err error
	if grant.RefreshToken != "" {
		query := `
			INSERT INTO user_integrations (user_id, connected, calendar_sync_enabled, access_token,
				refresh_token, token_expires_at, calendar_id, connected_at, created_at, updated_at)
			VALUES ($1, TRUE, TRUE, $2, $3, $4, $5, $6, $6, $6)
			ON CONFLICT (user_id) DO UPDATE SET
				connected = TRUE,
				calendar_sync_enabled = TRUE,
				access_token = EXCLUDED.access_token,
				refresh_token = EXCLUDED.refresh_token,
				token_expires_at = EXCLUDED.token_expires_at,
				calendar_id = COALESCE(user_integrations.calendar_id, EXCLUDED.calendar_id),
				connected_at = EXCLUDED.connected_at,
				reconnect_required_at = NULL,
				updated_at = EXCLUDED.updated_at
			RETURNING *`
		err = a.db.QueryRowxContext(ctx, query,
			userID, nullString(grant.AccessToken), grant.RefreshToken, timePtrNull(grant.ExpiresAt()),
			domain.DefaultCalendarID, at,
		).StructScan(&row)
	} else {
		query := `
			UPDATE user_integrations
			SET connected = TRUE, calendar_sync_enabled = TRUE, access_token = $2, token_expires_at = $3,
				calendar_id = COALESCE(calendar_id, $4), connected_at = $5, reconnect_required_at = NULL,
				updated_at = $5
			WHERE user_id = $1 AND refresh_token IS NOT NULL AND refresh_token <> ''
			RETURNING *`
		err = a.db.QueryRowxContext(ctx, query,
			userID, nullString(grant.AccessToken), timePtrNull(grant.ExpiresAt()), domain.DefaultCalendarID, at,
		).StructScan(&row)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoStoredCredential
		}
		return nil, fmt.Errorf("connect integration: %w", err)
	}
	return row.toEntity()
}

// UpdatePreferences sets only the given preference columns.
func (a *IntegrationAdapter) UpdatePreferences(ctx context.Context, userID string, prefs domain.IntegrationPreferences, at time.Time) (*domain.UserIntegration, error) {
	var calendarID, timezone sql.NullString
	if prefs.CalendarID != nil {
		calendarID = sql.NullString{String: *prefs.CalendarID, Valid: true}
	}
	if prefs.Timezone != nil {
		timezone = sql.NullString{String: *prefs.Timezone, Valid: true}
	}
	var offsets pq.Int64Array // nil binds NULL and keeps the column
	if prefs.DefaultReminderOffsets != nil {
		offsets = make(pq.Int64Array, 0, len(prefs.DefaultReminderOffsets))
		for _, m := range prefs.DefaultReminderOffsets {
			offsets = append(offsets, int64(m))
		}
	}
	var minutes sql.NullInt64
	if prefs.DefaultEventMinutes != nil {
		minutes = sql.NullInt64{Int64: int64(*prefs.DefaultEventMinutes), Valid: true}
	}

	query := `
		UPDATE user_integrations
		SET calendar_id = COALESCE($2, calendar_id),
			timezone = COALESCE($3, timezone),
			default_reminder_offsets = COALESCE($4::int[], default_reminder_offsets),
			default_event_minutes = COALESCE($5, default_event_minutes),
			updated_at = $6
		WHERE user_id = $1
		RETURNING *`

	var row integrationRow
	err := a.db.QueryRowxContext(ctx, query, userID, calendarID, timezone, offsets, minutes, at).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("update preferences: %w", err)
	}
	return row.toEntity()
}

// UpdateTokens persists a refreshed credential. An empty RefreshToken keeps
// the stored ciphertext.
func (a *IntegrationAdapter) UpdateTokens(ctx context.Context, userID string, update domain.TokenUpdate, at time.Time) error {
	query := `
		UPDATE user_integrations
		SET access_token = $2, token_expires_at = $3,
			refresh_token = COALESCE($4, refresh_token), updated_at = $5
		WHERE user_id = $1`
	return a.exec(ctx, query, userID, update.AccessToken, update.TokenExpiresAt, nullString(update.RefreshToken), at)
}

// Disconnect clears both flags and the four token/calendar fields in one statement.
func (a *IntegrationAdapter) Disconnect(ctx context.Context, userID string, at time.Time) error {
	query := `
		UPDATE user_integrations
		SET connected = FALSE, calendar_sync_enabled = FALSE,
			access_token = NULL, refresh_token = NULL, token_expires_at = NULL, calendar_id = NULL,
			updated_at = $2
		WHERE user_id = $1`
	return a.exec(ctx, query, userID, at)
}

// MarkReconnectionRequired severs sync; clearTokens also wipes the credential.
func (a *IntegrationAdapter) MarkReconnectionRequired(ctx context.Context, userID string, clearTokens bool, at time.Time) error {
	query := `
		UPDATE user_integrations
		SET connected = FALSE, calendar_sync_enabled = FALSE, reconnect_required_at = $2, updated_at = $2
		WHERE user_id = $1`
	if clearTokens {
		query = `
			UPDATE user_integrations
			SET connected = FALSE, calendar_sync_enabled = FALSE, reconnect_required_at = $2, updated_at = $2,
				access_token = NULL, refresh_token = NULL, token_expires_at = NULL, calendar_id = NULL
			WHERE user_id = $1`
	}
	return a.exec(ctx, query, userID, at)
}

// SetSyncEnabled toggles the user-level sync flag.
func (a *IntegrationAdapter) SetSyncEnabled(ctx context.Context, userID string, enabled bool, at time.Time) error {
	return a.exec(ctx, `UPDATE user_integrations SET calendar_sync_enabled = $2, updated_at = $3 WHERE user_id = $1`,
		userID, enabled, at)
}

// AppendNotification appends at to the kind's history and drops entries
// older than keep in the same statement.
func (a *IntegrationAdapter) AppendNotification(ctx context.Context, userID string, kind domain.NotificationKind, at time.Time, keep time.Duration) error {
	query := `
		UPDATE user_integrations
		SET notification_history = jsonb_set(
				notification_history,
				ARRAY[$2::text],
				COALESCE((
					SELECT jsonb_agg(ts)
					FROM jsonb_array_elements(notification_history -> $2::text) AS ts
					WHERE (ts #>> '{}')::timestamptz > $3
				), '[]'::jsonb) || jsonb_build_array($4::timestamptz),
				true),
			updated_at = $4
		WHERE user_id = $1`
	return a.exec(ctx, query, userID, string(kind), at.Add(-keep), at)
}

func (a *IntegrationAdapter) exec(ctx context.Context, query string, args ...any) error {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update integration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrIntegrationNotFound
	}
	return nil
}

var _ out.IntegrationRepository = (*IntegrationAdapter)(nil)
