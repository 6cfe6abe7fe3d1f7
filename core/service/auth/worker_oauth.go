package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/pkg/apperr"
	"remindsync/pkg/crypto"
	"remindsync/pkg/logger"

	"golang.org/x/oauth2"
)

// provider limit on popup overrides per event
const maxReminderOffsets = 5

// four weeks, the provider's largest reminder offset
const maxReminderOffsetMinutes = 40320

// Vault is the credential store the integration lifecycle needs.
type Vault interface {
	out.TokenVault
	AuditLifecycle(ctx context.Context, action crypto.AuditAction, userID, reason string)
}

// IntegrationService owns the lifecycle of a user's calendar connection:
// consent, code exchange, revocation, reconnection and preferences.
type IntegrationService struct {
	integrations out.IntegrationRepository
	parked       out.ParkedRecordResumer
	oauth        out.OAuthFlow
	gateway      out.CalendarGateway
	vault        Vault
	stateSecret  []byte
	now          func() time.Time
}

// NewIntegrationService creates a new integration service.
func NewIntegrationService(
	integrations out.IntegrationRepository,
	parked out.ParkedRecordResumer,
	oauth out.OAuthFlow,
	gateway out.CalendarGateway,
	vault Vault,
	stateSecret []byte,
) *IntegrationService {
	return &IntegrationService{
		integrations: integrations,
		parked:       parked,
		oauth:        oauth,
		gateway:      gateway,
		vault:        vault,
		stateSecret:  stateSecret,
		now:          time.Now,
	}
}

// =============================================================================
// Connect
// =============================================================================

// AuthURL returns the consent URL for userID. The integration document is
// created on this first connect attempt.
func (s *IntegrationService) AuthURL(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", apperr.MissingField("user_id")
	}
	if err := s.integrations.Create(ctx, domain.NewUserIntegration(userID, s.now())); err != nil {
		return "", apperr.DatabaseError("create integration", err)
	}

	state, err := signState(s.stateSecret, userID, s.now())
	if err != nil {
		return "", apperr.InternalWithError(err)
	}
	return s.oauth.AuthCodeURL(state), nil
}

// Connect completes the consent round trip. The refresh token is encrypted
// before it is stored.
func (s *IntegrationService) Connect(ctx context.Context, state, code string) (*domain.UserIntegration, error) {
	userID, err := parseState(s.stateSecret, state, s.now())
	if err != nil {
		return nil, apperr.BadRequest("invalid or expired state")
	}
	if code == "" {
		return nil, apperr.MissingField("code")
	}
	ctx = logger.WithUserID(ctx, userID)
	log := logger.WithContext(ctx)

	token, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		log.WithError(err).Warn("[IntegrationService.Connect] code exchange failed")
		return nil, apperr.OAuthFailed("google", err)
	}

	// the read only picks the audit action; the write below is field scoped
	prior, err := s.integrations.GetByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.DatabaseError("get integration", err)
	}
	action := crypto.AuditIntegrationReconnect
	if prior == nil || prior.ConnectedAt == nil {
		action = crypto.AuditIntegrationConnect
	}

	grant := domain.TokenUpdate{AccessToken: token.AccessToken, TokenExpiresAt: token.Expiry}
	if token.RefreshToken != "" {
		sealed, err := s.vault.Encrypt(ctx, token.RefreshToken)
		if err != nil {
			return nil, apperr.InternalWithError(fmt.Errorf("encrypt refresh token: %w", err))
		}
		grant.RefreshToken = sealed
	}

	integ, err := s.integrations.Connect(ctx, userID, grant, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNoStoredCredential) {
			// offline access was not granted and nothing is stored to refresh with
			return nil, apperr.OAuthFailed("google", errors.New("no refresh token granted"))
		}
		return nil, apperr.DatabaseError("connect integration", err)
	}
	s.vault.AuditLifecycle(ctx, action, userID, "")
	s.resumeParked(ctx, userID)
	log.Info("[IntegrationService.Connect] %s", action)
	return integ, nil
}

// resumeParked requeues the syncs skipped while the user was ineligible.
func (s *IntegrationService) resumeParked(ctx context.Context, userID string) {
	if s.parked == nil {
		return
	}
	n, err := s.parked.ResumeParked(ctx, userID, s.now())
	if err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[IntegrationService] failed to resume parked syncs")
		return
	}
	if n > 0 {
		logger.WithContext(ctx).Info("[IntegrationService] resumed %d parked syncs", n)
	}
}

// =============================================================================
// Disconnect / reconnection
// =============================================================================

// Disconnect revokes the grant at the provider (best effort) and clears the
// stored credential in one write.
func (s *IntegrationService) Disconnect(ctx context.Context, userID string) error {
	ctx = logger.WithUserID(ctx, userID)
	log := logger.WithContext(ctx)

	integ, err := s.integrations.GetByUserID(ctx, userID)
	if err != nil {
		return apperr.DatabaseError("get integration", err)
	}
	if integ == nil {
		return apperr.NotFound("integration")
	}

	if integ.HasCredentials() && s.gateway != nil {
		if refresh, err := s.vault.Decrypt(ctx, integ.RefreshToken); err == nil {
			token := &oauth2.Token{AccessToken: integ.AccessToken, RefreshToken: refresh}
			if err := s.gateway.RevokeTokens(ctx, token); err != nil {
				log.WithError(err).Warn("[IntegrationService.Disconnect] provider revoke failed")
			}
		}
	}

	if err := s.integrations.Disconnect(ctx, userID, s.now()); err != nil {
		return apperr.DatabaseError("disconnect integration", err)
	}
	s.vault.AuditLifecycle(ctx, crypto.AuditIntegrationDisconnect, userID, "user request")
	log.Info("[IntegrationService.Disconnect] integration cleared")
	return nil
}

// MarkReconnectionRequired severs sync after an unrecoverable authorization
// failure. clearTokens also wipes the stored credential.
func (s *IntegrationService) MarkReconnectionRequired(ctx context.Context, userID string, clearTokens bool, reason string) error {
	if err := s.integrations.MarkReconnectionRequired(ctx, userID, clearTokens, s.now()); err != nil {
		return fmt.Errorf("mark reconnection required: %w", err)
	}
	action := crypto.AuditIntegrationSevered
	if clearTokens {
		action = crypto.AuditIntegrationDisconnect
	}
	s.vault.AuditLifecycle(ctx, action, userID, reason)
	return nil
}

// =============================================================================
// Settings
// =============================================================================

// Get returns the integration for userID.
func (s *IntegrationService) Get(ctx context.Context, userID string) (*domain.UserIntegration, error) {
	integ, err := s.integrations.GetByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.DatabaseError("get integration", err)
	}
	if integ == nil {
		return nil, apperr.NotFound("integration")
	}
	return integ, nil
}

// SetSyncEnabled toggles calendar sync. Enabling requires a live connection.
func (s *IntegrationService) SetSyncEnabled(ctx context.Context, userID string, enabled bool) error {
	integ, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if enabled && !integ.Connected {
		return apperr.NotConnected(userID)
	}
	if err := s.integrations.SetSyncEnabled(ctx, userID, enabled, s.now()); err != nil {
		return apperr.DatabaseError("set sync enabled", err)
	}
	if enabled {
		s.resumeParked(logger.WithUserID(ctx, userID), userID)
	}
	return nil
}

// UpdatePreferences applies the non-nil fields of prefs. Only the preference
// fields are written, so a concurrent disconnect is never undone.
func (s *IntegrationService) UpdatePreferences(ctx context.Context, userID string, prefs domain.IntegrationPreferences) (*domain.UserIntegration, error) {
	if err := validatePreferences(prefs); err != nil {
		return nil, err
	}
	integ, err := s.integrations.UpdatePreferences(ctx, userID, prefs.Normalized(), s.now())
	if err != nil {
		if errors.Is(err, domain.ErrIntegrationNotFound) {
			return nil, apperr.NotFound("integration")
		}
		return nil, apperr.DatabaseError("update preferences", err)
	}
	return integ, nil
}

func validatePreferences(prefs domain.IntegrationPreferences) error {
	if prefs.Timezone != nil && *prefs.Timezone != "" {
		if _, err := time.LoadLocation(*prefs.Timezone); err != nil {
			return apperr.ValidationFailed("unknown timezone").WithDetail("timezone", *prefs.Timezone)
		}
	}
	if len(prefs.DefaultReminderOffsets) > maxReminderOffsets {
		return apperr.ValidationFailed(fmt.Sprintf("at most %d reminder offsets", maxReminderOffsets))
	}
	for _, m := range prefs.DefaultReminderOffsets {
		if m < 0 || m > maxReminderOffsetMinutes {
			return apperr.ValidationFailed("reminder offset out of range").WithDetail("minutes", m)
		}
	}
	if prefs.DefaultEventMinutes != nil && (*prefs.DefaultEventMinutes < 0 || *prefs.DefaultEventMinutes > 24*60) {
		return apperr.ValidationFailed("default event duration out of range")
	}
	return nil
}
