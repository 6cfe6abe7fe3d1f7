package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindsync/core/domain"
	"remindsync/pkg/crypto"
	"remindsync/pkg/logger"

	"golang.org/x/oauth2"
)

// gatewaySession holds the decrypted credential for one sync attempt.
// Refreshed tokens replace s.token only after they are persisted.
type gatewaySession struct {
	m      *SyncManager
	userID string
	token  *oauth2.Token
}

// openSession decrypts the stored refresh token. A closed vault is retried
// later; any other vault failure is a token corruption.
func (m *SyncManager) openSession(ctx context.Context, integ *domain.UserIntegration) (*gatewaySession, error) {
	if !integ.HasCredentials() {
		return nil, domain.NewAuthError(0, true, errors.New("no refresh token stored"))
	}

	start := m.now()
	plain, err := m.vault.Decrypt(ctx, integ.RefreshToken)
	m.record(domain.OperationOutcome{
		Operation:     domain.OpDecryptSecret,
		Success:       err == nil,
		ErrorType:     corruptionType(err),
		Duration:      m.now().Sub(start),
		CorrelationID: logger.CorrelationID(ctx),
	})
	if errors.Is(err, crypto.ErrVaultClosed) {
		logger.WithContext(ctx).Warn("[SyncManager.openSession] vault closed, deferring sync")
		return nil, domain.NewServerError(0, fmt.Errorf("credential vault unavailable: %w", err))
	}
	if err != nil {
		logger.WithContext(ctx).Error("[SyncManager.openSession] stored refresh token failed to decrypt")
		return nil, domain.NewTokenCorruptionError(err)
	}

	token := &oauth2.Token{
		AccessToken:  integ.AccessToken,
		RefreshToken: plain,
		TokenType:    "Bearer",
	}
	if integ.TokenExpiresAt != nil {
		token.Expiry = *integ.TokenExpiresAt
	}
	return &gatewaySession{m: m, userID: integ.UserID, token: token}, nil
}

// ensureValidToken refreshes and persists the token when it is inside the
// expiry buffer. Concurrent syncs for one user share a single refresh.
func (s *gatewaySession) ensureValidToken(ctx context.Context) error {
	current := s.token
	v, err, _ := s.m.refreshes.Do("ensure:"+s.userID, func() (interface{}, error) {
		start := s.m.now()
		valid, refreshed, err := s.m.gateway.EnsureValidToken(ctx, current)
		if !refreshed && err == nil {
			return valid, nil
		}
		s.m.observe(ctx, domain.OpRefreshToken, start, err)
		if err != nil {
			return nil, err
		}
		if err := s.persist(ctx, current, valid); err != nil {
			return nil, err
		}
		return valid, nil
	})
	if err != nil {
		return err
	}
	s.token = v.(*oauth2.Token)
	return nil
}

// forceRefresh refreshes regardless of expiry, after the provider rejected
// the access token.
func (s *gatewaySession) forceRefresh(ctx context.Context) error {
	current := s.token
	v, err, _ := s.m.refreshes.Do("refresh:"+s.userID, func() (interface{}, error) {
		start := s.m.now()
		fresh, err := s.m.gateway.RefreshAccessToken(ctx, current)
		s.m.observe(ctx, domain.OpRefreshToken, start, err)
		if err != nil {
			return nil, err
		}
		if err := s.persist(ctx, current, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return err
	}
	s.token = v.(*oauth2.Token)
	return nil
}

// persist writes the refreshed credential before anyone uses it. The refresh
// token is re-encrypted only when the provider rotated it.
func (s *gatewaySession) persist(ctx context.Context, previous, fresh *oauth2.Token) error {
	update := domain.TokenUpdate{
		AccessToken:    fresh.AccessToken,
		TokenExpiresAt: fresh.Expiry,
	}
	if fresh.RefreshToken != "" && fresh.RefreshToken != previous.RefreshToken {
		sealed, err := s.m.vault.Encrypt(ctx, fresh.RefreshToken)
		if err != nil {
			return domain.NewNetworkError(fmt.Errorf("encrypt rotated refresh token: %w", err))
		}
		update.RefreshToken = sealed
	}
	if err := s.m.integrations.UpdateTokens(ctx, s.userID, update, s.m.now()); err != nil {
		return domain.NewNetworkError(fmt.Errorf("persist refreshed token: %w", err))
	}
	logger.WithContext(ctx).Debug("[SyncManager.persist] refreshed token stored, expires %s", fresh.Expiry.Format("15:04:05"))
	return nil
}

// executeWithTokenRefresh runs op with the session token. The first
// authorization failure forces one refresh and one retry; a second one is
// returned to the caller.
func (s *gatewaySession) executeWithTokenRefresh(ctx context.Context, op domain.Operation, fn func(token *oauth2.Token) error) error {
	start := s.m.now()
	err := fn(s.token)
	s.m.observe(ctx, op, start, err)
	if err == nil || !domain.IsAuthError(err) {
		return err
	}
	if domain.AsSyncError(err).RequiresReconnection {
		return err
	}

	logger.WithContext(ctx).Warn("[SyncManager.executeWithTokenRefresh] %s rejected the access token, refreshing once", op)
	if rerr := s.forceRefresh(ctx); rerr != nil {
		return rerr
	}

	start = s.m.now()
	err = fn(s.token)
	s.m.observe(ctx, op, start, err)
	return err
}

// observe records one provider call.
func (m *SyncManager) observe(ctx context.Context, op domain.Operation, start time.Time, err error) {
	var errType domain.ErrorType
	if err != nil {
		errType = domain.AsSyncError(err).Type
	}
	m.record(domain.OperationOutcome{
		Operation:     op,
		Success:       err == nil,
		ErrorType:     errType,
		Duration:      m.now().Sub(start),
		CorrelationID: logger.CorrelationID(ctx),
	})
}

func corruptionType(err error) domain.ErrorType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, crypto.ErrVaultClosed):
		return domain.ErrorTypeServer
	}
	return domain.ErrorTypeTokenCorruption
}
