package middleware

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"remindsync/pkg/apperr"
	"remindsync/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scopes carried by service tokens.
const (
	ScopeOps  = "ops"  // operator endpoints under /ops
	ScopeSync = "sync" // the chat layer calling /api/v1
)

const localSubject = "subject"

// Claims are the registered claims plus a space separated scope list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether scope is granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

// =============================================================================
// Token denylist
// =============================================================================

// TokenDenylist keeps revoked token ids in Redis until they would have
// expired anyway.
type TokenDenylist struct {
	redis  *redis.Client
	prefix string
}

// NewTokenDenylist returns nil when client is nil, which disables revocation.
func NewTokenDenylist(client *redis.Client) *TokenDenylist {
	if client == nil {
		logger.Warn("[TokenDenylist] Redis client not provided, token revocation disabled")
		return nil
	}
	return &TokenDenylist{redis: client, prefix: "token:denylist:"}
}

// Revoke adds tokenID to the denylist for ttl.
func (d *TokenDenylist) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if d == nil {
		return errors.New("token revocation disabled")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return d.redis.Set(ctx, d.prefix+tokenID, "1", ttl).Err()
}

// IsRevoked fails open when Redis is unreachable.
func (d *TokenDenylist) IsRevoked(ctx context.Context, tokenID string) bool {
	if d == nil || tokenID == "" {
		return false
	}
	n, err := d.redis.Exists(ctx, d.prefix+tokenID).Result()
	if err != nil {
		logger.WithError(err).Warn("[TokenDenylist] lookup failed")
		return false
	}
	return n > 0
}

// =============================================================================
// Issue / verify
// =============================================================================

// IssueToken signs an HS256 service token.
func IssueToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies signature, expiry and issue time of tokenString.
func ParseToken(secret, tokenString string) (*Claims, error) {
	if secret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// =============================================================================
// Middleware
// =============================================================================

// AuthConfig configures JWTAuth.
type AuthConfig struct {
	Secret   string
	Scope    string // required scope
	Denylist *TokenDenylist
}

// JWTAuth requires a bearer token carrying cfg.Scope.
func JWTAuth(cfg AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return apperr.Unauthorized("missing authorization")
		}

		claims, err := ParseToken(cfg.Secret, tokenString)
		if err != nil {
			logger.WithContext(c.UserContext()).WithError(err).Warn("[JWTAuth] token rejected")
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.InvalidToken("token expired")
			}
			return apperr.InvalidToken("invalid token")
		}
		if cfg.Denylist.IsRevoked(c.UserContext(), claims.ID) {
			return apperr.InvalidToken("token has been revoked")
		}
		if cfg.Scope != "" && !claims.HasScope(cfg.Scope) {
			return apperr.Forbidden(fmt.Sprintf("scope %q required", cfg.Scope))
		}

		c.Locals(localSubject, claims.Subject)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// Subject returns the authenticated token subject, empty when anonymous.
func Subject(c *fiber.Ctx) string {
	s, _ := c.Locals(localSubject).(string)
	return s
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
