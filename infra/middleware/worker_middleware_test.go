package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"remindsync/pkg/apperr"
	"remindsync/pkg/crypto"
	"remindsync/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(Recover(), RequestID())
	return app
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestJWTAuth(t *testing.T) {
	app := newTestApp()
	app.Get("/ops/ping", JWTAuth(AuthConfig{Secret: testSecret, Scope: ScopeOps}), func(c *fiber.Ctx) error {
		return c.SendString(Subject(c))
	})

	now := time.Now()
	opsToken, err := IssueToken(testSecret, "alice", []string{ScopeOps}, time.Hour, now)
	require.NoError(t, err)
	syncToken, err := IssueToken(testSecret, "chat", []string{ScopeSync}, time.Hour, now)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "alice", []string{ScopeOps}, time.Hour, now.Add(-3*time.Hour))
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "alice", []string{ScopeOps}, time.Hour, now)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing header", "", 401, apperr.CodeUnauthorized},
		{"not bearer", "Basic abc", 401, apperr.CodeUnauthorized},
		{"valid", "Bearer " + opsToken, 200, ""},
		{"wrong scope", "Bearer " + syncToken, 403, apperr.CodeForbidden},
		{"expired", "Bearer " + expired, 401, apperr.CodeInvalidToken},
		{"bad signature", "Bearer " + forged, 401, apperr.CodeInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
			if tt.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeError(t, resp).Error.Code)
			} else {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, "alice", string(body))
			}
		})
	}
}

func TestClaims_HasScope(t *testing.T) {
	c := &Claims{Scope: "sync ops"}
	assert.True(t, c.HasScope("ops"))
	assert.True(t, c.HasScope("sync"))
	assert.False(t, c.HasScope("op"))
}

func TestRequestID_PropagatesCorrelationID(t *testing.T) {
	app := newTestApp()
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"local":   CorrelationID(c),
			"context": logger.CorrelationID(c.UserContext()),
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "corr-42")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "corr-42", resp.Header.Get(HeaderCorrelationID))
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "corr-42", body["local"])
	assert.Equal(t, "corr-42", body["context"])

	// without the header the request id doubles as correlation id
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, resp.Header.Get(HeaderRequestID), resp.Header.Get(HeaderCorrelationID))
}

func TestErrorHandler_AppError(t *testing.T) {
	app := newTestApp()
	app.Get("/missing", func(c *fiber.Ctx) error { return apperr.NotFound("sync record") })
	app.Get("/boom", func(c *fiber.Ctx) error { panic("boom") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	body := decodeError(t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, apperr.CodeNotFound, body.Error.Code)
	assert.NotEmpty(t, body.RequestID)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, apperr.CodeInternalError, decodeError(t, resp).Error.Code)
}

func TestErrorHandler_WrappedAndUnexpected(t *testing.T) {
	app := newTestApp()
	app.Get("/wrapped", func(c *fiber.Ctx) error {
		return fmt.Errorf("handler: %w", apperr.ValidationFailed("bad offset"))
	})
	app.Get("/plain", func(c *fiber.Ctx) error { return errors.New("socket closed") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/wrapped", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, apperr.CodeValidationFailed, decodeError(t, resp).Error.Code)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/plain", nil))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, apperr.CodeInternalError, body.Error.Code)
	assert.NotContains(t, body.Error.Message, "socket")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 2, Window: time.Hour})
	fixed := time.Now()
	rl.now = func() time.Time { return fixed }

	app := newTestApp()
	app.Get("/", rl.Handler(), func(c *fiber.Ctx) error { return c.SendStatus(204) })

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, 204, resp.StatusCode)
	}
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
	assert.Equal(t, apperr.CodeRateLimited, decodeError(t, resp).Error.Code)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*crypto.AuditEvent
	got    chan struct{}
}

func (s *recordingSink) RecordAudit(_ context.Context, e *crypto.AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func TestOpsAudit(t *testing.T) {
	sink := &recordingSink{got: make(chan struct{}, 4)}
	app := newTestApp()
	ops := app.Group("/ops", OpsAudit(sink))
	ops.Get("/alerts", func(c *fiber.Ctx) error { return c.SendStatus(200) })
	ops.Post("/alerts/reset", func(c *fiber.Ctx) error { return apperr.BadRequest("unknown condition") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ops/alerts", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/ops/alerts/reset?condition=nope", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("audit event not recorded")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1, "reads are not audited")
	e := sink.events[0]
	assert.Equal(t, crypto.AuditAction("ops.alerts_reset"), e.Action)
	assert.Equal(t, crypto.AuditOutcomeFailure, e.Outcome)
	assert.Equal(t, "corr-1", e.CorrelationID)
}

func TestOpsAction(t *testing.T) {
	assert.Equal(t, crypto.AuditAction("ops.retry_run"), opsAction("/ops/retry/run"))
	assert.Equal(t, crypto.AuditAction("ops.tokens_revoke"), opsAction("/ops/tokens/:jti/revoke"))
	assert.Equal(t, crypto.AuditAction("ops.request"), opsAction("/ops"))
}
