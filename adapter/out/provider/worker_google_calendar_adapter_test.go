package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
)

// fakeGoogle is a minimal Calendar v3 + OAuth token endpoint.
type fakeGoogle struct {
	mu          sync.Mutex
	events      map[string]*calendar.Event
	nextID      int
	inserts     int
	updates     int
	lastQuery   string
	tokenStatus int
	tokenBody   string
	eventStatus int // forced status for event calls, 0 = normal
	eventBody   string
	revoked     []string
}

func newFakeGoogle() *fakeGoogle {
	return &fakeGoogle{events: map[string]*calendar.Event{}}
}

func (f *fakeGoogle) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.eventStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(f.eventStatus)
			io.WriteString(w, f.eventBody)
			return
		}
		switch r.Method {
		case http.MethodGet:
			f.lastQuery = r.URL.Query().Get("privateExtendedProperty")
			var items []*calendar.Event
			for _, ev := range f.events {
				for k, v := range ev.ExtendedProperties.Private {
					if k+"="+v == f.lastQuery {
						items = append(items, ev)
					}
				}
			}
			json.NewEncoder(w).Encode(&calendar.Events{Items: items})
		case http.MethodPost:
			var ev calendar.Event
			json.NewDecoder(r.Body).Decode(&ev)
			f.nextID++
			f.inserts++
			ev.Id = "evt-" + string(rune('0'+f.nextID))
			ev.Status = "confirmed"
			ev.Created = time.Now().UTC().Format(time.RFC3339Nano)
			f.events[ev.Id] = &ev
			json.NewEncoder(w).Encode(&ev)
		}
	})
	mux.HandleFunc("/calendar/v3/calendars/primary/events/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := strings.TrimPrefix(r.URL.Path, "/calendar/v3/calendars/primary/events/")
		if _, ok := f.events[id]; !ok || r.Method != http.MethodPut {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
			return
		}
		var ev calendar.Event
		json.NewDecoder(r.Body).Decode(&ev)
		ev.Id = id
		ev.Status = "confirmed"
		f.events[id] = &ev
		f.updates++
		json.NewEncoder(w).Encode(&ev)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			io.WriteString(w, f.tokenBody)
			return
		}
		io.WriteString(w, `{"access_token":"fresh-access","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		r.ParseForm()
		f.revoked = append(f.revoked, r.PostForm.Get("token"))
	})
	return mux
}

func newTestGateway(t *testing.T, f *fakeGoogle) *GoogleCalendarGateway {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewGoogleCalendarGateway(&GoogleCalendarConfig{
		ClientID:          "client",
		ClientSecret:      "secret",
		IdempotencySecret: []byte("idem-secret"),
		QPS:               1000,
		APIEndpoint:       srv.URL + "/calendar/v3/",
		TokenURL:          srv.URL + "/token",
		RevokeURL:         srv.URL + "/revoke",
	})
}

func validToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}
}

func allDayPayload(messageID string) *out.EventPayload {
	timing, _ := domain.ResolveEventTiming(&domain.Reminder{MessageID: messageID, Date: "2025-05-15"}, time.UTC, 0, time.Hour)
	return &out.EventPayload{MessageID: messageID, Summary: "Pay card", Timing: timing}
}

func TestGateway_SearchCreateUpdate(t *testing.T) {
	f := newFakeGoogle()
	g := newTestGateway(t, f)
	ctx := context.Background()

	found, err := g.SearchEventByIdempotencyKey(ctx, validToken(), "primary", "abc123")
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Equal(t, syncKeyProperty+"="+g.IdempotencyKey("abc123"), f.lastQuery)

	created, err := g.CreateEvent(ctx, validToken(), "primary", allDayPayload("abc123"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "primary", created.CalendarID)

	found, err = g.SearchEventByIdempotencyKey(ctx, validToken(), "primary", "abc123")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	other, err := g.SearchEventByIdempotencyKey(ctx, validToken(), "primary", "other-message")
	require.NoError(t, err)
	assert.Nil(t, other)

	updated, err := g.UpdateEvent(ctx, validToken(), "primary", created.ID, allDayPayload("abc123"))
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 1, f.inserts)
	assert.Equal(t, 1, f.updates)
}

func TestGateway_ClassifiesProviderFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  domain.ErrorType
		retryable bool
		reconnect bool
	}{
		{"unauthorized", 401, `{"error":{"code":401,"message":"Invalid Credentials","errors":[{"reason":"authError"}]}}`, domain.ErrorTypeAuth, false, false},
		{"rate limited 429", 429, `{"error":{"code":429,"message":"slow down"}}`, domain.ErrorTypeRateLimit, true, false},
		{"rate limited 403", 403, `{"error":{"code":403,"message":"quota","errors":[{"reason":"userRateLimitExceeded"}]}}`, domain.ErrorTypeRateLimit, true, false},
		{"scope revoked", 403, `{"error":{"code":403,"message":"no","errors":[{"reason":"insufficientPermissions"}]}}`, domain.ErrorTypeAuth, false, true},
		{"bad request", 400, `{"error":{"code":400,"message":"Bad Request"}}`, domain.ErrorTypeClient, false, false},
		{"server", 503, `{"error":{"code":503,"message":"backend"}}`, domain.ErrorTypeServer, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGoogle()
			f.eventStatus = tt.status
			f.eventBody = tt.body
			g := newTestGateway(t, f)

			_, err := g.CreateEvent(context.Background(), validToken(), "primary", allDayPayload("m1"))
			require.Error(t, err)
			var se *domain.SyncError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.wantType, se.Type)
			assert.Equal(t, tt.retryable, se.Retryable)
			assert.Equal(t, tt.reconnect, se.RequiresReconnection)
			if tt.wantType == domain.ErrorTypeRateLimit {
				assert.Equal(t, 7*time.Second, se.RetryAfter)
			}
		})
	}
}

func TestGateway_EnsureValidToken(t *testing.T) {
	f := newFakeGoogle()
	g := newTestGateway(t, f)
	ctx := context.Background()

	tok := validToken()
	got, refreshed, err := g.EnsureValidToken(ctx, tok)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Same(t, tok, got)

	expiring := &oauth2.Token{AccessToken: "old", RefreshToken: "refresh", Expiry: time.Now().Add(4 * time.Minute)}
	got, refreshed, err = g.EnsureValidToken(ctx, expiring)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "fresh-access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.Equal(t, "old", expiring.AccessToken, "input token must not be mutated")
}

func TestGateway_RefreshInvalidGrantRequiresReconnection(t *testing.T) {
	f := newFakeGoogle()
	f.tokenStatus = http.StatusBadRequest
	f.tokenBody = `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`
	g := newTestGateway(t, f)

	_, err := g.RefreshAccessToken(context.Background(), &oauth2.Token{RefreshToken: "dead"})
	require.Error(t, err)
	se := ClassifyError(err)
	assert.Equal(t, domain.ErrorTypeAuth, se.Type)
	assert.True(t, se.RequiresReconnection)
}

func TestGateway_RefreshWithoutRefreshToken(t *testing.T) {
	g := newTestGateway(t, newFakeGoogle())
	_, err := g.RefreshAccessToken(context.Background(), &oauth2.Token{AccessToken: "a"})
	se := ClassifyError(err)
	require.NotNil(t, se)
	assert.True(t, se.RequiresReconnection)
}

func TestGateway_RevokeTokens(t *testing.T) {
	f := newFakeGoogle()
	g := newTestGateway(t, f)
	require.NoError(t, g.RevokeTokens(context.Background(), validToken()))
	assert.Equal(t, []string{"refresh"}, f.revoked)
	require.NoError(t, g.RevokeTokens(context.Background(), nil))
}

func TestGateway_AuthCodeURL(t *testing.T) {
	g := newTestGateway(t, newFakeGoogle())
	u := g.AuthCodeURL("state-1")
	assert.Contains(t, u, "state=state-1")
	assert.Contains(t, u, "access_type=offline")
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey([]byte("s1"), "abc123")
	assert.Len(t, a, 64)
	assert.Equal(t, a, IdempotencyKey([]byte("s1"), "abc123"))
	assert.NotEqual(t, a, IdempotencyKey([]byte("s2"), "abc123"))
	assert.NotEqual(t, a, IdempotencyKey([]byte("s1"), "abc124"))
	assert.NotContains(t, a, "abc123")
}
