package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/pkg/httputil"
	"remindsync/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// GoogleCalendarConfig holds Google Calendar gateway configuration.
type GoogleCalendarConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// IdempotencySecret keys the private extended property.
	IdempotencySecret []byte

	QPS     float64       // provider calls per second across all users
	Burst   int           // limiter burst
	Timeout time.Duration // HTTP response timeout per call

	// Overrides for tests and proxies; empty means Google defaults.
	APIEndpoint string
	AuthURL     string
	TokenURL    string
	RevokeURL   string
}

// GoogleCalendarGateway implements out.CalendarGateway for Google Calendar.
// It keeps no per-user state; tokens are passed in and returned.
type GoogleCalendarGateway struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	apiEndpoint string
	revokeURL   string
	secret      []byte
	limiter     *rate.Limiter
	cb          *gobreaker.CircuitBreaker
	now         func() time.Time
}

// NewGoogleCalendarGateway creates a new Google Calendar gateway.
func NewGoogleCalendarGateway(cfg *GoogleCalendarConfig) *GoogleCalendarGateway {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	qps := cfg.QPS
	if qps <= 0 {
		qps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(qps) + 1
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}

	cbSettings := gobreaker.Settings{
		Name:        "google-calendar-api",
		MaxRequests: 3,                // requests allowed while half-open
		Interval:    60 * time.Second, // closed-state counter reset
		Timeout:     30 * time.Second, // open -> half-open
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return !tripsBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GoogleCalendarGateway{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{calendar.CalendarEventsScope},
			Endpoint:     endpoint,
		},
		httpClient:  httputil.NewClient(httputil.CalendarClientConfig(cfg.Timeout)),
		apiEndpoint: cfg.APIEndpoint,
		revokeURL:   revokeURL,
		secret:      cfg.IdempotencySecret,
		limiter:     rate.NewLimiter(rate.Limit(qps), burst),
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		now:         time.Now,
	}
}

// baseContext makes oauth2 use our pooled client with its timeouts.
func (g *GoogleCalendarGateway) baseContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

// getService creates a Calendar service pinned to token. The token source
// is static: refresh is explicit and never happens behind the caller.
func (g *GoogleCalendarGateway) getService(ctx context.Context, token *oauth2.Token) (*calendar.Service, error) {
	client := oauth2.NewClient(g.baseContext(ctx), oauth2.StaticTokenSource(token))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(g.apiEndpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, domain.NewClientError(0, fmt.Errorf("failed to create calendar service: %w", err))
	}
	return svc, nil
}

// execute runs fn behind the limiter and the circuit breaker and returns a
// classified error.
func (g *GoogleCalendarGateway) execute(ctx context.Context, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.NewNetworkError(fmt.Errorf("provider throttle: %w", err))
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.SyncError{
			Type:      domain.ErrorTypeNetwork,
			Retryable: true,
			Message:   "provider circuit open",
			Err:       err,
		}
	}
	return ClassifyError(err)
}

// =============================================================================
// Token Operations
// =============================================================================

// EnsureValidToken refreshes token when it expires within out.TokenExpiryBuffer.
func (g *GoogleCalendarGateway) EnsureValidToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, bool, error) {
	if token == nil {
		return nil, false, domain.NewAuthError(0, true, errors.New("no credentials"))
	}
	if token.AccessToken != "" && (token.Expiry.IsZero() || token.Expiry.After(g.now().Add(out.TokenExpiryBuffer))) {
		return token, false, nil
	}
	refreshed, err := g.RefreshAccessToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return refreshed, true, nil
}

// RefreshAccessToken exchanges the refresh token for a new access token.
// The returned token is a new value; token is left untouched.
func (g *GoogleCalendarGateway) RefreshAccessToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, domain.NewAuthError(0, true, errors.New("no refresh token stored"))
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, domain.NewNetworkError(fmt.Errorf("provider throttle: %w", err))
	}

	// an expired token forces the source to hit the token endpoint
	src := g.oauthConfig.TokenSource(g.baseContext(ctx), &oauth2.Token{RefreshToken: token.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return nil, ClassifyError(err)
	}

	next := *fresh
	if next.RefreshToken == "" {
		next.RefreshToken = token.RefreshToken
	}
	return &next, nil
}

// RevokeTokens revokes the grant at the provider. An already invalid token
// counts as revoked.
func (g *GoogleCalendarGateway) RevokeTokens(ctx context.Context, token *oauth2.Token) error {
	if token == nil {
		return nil
	}
	value := token.RefreshToken
	if value == "" {
		value = token.AccessToken
	}
	if value == "" {
		return nil
	}

	form := url.Values{"token": {value}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.NewClientError(0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return ClassifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusBadRequest:
		return nil
	case resp.StatusCode >= 500:
		return domain.NewServerError(resp.StatusCode, fmt.Errorf("revoke failed: %s", resp.Status))
	default:
		return domain.NewClientError(resp.StatusCode, fmt.Errorf("revoke failed: %s", resp.Status))
	}
}

// AuthCodeURL returns the consent URL with offline access.
func (g *GoogleCalendarGateway) AuthCodeURL(state string) string {
	return g.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode exchanges an authorization code for a token.
func (g *GoogleCalendarGateway) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := g.oauthConfig.Exchange(g.baseContext(ctx), code)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return token, nil
}

// =============================================================================
// Event Operations
// =============================================================================

// IdempotencyKey is the private extended property value for messageID.
func (g *GoogleCalendarGateway) IdempotencyKey(messageID string) string {
	return IdempotencyKey(g.secret, messageID)
}

// SearchEventByIdempotencyKey finds the live event tagged for messageID.
// When a race left more than one, the earliest created wins.
func (g *GoogleCalendarGateway) SearchEventByIdempotencyKey(ctx context.Context, token *oauth2.Token, calendarID, messageID string) (*out.ProviderEvent, error) {
	svc, err := g.getService(ctx, token)
	if err != nil {
		return nil, err
	}
	if calendarID == "" {
		calendarID = domain.DefaultCalendarID
	}

	var resp *calendar.Events
	err = g.execute(ctx, func() error {
		var callErr error
		resp, callErr = svc.Events.List(calendarID).
			PrivateExtendedProperty(syncKeyProperty + "=" + g.IdempotencyKey(messageID)).
			ShowDeleted(false).
			MaxResults(10).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var found *calendar.Event
	live := 0
	for _, item := range resp.Items {
		if item.Status == "cancelled" {
			continue
		}
		live++
		if found == nil || item.Created < found.Created {
			found = item
		}
	}
	if live > 1 {
		logger.WithContext(ctx).Warn("[GoogleCalendarGateway.Search] %d events share message %s, using %s", live, messageID, found.Id)
	}
	if found == nil {
		return nil, nil
	}
	return convertEvent(found, calendarID), nil
}

// CreateEvent creates a new event.
func (g *GoogleCalendarGateway) CreateEvent(ctx context.Context, token *oauth2.Token, calendarID string, payload *out.EventPayload) (*out.ProviderEvent, error) {
	svc, err := g.getService(ctx, token)
	if err != nil {
		return nil, err
	}
	if calendarID == "" {
		calendarID = domain.DefaultCalendarID
	}

	ev := toGoogleEvent(payload, g.IdempotencyKey(payload.MessageID))

	var created *calendar.Event
	err = g.execute(ctx, func() error {
		var callErr error
		created, callErr = svc.Events.Insert(calendarID, ev).
			SendUpdates("none").
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return convertEvent(created, calendarID), nil
}

// UpdateEvent replaces an existing event.
func (g *GoogleCalendarGateway) UpdateEvent(ctx context.Context, token *oauth2.Token, calendarID, eventID string, payload *out.EventPayload) (*out.ProviderEvent, error) {
	svc, err := g.getService(ctx, token)
	if err != nil {
		return nil, err
	}
	if calendarID == "" {
		calendarID = domain.DefaultCalendarID
	}

	ev := toGoogleEvent(payload, g.IdempotencyKey(payload.MessageID))

	var updated *calendar.Event
	err = g.execute(ctx, func() error {
		var callErr error
		updated, callErr = svc.Events.Update(calendarID, eventID, ev).
			SendUpdates("none").
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return convertEvent(updated, calendarID), nil
}

// Ensure interface compliance
var (
	_ out.CalendarGateway = (*GoogleCalendarGateway)(nil)
	_ out.OAuthFlow       = (*GoogleCalendarGateway)(nil)
)
