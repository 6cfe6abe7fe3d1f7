package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/pkg/crypto"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// =============================================================================
// Sync record repository
// =============================================================================

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]*domain.SyncRecord
	creates int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: map[string]*domain.SyncRecord{}}
}

func (f *fakeRecords) GetOrCreate(_ context.Context, record *domain.SyncRecord) (*domain.SyncRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.records[record.MessageID]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *record
	f.records[record.MessageID] = &c
	f.creates++
	stored := c
	return &stored, true, nil
}

func (f *fakeRecords) GetByMessageID(_ context.Context, messageID string) (*domain.SyncRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[messageID]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (f *fakeRecords) UpdateReminder(_ context.Context, messageID string, reminder *domain.Reminder, at time.Time) error {
	return f.update(messageID, func(r *domain.SyncRecord) {
		c := *reminder
		r.Reminder = &c
		r.UpdatedAt = at
	})
}

func (f *fakeRecords) MarkSynced(_ context.Context, messageID, eventID, calendarID string, at time.Time) error {
	return f.update(messageID, func(r *domain.SyncRecord) {
		r.Status = domain.SyncStatusOK
		r.ProviderEventID = eventID
		r.ProviderCalendarID = calendarID
		r.LastError = ""
		r.LastErrorType = ""
		r.NextRetryAt = nil
		r.LastAttemptAt = &at
		r.UpdatedAt = at
	})
}

func (f *fakeRecords) MarkFailed(_ context.Context, failure out.SyncFailure) error {
	return f.update(failure.MessageID, func(r *domain.SyncRecord) {
		r.Status = domain.SyncStatusFailed
		r.LastError = failure.Error
		r.LastErrorType = failure.ErrorType
		r.RetryCount = failure.RetryCount
		r.NextRetryAt = failure.NextRetryAt
		r.LastAttemptAt = &failure.AttemptedAt
		r.UpdatedAt = failure.AttemptedAt
	})
}

func (f *fakeRecords) MarkQueued(_ context.Context, messageID, reason string, at time.Time) error {
	return f.update(messageID, func(r *domain.SyncRecord) {
		if !r.Parkable() {
			return
		}
		r.Status = domain.SyncStatusQueued
		r.LastError = reason
		r.NextRetryAt = nil
		r.UpdatedAt = at
	})
}

func (f *fakeRecords) ResumeParked(_ context.Context, userID string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.records {
		if r.UserID == userID && r.Parked() {
			r.Status = domain.SyncStatusFailed
			next := at
			r.NextRetryAt = &next
			r.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (f *fakeRecords) ListRetryCandidates(_ context.Context, limit int) ([]*domain.SyncRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*domain.SyncRecord
	for _, r := range f.records {
		if r.CanRetry() {
			c := *r
			list = append(list, &c)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].MessageID < list[j].MessageID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (f *fakeRecords) CountPendingRetries(ctx context.Context) (int64, error) {
	list, _ := f.ListRetryCandidates(ctx, 0)
	return int64(len(list)), nil
}

func (f *fakeRecords) DeleteSyncedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, r := range f.records {
		if r.Status == domain.SyncStatusOK && r.UpdatedAt.Before(cutoff) {
			delete(f.records, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRecords) update(messageID string, fn func(*domain.SyncRecord)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[messageID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	fn(rec)
	return nil
}

func (f *fakeRecords) get(messageID string) *domain.SyncRecord {
	rec, _ := f.GetByMessageID(context.Background(), messageID)
	return rec
}

// =============================================================================
// Integration repository
// =============================================================================

type fakeIntegrations struct {
	mu           sync.Mutex
	integrations map[string]*domain.UserIntegration
	tokenUpdates int
}

func newFakeIntegrations() *fakeIntegrations {
	return &fakeIntegrations{integrations: map[string]*domain.UserIntegration{}}
}

func (f *fakeIntegrations) GetByUserID(_ context.Context, userID string) (*domain.UserIntegration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.integrations[userID]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

// put stores integration as is.
func (f *fakeIntegrations) put(integration *domain.UserIntegration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *integration
	f.integrations[integration.UserID] = &c
}

func (f *fakeIntegrations) Create(_ context.Context, integration *domain.UserIntegration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.integrations[integration.UserID]; !ok {
		c := *integration
		f.integrations[integration.UserID] = &c
	}
	return nil
}

func (f *fakeIntegrations) Connect(_ context.Context, userID string, grant domain.TokenUpdate, at time.Time) (*domain.UserIntegration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.integrations[userID]
	if grant.RefreshToken == "" && (!ok || !u.HasCredentials()) {
		return nil, domain.ErrNoStoredCredential
	}
	if !ok {
		u = domain.NewUserIntegration(userID, at)
		f.integrations[userID] = u
	}
	if grant.RefreshToken != "" {
		u.RefreshToken = grant.RefreshToken
	}
	u.AccessToken = grant.AccessToken
	u.TokenExpiresAt = grant.ExpiresAt()
	if u.CalendarID == "" {
		u.CalendarID = domain.DefaultCalendarID
	}
	u.Connected, u.CalendarSyncEnabled = true, true
	u.ConnectedAt, u.ReconnectRequiredAt = &at, nil
	u.UpdatedAt = at
	c := *u
	return &c, nil
}

func (f *fakeIntegrations) UpdatePreferences(_ context.Context, userID string, prefs domain.IntegrationPreferences, at time.Time) (*domain.UserIntegration, error) {
	var c domain.UserIntegration
	err := f.update(userID, func(u *domain.UserIntegration) {
		u.ApplyPreferences(prefs)
		u.UpdatedAt = at
		c = *u
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (f *fakeIntegrations) UpdateTokens(_ context.Context, userID string, update domain.TokenUpdate, at time.Time) error {
	return f.update(userID, func(u *domain.UserIntegration) {
		f.tokenUpdates++
		u.AccessToken = update.AccessToken
		if update.RefreshToken != "" {
			u.RefreshToken = update.RefreshToken
		}
		exp := update.TokenExpiresAt
		u.TokenExpiresAt = &exp
		u.UpdatedAt = at
	})
}

func (f *fakeIntegrations) Disconnect(_ context.Context, userID string, at time.Time) error {
	return f.update(userID, func(u *domain.UserIntegration) {
		u.Connected = false
		u.CalendarSyncEnabled = false
		u.ClearTokens()
		u.UpdatedAt = at
	})
}

func (f *fakeIntegrations) MarkReconnectionRequired(_ context.Context, userID string, clearTokens bool, at time.Time) error {
	return f.update(userID, func(u *domain.UserIntegration) {
		u.Connected = false
		u.CalendarSyncEnabled = false
		if clearTokens {
			u.ClearTokens()
		}
		u.ReconnectRequiredAt = &at
	})
}

func (f *fakeIntegrations) SetSyncEnabled(_ context.Context, userID string, enabled bool, at time.Time) error {
	return f.update(userID, func(u *domain.UserIntegration) {
		u.CalendarSyncEnabled = enabled
		u.UpdatedAt = at
	})
}

func (f *fakeIntegrations) AppendNotification(_ context.Context, userID string, kind domain.NotificationKind, at time.Time, keep time.Duration) error {
	return f.update(userID, func(u *domain.UserIntegration) {
		if u.NotificationHistory == nil {
			u.NotificationHistory = map[domain.NotificationKind][]time.Time{}
		}
		u.NotificationHistory[kind] = append(u.RecentNotifications(kind, at, keep), at)
	})
}

func (f *fakeIntegrations) update(userID string, fn func(*domain.UserIntegration)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.integrations[userID]
	if !ok {
		return domain.ErrIntegrationNotFound
	}
	fn(u)
	return nil
}

func (f *fakeIntegrations) get(userID string) *domain.UserIntegration {
	u, _ := f.GetByUserID(context.Background(), userID)
	return u
}

// =============================================================================
// Calendar gateway
// =============================================================================

type fakeGateway struct {
	mu sync.Mutex

	events  map[string]*out.ProviderEvent // by messageId
	seq     int
	calls   map[string]int
	failing map[string][]error // queued errors per method

	refreshes     int
	rotateRefresh string // non-empty: refresh returns this refresh token
	refreshErr    error
	createDelay   time.Duration
	lastPayload   *out.EventPayload
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events:  map[string]*out.ProviderEvent{},
		calls:   map[string]int{},
		failing: map[string][]error{},
	}
}

func (g *fakeGateway) failNext(method string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failing[method] = append(g.failing[method], errs...)
}

func (g *fakeGateway) pop(method string) error {
	g.calls[method]++
	if q := g.failing[method]; len(q) > 0 {
		g.failing[method] = q[1:]
		return q[0]
	}
	return nil
}

func (g *fakeGateway) count(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

func (g *fakeGateway) EnsureValidToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, bool, error) {
	if token.AccessToken != "" && (token.Expiry.IsZero() || time.Until(token.Expiry) > out.TokenExpiryBuffer) {
		return token, false, nil
	}
	fresh, err := g.RefreshAccessToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

func (g *fakeGateway) RefreshAccessToken(_ context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshes++
	if g.refreshErr != nil {
		return nil, g.refreshErr
	}
	refresh := token.RefreshToken
	if g.rotateRefresh != "" {
		refresh = g.rotateRefresh
	}
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("access-%d", g.refreshes),
		RefreshToken: refresh,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (g *fakeGateway) SearchEventByIdempotencyKey(_ context.Context, _ *oauth2.Token, _, messageID string) (*out.ProviderEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.pop("search"); err != nil {
		return nil, err
	}
	ev, ok := g.events[messageID]
	if !ok {
		return nil, nil
	}
	c := *ev
	return &c, nil
}

func (g *fakeGateway) CreateEvent(_ context.Context, _ *oauth2.Token, calendarID string, payload *out.EventPayload) (*out.ProviderEvent, error) {
	if g.createDelay > 0 {
		time.Sleep(g.createDelay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.pop("create"); err != nil {
		return nil, err
	}
	g.seq++
	ev := &out.ProviderEvent{ID: fmt.Sprintf("evt-%d", g.seq), CalendarID: calendarID, Status: "confirmed"}
	g.events[payload.MessageID] = ev
	g.lastPayload = payload
	c := *ev
	return &c, nil
}

func (g *fakeGateway) UpdateEvent(_ context.Context, _ *oauth2.Token, calendarID, eventID string, payload *out.EventPayload) (*out.ProviderEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.pop("update"); err != nil {
		return nil, err
	}
	ev, ok := g.events[payload.MessageID]
	if !ok || ev.ID != eventID {
		return nil, domain.NewClientError(404, errors.New("not found"))
	}
	g.lastPayload = payload
	c := *ev
	return &c, nil
}

func (g *fakeGateway) RevokeTokens(context.Context, *oauth2.Token) error {
	return nil
}

// =============================================================================
// Notifier, reconnection handler, metrics
// =============================================================================

type fakeNotifier struct {
	mu           sync.Mutex
	reconnect    []string
	persistent   []string
	correlations []string
}

func (n *fakeNotifier) NotifyReconnectionRequired(_ context.Context, userID, correlationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconnect = append(n.reconnect, userID)
	n.correlations = append(n.correlations, correlationID)
	return true
}

func (n *fakeNotifier) NotifyPersistentFailure(_ context.Context, userID, messageID, correlationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.persistent = append(n.persistent, messageID)
	n.correlations = append(n.correlations, correlationID)
	return true
}

type repoReconnector struct {
	repo *fakeIntegrations
}

func (r repoReconnector) MarkReconnectionRequired(ctx context.Context, userID string, clearTokens bool, _ string) error {
	return r.repo.MarkReconnectionRequired(ctx, userID, clearTokens, time.Now())
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []domain.OperationOutcome
}

func (r *recordingMetrics) Record(o domain.OperationOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingMetrics) successes(op domain.Operation) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.outcomes {
		if o.Operation == op && o.Success {
			n++
		}
	}
	return n
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	manager      *SyncManager
	records      *fakeRecords
	integrations *fakeIntegrations
	gateway      *fakeGateway
	vault        *crypto.Vault
	notifier     *fakeNotifier
	metrics      *recordingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	vault, err := crypto.NewVault(crypto.VaultConfig{MasterKey: []byte("test-master-key"), ScryptN: 16})
	require.NoError(t, err)

	h := &harness{
		records:      newFakeRecords(),
		integrations: newFakeIntegrations(),
		gateway:      newFakeGateway(),
		vault:        vault,
		notifier:     &fakeNotifier{},
		metrics:      &recordingMetrics{},
	}
	h.manager = NewSyncManager(
		Config{
			Enabled:              true,
			RetryPolicy:          domain.DefaultRetryPolicy(),
			DefaultEventDuration: time.Hour,
			DefaultTimezone:      "UTC",
		},
		h.records,
		h.integrations,
		h.gateway,
		h.vault,
		repoReconnector{repo: h.integrations},
		h.notifier,
		h.metrics,
	)
	h.manager.random = func() float64 { return 0 }
	return h
}

// connect stores an eligible integration with a valid access token.
func (h *harness) connect(t *testing.T, userID string) *domain.UserIntegration {
	t.Helper()
	sealed, err := h.vault.Encrypt(context.Background(), "refresh-"+userID)
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	u := domain.NewUserIntegration(userID, time.Now())
	u.Connected = true
	u.CalendarSyncEnabled = true
	u.AccessToken = "access-0"
	u.RefreshToken = sealed
	u.TokenExpiresAt = &exp
	u.Timezone = "America/Sao_Paulo"
	h.integrations.put(u)
	return u
}

func payCard() *domain.Reminder {
	return &domain.Reminder{MessageID: "abc123", Description: "Pay card", Date: "2025-05-15"}
}
