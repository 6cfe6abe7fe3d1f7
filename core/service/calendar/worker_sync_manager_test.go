package calendar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindsync/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncReminder_CreatesThenUpdates(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	ctx := context.Background()

	first := h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1", CorrelationID: "corr-1"})
	require.Equal(t, domain.SyncResultSynced, first.Status, first.Error)
	assert.Equal(t, domain.SyncActionCreated, first.Action)
	assert.NotEmpty(t, first.ProviderEventID)
	assert.Equal(t, "corr-1", first.CorrelationID)

	rec := h.records.get("abc123")
	require.NotNil(t, rec)
	assert.Equal(t, domain.SyncStatusOK, rec.Status)
	assert.Equal(t, first.ProviderEventID, rec.ProviderEventID)
	assert.Equal(t, "primary", rec.ProviderCalendarID)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, 1, h.metrics.successes(domain.OpCreateEvent))

	// all-day on the written date in the user's zone
	require.NotNil(t, h.gateway.lastPayload)
	assert.True(t, h.gateway.lastPayload.Timing.AllDay)
	assert.Equal(t, "2025-05-15", h.gateway.lastPayload.Timing.StartDate)
	assert.Equal(t, "Pay card", h.gateway.lastPayload.Summary)

	second := h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	require.Equal(t, domain.SyncResultSynced, second.Status, second.Error)
	assert.Equal(t, domain.SyncActionUpdated, second.Action)
	assert.Equal(t, first.ProviderEventID, second.ProviderEventID)
	assert.NotEmpty(t, second.CorrelationID)

	assert.Equal(t, 1, h.gateway.count("create"))
	assert.Equal(t, 1, h.gateway.count("update"))
	assert.Equal(t, 1, h.records.creates)
	assert.Equal(t, domain.SyncStatusOK, h.records.get("abc123").Status)
}

func TestSyncReminder_EditedReminderStored(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	ctx := context.Background()

	h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	edited := payCard()
	edited.Date = "2025-05-16T09:30:00"
	res := h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: edited, UserID: "u1"})

	require.True(t, res.OK())
	assert.Equal(t, "2025-05-16T09:30:00", h.records.get("abc123").Reminder.Date)
	assert.False(t, h.gateway.lastPayload.Timing.AllDay)
}

func TestSyncReminder_ConcurrentCallsConverge(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	h.gateway.createDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]*domain.SyncResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.True(t, r.OK(), r.Error)
		assert.Equal(t, results[0].ProviderEventID, r.ProviderEventID)
	}
	assert.Equal(t, 1, h.gateway.count("create"))
	assert.Equal(t, 1, h.records.creates)
}

func TestSyncReminder_Skips(t *testing.T) {
	t.Run("global toggle off writes nothing", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t, "u1")
		h.manager.cfg.Enabled = false

		res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
		assert.Equal(t, domain.SyncResultSkipped, res.Status)
		assert.Nil(t, h.records.get("abc123"))
		assert.Zero(t, h.gateway.count("search"))
	})

	t.Run("sync disabled by user leaves record queued", func(t *testing.T) {
		h := newHarness(t)
		u := h.connect(t, "u1")
		u.CalendarSyncEnabled = false
		h.integrations.put(u)

		res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
		assert.Equal(t, domain.SyncResultSkipped, res.Status)
		rec := h.records.get("abc123")
		require.NotNil(t, rec)
		assert.Equal(t, domain.SyncStatusQueued, rec.Status)
		assert.Equal(t, "calendar sync disabled by user", rec.LastError)
		assert.Zero(t, h.gateway.count("search"))
	})

	t.Run("no integration", func(t *testing.T) {
		h := newHarness(t)
		res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "ghost"})
		assert.Equal(t, domain.SyncResultSkipped, res.Status)
		assert.Equal(t, "calendar not connected", res.Error)
	})
}

func TestSyncReminder_InvalidInput(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")

	res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{
		Reminder: &domain.Reminder{MessageID: "m1", Date: "someday"},
		UserID:   "u1",
	})
	assert.Equal(t, domain.SyncResultFailed, res.Status)
	assert.Equal(t, domain.ErrorTypeClient, res.ErrorType)
	assert.Nil(t, h.records.get("m1"))

	res = h.manager.SyncReminder(context.Background(), domain.SyncRequest{UserID: "u1"})
	assert.Equal(t, domain.SyncResultFailed, res.Status)
}

func TestSyncReminder_ReconnectionRequired(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	h.gateway.failNext("create", domain.NewAuthError(403, true, errors.New("insufficientPermissions")))
	ctx := context.Background()

	res := h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1", CorrelationID: "corr-r"})
	assert.Equal(t, domain.SyncResultFailed, res.Status)
	assert.Equal(t, domain.DispositionRequiresReconnection, res.Disposition)
	assert.Equal(t, domain.ErrorTypeAuth, res.ErrorType)

	rec := h.records.get("abc123")
	assert.Equal(t, domain.SyncStatusFailed, rec.Status)
	assert.Equal(t, rec.MaxRetries, rec.RetryCount)
	assert.Nil(t, rec.NextRetryAt)

	u := h.integrations.get("u1")
	assert.False(t, u.Connected)
	assert.False(t, u.CalendarSyncEnabled)
	assert.NotEmpty(t, u.RefreshToken, "provider rejection keeps the stored credential")
	assert.Equal(t, []string{"u1"}, h.notifier.reconnect)
	assert.Equal(t, []string{"corr-r"}, h.notifier.correlations)

	// further syncs are severed and do not notify again
	for i := 0; i < 3; i++ {
		again := h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
		assert.Equal(t, domain.SyncResultSkipped, again.Status)
	}
	assert.Len(t, h.notifier.reconnect, 1)
	assert.Equal(t, domain.SyncStatusFailed, h.records.get("abc123").Status)
}

func TestSyncReminder_TokenCorruption(t *testing.T) {
	h := newHarness(t)
	u := h.connect(t, "u1")
	u.RefreshToken = "AQ-not-a-real-ciphertext"
	h.integrations.put(u)

	res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	assert.Equal(t, domain.SyncResultFailed, res.Status)
	assert.Equal(t, domain.ErrorTypeTokenCorruption, res.ErrorType)
	assert.Equal(t, domain.DispositionRequiresReconnection, res.Disposition)

	stored := h.integrations.get("u1")
	assert.False(t, stored.Connected)
	assert.Empty(t, stored.RefreshToken)
	assert.Empty(t, stored.AccessToken)
	assert.Nil(t, stored.TokenExpiresAt)
	assert.Len(t, h.notifier.reconnect, 1)
	assert.Zero(t, h.gateway.count("search"))
}

func TestSyncReminder_ClosedVaultIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	h.vault.Close()

	res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	assert.Equal(t, domain.SyncResultFailed, res.Status)
	assert.Equal(t, domain.DispositionRetryable, res.Disposition)
	assert.Equal(t, domain.ErrorTypeServer, res.ErrorType)

	rec := h.records.get("abc123")
	assert.Equal(t, domain.SyncStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.NotNil(t, rec.NextRetryAt)

	stored := h.integrations.get("u1")
	assert.True(t, stored.Eligible(), "credential survives a closed vault")
	assert.NotEmpty(t, stored.RefreshToken)
	assert.Empty(t, h.notifier.reconnect)
	assert.Zero(t, h.gateway.count("search"))
}

func TestSyncReminder_RetryableUntilExhausted(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	ctx := context.Background()
	serverErr := domain.NewServerError(503, errors.New("backend"))
	h.gateway.failNext("create", serverErr, serverErr, serverErr)

	before := time.Now()
	res := h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	assert.Equal(t, domain.DispositionRetryable, res.Disposition)
	rec := h.records.get("abc123")
	assert.Equal(t, domain.SyncStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.NextRetryAt)
	assert.False(t, rec.NextRetryAt.Before(before.Add(h.manager.Policy().BaseDelayFor(1))))
	assert.Empty(t, h.notifier.persistent)

	h.manager.Replay(ctx, h.records.get("abc123"))
	assert.Equal(t, 2, h.records.get("abc123").RetryCount)
	assert.Empty(t, h.notifier.persistent)

	h.manager.Replay(ctx, h.records.get("abc123"))
	rec = h.records.get("abc123")
	assert.Equal(t, 3, rec.RetryCount)
	assert.True(t, rec.Exhausted())
	assert.Nil(t, rec.NextRetryAt)
	assert.Equal(t, []string{"abc123"}, h.notifier.persistent)

	// exhausted records are never attempted again
	res = h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	assert.Equal(t, domain.SyncResultFailed, res.Status)
	assert.Equal(t, 3, h.gateway.count("create"))
	assert.Equal(t, 3, h.records.get("abc123").RetryCount)
	assert.Len(t, h.notifier.persistent, 1)
}

func TestReplay_IneligibleUserParksFailedRecord(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	ctx := context.Background()
	h.gateway.failNext("create", domain.NewServerError(503, errors.New("backend")))

	res := h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	require.Equal(t, domain.DispositionRetryable, res.Disposition)
	require.Equal(t, domain.SyncStatusFailed, h.records.get("abc123").Status)

	require.NoError(t, h.integrations.SetSyncEnabled(ctx, "u1", false, time.Now()))

	for i := 0; i < 5; i++ {
		candidates, err := h.records.ListRetryCandidates(ctx, 0)
		require.NoError(t, err)
		for _, rec := range candidates {
			res := h.manager.Replay(ctx, rec)
			assert.Equal(t, domain.SyncResultSkipped, res.Status)
		}
	}

	rec := h.records.get("abc123")
	assert.Equal(t, domain.SyncStatusQueued, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "calendar sync disabled by user", rec.LastError)
	assert.Nil(t, rec.NextRetryAt)
	assert.True(t, rec.Parked())

	pending, err := h.records.CountPendingRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	candidates, err := h.records.ListRetryCandidates(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, 1, h.gateway.count("create"))
	assert.Empty(t, h.notifier.persistent)

	// re-enabling resumes the parked record with its retry count intact
	require.NoError(t, h.integrations.SetSyncEnabled(ctx, "u1", true, time.Now()))
	resumed, err := h.records.ResumeParked(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), resumed)

	candidates, err = h.records.ListRetryCandidates(ctx, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 1, candidates[0].RetryCount)

	res = h.manager.Replay(ctx, candidates[0])
	assert.Equal(t, domain.SyncResultSynced, res.Status, res.Error)
	assert.Equal(t, domain.SyncStatusOK, h.records.get("abc123").Status)
}

func TestSyncReminder_IneligibleLeavesFinishedRecordsAlone(t *testing.T) {
	h := newHarness(t)
	u := h.connect(t, "u1")
	ctx := context.Background()

	require.Equal(t, domain.SyncResultSynced, h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1"}).Status)

	u.CalendarSyncEnabled = false
	h.integrations.put(u)
	res := h.manager.SyncReminder(ctx, domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	assert.Equal(t, domain.SyncResultSkipped, res.Status)

	rec := h.records.get("abc123")
	assert.Equal(t, domain.SyncStatusOK, rec.Status)
	assert.NotEmpty(t, rec.ProviderEventID)
}

func TestSyncReminder_RetryAfterHintStretchesBackoff(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	h.gateway.failNext("search", domain.NewRateLimitError(429, 45*time.Minute, errors.New("slow down")))

	before := time.Now()
	h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})

	rec := h.records.get("abc123")
	require.NotNil(t, rec.NextRetryAt)
	assert.False(t, rec.NextRetryAt.Before(before.Add(45*time.Minute)))
	assert.Equal(t, domain.ErrorTypeRateLimit, rec.LastErrorType)
}

func TestSyncReminder_PermanentFailureSpendsBudget(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	h.gateway.failNext("create", domain.NewClientError(400, errors.New("bad request")))

	res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	assert.Equal(t, domain.DispositionPermanent, res.Disposition)

	rec := h.records.get("abc123")
	assert.Equal(t, rec.MaxRetries, rec.RetryCount)
	assert.False(t, rec.CanRetry())
	assert.True(t, h.integrations.get("u1").Connected)
	assert.Empty(t, h.notifier.reconnect)
}

func TestSyncReminder_RefreshesOnceOnAuthFailure(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	h.gateway.failNext("search", domain.NewAuthError(401, false, errors.New("invalid credentials")))

	res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, 1, h.gateway.refreshes)
	assert.Equal(t, 2, h.gateway.count("search"))
	assert.Equal(t, "access-1", h.integrations.get("u1").AccessToken)
}

func TestSyncReminder_SecondAuthFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	authErr := domain.NewAuthError(401, false, errors.New("invalid credentials"))
	h.gateway.failNext("search", authErr, authErr)

	res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	assert.Equal(t, domain.SyncResultFailed, res.Status)
	assert.Equal(t, domain.ErrorTypeAuth, res.ErrorType)
	assert.Equal(t, 1, h.gateway.refreshes)
	assert.Equal(t, 2, h.gateway.count("search"))
	assert.Zero(t, h.gateway.count("create"))
}

func TestSyncReminder_RefreshRevokedRequiresReconnection(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")
	h.gateway.failNext("search", domain.NewAuthError(401, false, errors.New("invalid credentials")))
	h.gateway.refreshErr = domain.NewAuthError(400, true, errors.New("invalid_grant"))

	res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	assert.Equal(t, domain.DispositionRequiresReconnection, res.Disposition)
	assert.False(t, h.integrations.get("u1").Connected)
	assert.Len(t, h.notifier.reconnect, 1)
}

func TestSyncReminder_ExpiringTokenRefreshedAndPersisted(t *testing.T) {
	h := newHarness(t)
	u := h.connect(t, "u1")
	soon := time.Now().Add(2 * time.Minute)
	u.TokenExpiresAt = &soon
	h.integrations.put(u)
	h.gateway.rotateRefresh = "rotated-refresh"

	res := h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1"})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, 1, h.gateway.refreshes)
	assert.Equal(t, 1, h.integrations.tokenUpdates)

	stored := h.integrations.get("u1")
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.True(t, stored.TokenExpiresAt.After(time.Now().Add(30*time.Minute)))
	assert.NotEqual(t, "rotated-refresh", stored.RefreshToken, "refresh token must be stored encrypted")

	plain, err := h.vault.Decrypt(context.Background(), stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", plain)
}

func TestReplay_WithoutPayloadSkips(t *testing.T) {
	h := newHarness(t)
	res := h.manager.Replay(context.Background(), &domain.SyncRecord{MessageID: "m1", UserID: "u1"})
	assert.Equal(t, domain.SyncResultSkipped, res.Status)
}

func TestSyncReminder_RecordsOutcomesWithCorrelation(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")

	h.manager.SyncReminder(context.Background(), domain.SyncRequest{Reminder: payCard(), UserID: "u1", CorrelationID: "corr-m"})

	ops := map[domain.Operation]bool{}
	for _, o := range h.metrics.outcomes {
		assert.Equal(t, "corr-m", o.CorrelationID)
		ops[o.Operation] = true
	}
	assert.True(t, ops[domain.OpDecryptSecret])
	assert.True(t, ops[domain.OpSearchEvent])
	assert.True(t, ops[domain.OpCreateEvent])
	assert.True(t, ops[domain.OpSyncReminder])
}
