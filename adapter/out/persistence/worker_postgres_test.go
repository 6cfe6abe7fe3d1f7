package persistence

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/infra/database"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB migrates a clean schema on TEST_DATABASE_URL or skips.
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.NewPostgres(context.Background(), url, nil)
	if err != nil {
		t.Skipf("test database unreachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`DROP TABLE IF EXISTS sync_records, user_integrations, schema_migrations CASCADE`)
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(url))
	return db
}

func TestSyncRecordAdapter_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSyncRecordAdapter(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := domain.NewSyncRecord("abc123", "u1", 3, "corr-1", now)
	rec.Reminder = &domain.Reminder{MessageID: "abc123", Description: "Pay card", Date: "2025-05-15"}

	// concurrent inserts converge on one row
	var wg sync.WaitGroup
	created := make([]bool, 8)
	for i := range created {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, c, err := repo.GetOrCreate(ctx, rec)
			assert.NoError(t, err)
			created[i] = c
		}(i)
	}
	wg.Wait()
	n := 0
	for _, c := range created {
		if c {
			n++
		}
	}
	assert.Equal(t, 1, n)

	stored, err := repo.GetByMessageID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusQueued, stored.Status)
	assert.Equal(t, "Pay card", stored.Reminder.Description)

	next := now.Add(time.Minute)
	require.NoError(t, repo.MarkFailed(ctx, out.SyncFailure{
		MessageID: "abc123", Error: "boom", ErrorType: domain.ErrorTypeServer,
		RetryCount: 1, AttemptedAt: now, NextRetryAt: &next,
	}))
	pending, err := repo.CountPendingRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	cands, err := repo.ListRetryCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 1, cands[0].RetryCount)
	require.NotNil(t, cands[0].NextRetryAt)

	require.NoError(t, repo.MarkSynced(ctx, "abc123", "evt-1", "primary", now))
	stored, _ = repo.GetByMessageID(ctx, "abc123")
	assert.True(t, stored.Synced())
	assert.Empty(t, stored.LastError)
	assert.Nil(t, stored.NextRetryAt)

	deleted, err := repo.DeleteSyncedBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	assert.ErrorIs(t, repo.MarkSynced(ctx, "missing", "e", "c", now), domain.ErrRecordNotFound)
}

func TestIntegrationAdapter_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIntegrationAdapter(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, repo.Create(ctx, domain.NewUserIntegration("u1", now)))
	_, err := repo.Connect(ctx, "u1", domain.TokenUpdate{AccessToken: "at"}, now)
	assert.ErrorIs(t, err, domain.ErrNoStoredCredential)

	_, err = repo.Connect(ctx, "u1", domain.TokenUpdate{AccessToken: "at", RefreshToken: "sealed"}, now)
	require.NoError(t, err)
	_, err = repo.UpdatePreferences(ctx, "u1", domain.IntegrationPreferences{DefaultReminderOffsets: []int{10, 60}}, now)
	require.NoError(t, err)

	got, err := repo.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.Eligible())
	assert.Equal(t, []int{10, 60}, got.DefaultReminderOffsets)

	require.NoError(t, repo.UpdateTokens(ctx, "u1", domain.TokenUpdate{AccessToken: "at2", TokenExpiresAt: now}, now))
	got, _ = repo.GetByUserID(ctx, "u1")
	assert.Equal(t, "at2", got.AccessToken)
	assert.Equal(t, "sealed", got.RefreshToken, "empty refresh keeps the stored ciphertext")

	require.NoError(t, repo.AppendNotification(ctx, "u1", domain.NotificationReconnectionRequired, now.Add(-25*time.Hour), 24*time.Hour))
	require.NoError(t, repo.AppendNotification(ctx, "u1", domain.NotificationReconnectionRequired, now, 24*time.Hour))
	got, _ = repo.GetByUserID(ctx, "u1")
	assert.Len(t, got.NotificationHistory[domain.NotificationReconnectionRequired], 1)

	require.NoError(t, repo.Disconnect(ctx, "u1", now))
	got, _ = repo.GetByUserID(ctx, "u1")
	assert.False(t, got.Connected)
	assert.Empty(t, got.AccessToken)
	assert.Empty(t, got.RefreshToken)
	assert.Nil(t, got.TokenExpiresAt)
	assert.Empty(t, got.CalendarID)

	// a preference write after disconnect leaves the connection cleared
	tz := "Asia/Seoul"
	got, err = repo.UpdatePreferences(ctx, "u1", domain.IntegrationPreferences{Timezone: &tz}, now)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", got.Timezone)
	assert.Equal(t, []int{10, 60}, got.DefaultReminderOffsets)
	assert.False(t, got.Connected)
	assert.Empty(t, got.RefreshToken)

	_, err = repo.Connect(ctx, "u1", domain.TokenUpdate{AccessToken: "at3"}, now)
	assert.ErrorIs(t, err, domain.ErrNoStoredCredential)
	_, err = repo.UpdatePreferences(ctx, "nobody", domain.IntegrationPreferences{Timezone: &tz}, now)
	assert.ErrorIs(t, err, domain.ErrIntegrationNotFound)

	missing, err := repo.GetByUserID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSyncRecordAdapter_ParkAndResume(t *testing.T) {
	repo := NewSyncRecordAdapter(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for _, id := range []string{"m1", "m2", "m3"} {
		_, _, err := repo.GetOrCreate(ctx, domain.NewSyncRecord(id, "u1", 3, "", now))
		require.NoError(t, err)
	}
	require.NoError(t, repo.MarkFailed(ctx, out.SyncFailure{MessageID: "m1", RetryCount: 1, AttemptedAt: now, NextRetryAt: &now}))
	require.NoError(t, repo.MarkFailed(ctx, out.SyncFailure{MessageID: "m2", RetryCount: 3, AttemptedAt: now}))
	require.NoError(t, repo.MarkSynced(ctx, "m3", "evt", "primary", now))

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, repo.MarkQueued(ctx, id, "calendar not connected", now))
	}

	m1, _ := repo.GetByMessageID(ctx, "m1")
	assert.Equal(t, domain.SyncStatusQueued, m1.Status)
	assert.Equal(t, 1, m1.RetryCount)
	assert.Equal(t, "calendar not connected", m1.LastError)
	m2, _ := repo.GetByMessageID(ctx, "m2")
	assert.Equal(t, domain.SyncStatusFailed, m2.Status)
	m3, _ := repo.GetByMessageID(ctx, "m3")
	assert.Equal(t, domain.SyncStatusOK, m3.Status)

	pending, err := repo.CountPendingRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	resumed, err := repo.ResumeParked(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resumed)
	cands, err := repo.ListRetryCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "m1", cands[0].MessageID)
}
