package config

import (
	"testing"
	"time"

	"remindsync/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("MONGODB_URL", "mongodb://localhost:27017")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreMongo, cfg.StoreDriver)
	assert.Equal(t, 3, cfg.SyncMaxRetries)
	assert.Equal(t, time.Minute, cfg.SyncRetryBaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.RetrySweepInterval)
	assert.True(t, cfg.CalendarSyncEnabled)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxRetries)
	assert.Equal(t, 0.2, policy.JitterFactor)
	assert.Len(t, cfg.MasterKey(), 16, "hex keys are decoded")
}

func TestLoad_Durations(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SYNC_RETRY_BASE_DELAY", "90s")
	t.Setenv("SYNC_RETENTION", "3600")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.SyncRetryBaseDelay)
	assert.Equal(t, time.Hour, cfg.SyncRetention)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing key", map[string]string{"ENCRYPTION_KEY": ""}, "ENCRYPTION_KEY"},
		{"jitter above one", map[string]string{"SYNC_RETRY_JITTER": "1.5"}, "SYNC_RETRY_JITTER"},
		{"multiplier below one", map[string]string{"SYNC_RETRY_MULTIPLIER": "0.5"}, "SYNC_RETRY_MULTIPLIER"},
		{"max below base", map[string]string{"SYNC_RETRY_MAX_DELAY": "10s"}, "SYNC_RETRY_MAX_DELAY"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "sqlite"}, "STORE_DRIVER"},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"bad timezone", map[string]string{"DEFAULT_TIMEZONE": "Mars/Base"}, "DEFAULT_TIMEZONE"},
		{"scrypt not power of two", map[string]string{"VAULT_SCRYPT_N": "1000"}, "VAULT_SCRYPT_N"},
		{"production without ops secret", map[string]string{"ENV": "production"}, "OPS_JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, apperr.IsAppError(err))
			assert.Equal(t, apperr.CodeConfigError, apperr.AsAppError(err).Code)
		})
	}
}

func TestKeyFor(t *testing.T) {
	cfg := &Config{EncryptionKey: "passphrase"}
	assert.Equal(t, []byte("explicit"), cfg.KeyFor("explicit", "idempotency"))
	assert.Equal(t, []byte("idempotency:passphrase"), cfg.KeyFor("", "idempotency"))
	assert.NotEqual(t, cfg.KeyFor("", "idempotency"), cfg.KeyFor("", "oauth-state"))
}
