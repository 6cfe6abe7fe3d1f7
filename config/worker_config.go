package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"remindsync/core/domain"
	"remindsync/pkg/apperr"
)

// Store drivers
const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	LogFormat   string

	// Auth
	JWTSecret    string // service tokens for /api/v1
	OpsJWTSecret string // operator tokens for /ops

	// Storage
	StoreDriver string
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Provider - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	ProviderQPS        float64
	ProviderTimeout    time.Duration

	// Vault
	EncryptionKey     string
	VaultScryptN      int
	IdempotencySecret string
	OAuthStateSecret  string

	// Sync
	CalendarSyncEnabled  bool
	SyncMaxRetries       int
	SyncRetryBaseDelay   time.Duration
	SyncRetryMaxDelay    time.Duration
	SyncRetryMultiplier  float64
	SyncRetryJitter      float64
	DefaultEventDuration time.Duration
	DefaultTimezone      string

	// Retry sweep
	RetrySweepInterval    time.Duration
	RetrySweepBatchSize   int
	RetrySweepConcurrency int
	SyncRetention         time.Duration

	// Notifications
	NotifyMaxPerDay    int
	NotifyMinGap       time.Duration
	ChatWebhookURL     string
	ChatWebhookToken   string
	ChatWebhookRateQPS float64

	// Alerting
	AlertErrorRate       float64
	AlertAuthFailureRate float64
	AlertQueueDepth      float64
	AlertAvgLatencyMs    float64
	AlertCooldown        time.Duration
	AlertMaxCount        int
	AlertMinSamples      int
	AlertEvalInterval    time.Duration
	MetricsSampleWindow  int

	// Stream intake (Redis Streams)
	WorkerID              string
	StreamIntakeEnabled   bool
	ConsumerGroup         string
	ConsumerMaxDeliveries int

	// API
	RateLimitPerMinute int
	AllowedOrigins     []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		// Auth
		JWTSecret:    getEnv("JWT_SECRET", ""),
		OpsJWTSecret: getEnv("OPS_JWT_SECRET", ""),

		// Storage
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreMongo)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "remindsync"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// Provider
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		ProviderQPS:        getEnvFloat("PROVIDER_QPS", 10),
		ProviderTimeout:    getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),

		// Vault
		EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
		VaultScryptN:      getEnvInt("VAULT_SCRYPT_N", 1<<15),
		IdempotencySecret: getEnv("IDEMPOTENCY_SECRET", ""),
		OAuthStateSecret:  getEnv("OAUTH_STATE_SECRET", ""),

		// Sync
		CalendarSyncEnabled:  getEnvBool("CALENDAR_SYNC_ENABLED", true),
		SyncMaxRetries:       getEnvInt("SYNC_MAX_RETRIES", domain.DefaultMaxRetries),
		SyncRetryBaseDelay:   getEnvDuration("SYNC_RETRY_BASE_DELAY", time.Minute),
		SyncRetryMaxDelay:    getEnvDuration("SYNC_RETRY_MAX_DELAY", 30*time.Minute),
		SyncRetryMultiplier:  getEnvFloat("SYNC_RETRY_MULTIPLIER", 2),
		SyncRetryJitter:      getEnvFloat("SYNC_RETRY_JITTER", 0.2),
		DefaultEventDuration: getEnvDuration("DEFAULT_EVENT_DURATION", time.Hour),
		DefaultTimezone:      getEnv("DEFAULT_TIMEZONE", "UTC"),

		// Retry sweep
		RetrySweepInterval:    getEnvDuration("RETRY_SWEEP_INTERVAL", 5*time.Minute),
		RetrySweepBatchSize:   getEnvInt("RETRY_SWEEP_BATCH_SIZE", 500),
		RetrySweepConcurrency: getEnvInt("RETRY_SWEEP_CONCURRENCY", 4),
		SyncRetention:         getEnvDuration("SYNC_RETENTION", 30*24*time.Hour),

		// Notifications
		NotifyMaxPerDay:    getEnvInt("NOTIFY_MAX_PER_DAY", 3),
		NotifyMinGap:       getEnvDuration("NOTIFY_MIN_GAP", time.Hour),
		ChatWebhookURL:     getEnv("CHAT_WEBHOOK_URL", ""),
		ChatWebhookToken:   getEnv("CHAT_WEBHOOK_TOKEN", ""),
		ChatWebhookRateQPS: getEnvFloat("CHAT_WEBHOOK_QPS", 5),

		// Alerting
		AlertErrorRate:       getEnvFloat("ALERT_ERROR_RATE", 0.10),
		AlertAuthFailureRate: getEnvFloat("ALERT_AUTH_FAILURE_RATE", 0.05),
		AlertQueueDepth:      getEnvFloat("ALERT_QUEUE_DEPTH", 100),
		AlertAvgLatencyMs:    getEnvFloat("ALERT_AVG_LATENCY_MS", 2000),
		AlertCooldown:        getEnvDuration("ALERT_COOLDOWN", 15*time.Minute),
		AlertMaxCount:        getEnvInt("ALERT_MAX_COUNT", 3),
		AlertMinSamples:      getEnvInt("ALERT_MIN_SAMPLES", 20),
		AlertEvalInterval:    getEnvDuration("ALERT_EVAL_INTERVAL", time.Minute),
		MetricsSampleWindow:  getEnvInt("METRICS_SAMPLE_WINDOW", 1000),

		// Stream intake
		WorkerID:              getEnv("WORKER_ID", generateWorkerID()),
		StreamIntakeEnabled:   getEnvBool("STREAM_INTAKE_ENABLED", true),
		ConsumerGroup:         getEnv("CONSUMER_GROUP", "remindsync"),
		ConsumerMaxDeliveries: getEnvInt("CONSUMER_MAX_DELIVERIES", 3),

		// API
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 600),
		AllowedOrigins:     getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	}
	switch c.StoreDriver {
	case StoreMongo:
		if c.MongoDBURL == "" {
			errs = append(errs, errors.New("MONGODB_URL is required for the mongo store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMongo, StorePostgres, c.StoreDriver))
	}
	if c.SyncMaxRetries <= 0 {
		errs = append(errs, errors.New("SYNC_MAX_RETRIES must be positive"))
	}
	if c.SyncRetryJitter < 0 || c.SyncRetryJitter > 1 {
		errs = append(errs, errors.New("SYNC_RETRY_JITTER must be within [0,1]"))
	}
	if c.SyncRetryMultiplier < 1 {
		errs = append(errs, errors.New("SYNC_RETRY_MULTIPLIER must be at least 1"))
	}
	if c.SyncRetryBaseDelay <= 0 {
		errs = append(errs, errors.New("SYNC_RETRY_BASE_DELAY must be positive"))
	}
	if c.SyncRetryMaxDelay < c.SyncRetryBaseDelay {
		errs = append(errs, errors.New("SYNC_RETRY_MAX_DELAY must not be below SYNC_RETRY_BASE_DELAY"))
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TIMEZONE: %w", err))
	}
	if c.VaultScryptN <= 1 || c.VaultScryptN&(c.VaultScryptN-1) != 0 {
		errs = append(errs, errors.New("VAULT_SCRYPT_N must be a power of two above 1"))
	}
	if c.IsProduction() && c.OpsJWTSecret == "" {
		errs = append(errs, errors.New("OPS_JWT_SECRET is required in production"))
	}
	if len(errs) == 0 {
		return nil
	}
	return apperr.ConfigError("invalid configuration").WithError(errors.Join(errs...))
}

// RetryPolicy assembles the backoff policy for sync records.
func (c *Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxRetries:   c.SyncMaxRetries,
		BaseDelay:    c.SyncRetryBaseDelay,
		MaxDelay:     c.SyncRetryMaxDelay,
		Multiplier:   c.SyncRetryMultiplier,
		JitterFactor: c.SyncRetryJitter,
	}
}

// MasterKey decodes ENCRYPTION_KEY. Hex keys are decoded; anything else is
// used as a passphrase.
func (c *Config) MasterKey() []byte {
	if b, err := hex.DecodeString(c.EncryptionKey); err == nil && len(b) >= 16 {
		return b
	}
	return []byte(c.EncryptionKey)
}

// KeyFor returns secret, or a value derived from the master key when unset.
func (c *Config) KeyFor(secret, purpose string) []byte {
	if secret != "" {
		return []byte(secret)
	}
	return append([]byte(purpose+":"), c.MasterKey()...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
