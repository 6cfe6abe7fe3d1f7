package bootstrap

import (
	"context"
	"fmt"
	"time"

	"remindsync/adapter/out/messaging"
	"remindsync/adapter/out/messenger"
	"remindsync/adapter/out/mongodb"
	"remindsync/adapter/out/persistence"
	"remindsync/adapter/out/provider"
	"remindsync/config"
	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/core/service/auth"
	"remindsync/core/service/calendar"
	"remindsync/core/service/monitor"
	"remindsync/core/service/notification"
	"remindsync/infra/database"
	"remindsync/pkg/crypto"
	"remindsync/pkg/httputil"
	"remindsync/pkg/logger"
	"remindsync/pkg/metrics"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/time/rate"
)

type Dependencies struct {
	Config  *config.Config
	SQLDB   *sqlx.DB
	MongoDB *mongo.Client
	Redis   *redis.Client

	// Repositories
	SyncRecordRepo  out.SyncRecordRepository
	IntegrationRepo out.IntegrationRepository

	// Providers
	Gateway *provider.GoogleCalendarGateway

	// Messaging (nil without Redis)
	Producer *messaging.RedisProducer

	// Observability
	Registry  *prometheus.Registry
	Collector *monitor.Collector
	Alerting  *monitor.AlertingService

	// Services
	Vault               *crypto.Vault
	IntegrationService  *auth.IntegrationService
	NotificationService *notification.Service
	SyncManager         *calendar.SyncManager
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Store
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		deps.SQLDB = db
		cleanups = append(cleanups, func() { db.Close() })

		deps.SyncRecordRepo = persistence.NewSyncRecordAdapter(db)
		deps.IntegrationRepo = persistence.NewIntegrationAdapter(db)
		logger.Info("[Bootstrap] store: postgres")
	default:
		client, err := mongodb.NewClient(ctx, cfg.MongoDBURL)
		if err != nil {
			return fail(fmt.Errorf("mongodb: %w", err))
		}
		deps.MongoDB = client
		cleanups = append(cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		})

		db := client.Database(cfg.MongoDBName)
		if err := mongodb.EnsureIndexes(ctx, db); err != nil {
			return fail(fmt.Errorf("mongodb indexes: %w", err))
		}
		deps.SyncRecordRepo = mongodb.NewSyncRecordAdapter(db)
		deps.IntegrationRepo = mongodb.NewIntegrationAdapter(db)
		logger.Info("[Bootstrap] store: mongodb (%s)", cfg.MongoDBName)
	}

	// Redis (optional): audit and alert streams, token denylist, stream intake
	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL, nil)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		deps.Redis = client
		deps.Producer = messaging.NewRedisProducer(client)
		cleanups = append(cleanups, func() { client.Close() })
	} else {
		logger.Warn("[Bootstrap] REDIS_URL not set, audit events go to the log only")
	}

	// Observability
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Collector = monitor.NewCollector(monitor.CollectorConfig{
		LatencyWindow: cfg.MetricsSampleWindow,
		RateWindow:    cfg.MetricsSampleWindow,
	}, deps.Registry)

	var alertSink out.AlertSink
	if deps.Producer != nil {
		alertSink = deps.Producer
	}
	deps.Alerting = monitor.NewAlertingService(alertRules(cfg), alertSink)

	// Vault
	var audit crypto.AuditSink = crypto.NewLogAuditSink()
	if deps.Producer != nil {
		audit = deps.Producer
	}
	vault, err := crypto.NewVault(crypto.VaultConfig{
		MasterKey: cfg.MasterKey(),
		ScryptN:   cfg.VaultScryptN,
		Audit:     audit,
	})
	if err != nil {
		return fail(fmt.Errorf("vault: %w", err))
	}
	deps.Vault = vault
	cleanups = append(cleanups, vault.Close)

	// Provider
	deps.Gateway = provider.NewGoogleCalendarGateway(&provider.GoogleCalendarConfig{
		ClientID:          cfg.GoogleClientID,
		ClientSecret:      cfg.GoogleClientSecret,
		RedirectURL:       cfg.GoogleRedirectURL,
		IdempotencySecret: cfg.KeyFor(cfg.IdempotencySecret, "idempotency"),
		QPS:               cfg.ProviderQPS,
		Timeout:           cfg.ProviderTimeout,
	})

	// Services
	deps.IntegrationService = auth.NewIntegrationService(
		deps.IntegrationRepo,
		deps.SyncRecordRepo,
		deps.Gateway,
		deps.Gateway,
		deps.Vault,
		cfg.KeyFor(cfg.OAuthStateSecret, "oauth-state"),
	)

	deps.NotificationService = notification.NewService(
		notification.Config{MaxPerDay: cfg.NotifyMaxPerDay, MinGap: cfg.NotifyMinGap},
		deps.IntegrationRepo,
		newMessenger(cfg),
		deps.Collector,
	)

	deps.SyncManager = calendar.NewSyncManager(
		calendar.Config{
			Enabled:              cfg.CalendarSyncEnabled,
			RetryPolicy:          cfg.RetryPolicy(),
			DefaultEventDuration: cfg.DefaultEventDuration,
			DefaultTimezone:      cfg.DefaultTimezone,
		},
		deps.SyncRecordRepo,
		deps.IntegrationRepo,
		deps.Gateway,
		deps.Vault,
		deps.IntegrationService,
		deps.NotificationService,
		deps.Collector,
	)

	logger.Info("[Bootstrap] dependencies ready (sync enabled: %v)", cfg.CalendarSyncEnabled)
	return deps, cleanup, nil
}

// newMessenger posts to the chat webhook when configured, else logs notices.
func newMessenger(cfg *config.Config) out.Messenger {
	if cfg.ChatWebhookURL == "" {
		return messenger.NewLogMessenger(func(userID, text string) {
			logger.WithField("user_id", userID).Info("[Messenger] %s", text)
		})
	}
	return messenger.NewWebhookMessenger(messenger.Config{
		URL:       cfg.ChatWebhookURL,
		Token:     cfg.ChatWebhookToken,
		RateLimit: rate.Limit(cfg.ChatWebhookRateQPS),
	}, httputil.NewClient(httputil.WebhookClientConfig()))
}

func alertRules(cfg *config.Config) map[domain.AlertCondition]monitor.AlertRule {
	rule := func(threshold float64, minSamples int) monitor.AlertRule {
		return monitor.AlertRule{
			Threshold:  threshold,
			Cooldown:   cfg.AlertCooldown,
			MaxAlerts:  cfg.AlertMaxCount,
			MinSamples: minSamples,
		}
	}
	return map[domain.AlertCondition]monitor.AlertRule{
		domain.AlertErrorRate:       rule(cfg.AlertErrorRate, cfg.AlertMinSamples),
		domain.AlertAuthFailureRate: rule(cfg.AlertAuthFailureRate, cfg.AlertMinSamples),
		domain.AlertQueueDepth:      rule(cfg.AlertQueueDepth, 0),
		domain.AlertAvgLatency:      rule(cfg.AlertAvgLatencyMs, cfg.AlertMinSamples),
	}
}

// HealthChecks returns the readiness probes of the connected stores.
func (d *Dependencies) HealthChecks() map[string]func(ctx context.Context) error {
	checks := make(map[string]func(ctx context.Context) error)
	if d.SQLDB != nil {
		checks["postgres"] = d.SQLDB.PingContext
	}
	if d.MongoDB != nil {
		checks["mongodb"] = func(ctx context.Context) error { return d.MongoDB.Ping(ctx, nil) }
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }
	}
	return checks
}

// PoolStats reports connection pool usage for /ops/health.
func (d *Dependencies) PoolStats() map[string]any {
	stats := make(map[string]any)
	if d.SQLDB != nil {
		s := metrics.GetDBPoolStats(d.SQLDB.DB)
		stats["postgres"] = map[string]any{"stats": s, "level": metrics.AssessDBPool(s)}
	}
	if d.Redis != nil {
		stats["redis"] = database.GetRedisStats(d.Redis)
	}
	return stats
}
