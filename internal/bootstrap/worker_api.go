package bootstrap

import (
	"strings"
	"time"

	"remindsync/adapter/in/http"
	"remindsync/adapter/in/worker"
	"remindsync/core/service/monitor"
	"remindsync/infra/middleware"
	"remindsync/pkg/crypto"
	"remindsync/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI assembles the HTTP surface over deps. retry backs the forced sweep
// endpoint.
func NewAPI(deps *Dependencies, retry *worker.RetryProcessor) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		ReadBufferSize:  8192,
		WriteBufferSize: 8192,

		// go-json for request and response bodies
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:    1 * 1024 * 1024,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())         // 1. Panic recovery
	app.Use(middleware.RequestID())       // 2. Request and correlation ids
	app.Use(middleware.SecurityHeaders()) // 3. Security headers
	app.Use(middleware.RequestLogger())   // 4. Request logging

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		allowOrigins = "*"
		allowCredentials = false
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID,X-Correlation-ID",
		ExposeHeaders:    "X-Request-ID,X-Correlation-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Liveness and readiness (no auth required)
	checks := make(map[string]http.HealthChecker)
	for name, ping := range deps.HealthChecks() {
		checks[name] = http.PingFunc(ping)
	}
	http.NewHealthHandler(checks).Register(app)

	// OAuth callback (no auth required - Google redirects here)
	integrationHandler := http.NewIntegrationHandler(deps.IntegrationService)
	integrationHandler.RegisterCallback(app)

	denylist := middleware.NewTokenDenylist(deps.Redis)

	// API routes (service token, rate limited)
	api := app.Group("/api/v1")
	api.Use(middleware.NewRateLimiter(middleware.RateLimitConfig{
		Requests: cfg.RateLimitPerMinute,
		Window:   time.Minute,
	}).Handler())
	api.Use(middleware.JWTAuth(middleware.AuthConfig{
		Secret:   cfg.JWTSecret,
		Scope:    middleware.ScopeSync,
		Denylist: denylist,
	}))

	http.NewReminderHandler(deps.SyncManager, deps.SyncRecordRepo).Register(api)
	integrationHandler.Register(api)

	// Operator routes
	ops := app.Group("/ops")
	ops.Use(middleware.JWTAuth(middleware.AuthConfig{
		Secret:   cfg.OpsJWTSecret,
		Scope:    middleware.ScopeOps,
		Denylist: denylist,
	}))
	ops.Use(middleware.NoCache())
	ops.Use(middleware.OpsAudit(auditSink(deps)))

	opsDeps := http.OpsDeps{
		Collector:  deps.Collector,
		Alerting:   deps.Alerting,
		Thresholds: monitor.DefaultHealthThresholds(),
		Retry:      retry,
		Evaluator:  worker.NewAlertEvaluator(deps.Collector, deps.Alerting, deps.SyncRecordRepo, cfg.AlertEvalInterval),
		Gatherer:   deps.Registry,
		PoolStats:  deps.PoolStats,
	}
	if deps.Producer != nil {
		opsDeps.Feed = deps.Producer
	}
	if denylist != nil {
		opsDeps.Revoker = denylist
	}
	http.NewOpsHandler(opsDeps).Register(ops)

	logger.Info("[Bootstrap] API initialized")
	return app
}

func auditSink(deps *Dependencies) crypto.AuditSink {
	if deps.Producer != nil {
		return deps.Producer
	}
	return crypto.NewLogAuditSink()
}
