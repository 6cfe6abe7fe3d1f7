package http

import (
	"context"
	"time"

	"remindsync/adapter/in/worker"
	"remindsync/core/domain"
	"remindsync/core/service/monitor"
	"remindsync/pkg/apperr"
	"remindsync/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RetryRunner forces one retry sweep.
type RetryRunner interface {
	RunOnce(ctx context.Context) (*worker.SweepReport, error)
}

// AlertFeed reads alerts published by other processes.
type AlertFeed interface {
	RecentAlerts(ctx context.Context, n int64) ([]*domain.Alert, error)
}

// TokenRevoker revokes operator and service tokens by id.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
}

// HealthEvaluator refreshes the queue depth and runs the alert conditions.
// A serve-only process has no background evaluator, so the health read
// drives one round itself.
type HealthEvaluator interface {
	EvaluateOnce(ctx context.Context) []*domain.Alert
}

// OpsDeps are the operator handler collaborators. Evaluator, Feed, Revoker
// and PoolStats are optional.
type OpsDeps struct {
	Collector  *monitor.Collector
	Alerting   *monitor.AlertingService
	Thresholds monitor.HealthThresholds
	Retry      RetryRunner
	Evaluator  HealthEvaluator
	Gatherer   prometheus.Gatherer
	Feed       AlertFeed
	Revoker    TokenRevoker
	PoolStats  func() map[string]any
}

type OpsHandler struct {
	deps       OpsDeps
	prometheus fiber.Handler
}

func NewOpsHandler(deps OpsDeps) *OpsHandler {
	h := &OpsHandler{deps: deps}
	if deps.Gatherer != nil {
		h.prometheus = adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return h
}

// Register mounts the operator routes on ops, which the caller has
// already wrapped in operator auth.
func (h *OpsHandler) Register(ops fiber.Router) {
	ops.Get("/health", h.Health)
	ops.Get("/metrics", h.Metrics)
	ops.Post("/metrics/reset", h.ResetMetrics)
	ops.Get("/alerts", h.Alerts)
	ops.Get("/alerts/history", h.AlertHistory)
	ops.Post("/alerts/reset", h.ResetAlerts)
	ops.Post("/retry/run", h.RunRetry)
	ops.Post("/tokens/:jti/revoke", h.RevokeToken)
}

// Health returns the composite score with the alert state machine.
func (h *OpsHandler) Health(c *fiber.Ctx) error {
	if h.deps.Evaluator != nil {
		h.deps.Evaluator.EvaluateOnce(c.UserContext())
	}
	snap := h.deps.Collector.Snapshot()
	body := fiber.Map{
		"health":  monitor.HealthScore(snap, h.deps.Thresholds),
		"alerts":  h.deps.Alerting.Active(),
		"metrics": snap,
	}
	if h.deps.PoolStats != nil {
		body["pools"] = h.deps.PoolStats()
	}
	return response.OK(c, body)
}

// Metrics returns the JSON snapshot, or Prometheus text with ?format=prometheus.
func (h *OpsHandler) Metrics(c *fiber.Ctx) error {
	if c.Query("format") == "prometheus" {
		if h.prometheus == nil {
			return apperr.New(apperr.CodeFeatureDisabled, "prometheus exposition not configured", fiber.StatusNotFound)
		}
		return h.prometheus(c)
	}
	return response.OK(c, h.deps.Collector.Snapshot())
}

func (h *OpsHandler) ResetMetrics(c *fiber.Ctx) error {
	h.deps.Collector.Reset()
	return response.OK(c, fiber.Map{"reset": true})
}

func (h *OpsHandler) Alerts(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"active":   h.deps.Alerting.Active(),
		"statuses": h.deps.Alerting.Statuses(),
		"rules":    h.deps.Alerting.Rules(),
	})
}

// AlertHistory reads this process's history, or the shared alert stream
// with ?source=stream.
func (h *OpsHandler) AlertHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	if c.Query("source") == "stream" {
		if h.deps.Feed == nil {
			return apperr.New(apperr.CodeFeatureDisabled, "alert stream not configured", fiber.StatusNotFound)
		}
		alerts, err := h.deps.Feed.RecentAlerts(c.UserContext(), int64(limit))
		if err != nil {
			return apperr.ExternalError("alert stream", err)
		}
		return response.List(c, alerts)
	}
	return response.List(c, h.deps.Alerting.History(limit))
}

func (h *OpsHandler) ResetAlerts(c *fiber.Ctx) error {
	cond := domain.AlertCondition(c.Query("condition"))
	if err := h.deps.Alerting.Reset(cond); err != nil {
		return apperr.ValidationFailed(err.Error()).WithDetail("condition", string(cond))
	}
	return response.OK(c, fiber.Map{"reset": cond})
}

func (h *OpsHandler) RunRetry(c *fiber.Ctx) error {
	report, err := h.deps.Retry.RunOnce(c.UserContext())
	if err != nil {
		return apperr.DatabaseError("retry sweep", err)
	}
	return response.OK(c, report)
}

type revokeRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (h *OpsHandler) RevokeToken(c *fiber.Ctx) error {
	if h.deps.Revoker == nil {
		return apperr.New(apperr.CodeFeatureDisabled, "token revocation not configured", fiber.StatusNotFound)
	}
	var req revokeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.BadRequest("invalid request body")
		}
	}
	jti := c.Params("jti")
	if err := h.deps.Revoker.Revoke(c.UserContext(), jti, time.Duration(req.TTLSeconds)*time.Second); err != nil {
		return apperr.ExternalError("token denylist", err)
	}
	return response.OK(c, fiber.Map{"revoked": jti})
}
