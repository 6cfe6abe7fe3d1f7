package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindsync/pkg/apperr"
	"remindsync/pkg/crypto"
	"remindsync/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// OpsAudit records every mutating operator request (retry runs, alert
// resets, token revocations) to the audit sink after it completes.
func OpsAudit(sink crypto.AuditSink) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if sink == nil || c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = statusOf(err)
		}
		outcome := crypto.AuditOutcomeSuccess
		if status >= 400 {
			outcome = crypto.AuditOutcomeFailure
		}

		event := &crypto.AuditEvent{
			ID:            uuid.NewString(),
			Timestamp:     start.UTC(),
			Action:        opsAction(c.Route().Path),
			UserID:        Subject(c),
			CorrelationID: CorrelationID(c),
			Outcome:       outcome,
			Reason:        fmt.Sprintf("%s %s -> %d", c.Method(), c.OriginalURL(), status),
		}

		// the request context is recycled by fiber once the handler returns
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if auditErr := sink.RecordAudit(ctx, event); auditErr != nil {
				logger.WithError(auditErr).Warn("[OpsAudit] failed to record %s", event.Action)
			}
		}()
		return err
	}
}

// opsAction maps "/ops/alerts/reset" to "ops.alerts_reset".
func opsAction(routePath string) crypto.AuditAction {
	p := strings.Trim(strings.TrimPrefix(routePath, "/ops"), "/")
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || strings.HasPrefix(seg, ":") {
			continue
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "ops.request"
	}
	return crypto.AuditAction("ops." + strings.Join(parts, "_"))
}

func statusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return apperr.GetHTTPStatus(err)
}
