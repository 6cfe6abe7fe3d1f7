package crypto

import (
	"context"
	"time"

	"remindsync/pkg/logger"

	"github.com/google/uuid"
)

// AuditAction names a credential lifecycle step.
type AuditAction string

const (
	AuditTokenEncrypt          AuditAction = "token.encrypt"
	AuditTokenDecrypt          AuditAction = "token.decrypt"
	AuditTokenDecryptFailed    AuditAction = "token.decrypt_failed"
	AuditIntegrationConnect    AuditAction = "integration.connect"
	AuditIntegrationReconnect  AuditAction = "integration.reconnect"
	AuditIntegrationDisconnect AuditAction = "integration.disconnect"
	AuditIntegrationSevered    AuditAction = "integration.reconnection_required"
)

const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
)

// AuditEvent never carries secret material.
type AuditEvent struct {
	ID            string      `json:"id"`
	Timestamp     time.Time   `json:"timestamp"`
	Action        AuditAction `json:"action"`
	UserID        string      `json:"user_id,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Outcome       string      `json:"outcome"`
	Reason        string      `json:"reason,omitempty"`
}

// AuditSink receives audit events. Implementations must not block for long
// and must not fail the calling operation.
type AuditSink interface {
	RecordAudit(ctx context.Context, event *AuditEvent) error
}

// AuditLifecycle records a connect, reconnect or disconnect of userID.
func (v *Vault) AuditLifecycle(ctx context.Context, action AuditAction, userID, reason string) {
	v.record(ctx, &AuditEvent{
		Action:  action,
		UserID:  userID,
		Outcome: AuditOutcomeSuccess,
		Reason:  reason,
	})
}

func (v *Vault) emit(ctx context.Context, action AuditAction, outcome string) {
	v.record(ctx, &AuditEvent{Action: action, Outcome: outcome})
}

func (v *Vault) record(ctx context.Context, event *AuditEvent) {
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	if event.CorrelationID == "" {
		event.CorrelationID = logger.CorrelationID(ctx)
	}
	if event.UserID == "" {
		event.UserID = userFromContext(ctx)
	}
	if err := v.audit.RecordAudit(ctx, event); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[Vault] failed to record audit event %s", event.Action)
	}
}

func userFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return logger.UserID(ctx)
}

// LogAuditSink writes audit events to the structured log.
type LogAuditSink struct {
	log *logger.Logger
}

func NewLogAuditSink() *LogAuditSink {
	return &LogAuditSink{log: logger.WithField("component", "audit")}
}

func (s *LogAuditSink) RecordAudit(_ context.Context, event *AuditEvent) error {
	s.log.WithFields(map[string]any{
		"audit_id":       event.ID,
		"action":         string(event.Action),
		"user_id":        event.UserID,
		"correlation_id": event.CorrelationID,
		"outcome":        event.Outcome,
	}).Info("audit %s", event.Action)
	return nil
}
