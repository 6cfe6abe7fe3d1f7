package calendar

import (
	"context"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/pkg/logger"
)

// =============================================================================
// Failure disposition
// =============================================================================

// settle applies the disposition of one attempt to the record and returns
// the caller-facing result.
func (m *SyncManager) settle(
	ctx context.Context,
	rec *domain.SyncRecord,
	disp domain.Disposition,
	event *out.ProviderEvent,
	action domain.SyncAction,
	corrID string,
) *domain.SyncResult {
	log := logger.WithContext(ctx).WithField("message_id", rec.MessageID)
	now := m.now()

	if disp.Kind == domain.DispositionOK {
		if err := m.records.MarkSynced(ctx, rec.MessageID, event.ID, event.CalendarID, now); err != nil {
			// the event exists; the next sync of this messageId finds it again
			log.WithError(err).Error("[SyncManager.settle] event %s written but record not updated", event.ID)
		}
		log.Info("[SyncManager.settle] %s event %s", action, event.ID)
		return &domain.SyncResult{
			Status:          domain.SyncResultSynced,
			MessageID:       rec.MessageID,
			ProviderEventID: event.ID,
			Action:          action,
			Disposition:     domain.DispositionOK,
			CorrelationID:   corrID,
		}
	}

	se := disp.Error
	failure := out.SyncFailure{
		MessageID:   rec.MessageID,
		Error:       se.Error(),
		ErrorType:   se.Type,
		AttemptedAt: now,
	}

	switch disp.Kind {
	case domain.DispositionRetryable:
		failure.RetryCount = min(rec.RetryCount+1, rec.MaxRetries)
		if failure.RetryCount < rec.MaxRetries {
			next := now.Add(m.retryDelay(failure.RetryCount, se))
			failure.NextRetryAt = &next
		}
	default:
		// permanent and reconnection failures spend the whole budget
		failure.RetryCount = rec.MaxRetries
	}

	if err := m.records.MarkFailed(ctx, failure); err != nil {
		log.WithError(err).Error("[SyncManager.settle] failed to record failure")
	}

	log.WithFields(map[string]any{
		"disposition": string(disp.Kind),
		"error_type":  string(se.Type),
		"retry_count": failure.RetryCount,
		"max_retries": rec.MaxRetries,
	}).Warn("[SyncManager.settle] sync failed: %s", se.Error())

	switch disp.Kind {
	case domain.DispositionRetryable:
		if failure.RetryCount >= rec.MaxRetries {
			log.Warn("[SyncManager.settle] retry budget exhausted")
			m.notifyPersistentFailure(ctx, rec.UserID, rec.MessageID, corrID)
		}
	case domain.DispositionRequiresReconnection:
		m.sever(ctx, rec.UserID, se, corrID)
	}

	return &domain.SyncResult{
		Status:        domain.SyncResultFailed,
		MessageID:     rec.MessageID,
		Error:         se.Error(),
		ErrorType:     se.Type,
		Disposition:   disp.Kind,
		CorrelationID: corrID,
	}
}

// retryDelay is the jittered backoff, stretched to the provider's
// Retry-After hint when that is longer.
func (m *SyncManager) retryDelay(attempt int, se *domain.SyncError) time.Duration {
	d := m.cfg.RetryPolicy.Delay(attempt, m.random)
	if se.RetryAfter > d {
		d = se.RetryAfter
	}
	return d
}

// sever disconnects sync for the user and sends one reconnection notice.
// Concurrent failures for the same user collapse into one.
func (m *SyncManager) sever(ctx context.Context, userID string, se *domain.SyncError, corrID string) {
	log := logger.WithContext(ctx)
	clearTokens := se.Type == domain.ErrorTypeTokenCorruption

	m.severing.Do(userID, func() (interface{}, error) {
		if m.reconnect != nil {
			if err := m.reconnect.MarkReconnectionRequired(ctx, userID, clearTokens, string(se.Type)); err != nil {
				log.WithError(err).Error("[SyncManager.sever] failed to mark integration for reconnection")
			}
		}
		if m.notifier != nil {
			sent := m.notifier.NotifyReconnectionRequired(ctx, userID, corrID)
			log.Info("[SyncManager.sever] reconnection required (notified=%t)", sent)
		}
		return nil, nil
	})
}

func (m *SyncManager) notifyPersistentFailure(ctx context.Context, userID, messageID, corrID string) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyPersistentFailure(ctx, userID, messageID, corrID)
}
