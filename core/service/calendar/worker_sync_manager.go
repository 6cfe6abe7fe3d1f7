package calendar

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/in"
	"remindsync/core/port/out"
	"remindsync/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Notifier sends the two user-facing sync notices. Implementations rate
// limit and swallow delivery errors; the bool reports whether a send happened.
type Notifier interface {
	NotifyReconnectionRequired(ctx context.Context, userID, correlationID string) bool
	NotifyPersistentFailure(ctx context.Context, userID, messageID, correlationID string) bool
}

// ReconnectionHandler severs an integration after an unrecoverable
// authorization failure.
type ReconnectionHandler interface {
	MarkReconnectionRequired(ctx context.Context, userID string, clearTokens bool, reason string) error
}

// Config holds the sync tuning read from configuration.
type Config struct {
	Enabled              bool
	RetryPolicy          domain.RetryPolicy
	DefaultEventDuration time.Duration
	DefaultTimezone      string
}

// SyncManager orchestrates one sync attempt per reminder.
type SyncManager struct {
	cfg          Config
	records      out.SyncRecordRepository
	integrations out.IntegrationRepository
	gateway      out.CalendarGateway
	vault        out.TokenVault
	reconnect    ReconnectionHandler
	notifier     Notifier
	metrics      out.OutcomeRecorder

	inflight  singleflight.Group // per messageId
	refreshes singleflight.Group // per user
	severing  singleflight.Group // per user

	now    func() time.Time
	random func() float64
}

// NewSyncManager creates a new sync manager.
func NewSyncManager(
	cfg Config,
	records out.SyncRecordRepository,
	integrations out.IntegrationRepository,
	gateway out.CalendarGateway,
	vault out.TokenVault,
	reconnect ReconnectionHandler,
	notifier Notifier,
	metrics out.OutcomeRecorder,
) *SyncManager {
	if cfg.RetryPolicy.MaxRetries <= 0 {
		cfg.RetryPolicy.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.DefaultEventDuration <= 0 {
		cfg.DefaultEventDuration = time.Hour
	}
	return &SyncManager{
		cfg:          cfg,
		records:      records,
		integrations: integrations,
		gateway:      gateway,
		vault:        vault,
		reconnect:    reconnect,
		notifier:     notifier,
		metrics:      metrics,
		now:          time.Now,
		random:       rand.Float64,
	}
}

// Policy returns the retry policy records are created with.
func (m *SyncManager) Policy() domain.RetryPolicy {
	return m.cfg.RetryPolicy
}

// =============================================================================
// Entry point
// =============================================================================

// SyncReminder projects a reminder into the user's calendar. Concurrent calls
// for the same messageId in this process share one attempt.
func (m *SyncManager) SyncReminder(ctx context.Context, req domain.SyncRequest) *domain.SyncResult {
	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ctx = logger.WithCorrelationID(ctx, corrID)
	ctx = logger.WithUserID(ctx, req.UserID)

	if req.Reminder == nil {
		return invalidResult("", corrID, errors.New("reminder is required"))
	}
	if err := req.Reminder.Validate(); err != nil {
		return invalidResult(req.Reminder.MessageID, corrID, err)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return invalidResult(req.Reminder.MessageID, corrID, errors.New("user id is required"))
	}

	v, _, shared := m.inflight.Do(req.Reminder.MessageID, func() (interface{}, error) {
		return m.syncOnce(ctx, req, corrID), nil
	})
	res := *v.(*domain.SyncResult)
	if shared {
		logger.WithContext(ctx).Debug("[SyncManager.SyncReminder] joined in-flight sync for %s", req.Reminder.MessageID)
	}
	return &res
}

// Replay re-drives a stored record under its original correlation id.
func (m *SyncManager) Replay(ctx context.Context, record *domain.SyncRecord) *domain.SyncResult {
	if !record.Replayable() {
		return &domain.SyncResult{
			Status:        domain.SyncResultSkipped,
			MessageID:     record.MessageID,
			Error:         "no reminder payload stored",
			CorrelationID: record.CorrelationID,
		}
	}
	return m.SyncReminder(ctx, domain.SyncRequest{
		Reminder:      record.Reminder,
		UserID:        record.UserID,
		CorrelationID: record.CorrelationID,
	})
}

func (m *SyncManager) syncOnce(ctx context.Context, req domain.SyncRequest, corrID string) *domain.SyncResult {
	log := logger.WithContext(ctx)
	msgID := req.Reminder.MessageID
	start := m.now()

	if !m.cfg.Enabled {
		return skippedResult(msgID, corrID, "calendar sync disabled")
	}

	integ, err := m.integrations.GetByUserID(ctx, req.UserID)
	if err != nil {
		log.WithError(err).Error("[SyncManager.SyncReminder] failed to load integration")
		return storageFailure(msgID, corrID, err)
	}

	if !integ.Eligible() {
		reason := ineligibleReason(integ)
		if err := m.queue(ctx, req, corrID, reason); err != nil {
			log.WithError(err).Warn("[SyncManager.SyncReminder] failed to record skipped sync for %s", msgID)
		}
		log.Info("[SyncManager.SyncReminder] skipped %s: %s", msgID, reason)
		return skippedResult(msgID, corrID, reason)
	}

	rec, created, err := m.records.GetOrCreate(ctx, m.newRecord(req, corrID))
	if err != nil {
		log.WithError(err).Error("[SyncManager.SyncReminder] failed to get or create record %s", msgID)
		return storageFailure(msgID, corrID, err)
	}
	if rec.UserID != req.UserID {
		return invalidResult(msgID, corrID, fmt.Errorf("message %s belongs to another user", msgID))
	}
	if !created && !rec.Reminder.Equal(req.Reminder) {
		if err := m.records.UpdateReminder(ctx, msgID, req.Reminder, start); err != nil {
			log.WithError(err).Warn("[SyncManager.SyncReminder] failed to store edited reminder %s", msgID)
		}
	}
	if rec.Status == domain.SyncStatusFailed && rec.Exhausted() {
		return &domain.SyncResult{
			Status:        domain.SyncResultFailed,
			MessageID:     msgID,
			Error:         "retry budget exhausted: " + rec.LastError,
			ErrorType:     rec.LastErrorType,
			Disposition:   domain.DispositionPermanent,
			CorrelationID: corrID,
		}
	}

	event, action, err := m.attempt(ctx, integ, req.Reminder)
	disp := domain.Classify(err)
	res := m.settle(ctx, rec, disp, event, action, corrID)

	m.record(domain.OperationOutcome{
		Operation:     domain.OpSyncReminder,
		Success:       disp.Kind == domain.DispositionOK,
		ErrorType:     errorType(disp),
		Duration:      m.now().Sub(start),
		CorrelationID: corrID,
	})
	return res
}

// attempt runs decrypt, token check, search and then update or create.
func (m *SyncManager) attempt(ctx context.Context, integ *domain.UserIntegration, reminder *domain.Reminder) (*out.ProviderEvent, domain.SyncAction, error) {
	sess, err := m.openSession(ctx, integ)
	if err != nil {
		return nil, domain.SyncActionNone, err
	}

	loc := domain.LoadLocation(integ.Timezone, m.cfg.DefaultTimezone)
	timing, err := domain.ResolveEventTiming(reminder, loc, integ.DefaultEventDuration(), m.cfg.DefaultEventDuration)
	if err != nil {
		return nil, domain.SyncActionNone, domain.NewClientError(0, err)
	}
	payload := &out.EventPayload{
		MessageID:       reminder.MessageID,
		Summary:         eventSummary(reminder),
		Description:     reminder.Description,
		Timing:          timing,
		ReminderOffsets: integ.DefaultReminderOffsets,
	}
	calendarID := integ.EffectiveCalendarID()

	if err := sess.ensureValidToken(ctx); err != nil {
		return nil, domain.SyncActionNone, err
	}

	var existing *out.ProviderEvent
	err = sess.executeWithTokenRefresh(ctx, domain.OpSearchEvent, func(token *oauth2.Token) error {
		var callErr error
		existing, callErr = m.gateway.SearchEventByIdempotencyKey(ctx, token, calendarID, reminder.MessageID)
		return callErr
	})
	if err != nil {
		return nil, domain.SyncActionNone, err
	}

	var event *out.ProviderEvent
	if existing != nil {
		err = sess.executeWithTokenRefresh(ctx, domain.OpUpdateEvent, func(token *oauth2.Token) error {
			var callErr error
			event, callErr = m.gateway.UpdateEvent(ctx, token, calendarID, existing.ID, payload)
			return callErr
		})
		return event, domain.SyncActionUpdated, err
	}

	err = sess.executeWithTokenRefresh(ctx, domain.OpCreateEvent, func(token *oauth2.Token) error {
		var callErr error
		event, callErr = m.gateway.CreateEvent(ctx, token, calendarID, payload)
		return callErr
	})
	return event, domain.SyncActionCreated, err
}

// queue leaves a skipped reminder as a QUEUED record with the reason. A
// FAILED record with retries left is parked the same way, so replays for an
// ineligible user leave the retry queue instead of heading every sweep.
func (m *SyncManager) queue(ctx context.Context, req domain.SyncRequest, corrID, reason string) error {
	rec, _, err := m.records.GetOrCreate(ctx, m.newRecord(req, corrID))
	if err != nil {
		return err
	}
	if !rec.Parkable() {
		return nil
	}
	if rec.Status == domain.SyncStatusFailed {
		logger.WithContext(ctx).Info("[SyncManager.SyncReminder] parking %s after %d attempts: %s", rec.MessageID, rec.RetryCount, reason)
	}
	return m.records.MarkQueued(ctx, rec.MessageID, reason, m.now())
}

func (m *SyncManager) newRecord(req domain.SyncRequest, corrID string) *domain.SyncRecord {
	rec := domain.NewSyncRecord(req.Reminder.MessageID, req.UserID, m.cfg.RetryPolicy.MaxRetries, corrID, m.now())
	r := *req.Reminder
	rec.Reminder = &r
	return rec
}

func (m *SyncManager) record(outcome domain.OperationOutcome) {
	if m.metrics != nil {
		m.metrics.Record(outcome)
	}
}

// =============================================================================
// Result helpers
// =============================================================================

func eventSummary(r *domain.Reminder) string {
	summary := strings.TrimSpace(r.Description)
	if summary == "" {
		return "Reminder"
	}
	if line, _, ok := strings.Cut(summary, "\n"); ok {
		summary = strings.TrimSpace(line)
	}
	return summary
}

func ineligibleReason(integ *domain.UserIntegration) string {
	switch {
	case integ == nil:
		return "calendar not connected"
	case !integ.Connected:
		return "calendar not connected"
	default:
		return "calendar sync disabled by user"
	}
}

func skippedResult(messageID, corrID, reason string) *domain.SyncResult {
	return &domain.SyncResult{
		Status:        domain.SyncResultSkipped,
		MessageID:     messageID,
		Error:         reason,
		CorrelationID: corrID,
	}
}

func invalidResult(messageID, corrID string, err error) *domain.SyncResult {
	return &domain.SyncResult{
		Status:        domain.SyncResultFailed,
		MessageID:     messageID,
		Error:         err.Error(),
		ErrorType:     domain.ErrorTypeClient,
		Disposition:   domain.DispositionPermanent,
		CorrelationID: corrID,
	}
}

func storageFailure(messageID, corrID string, err error) *domain.SyncResult {
	return &domain.SyncResult{
		Status:        domain.SyncResultFailed,
		MessageID:     messageID,
		Error:         "storage unavailable: " + err.Error(),
		CorrelationID: corrID,
	}
}

func errorType(d domain.Disposition) domain.ErrorType {
	if d.Error == nil {
		return ""
	}
	return d.Error.Type
}

var _ in.ReminderSyncUseCase = (*SyncManager)(nil)
var _ in.RetryReplayer = (*SyncManager)(nil)
