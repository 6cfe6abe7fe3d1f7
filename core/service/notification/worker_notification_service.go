package notification

import (
	"context"
	"sync"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/pkg/logger"
)

const historyWindow = 24 * time.Hour

const (
	reconnectionText = "Your calendar connection has stopped working, so new reminders are no longer " +
		"added to your calendar. Please reconnect your calendar to resume syncing."
	persistentFailureText = "We could not add one of your reminders to your calendar after several " +
		"attempts. The reminder itself is safe; only the calendar copy is missing."
)

// Config holds the outbound notice limits.
type Config struct {
	MaxPerDay int           // per user per kind in a rolling 24h window
	MinGap    time.Duration // minimum time between two sends of one kind
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{MaxPerDay: 3, MinGap: time.Hour}
}

// Service sends rate-limited sync notices to users. Delivery failures are
// logged and never returned.
type Service struct {
	cfg          Config
	integrations out.IntegrationRepository
	messenger    out.Messenger
	metrics      out.OutcomeRecorder

	mu  sync.Mutex // serializes check-then-append within the process
	now func() time.Time
}

// NewService creates a new notification service.
func NewService(cfg Config, integrations out.IntegrationRepository, messenger out.Messenger, metrics out.OutcomeRecorder) *Service {
	if cfg.MaxPerDay <= 0 {
		cfg.MaxPerDay = DefaultConfig().MaxPerDay
	}
	if cfg.MinGap < 0 {
		cfg.MinGap = 0
	}
	return &Service{
		cfg:          cfg,
		integrations: integrations,
		messenger:    messenger,
		metrics:      metrics,
		now:          time.Now,
	}
}

// NotifyReconnectionRequired tells the user their authorization is gone.
func (s *Service) NotifyReconnectionRequired(ctx context.Context, userID, correlationID string) bool {
	return s.send(ctx, userID, domain.NotificationReconnectionRequired, reconnectionText, correlationID)
}

// NotifyPersistentFailure tells the user a reminder exhausted its retries.
func (s *Service) NotifyPersistentFailure(ctx context.Context, userID, messageID, correlationID string) bool {
	ctx = logger.WithCorrelationID(ctx, correlationID)
	logger.WithContext(ctx).Debug("[NotificationService.NotifyPersistentFailure] message %s", messageID)
	return s.send(ctx, userID, domain.NotificationPersistentFailure, persistentFailureText, correlationID)
}

func (s *Service) send(ctx context.Context, userID string, kind domain.NotificationKind, text, correlationID string) bool {
	ctx = logger.WithCorrelationID(ctx, correlationID)
	ctx = logger.WithUserID(ctx, userID)
	log := logger.WithContext(ctx).WithField("kind", string(kind))

	s.mu.Lock()
	defer s.mu.Unlock()

	integ, err := s.integrations.GetByUserID(ctx, userID)
	if err != nil {
		log.WithError(err).Warn("[NotificationService.send] failed to load integration")
		return false
	}
	if integ == nil {
		log.Warn("[NotificationService.send] no integration, notice dropped")
		return false
	}

	now := s.now()
	if reason, ok := s.allowed(integ, kind, now); !ok {
		log.Info("[NotificationService.send] rate limited: %s", reason)
		return false
	}

	start := s.now()
	err = s.messenger.SendText(ctx, userID, text)
	s.observe(correlationID, start, err)
	if err != nil {
		log.WithError(err).Warn("[NotificationService.send] delivery failed")
		return false
	}

	if err := s.integrations.AppendNotification(ctx, userID, kind, now, historyWindow); err != nil {
		log.WithError(err).Warn("[NotificationService.send] sent but history not recorded")
	}
	log.Info("[NotificationService.send] notice delivered")
	return true
}

// allowed applies the per-day cap and the minimum gap.
func (s *Service) allowed(integ *domain.UserIntegration, kind domain.NotificationKind, now time.Time) (string, bool) {
	recent := integ.RecentNotifications(kind, now, historyWindow)
	if len(recent) >= s.cfg.MaxPerDay {
		return "daily limit reached", false
	}
	for _, ts := range recent {
		if now.Sub(ts) < s.cfg.MinGap {
			return "minimum gap not elapsed", false
		}
	}
	return "", true
}

func (s *Service) observe(correlationID string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	outcome := domain.OperationOutcome{
		Operation:     domain.OpNotifyUser,
		Success:       err == nil,
		Duration:      s.now().Sub(start),
		CorrelationID: correlationID,
	}
	if err != nil {
		outcome.ErrorType = domain.AsSyncError(err).Type
	}
	s.metrics.Record(outcome)
}
