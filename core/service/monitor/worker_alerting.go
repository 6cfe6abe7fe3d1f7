package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/pkg/logger"

	"github.com/google/uuid"
)

const defaultHistoryLimit = 500

// AlertRule configures one condition.
type AlertRule struct {
	Threshold  float64       `json:"threshold"`
	Cooldown   time.Duration `json:"cooldown"`
	MaxAlerts  int           `json:"max_alerts"`  // fires per activation before suppression
	MinSamples int           `json:"min_samples"` // rate conditions only
}

// DefaultAlertRules returns the production rules. Latency is in milliseconds.
func DefaultAlertRules() map[domain.AlertCondition]AlertRule {
	return map[domain.AlertCondition]AlertRule{
		domain.AlertErrorRate:       {Threshold: 0.10, Cooldown: 15 * time.Minute, MaxAlerts: 3, MinSamples: 20},
		domain.AlertAuthFailureRate: {Threshold: 0.05, Cooldown: 15 * time.Minute, MaxAlerts: 3, MinSamples: 20},
		domain.AlertQueueDepth:      {Threshold: 100, Cooldown: 30 * time.Minute, MaxAlerts: 3},
		domain.AlertAvgLatency:      {Threshold: 2000, Cooldown: 15 * time.Minute, MaxAlerts: 3, MinSamples: 20},
	}
}

// AlertStatus is the externally visible state of one condition.
type AlertStatus struct {
	Condition   domain.AlertCondition `json:"condition"`
	State       domain.AlertState     `json:"state"`
	Value       float64               `json:"value"`
	Threshold   float64               `json:"threshold"`
	Fired       int                   `json:"fired"`
	ActiveSince *time.Time            `json:"active_since,omitempty"`
	LastFiredAt *time.Time            `json:"last_fired_at,omitempty"`
}

type conditionState struct {
	state       domain.AlertState
	fired       int
	value       float64
	activeSince time.Time
	lastFired   time.Time
}

// AlertingService evaluates collector snapshots against per-condition rules.
// Each condition moves inactive → active → cooldown → active (re-fire) until
// MaxAlerts, then suppressed; dropping under threshold returns it to inactive.
type AlertingService struct {
	rules        map[domain.AlertCondition]AlertRule
	sink         out.AlertSink
	historyLimit int

	mu      sync.Mutex
	states  map[domain.AlertCondition]*conditionState
	history []*domain.Alert
}

// NewAlertingService creates a new alerting service. Missing rules fall back
// to DefaultAlertRules.
func NewAlertingService(rules map[domain.AlertCondition]AlertRule, sink out.AlertSink) *AlertingService {
	merged := DefaultAlertRules()
	for cond, r := range rules {
		merged[cond] = r
	}
	s := &AlertingService{
		rules:        merged,
		sink:         sink,
		historyLimit: defaultHistoryLimit,
		states:       make(map[domain.AlertCondition]*conditionState, len(merged)),
	}
	for _, cond := range domain.AllAlertConditions {
		s.states[cond] = &conditionState{state: domain.AlertStateInactive}
	}
	return s
}

// Rules returns a copy of the active rules.
func (s *AlertingService) Rules() map[domain.AlertCondition]AlertRule {
	cp := make(map[domain.AlertCondition]AlertRule, len(s.rules))
	for k, v := range s.rules {
		cp[k] = v
	}
	return cp
}

// Evaluate runs every condition against snap and returns the fired and
// resolved alerts of this round.
func (s *AlertingService) Evaluate(ctx context.Context, snap *Snapshot, now time.Time) []*domain.Alert {
	if snap == nil {
		return nil
	}

	s.mu.Lock()
	var emitted []*domain.Alert
	for _, cond := range domain.AllAlertConditions {
		if a := s.evaluateLocked(cond, snap, now); a != nil {
			emitted = append(emitted, a)
			s.appendHistoryLocked(a)
		}
	}
	s.mu.Unlock()

	for _, a := range emitted {
		s.publish(ctx, a)
	}
	return emitted
}

func (s *AlertingService) evaluateLocked(cond domain.AlertCondition, snap *Snapshot, now time.Time) *domain.Alert {
	rule := s.rules[cond]
	st := s.states[cond]

	value := conditionValue(cond, snap)
	st.value = value
	if cond != domain.AlertQueueDepth && snap.Samples < rule.MinSamples {
		return nil
	}

	if value <= rule.Threshold {
		if st.state == domain.AlertStateInactive {
			return nil
		}
		a := s.newAlert(cond, domain.AlertResolved, value, rule, st.fired, now)
		*st = conditionState{state: domain.AlertStateInactive, value: value}
		return a
	}

	switch st.state {
	case domain.AlertStateInactive:
		st.activeSince = now
		return s.fireLocked(cond, st, rule, value, now)

	case domain.AlertStateActive, domain.AlertStateCooldown:
		if now.Sub(st.lastFired) < rule.Cooldown {
			st.state = domain.AlertStateCooldown
			return nil
		}
		if rule.MaxAlerts > 0 && st.fired >= rule.MaxAlerts {
			st.state = domain.AlertStateSuppressed
			return nil
		}
		return s.fireLocked(cond, st, rule, value, now)
	}
	// suppressed stays quiet until the condition clears or is reset
	return nil
}

func (s *AlertingService) fireLocked(cond domain.AlertCondition, st *conditionState, rule AlertRule, value float64, now time.Time) *domain.Alert {
	st.fired++
	st.lastFired = now
	st.state = domain.AlertStateActive
	return s.newAlert(cond, domain.AlertFired, value, rule, st.fired, now)
}

func (s *AlertingService) newAlert(cond domain.AlertCondition, kind domain.AlertKind, value float64, rule AlertRule, occurrence int, now time.Time) *domain.Alert {
	return &domain.Alert{
		ID:         uuid.NewString(),
		Condition:  cond,
		Kind:       kind,
		Value:      value,
		Threshold:  rule.Threshold,
		Occurrence: occurrence,
		Message:    alertMessage(cond, kind, value, rule.Threshold),
		At:         now,
	}
}

func (s *AlertingService) appendHistoryLocked(a *domain.Alert) {
	s.history = append(s.history, a)
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append([]*domain.Alert(nil), s.history[over:]...)
	}
}

func (s *AlertingService) publish(ctx context.Context, a *domain.Alert) {
	log := logger.WithContext(ctx).WithFields(map[string]any{
		"condition": string(a.Condition),
		"value":     a.Value,
		"threshold": a.Threshold,
	})
	if a.Kind == domain.AlertFired {
		log.Warn("[AlertingService.Evaluate] %s", a.Message)
	} else {
		log.Info("[AlertingService.Evaluate] %s", a.Message)
	}

	if s.sink == nil {
		return
	}
	if err := s.sink.PublishAlert(ctx, a); err != nil {
		log.WithError(err).Warn("[AlertingService.publish] sink rejected alert")
	}
}

// =============================================================================
// Queries
// =============================================================================

// Active returns every condition that is not inactive.
func (s *AlertingService) Active() []AlertStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []AlertStatus
	for _, cond := range domain.AllAlertConditions {
		st := s.states[cond]
		if st.state == domain.AlertStateInactive {
			continue
		}
		active = append(active, s.statusLocked(cond, st))
	}
	return active
}

// Statuses returns the state of every condition.
func (s *AlertingService) Statuses() []AlertStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]AlertStatus, 0, len(domain.AllAlertConditions))
	for _, cond := range domain.AllAlertConditions {
		all = append(all, s.statusLocked(cond, s.states[cond]))
	}
	return all
}

func (s *AlertingService) statusLocked(cond domain.AlertCondition, st *conditionState) AlertStatus {
	status := AlertStatus{
		Condition: cond,
		State:     st.state,
		Value:     st.value,
		Threshold: s.rules[cond].Threshold,
		Fired:     st.fired,
	}
	if !st.activeSince.IsZero() {
		since := st.activeSince
		status.ActiveSince = &since
	}
	if !st.lastFired.IsZero() {
		last := st.lastFired
		status.LastFiredAt = &last
	}
	return status
}

// History returns up to limit alerts, newest first. limit <= 0 returns all.
func (s *AlertingService) History(limit int) []*domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	hist := make([]*domain.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		hist = append(hist, s.history[i])
	}
	return hist
}

// Reset returns cond to inactive without emitting a resolve entry. An empty
// cond resets every condition.
func (s *AlertingService) Reset(cond domain.AlertCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cond == "" {
		for _, c := range domain.AllAlertConditions {
			s.states[c] = &conditionState{state: domain.AlertStateInactive}
		}
		return nil
	}
	if _, ok := s.states[cond]; !ok {
		return fmt.Errorf("unknown alert condition %q", cond)
	}
	s.states[cond] = &conditionState{state: domain.AlertStateInactive}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func conditionValue(cond domain.AlertCondition, snap *Snapshot) float64 {
	switch cond {
	case domain.AlertErrorRate:
		return snap.ErrorRate
	case domain.AlertAuthFailureRate:
		return snap.AuthFailureRate
	case domain.AlertQueueDepth:
		return float64(snap.QueueDepth)
	case domain.AlertAvgLatency:
		return snap.AvgLatencyMs
	}
	return 0
}

func alertMessage(cond domain.AlertCondition, kind domain.AlertKind, value, threshold float64) string {
	var v, t string
	switch cond {
	case domain.AlertErrorRate, domain.AlertAuthFailureRate:
		v, t = fmt.Sprintf("%.1f%%", value*100), fmt.Sprintf("%.1f%%", threshold*100)
	case domain.AlertAvgLatency:
		v, t = fmt.Sprintf("%.0fms", value), fmt.Sprintf("%.0fms", threshold)
	default:
		v, t = fmt.Sprintf("%.0f", value), fmt.Sprintf("%.0f", threshold)
	}
	if kind == domain.AlertResolved {
		return fmt.Sprintf("%s resolved at %s (threshold %s)", cond, v, t)
	}
	return fmt.Sprintf("%s at %s exceeds threshold %s", cond, v, t)
}
