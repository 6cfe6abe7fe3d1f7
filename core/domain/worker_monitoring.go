package domain

import "time"

// =============================================================================
// Operation outcomes (metrics input)
// =============================================================================

type Operation string

const (
	OpSyncReminder  Operation = "syncReminder"
	OpCreateEvent   Operation = "createEvent"
	OpUpdateEvent   Operation = "updateEvent"
	OpSearchEvent   Operation = "searchEvent"
	OpRefreshToken  Operation = "refreshToken"
	OpRetrySweep    Operation = "retrySweep"
	OpNotifyUser    Operation = "notifyUser"
	OpDecryptSecret Operation = "decryptToken"
)

// OperationOutcome is one observed call.
type OperationOutcome struct {
	Operation     Operation
	Success       bool
	ErrorType     ErrorType // empty on success
	Duration      time.Duration
	CorrelationID string
}

// =============================================================================
// Alerts
// =============================================================================

type AlertCondition string

const (
	AlertErrorRate       AlertCondition = "error_rate"
	AlertAuthFailureRate AlertCondition = "auth_failure_rate"
	AlertQueueDepth      AlertCondition = "queue_depth"
	AlertAvgLatency      AlertCondition = "avg_latency"
)

// AllAlertConditions in evaluation order.
var AllAlertConditions = []AlertCondition{
	AlertErrorRate,
	AlertAuthFailureRate,
	AlertQueueDepth,
	AlertAvgLatency,
}

// AlertState is the per-condition state machine position.
type AlertState string

const (
	AlertStateInactive   AlertState = "inactive"
	AlertStateActive     AlertState = "active"
	AlertStateCooldown   AlertState = "cooldown"
	AlertStateSuppressed AlertState = "suppressed"
)

type AlertKind string

const (
	AlertFired    AlertKind = "fired"
	AlertResolved AlertKind = "resolved"
)

type Alert struct {
	ID         string         `json:"id"`
	Condition  AlertCondition `json:"condition"`
	Kind       AlertKind      `json:"kind"`
	Value      float64        `json:"value"`
	Threshold  float64        `json:"threshold"`
	Occurrence int            `json:"occurrence"` // nth fire since the condition became active
	Message    string         `json:"message"`
	At         time.Time      `json:"at"`
}
