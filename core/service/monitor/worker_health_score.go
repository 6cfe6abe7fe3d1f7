package monitor

import (
	"time"

	"remindsync/pkg/metrics"
)

const (
	healthyPoints = 25
	warningPoints = 12
)

// HealthThresholds grades each score component.
type HealthThresholds struct {
	SuccessRate     metrics.Threshold `json:"success_rate"`
	AuthFailureRate metrics.Threshold `json:"auth_failure_rate"`
	QueueDepth      metrics.Threshold `json:"queue_depth"`
	LatencyMs       metrics.Threshold `json:"latency_ms"`
}

// DefaultHealthThresholds returns the production grading.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		SuccessRate:     metrics.Threshold{Warning: 0.95, Critical: 0.80, LowerIsWorse: true},
		AuthFailureRate: metrics.Threshold{Warning: 0.01, Critical: 0.05},
		QueueDepth:      metrics.Threshold{Warning: 50, Critical: 200},
		LatencyMs:       metrics.Threshold{Warning: 1000, Critical: 3000},
	}
}

// ComponentHealth is one graded indicator.
type ComponentHealth struct {
	Name   string              `json:"name"`
	Value  float64             `json:"value"`
	Level  metrics.HealthLevel `json:"level"`
	Points int                 `json:"points"`
}

// HealthReport is the composite 0..100 score.
type HealthReport struct {
	Score      int                 `json:"score"`
	Status     metrics.HealthLevel `json:"status"`
	Components []ComponentHealth   `json:"components"`
	At         time.Time           `json:"at"`
}

// HealthScore grades snap. Each of the four components is worth 25 points
// when healthy, 12 on warning and nothing when critical.
func HealthScore(snap *Snapshot, th HealthThresholds) *HealthReport {
	report := &HealthReport{At: snap.At}

	add := func(name string, value float64, t metrics.Threshold) {
		level := t.Grade(value)
		c := ComponentHealth{Name: name, Value: value, Level: level, Points: points(level)}
		report.Components = append(report.Components, c)
		report.Score += c.Points
	}
	add("success_rate", snap.SuccessRate, th.SuccessRate)
	add("auth_failure_rate", snap.AuthFailureRate, th.AuthFailureRate)
	add("queue_depth", float64(snap.QueueDepth), th.QueueDepth)
	add("latency_ms", snap.AvgLatencyMs, th.LatencyMs)

	levels := make([]metrics.HealthLevel, 0, len(report.Components))
	for _, c := range report.Components {
		levels = append(levels, c.Level)
	}
	report.Status = metrics.Worst(levels...)
	return report
}

func points(level metrics.HealthLevel) int {
	switch level {
	case metrics.Healthy:
		return healthyPoints
	case metrics.Warning:
		return warningPoints
	default:
		return 0
	}
}
