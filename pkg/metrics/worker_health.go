package metrics

import (
	"database/sql"
	"time"
)

// =============================================================================
// Health grading
// =============================================================================

// HealthLevel grades one indicator.
type HealthLevel string

const (
	Healthy  HealthLevel = "healthy"
	Warning  HealthLevel = "warning"
	Critical HealthLevel = "critical"
)

// Severity orders levels so the worst one can be picked.
func (h HealthLevel) Severity() int {
	switch h {
	case Critical:
		return 2
	case Warning:
		return 1
	default:
		return 0
	}
}

// Worst returns the most severe of levels.
func Worst(levels ...HealthLevel) HealthLevel {
	worst := Healthy
	for _, l := range levels {
		if l.Severity() > worst.Severity() {
			worst = l
		}
	}
	return worst
}

// Threshold grades a value against warning and critical limits.
// With LowerIsWorse the limits are floors (success rate), otherwise ceilings.
type Threshold struct {
	Warning      float64 `json:"warning"`
	Critical     float64 `json:"critical"`
	LowerIsWorse bool    `json:"lower_is_worse,omitempty"`
}

// Grade returns the HealthLevel of value.
func (t Threshold) Grade(value float64) HealthLevel {
	if t.LowerIsWorse {
		switch {
		case value <= t.Critical:
			return Critical
		case value <= t.Warning:
			return Warning
		default:
			return Healthy
		}
	}
	switch {
	case value >= t.Critical:
		return Critical
	case value >= t.Warning:
		return Warning
	default:
		return Healthy
	}
}

// =============================================================================
// Database pool
// =============================================================================

// DBPoolStats holds database connection pool statistics.
type DBPoolStats struct {
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	MaxOpenConnections int           `json:"max_open_connections"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// GetDBPoolStats retrieves pool statistics from a sql.DB instance.
func GetDBPoolStats(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}
	stats := db.Stats()
	return DBPoolStats{
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		MaxOpenConnections: stats.MaxOpenConnections,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
	}
}

var poolUtilization = Threshold{Warning: 0.80, Critical: 0.95}

// AssessDBPool grades pool utilization; long waits degrade a healthy pool.
func AssessDBPool(stats DBPoolStats) HealthLevel {
	if stats.MaxOpenConnections == 0 {
		return Healthy
	}
	level := poolUtilization.Grade(float64(stats.InUse) / float64(stats.MaxOpenConnections))
	if level == Healthy && stats.WaitCount > 0 && stats.WaitDuration > 5*time.Second {
		return Warning
	}
	return level
}
