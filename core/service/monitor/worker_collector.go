package monitor

import (
	"sync"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// CollectorConfig sizes the in-memory windows.
type CollectorConfig struct {
	LatencyWindow int // duration samples kept per operation
	RateWindow    int // recent sync outcomes used for rates
}

// DefaultCollectorConfig returns the production window sizes.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{LatencyWindow: 1000, RateWindow: 200}
}

// Collector aggregates operation outcomes into counts, rates and latency
// percentiles, and mirrors them into Prometheus.
type Collector struct {
	cfg CollectorConfig

	mu         sync.RWMutex
	ops        map[domain.Operation]*opStats
	recent     *outcomeWindow
	queueDepth int64
	started    time.Time

	promOutcomes *prometheus.CounterVec
	promErrors   *prometheus.CounterVec
	promDuration *prometheus.HistogramVec
	promQueue    prometheus.Gauge

	now func() time.Time
}

type opStats struct {
	success    int64
	failure    int64
	errorTypes map[domain.ErrorType]int64
	latency    *metrics.LatencyTracker
}

// NewCollector creates a collector and registers its Prometheus series on
// reg. A nil reg keeps the collector in-memory only.
func NewCollector(cfg CollectorConfig, reg prometheus.Registerer) *Collector {
	def := DefaultCollectorConfig()
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}

	c := &Collector{
		cfg:     cfg,
		ops:     make(map[domain.Operation]*opStats),
		recent:  newOutcomeWindow(cfg.RateWindow),
		started: time.Now(),
		now:     time.Now,

		promOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remindsync_operations_total",
			Help: "Observed operations by outcome",
		}, []string{"operation", "outcome"}),
		promErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remindsync_operation_errors_total",
			Help: "Failed operations by classified error type",
		}, []string{"operation", "error_type"}),
		promDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remindsync_operation_duration_seconds",
			Help:    "Operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		promQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remindsync_retry_queue_depth",
			Help: "Failed sync records still eligible for retry",
		}),
	}

	if reg != nil {
		reg.MustRegister(c.promOutcomes, c.promErrors, c.promDuration, c.promQueue)
	}
	return c
}

// Record observes one operation outcome.
func (c *Collector) Record(o domain.OperationOutcome) {
	c.mu.Lock()
	st := c.statsLocked(o.Operation)
	if o.Success {
		st.success++
	} else {
		st.failure++
		if o.ErrorType != "" {
			st.errorTypes[o.ErrorType]++
		}
	}
	st.latency.Record(o.Duration)
	if o.Operation == domain.OpSyncReminder {
		c.recent.push(o.Success, o.ErrorType, o.Duration)
	}
	c.mu.Unlock()

	label := "success"
	if !o.Success {
		label = "failure"
	}
	c.promOutcomes.WithLabelValues(string(o.Operation), label).Inc()
	if !o.Success && o.ErrorType != "" {
		c.promErrors.WithLabelValues(string(o.Operation), string(o.ErrorType)).Inc()
	}
	c.promDuration.WithLabelValues(string(o.Operation)).Observe(o.Duration.Seconds())
}

// SetQueueDepth stores the latest retry backlog size.
func (c *Collector) SetQueueDepth(n int64) {
	c.mu.Lock()
	c.queueDepth = n
	c.mu.Unlock()
	c.promQueue.Set(float64(n))
}

// Reset drops every in-memory aggregate. Prometheus counters are monotonic
// and are left alone.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = make(map[domain.Operation]*opStats)
	c.recent = newOutcomeWindow(c.cfg.RateWindow)
	c.started = c.now()
}

func (c *Collector) statsLocked(op domain.Operation) *opStats {
	st, ok := c.ops[op]
	if !ok {
		st = &opStats{
			errorTypes: make(map[domain.ErrorType]int64),
			latency:    metrics.NewLatencyTracker(c.cfg.LatencyWindow),
		}
		c.ops[op] = st
	}
	return st
}

// =============================================================================
// Snapshot
// =============================================================================

// OperationSnapshot summarizes one operation since start.
type OperationSnapshot struct {
	Success     int64                      `json:"success"`
	Failure     int64                      `json:"failure"`
	SuccessRate float64                    `json:"success_rate"`
	ErrorTypes  map[domain.ErrorType]int64 `json:"error_types,omitempty"`
	Latency     metrics.LatencyStats       `json:"-"`
	LatencyMs   map[string]any             `json:"latency"`
}

// Snapshot is a point-in-time view of the collector. Rates cover the most
// recent sync outcomes only, so they recover once failures stop.
type Snapshot struct {
	At              time.Time                               `json:"at"`
	Since           time.Time                               `json:"since"`
	Operations      map[domain.Operation]*OperationSnapshot `json:"operations"`
	ErrorTypes      map[domain.ErrorType]int64              `json:"error_types"`
	Samples         int                                     `json:"samples"`
	SuccessRate     float64                                 `json:"success_rate"`
	ErrorRate       float64                                 `json:"error_rate"`
	AuthFailureRate float64                                 `json:"auth_failure_rate"`
	AvgLatency      time.Duration                           `json:"-"`
	P95Latency      time.Duration                           `json:"-"`
	AvgLatencyMs    float64                                 `json:"avg_latency_ms"`
	P95LatencyMs    float64                                 `json:"p95_latency_ms"`
	QueueDepth      int64                                   `json:"queue_depth"`
}

// Snapshot returns the current aggregates.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{
		At:          c.now(),
		Since:       c.started,
		Operations:  make(map[domain.Operation]*OperationSnapshot, len(c.ops)),
		ErrorTypes:  make(map[domain.ErrorType]int64),
		SuccessRate: 1,
		QueueDepth:  c.queueDepth,
	}

	for op, st := range c.ops {
		opSnap := &OperationSnapshot{
			Success:     st.success,
			Failure:     st.failure,
			SuccessRate: ratio(st.success, st.success+st.failure, 1),
			ErrorTypes:  make(map[domain.ErrorType]int64, len(st.errorTypes)),
			Latency:     st.latency.Stats(),
		}
		opSnap.LatencyMs = opSnap.Latency.ToMap()
		for et, n := range st.errorTypes {
			opSnap.ErrorTypes[et] = n
			snap.ErrorTypes[et] += n
		}
		snap.Operations[op] = opSnap
	}

	w := c.recent.summary()
	snap.Samples = w.total
	if w.total > 0 {
		snap.SuccessRate = ratio(int64(w.total-w.failures), int64(w.total), 1)
		snap.ErrorRate = ratio(int64(w.failures), int64(w.total), 0)
		snap.AuthFailureRate = ratio(int64(w.authFailures), int64(w.total), 0)
		snap.AvgLatency = w.avg
		snap.P95Latency = w.p95
	}
	snap.AvgLatencyMs = float64(snap.AvgLatency.Microseconds()) / 1000
	snap.P95LatencyMs = float64(snap.P95Latency.Microseconds()) / 1000
	return snap
}

func ratio(n, d int64, empty float64) float64 {
	if d == 0 {
		return empty
	}
	return float64(n) / float64(d)
}

// =============================================================================
// Recent outcome window
// =============================================================================

type outcomeSample struct {
	success   bool
	errorType domain.ErrorType
}

// outcomeWindow keeps the last N sync outcomes. Caller holds the lock.
type outcomeWindow struct {
	samples []outcomeSample
	latency *metrics.LatencyTracker
	next    int
	filled  bool
}

type windowSummary struct {
	total        int
	failures     int
	authFailures int
	avg          time.Duration
	p95          time.Duration
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{
		samples: make([]outcomeSample, size),
		latency: metrics.NewLatencyTracker(size),
	}
}

func (w *outcomeWindow) push(success bool, et domain.ErrorType, d time.Duration) {
	w.samples[w.next] = outcomeSample{success: success, errorType: et}
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
	w.latency.Record(d)
}

func (w *outcomeWindow) summary() windowSummary {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	s := windowSummary{total: n}
	for _, o := range w.samples[:n] {
		if o.success {
			continue
		}
		s.failures++
		if o.errorType == domain.ErrorTypeAuth || o.errorType == domain.ErrorTypeTokenCorruption {
			s.authFailures++
		}
	}
	if n > 0 {
		stats := w.latency.Stats()
		s.avg, s.p95 = stats.Avg, stats.P95
	}
	return s
}

var _ out.OutcomeRecorder = (*Collector)(nil)
