// Package metrics provides bounded latency windows and health grading.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Latency Ring Buffer with P50/P95/P99 Percentiles
// =============================================================================

// LatencyTracker keeps the most recent windowSize durations in a ring
// buffer. Old samples are overwritten in place; memory stays constant.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	next    int   // slot the next sample is written to
	filled  bool  // ring has wrapped at least once
	total   int64 // samples ever recorded
}

// NewLatencyTracker creates a new latency tracker.
func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{samples: make([]time.Duration, windowSize)}
}

// Record records a latency measurement.
func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.samples[lt.next] = d
	lt.next++
	if lt.next == len(lt.samples) {
		lt.next = 0
		lt.filled = true
	}
	lt.total++
}

// Len returns the number of samples currently held.
func (lt *LatencyTracker) Len() int {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.lenLocked()
}

func (lt *LatencyTracker) lenLocked() int {
	if lt.filled {
		return len(lt.samples)
	}
	return lt.next
}

// Window returns a copy of the held samples, oldest first.
func (lt *LatencyTracker) Window() []time.Duration {
	lt.mu.RLock()
	defer lt.mu.RUnlock()

	if !lt.filled {
		return append([]time.Duration(nil), lt.samples[:lt.next]...)
	}
	out := make([]time.Duration, 0, len(lt.samples))
	out = append(out, lt.samples[lt.next:]...)
	return append(out, lt.samples[:lt.next]...)
}

// Percentile returns the nearest-rank percentile p (0..1) of the window.
func (lt *LatencyTracker) Percentile(p float64) time.Duration {
	sorted := lt.Window()
	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return percentile(sorted, p)
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Stats returns latency statistics including percentiles.
func (lt *LatencyTracker) Stats() LatencyStats {
	sorted := lt.Window()
	lt.mu.RLock()
	total := lt.total
	lt.mu.RUnlock()

	if len(sorted) == 0 {
		return LatencyStats{Count: total}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)

	return LatencyStats{
		Count:   total,
		Min:     sorted[0],
		Max:     sorted[n-1],
		Avg:     sum / time.Duration(n),
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Samples: n,
	}
}

// Reset clears all samples.
func (lt *LatencyTracker) Reset() {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for i := range lt.samples {
		lt.samples[i] = 0
	}
	lt.next = 0
	lt.filled = false
	lt.total = 0
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int64         `json:"count"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Avg     time.Duration `json:"avg"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Samples int           `json:"samples"`
}

// ToMap renders the stats in milliseconds for JSON output.
func (s LatencyStats) ToMap() map[string]any {
	return map[string]any{
		"count":       s.Count,
		"min_ms":      ms(s.Min),
		"max_ms":      ms(s.Max),
		"avg_ms":      ms(s.Avg),
		"p50_ms":      ms(s.P50),
		"p95_ms":      ms(s.P95),
		"p99_ms":      ms(s.P99),
		"sample_size": s.Samples,
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
