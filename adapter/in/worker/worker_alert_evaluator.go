package worker

import (
	"context"
	"sync"
	"time"

	"remindsync/core/domain"
	"remindsync/core/service/monitor"
	"remindsync/pkg/logger"
)

// DepthSource counts the records still waiting for a retry.
type DepthSource interface {
	CountPendingRetries(ctx context.Context) (int64, error)
}

// AlertEvaluator periodically feeds a metrics snapshot to the alerting service.
type AlertEvaluator struct {
	collector *monitor.Collector
	alerting  *monitor.AlertingService
	depth     DepthSource
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	now func() time.Time
}

// NewAlertEvaluator creates a new evaluator. depth may be nil, in which case
// the queue depth is whatever the retry processor last reported.
func NewAlertEvaluator(collector *monitor.Collector, alerting *monitor.AlertingService, depth DepthSource, interval time.Duration) *AlertEvaluator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AlertEvaluator{
		collector: collector,
		alerting:  alerting,
		depth:     depth,
		interval:  interval,
		now:       time.Now,
	}
}

// Start starts the evaluation loop.
func (e *AlertEvaluator) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	logger.Info("[AlertEvaluator] Starting with interval %v", e.interval)

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.EvaluateOnce(ctx)
			}
		}
	}(e.done)
}

// Stop stops the evaluation loop.
func (e *AlertEvaluator) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Info("[AlertEvaluator] Stopped")
}

// EvaluateOnce refreshes the queue depth, snapshots the collector and runs
// every alert condition once.
func (e *AlertEvaluator) EvaluateOnce(ctx context.Context) []*domain.Alert {
	if e.depth != nil {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		n, err := e.depth.CountPendingRetries(cctx)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("[AlertEvaluator] failed to refresh queue depth")
		} else {
			e.collector.SetQueueDepth(n)
		}
	}
	return e.alerting.Evaluate(ctx, e.collector.Snapshot(), e.now())
}
