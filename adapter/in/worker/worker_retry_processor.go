package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/in"
	"remindsync/core/port/out"
	"remindsync/pkg/logger"

	"github.com/go-pkgz/pool"
)

// =============================================================================
// RetryProcessor - 실패한 동기화 레코드 재시도
// =============================================================================
//
// 주기적으로 FAILED 레코드를 조회하여 backoff 가 지난 레코드만 다시 동기화합니다.
// 강제 실행(/ops/retry/run)과 스케줄 실행은 같은 mutex 로 직렬화됩니다.

// QueueDepthGauge receives the number of records still waiting for a retry.
type QueueDepthGauge interface {
	SetQueueDepth(n int64)
}

// RetryProcessorConfig holds retry sweep configuration.
type RetryProcessorConfig struct {
	Interval    time.Duration
	BatchSize   int           // candidates loaded per run
	Concurrency int           // replays in flight
	RunTimeout  time.Duration // upper bound of one run
	Retention   time.Duration // OK records older than this are purged, 0 disables
	Policy      domain.RetryPolicy
}

// DefaultRetryProcessorConfig returns default retry sweep configuration.
func DefaultRetryProcessorConfig() RetryProcessorConfig {
	return RetryProcessorConfig{
		Interval:    5 * time.Minute,
		BatchSize:   500,
		Concurrency: 4,
		RunTimeout:  4 * time.Minute,
		Retention:   30 * 24 * time.Hour,
		Policy:      domain.DefaultRetryPolicy(),
	}
}

// SweepReport summarises one run.
type SweepReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
	Candidates int           `json:"candidates"`
	Replayed   int           `json:"replayed"`
	Synced     int           `json:"synced"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Delayed    int           `json:"delayed"` // inside backoff, left for a later run
	Purged     int64         `json:"purged"`
	QueueDepth int64         `json:"queue_depth"`
}

// RetryProcessor replays FAILED sync records whose backoff has elapsed.
type RetryProcessor struct {
	cfg      RetryProcessorConfig
	records  out.SyncRecordRepository
	replayer in.RetryReplayer
	gauge    QueueDepthGauge
	metrics  out.OutcomeRecorder

	runMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	now func() time.Time
}

// NewRetryProcessor creates a new retry processor.
func NewRetryProcessor(
	cfg RetryProcessorConfig,
	records out.SyncRecordRepository,
	replayer in.RetryReplayer,
	gauge QueueDepthGauge,
	metrics out.OutcomeRecorder,
) *RetryProcessor {
	def := DefaultRetryProcessorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	return &RetryProcessor{
		cfg:      cfg,
		records:  records,
		replayer: replayer,
		gauge:    gauge,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Start starts the sweep loop. It is a no-op when already running.
func (p *RetryProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	logger.Info("[RetryProcessor] Starting with interval %v", p.cfg.Interval)
	go p.run(p.ctx, p.done)
}

// Stop stops the sweep loop and waits for an in-flight run to finish.
func (p *RetryProcessor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	logger.Info("[RetryProcessor] Stopping...")
	cancel()
	<-done
}

func (p *RetryProcessor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// 시작 시 즉시 한 번 실행
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("[RetryProcessor] Stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *RetryProcessor) tick(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("[RetryProcessor] sweep failed")
	}
}

// RunOnce performs one sweep. Concurrent callers are serialized.
func (p *RetryProcessor) RunOnce(ctx context.Context) (*SweepReport, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancel()

	start := p.now()
	report := &SweepReport{StartedAt: start}

	candidates, err := p.records.ListRetryCandidates(ctx, p.cfg.BatchSize)
	if err != nil {
		p.observe(start, err)
		return nil, fmt.Errorf("list retry candidates: %w", err)
	}
	report.Candidates = len(candidates)

	due := make([]*domain.SyncRecord, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, rec := range candidates {
		if _, dup := seen[rec.MessageID]; dup {
			continue
		}
		seen[rec.MessageID] = struct{}{}
		if !rec.IsDue(start, p.cfg.Policy) {
			report.Delayed++
			continue
		}
		due = append(due, rec)
	}

	if len(due) > 0 {
		if err := p.replayAll(ctx, due, report); err != nil {
			logger.WithError(err).Warn("[RetryProcessor] replay pool finished with error")
		}
	}

	if p.cfg.Retention > 0 {
		purged, err := p.records.DeleteSyncedBefore(ctx, start.Add(-p.cfg.Retention))
		if err != nil {
			logger.WithError(err).Warn("[RetryProcessor] failed to purge synced records")
		}
		report.Purged = purged
	}

	depth, err := p.records.CountPendingRetries(ctx)
	if err != nil {
		logger.WithError(err).Warn("[RetryProcessor] failed to count pending retries")
	} else {
		report.QueueDepth = depth
		if p.gauge != nil {
			p.gauge.SetQueueDepth(depth)
		}
	}

	report.Duration = p.now().Sub(start)
	report.DurationMs = report.Duration.Milliseconds()
	p.observe(start, nil)

	if report.Candidates > 0 || report.Purged > 0 {
		logger.WithFields(map[string]any{
			"candidates":  report.Candidates,
			"replayed":    report.Replayed,
			"synced":      report.Synced,
			"failed":      report.Failed,
			"skipped":     report.Skipped,
			"delayed":     report.Delayed,
			"purged":      report.Purged,
			"queue_depth": report.QueueDepth,
		}).Info("[RetryProcessor] sweep completed in %v", report.Duration)
	}
	return report, nil
}

// replayAll drives every due record through a bounded worker group. Each
// record is submitted exactly once.
func (p *RetryProcessor) replayAll(ctx context.Context, due []*domain.SyncRecord, report *SweepReport) error {
	var replayed, synced, failed, skipped atomic.Int64

	worker := pool.WorkerFunc[*domain.SyncRecord](func(ctx context.Context, rec *domain.SyncRecord) error {
		replayed.Add(1)
		res := p.replayer.Replay(ctx, rec)
		switch res.Status {
		case domain.SyncResultSynced:
			synced.Add(1)
		case domain.SyncResultSkipped:
			skipped.Add(1)
		default:
			failed.Add(1)
			logger.WithContext(logger.WithCorrelationID(ctx, res.CorrelationID)).
				Debug("[RetryProcessor] replay of %s failed: %s", rec.MessageID, res.Error)
		}
		return nil
	})

	workers := p.cfg.Concurrency
	if workers > len(due) {
		workers = len(due)
	}
	group := pool.New[*domain.SyncRecord](workers, worker).
		WithBatchSize(1).
		WithContinueOnError()
	if err := group.Go(ctx); err != nil {
		return err
	}
	for _, rec := range due {
		group.Submit(rec)
	}
	err := group.Close(ctx)

	report.Replayed = int(replayed.Load())
	report.Synced = int(synced.Load())
	report.Failed = int(failed.Load())
	report.Skipped = int(skipped.Load())
	return err
}

func (p *RetryProcessor) observe(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	outcome := domain.OperationOutcome{
		Operation: domain.OpRetrySweep,
		Success:   err == nil,
		Duration:  p.now().Sub(start),
	}
	if err != nil {
		outcome.ErrorType = domain.ErrorTypeServer
	}
	p.metrics.Record(outcome)
}
