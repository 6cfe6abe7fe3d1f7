package bootstrap

import (
	"context"
	"errors"

	"remindsync/adapter/in/worker"
	"remindsync/adapter/out/messaging"
	"remindsync/config"
	"remindsync/pkg/logger"
)

// App is the assembled process: shared dependencies plus the background
// components the API and worker modes share.
type App struct {
	Deps  *Dependencies
	Retry *worker.RetryProcessor
}

// New builds the dependency graph and the retry processor.
func New(cfg *config.Config) (*App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	retry := worker.NewRetryProcessor(
		worker.RetryProcessorConfig{
			Interval:    cfg.RetrySweepInterval,
			BatchSize:   cfg.RetrySweepBatchSize,
			Concurrency: cfg.RetrySweepConcurrency,
			Retention:   cfg.SyncRetention,
			Policy:      deps.SyncManager.Policy(),
		},
		deps.SyncRecordRepo,
		deps.SyncManager,
		deps.Collector,
		deps.Collector,
	)
	return &App{Deps: deps, Retry: retry}, cleanup, nil
}

// Worker runs the background side: the retry sweep, alert evaluation and,
// with Redis, the reminder stream intake.
type Worker struct {
	app      *App
	alerts   *worker.AlertEvaluator
	consumer *messaging.Consumer
}

func NewWorker(app *App) *Worker {
	deps := app.Deps
	cfg := deps.Config

	w := &Worker{
		app:    app,
		alerts: worker.NewAlertEvaluator(deps.Collector, deps.Alerting, deps.SyncRecordRepo, cfg.AlertEvalInterval),
	}

	if deps.Redis != nil && cfg.StreamIntakeEnabled {
		w.consumer = messaging.NewConsumer(deps.Redis, messaging.ConsumerConfig{
			Group:         cfg.ConsumerGroup,
			Consumer:      cfg.WorkerID,
			Streams:       []string{messaging.StreamReminderSync},
			Handler:       worker.NewReminderStreamHandler(deps.SyncManager),
			Logger:        logger.WithField("component", "stream").Zerolog(),
			MaxDeliveries: cfg.ConsumerMaxDeliveries,
		})
	}
	return w
}

// Run starts every component and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.app.Retry.Start()
	defer w.app.Retry.Stop()

	w.alerts.Start()
	defer w.alerts.Stop()

	logger.Info("[Worker.Run] started (stream intake: %v)", w.consumer != nil)

	if w.consumer != nil {
		if err := w.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	<-ctx.Done()
	return nil
}
