package aggregation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/bulk-export/internal/queue"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
	"github.com/cuongbtq/bulk-export/shared/logger"
)

// BatchProcessor runs one claimed batch. *Processor satisfies it.
type BatchProcessor interface {
	Process(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string, stopping func() bool) error
}

// EngineConfig holds engine configuration
type EngineConfig struct {
	AggregatorID      string
	Queue             queue.Queue
	Processor         BatchProcessor
	Health            *HealthState
	Metrics           *Metrics
	Logger            *logger.Logger
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Engine is one claim-process-report loop with its own aggregator id.
type Engine struct {
	aggregatorID      string
	queue             queue.Queue
	processor         BatchProcessor
	health            *HealthState
	metrics           *Metrics
	logger            *logger.Logger
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	stopped atomic.Bool
	wake    chan struct{}
}

// NewEngine creates an engine
func NewEngine(cfg *EngineConfig) *Engine {
	e := &Engine{
		aggregatorID:      cfg.AggregatorID,
		queue:             cfg.Queue,
		processor:         cfg.Processor,
		health:            cfg.Health,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger.With(slog.String("aggregator_id", cfg.AggregatorID)),
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		wake:              make(chan struct{}, 1),
	}
	if e.health == nil {
		e.health = NewHealthState()
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 5 * time.Second
	}
	if e.heartbeatInterval <= 0 {
		e.heartbeatInterval = 30 * time.Second
	}
	return e
}

// AggregatorID returns the id the engine leases batches under.
func (e *Engine) AggregatorID() string {
	return e.aggregatorID
}

// Run claims and processes batches until Stop is called or ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Aggregation engine started",
		slog.Duration("poll_interval", e.pollInterval),
	)

	for !e.stopped.Load() {
		if !e.health.Healthy(e.aggregatorID) {
			e.logger.Warn("Engine unhealthy, not claiming")
			if !e.wait(ctx) {
				break
			}
			continue
		}

		batch, err := e.queue.ClaimBatch(ctx, e.aggregatorID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.logger.Error("Failed to claim batch", slog.Any("error", err))
		}
		if batch == nil {
			if !e.wait(ctx) {
				break
			}
			continue
		}

		e.processBatch(ctx, batch)
	}

	e.logger.Info("Aggregation engine stopped")
	return ctx.Err()
}

// Stop asks the loop to exit. A batch in progress is paused at its next checkpoint.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	e.Wake()
}

// Wake ends the current idle wait early.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) stopping() bool {
	return e.stopped.Load()
}

// wait idles for one poll interval. It returns false when ctx is done.
func (e *Engine) wait(ctx context.Context) bool {
	timer := time.NewTimer(e.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-e.wake:
	}
	return true
}

// processBatch runs one batch and reports the outcome to the queue. The
// batch logger only lives in the context passed down from here.
func (e *Engine) processBatch(ctx context.Context, batch *domain.JobQueueBatch) {
	log := e.logger.With(
		slog.String("job_id", batch.JobID),
		slog.String("batch_id", batch.BatchID),
		slog.String("provider_id", batch.ProviderID),
	)
	ctx = logger.NewContext(ctx, log)

	log.Info("Processing batch",
		slog.Int("patients", len(batch.Patients)),
		slog.Int("patients_processed", batch.PatientsProcessed()),
		slog.Int("run_count", batch.RunCount),
	)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.heartbeat(hbCtx, batch.BatchID)
	}()

	err := e.processor.Process(ctx, batch, e.aggregatorID, e.stopping)

	stopHeartbeat()
	wg.Wait()

	switch {
	case err == nil:
		if err := e.queue.CompleteBatch(ctx, batch, e.aggregatorID); err != nil {
			log.Error("Failed to complete batch", slog.Any("error", err))
			return
		}
		e.metrics.batchFinished(domain.JobStatusCompleted)
		log.Info("Batch completed", slog.Any("results", batch.Results))

	case errors.Is(err, ErrBatchPaused):
		if err := e.queue.PauseBatch(ctx, batch, e.aggregatorID); err != nil {
			log.Error("Failed to pause batch", slog.Any("error", err))
			return
		}
		e.metrics.batchFinished(domain.JobStatusPaused)
		log.Info("Batch paused")

	case ctx.Err() != nil:
		// The lease expires and the stuck-batch sweep requeues the batch.
		log.Warn("Batch abandoned on shutdown", slog.Any("error", err))

	default:
		log.Error("Batch failed", slog.Any("error", err))
		if err := e.queue.FailBatch(ctx, batch, e.aggregatorID); err != nil {
			log.Error("Failed to mark batch failed", slog.Any("error", err))
			return
		}
		e.metrics.batchFinished(domain.JobStatusFailed)
	}
}

func (e *Engine) heartbeat(ctx context.Context, batchID string) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.queue.Heartbeat(ctx, batchID, e.aggregatorID); err != nil && ctx.Err() == nil {
				logger.FromContext(ctx, e.logger).Warn("Heartbeat failed", slog.Any("error", err))
			}
		}
	}
}
