package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// MemoryQueue keeps batches in a map behind one mutex. It serves tests and
// single-process deployments; callers only ever see copies.
type MemoryQueue struct {
	mu      sync.Mutex
	batches map[string]*domain.JobQueueBatch

	opts    Options
	builder jobBuilder
	logger  *slog.Logger
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts Options, logger *slog.Logger) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		batches: make(map[string]*domain.JobQueueBatch),
		opts:    opts,
		builder: newJobBuilder(opts),
		logger:  logger,
	}
}

// CreateJob partitions req and submits its batches.
func (q *MemoryQueue) CreateJob(ctx context.Context, req JobRequest) (string, error) {
	jobID, batches, err := q.builder.build(req)
	if err != nil {
		return "", err
	}
	if err := q.SubmitJobBatches(ctx, batches); err != nil {
		return "", err
	}

	q.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.Int("batches", len(batches)),
		slog.Int("patients", len(req.PatientIDs)),
	)
	return jobID, nil
}

// SubmitJobBatches validates every batch before inserting any.
func (q *MemoryQueue) SubmitJobBatches(_ context.Context, batches []*domain.JobQueueBatch) error {
	if err := validateBatches(batches); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range batches {
		if _, exists := q.batches[b.BatchID]; exists {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateBatch, b.BatchID)
		}
	}
	for _, b := range batches {
		q.batches[b.BatchID] = b.Clone()
	}
	return nil
}

// GetBatch returns a copy of the batch.
func (q *MemoryQueue) GetBatch(_ context.Context, batchID string) (*domain.JobQueueBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return b.Clone(), nil
}

// GetJobBatches returns every batch of the job ordered by batch id.
func (q *MemoryQueue) GetJobBatches(ctx context.Context, jobID string) ([]*domain.JobQueueBatch, error) {
	return q.ListJobBatches(ctx, jobID, "", 0)
}

// ListJobBatches returns up to limit batches after afterBatchID. limit <= 0 means all.
func (q *MemoryQueue) ListJobBatches(_ context.Context, jobID, afterBatchID string, limit int) ([]*domain.JobQueueBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*domain.JobQueueBatch
	for _, b := range q.batches {
		if b.JobID == jobID && b.BatchID > afterBatchID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetJobBatchFile finds a file by name among the organization's batches.
func (q *MemoryQueue) GetJobBatchFile(_ context.Context, orgID, fileName string) (*domain.JobQueueBatchFile, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.batches {
		if b.OrgID != orgID {
			continue
		}
		for _, f := range b.Files {
			if f.FileName == fileName {
				file := f.Clone()
				return &file, nil
			}
		}
	}
	return nil, domain.ErrFileNotFound
}

// ClaimBatch sweeps stuck leases and leases the most urgent claimable batch.
func (q *MemoryQueue) ClaimBatch(_ context.Context, aggregatorID string) (*domain.JobQueueBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	q.sweepStuckLocked(now)

	var next *domain.JobQueueBatch
	for _, b := range q.batches {
		if !b.Status.Claimable() {
			continue
		}
		if next == nil || claimsBefore(b, next) {
			next = b
		}
	}
	if next == nil {
		return nil, nil
	}

	if err := next.SetRunningStatus(aggregatorID, now); err != nil {
		q.logger.Error("Failed to start claimed batch, marking it failed",
			slog.String("batch_id", next.BatchID),
			slog.Any("error", err),
		)
		_ = next.SetFailedStatus(now)
		return nil, nil
	}

	q.opts.Metrics.observeWait(now.Sub(next.SubmitTime))
	logClaimed(q.logger, next, aggregatorID)
	return next.Clone(), nil
}

func claimsBefore(a, b *domain.JobQueueBatch) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.SubmitTime.Equal(b.SubmitTime) {
		return a.SubmitTime.Before(b.SubmitTime)
	}
	return a.BatchID < b.BatchID
}

func (q *MemoryQueue) sweepStuckLocked(now time.Time) {
	cutoff := now.Add(-q.opts.StuckBatchThreshold)
	recovered := 0
	for _, b := range q.batches {
		if b.Status == domain.JobStatusRunning && b.UpdateTime.Before(cutoff) {
			q.logger.Warn("Restarting stuck batch",
				slog.String("batch_id", b.BatchID),
				slog.String("aggregator_id", b.AggregatorID),
				slog.Time("update_time", b.UpdateTime),
			)
			b.Restart(now)
			recovered++
		}
	}
	q.opts.Metrics.incRecovered(recovered)
}

// Heartbeat refreshes the lease of a running batch owned by aggregatorID.
func (q *MemoryQueue) Heartbeat(_ context.Context, batchID, aggregatorID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.ownedLocked(batchID, aggregatorID)
	if err != nil {
		return err
	}
	stored.Touch(q.opts.Now())
	return nil
}

// PauseBatch checkpoints the batch and releases it.
func (q *MemoryQueue) PauseBatch(_ context.Context, batch *domain.JobQueueBatch, aggregatorID string) error {
	return q.update(batch, aggregatorID, func(b *domain.JobQueueBatch, now time.Time) error {
		return b.SetPausedStatus(aggregatorID, now)
	})
}

// CompletePartialBatch persists progress and merges the pending result delta.
func (q *MemoryQueue) CompletePartialBatch(_ context.Context, batch *domain.JobQueueBatch, aggregatorID string) error {
	start := time.Now()
	defer func() { q.opts.Metrics.observePartial(time.Since(start)) }()

	return q.update(batch, aggregatorID, func(b *domain.JobQueueBatch, now time.Time) error {
		b.Touch(now)
		return nil
	})
}

// CompleteBatch persists final progress and marks the batch COMPLETED.
func (q *MemoryQueue) CompleteBatch(_ context.Context, batch *domain.JobQueueBatch, aggregatorID string) error {
	return q.update(batch, aggregatorID, func(b *domain.JobQueueBatch, now time.Time) error {
		if err := b.SetCompletedStatus(aggregatorID, now); err != nil {
			return err
		}
		q.opts.Metrics.observeSuccess(sinceStart(b.StartTime, now))
		return nil
	})
}

// FailBatch persists whatever progress exists and marks the batch FAILED.
func (q *MemoryQueue) FailBatch(_ context.Context, batch *domain.JobQueueBatch, aggregatorID string) error {
	return q.update(batch, aggregatorID, func(b *domain.JobQueueBatch, now time.Time) error {
		if err := b.SetFailedStatus(now); err != nil {
			return err
		}
		q.opts.Metrics.observeFailure(sinceStart(b.StartTime, now))
		return nil
	})
}

// update applies the caller's progress to a copy of the stored batch, runs
// transition on it and swaps it in only when everything succeeded.
func (q *MemoryQueue) update(batch *domain.JobQueueBatch, aggregatorID string, transition func(*domain.JobQueueBatch, time.Time) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.ownedLocked(batch.BatchID, aggregatorID)
	if err != nil {
		return err
	}

	now := q.opts.Now()
	next := stored.Clone()
	merged := domain.AccumulateResults(stored.Results, batch.PendingResults())
	next.ApplyCheckpoint(merged)
	next.PatientIndex = batch.Clone().PatientIndex
	next.Files = batch.Clone().Files

	if err := transition(next, now); err != nil {
		return domain.NewJobQueueFailure(batch, "transition rejected", err)
	}

	q.batches[next.BatchID] = next
	*batch = *next.Clone()
	return nil
}

func (q *MemoryQueue) ownedLocked(batchID, aggregatorID string) (*domain.JobQueueBatch, error) {
	stored, ok := q.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	if stored.Status != domain.JobStatusRunning {
		return nil, fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, batchID, stored.Status)
	}
	if err := stored.VerifyAggregatorID(aggregatorID); err != nil {
		return nil, err
	}
	return stored, nil
}

// RestartBatch requeues a batch with its progress discarded.
func (q *MemoryQueue) RestartBatch(_ context.Context, batchID string, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	if stored.Status != domain.JobStatusFailed && !force {
		return fmt.Errorf("%w: batch %s is %s", domain.ErrBatchNotFailed, batchID, stored.Status)
	}
	stored.Restart(q.opts.Now())
	return nil
}

// QueueSize counts claimable batches.
func (q *MemoryQueue) QueueSize(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, b := range q.batches {
		if b.Status.Claimable() {
			n++
		}
	}
	return n, nil
}

// QueueAge is the time since the oldest claimable batch was submitted.
func (q *MemoryQueue) QueueAge(_ context.Context) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest time.Time
	for _, b := range q.batches {
		if !b.Status.Claimable() {
			continue
		}
		if oldest.IsZero() || b.SubmitTime.Before(oldest) {
			oldest = b.SubmitTime
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return q.opts.Now().Sub(oldest), nil
}

// AssertHealthy fails when aggregatorID holds a lease it stopped refreshing.
func (q *MemoryQueue) AssertHealthy(_ context.Context, aggregatorID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.opts.Now().Add(-q.opts.UnhealthyThreshold)
	for _, b := range q.batches {
		if b.Status == domain.JobStatusRunning && b.AggregatorID == aggregatorID && b.UpdateTime.Before(cutoff) {
			return fmt.Errorf("%w: aggregator %s is not making progress on batch %s", domain.ErrQueueUnhealthy, aggregatorID, b.BatchID)
		}
	}
	return nil
}
