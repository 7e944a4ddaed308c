// Package queue is the durable, lease-based batch queue shared by the API
// and the aggregation workers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// Queue is the batch store contract. Implementations must make ClaimBatch
// safe to call from many workers at once.
type Queue interface {
	// CreateJob partitions a request into batches and submits them atomically.
	CreateJob(ctx context.Context, req JobRequest) (string, error)
	// SubmitJobBatches inserts every batch or none of them.
	SubmitJobBatches(ctx context.Context, batches []*domain.JobQueueBatch) error

	GetBatch(ctx context.Context, batchID string) (*domain.JobQueueBatch, error)
	GetJobBatches(ctx context.Context, jobID string) ([]*domain.JobQueueBatch, error)
	// ListJobBatches pages through a job's batches ordered by batch id.
	ListJobBatches(ctx context.Context, jobID, afterBatchID string, limit int) ([]*domain.JobQueueBatch, error)
	GetJobBatchFile(ctx context.Context, orgID, fileName string) (*domain.JobQueueBatchFile, error)

	// ClaimBatch recovers stuck leases and then leases the most urgent
	// eligible batch to aggregatorID. It returns nil, nil when there is none.
	ClaimBatch(ctx context.Context, aggregatorID string) (*domain.JobQueueBatch, error)
	Heartbeat(ctx context.Context, batchID, aggregatorID string) error
	PauseBatch(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string) error
	CompletePartialBatch(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string) error
	CompleteBatch(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string) error
	FailBatch(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string) error
	// RestartBatch requeues a FAILED batch from scratch, or a batch in any
	// state when force is set. Used for manual resubmission.
	RestartBatch(ctx context.Context, batchID string, force bool) error

	QueueSize(ctx context.Context) (int64, error)
	QueueAge(ctx context.Context) (time.Duration, error)
	AssertHealthy(ctx context.Context, aggregatorID string) error
}

// JobRequest is everything intake hands over when an export is accepted.
type JobRequest struct {
	OrgID           string
	OrgNPI          string
	ProviderID      string
	ProviderNPI     string
	PatientIDs      []string
	ResourceTypes   []domain.ResourceType
	Since           *time.Time
	TransactionTime time.Time
	EncryptionKey   string
	RequestingIP    string
	RequestURL      string
	IsBulk          bool
}

// Options configures both queue implementations.
type Options struct {
	BatchSize           int
	StuckBatchThreshold time.Duration
	UnhealthyThreshold  time.Duration
	Metrics             *Metrics
	// Now defaults to time.Now; tests override it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.StuckBatchThreshold <= 0 {
		o.StuckBatchThreshold = 5 * time.Minute
	}
	if o.UnhealthyThreshold <= 0 {
		o.UnhealthyThreshold = 3 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// jobBuilder turns a JobRequest into batches. Both stores share it.
type jobBuilder struct {
	batchSize int
	now       func() time.Time
	newID     func() string
}

func newJobBuilder(opts Options) jobBuilder {
	return jobBuilder{
		batchSize: opts.BatchSize,
		now:       opts.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

func (b jobBuilder) build(req JobRequest) (string, []*domain.JobQueueBatch, error) {
	if req.OrgID == "" {
		return "", nil, fmt.Errorf("organization id is required")
	}

	types := req.ResourceTypes
	if len(types) == 0 {
		types = domain.ExportResourceTypes
	}
	for _, rt := range types {
		if !rt.Exportable() {
			return "", nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedResourceType, rt)
		}
	}

	now := b.now().UTC()
	transactionTime := req.TransactionTime
	if transactionTime.IsZero() {
		transactionTime = now
	}

	priority := domain.PriorityMultiPatient
	if len(req.PatientIDs) == 1 {
		priority = domain.PrioritySinglePatient
	}

	jobID := b.newID()
	chunks := partition(req.PatientIDs, b.batchSize)

	// Nothing can have changed since the transaction time, so the job is
	// a single empty batch that completes without output.
	if req.Since != nil && !req.Since.Before(transactionTime) {
		chunks = [][]string{{}}
	}

	batches := make([]*domain.JobQueueBatch, 0, len(chunks))
	for _, patients := range chunks {
		batches = append(batches, &domain.JobQueueBatch{
			BatchID:         b.newID(),
			JobID:           jobID,
			OrgID:           req.OrgID,
			OrgNPI:          req.OrgNPI,
			ProviderID:      req.ProviderID,
			ProviderNPI:     req.ProviderNPI,
			Patients:        patients,
			ResourceTypes:   append([]domain.ResourceType(nil), types...),
			Since:           req.Since,
			TransactionTime: transactionTime,
			EncryptionKey:   req.EncryptionKey,
			RequestingIP:    req.RequestingIP,
			RequestURL:      req.RequestURL,
			IsBulk:          req.IsBulk,
			Priority:        priority,
			Status:          domain.JobStatusQueued,
			SubmitTime:      now,
			UpdateTime:      now,
		})
	}

	return jobID, batches, nil
}

// partition splits ids into chunks of at most size. No ids yields one empty chunk.
func partition(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return [][]string{{}}
	}

	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, append([]string(nil), ids[start:end]...))
	}
	return chunks
}

func validateBatches(batches []*domain.JobQueueBatch) error {
	if len(batches) == 0 {
		return fmt.Errorf("%w: nothing to submit", domain.ErrNoBatches)
	}
	seen := make(map[string]bool, len(batches))
	for _, b := range batches {
		if b.BatchID == "" || b.JobID == "" {
			return fmt.Errorf("batch and job ids are required")
		}
		if seen[b.BatchID] {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateBatch, b.BatchID)
		}
		seen[b.BatchID] = true
	}
	return nil
}

func logClaimed(logger *slog.Logger, b *domain.JobQueueBatch, aggregatorID string) {
	logger.Info("Batch claimed",
		slog.String("job_id", b.JobID),
		slog.String("batch_id", b.BatchID),
		slog.String("aggregator_id", aggregatorID),
		slog.Int("priority", b.Priority),
		slog.Int("run_count", b.RunCount),
	)
}
