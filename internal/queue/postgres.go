package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the queue tables when they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply queue schema: %w", err)
	}
	return nil
}

const batchColumns = `batch_id, job_id, organization_id, organization_npi, provider_id, provider_npi,
	patients, patient_index, resource_types, since, transaction_time, encryption_key,
	requesting_ip, request_url, is_bulk, priority, status, aggregator_id,
	submit_time, start_time, update_time, complete_time, run_count`

const (
	insertBatchQuery = `
		INSERT INTO job_queue_batch (` + batchColumns + `)
		VALUES (:batch_id, :job_id, :organization_id, :organization_npi, :provider_id, :provider_npi,
			:patients, :patient_index, :resource_types, :since, :transaction_time, :encryption_key,
			:requesting_ip, :request_url, :is_bulk, :priority, :status, :aggregator_id,
			:submit_time, :start_time, :update_time, :complete_time, :run_count)
	`

	selectStuckQuery = `
		SELECT batch_id FROM job_queue_batch
		WHERE status = $1 AND update_time < $2
		FOR UPDATE SKIP LOCKED
	`

	claimQuery = `
		SELECT ` + batchColumns + ` FROM job_queue_batch
		WHERE status IN ($1, $2)
		ORDER BY priority ASC, submit_time ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	restartQuery = `
		UPDATE job_queue_batch
		SET status = $1,
		    aggregator_id = NULL,
		    patient_index = NULL,
		    start_time = NULL,
		    complete_time = NULL,
		    run_count = run_count + 1,
		    update_time = GREATEST(update_time, $2)
		WHERE batch_id = ANY($3)
	`

	saveBatchQuery = `
		UPDATE job_queue_batch
		SET status = $1,
		    aggregator_id = $2,
		    patient_index = $3,
		    start_time = $4,
		    update_time = GREATEST(update_time, $5),
		    complete_time = $6,
		    run_count = $7
		WHERE batch_id = $8
	`

	upsertResultQuery = `
		INSERT INTO job_queue_batch_result (batch_id, resource_type, count, error_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id, resource_type)
		DO UPDATE SET count = EXCLUDED.count, error_count = EXCLUDED.error_count
	`

	upsertFileQuery = `
		INSERT INTO job_queue_batch_file (batch_id, resource_type, sequence, job_id, file_name, count, checksum, file_length)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (batch_id, resource_type, sequence)
		DO UPDATE SET file_name = EXCLUDED.file_name, count = EXCLUDED.count,
		              checksum = EXCLUDED.checksum, file_length = EXCLUDED.file_length
	`

	selectResultsQuery = `
		SELECT batch_id, resource_type, count, error_count
		FROM job_queue_batch_result
		WHERE batch_id = ANY($1)
		ORDER BY batch_id, resource_type
	`

	selectFilesQuery = `
		SELECT batch_id, resource_type, sequence, job_id, file_name, count, checksum, file_length
		FROM job_queue_batch_file
		WHERE batch_id = ANY($1)
		ORDER BY batch_id, resource_type, sequence
	`

	heartbeatQuery = `
		UPDATE job_queue_batch
		SET update_time = GREATEST(update_time, $1)
		WHERE batch_id = $2 AND status = $3 AND aggregator_id = $4
	`

	uniqueViolation = "23505"
)

// batchRow is the job_queue_batch row as sqlx scans it.
type batchRow struct {
	BatchID         string         `db:"batch_id"`
	JobID           string         `db:"job_id"`
	OrgID           string         `db:"organization_id"`
	OrgNPI          sql.NullString `db:"organization_npi"`
	ProviderID      sql.NullString `db:"provider_id"`
	ProviderNPI     sql.NullString `db:"provider_npi"`
	Patients        pq.StringArray `db:"patients"`
	PatientIndex    sql.NullInt64  `db:"patient_index"`
	ResourceTypes   pq.StringArray `db:"resource_types"`
	Since           sql.NullTime   `db:"since"`
	TransactionTime time.Time      `db:"transaction_time"`
	EncryptionKey   sql.NullString `db:"encryption_key"`
	RequestingIP    sql.NullString `db:"requesting_ip"`
	RequestURL      sql.NullString `db:"request_url"`
	IsBulk          bool           `db:"is_bulk"`
	Priority        int            `db:"priority"`
	Status          string         `db:"status"`
	AggregatorID    sql.NullString `db:"aggregator_id"`
	SubmitTime      time.Time      `db:"submit_time"`
	StartTime       sql.NullTime   `db:"start_time"`
	UpdateTime      time.Time      `db:"update_time"`
	CompleteTime    sql.NullTime   `db:"complete_time"`
	RunCount        int            `db:"run_count"`
}

type resultRow struct {
	BatchID      string `db:"batch_id"`
	ResourceType string `db:"resource_type"`
	Count        int    `db:"count"`
	ErrorCount   int    `db:"error_count"`
}

type fileRow struct {
	BatchID      string `db:"batch_id"`
	ResourceType string `db:"resource_type"`
	Sequence     int    `db:"sequence"`
	JobID        string `db:"job_id"`
	FileName     string `db:"file_name"`
	Count        int    `db:"count"`
	Checksum     []byte `db:"checksum"`
	FileLength   int64  `db:"file_length"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullIndex(idx *int) sql.NullInt64 {
	if idx == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*idx), Valid: true}
}

func toRow(b *domain.JobQueueBatch) batchRow {
	types := make(pq.StringArray, len(b.ResourceTypes))
	for i, rt := range b.ResourceTypes {
		types[i] = string(rt)
	}
	patients := pq.StringArray(b.Patients)
	if patients == nil {
		patients = pq.StringArray{}
	}

	return batchRow{
		BatchID:         b.BatchID,
		JobID:           b.JobID,
		OrgID:           b.OrgID,
		OrgNPI:          nullString(b.OrgNPI),
		ProviderID:      nullString(b.ProviderID),
		ProviderNPI:     nullString(b.ProviderNPI),
		Patients:        patients,
		PatientIndex:    nullIndex(b.PatientIndex),
		ResourceTypes:   types,
		Since:           nullTime(b.Since),
		TransactionTime: b.TransactionTime,
		EncryptionKey:   nullString(b.EncryptionKey),
		RequestingIP:    nullString(b.RequestingIP),
		RequestURL:      nullString(b.RequestURL),
		IsBulk:          b.IsBulk,
		Priority:        b.Priority,
		Status:          string(b.Status),
		AggregatorID:    nullString(b.AggregatorID),
		SubmitTime:      b.SubmitTime,
		StartTime:       nullTime(b.StartTime),
		UpdateTime:      b.UpdateTime,
		CompleteTime:    nullTime(b.CompleteTime),
		RunCount:        b.RunCount,
	}
}

func (r batchRow) toDomain() *domain.JobQueueBatch {
	types := make([]domain.ResourceType, len(r.ResourceTypes))
	for i, rt := range r.ResourceTypes {
		types[i] = domain.ResourceType(rt)
	}

	b := &domain.JobQueueBatch{
		BatchID:         r.BatchID,
		JobID:           r.JobID,
		OrgID:           r.OrgID,
		OrgNPI:          r.OrgNPI.String,
		ProviderID:      r.ProviderID.String,
		ProviderNPI:     r.ProviderNPI.String,
		Patients:        []string(r.Patients),
		ResourceTypes:   types,
		Since:           timePtr(r.Since),
		TransactionTime: r.TransactionTime,
		EncryptionKey:   r.EncryptionKey.String,
		RequestingIP:    r.RequestingIP.String,
		RequestURL:      r.RequestURL.String,
		IsBulk:          r.IsBulk,
		Priority:        r.Priority,
		Status:          domain.JobStatus(r.Status),
		AggregatorID:    r.AggregatorID.String,
		SubmitTime:      r.SubmitTime,
		StartTime:       timePtr(r.StartTime),
		UpdateTime:      r.UpdateTime,
		CompleteTime:    timePtr(r.CompleteTime),
		RunCount:        r.RunCount,
	}
	if r.PatientIndex.Valid {
		idx := int(r.PatientIndex.Int64)
		b.PatientIndex = &idx
	}
	return b
}

func (r fileRow) toDomain() domain.JobQueueBatchFile {
	return domain.JobQueueBatchFile{
		BatchID:      r.BatchID,
		JobID:        r.JobID,
		ResourceType: domain.ResourceType(r.ResourceType),
		Sequence:     r.Sequence,
		FileName:     r.FileName,
		Count:        r.Count,
		Checksum:     r.Checksum,
		FileLength:   r.FileLength,
	}
}

// DistributedQueue is the PostgreSQL batch store. Row locks taken with
// FOR UPDATE SKIP LOCKED keep concurrent workers off each other's batches.
type DistributedQueue struct {
	db      *sqlx.DB
	opts    Options
	builder jobBuilder
	logger  *slog.Logger
}

var _ Queue = (*DistributedQueue)(nil)

// NewDistributedQueue creates a queue on db.
func NewDistributedQueue(db *sqlx.DB, opts Options, logger *slog.Logger) *DistributedQueue {
	opts = opts.withDefaults()
	return &DistributedQueue{
		db:      db,
		opts:    opts,
		builder: newJobBuilder(opts),
		logger:  logger,
	}
}

func (q *DistributedQueue) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			q.logger.Error("Failed to roll back transaction", slog.Any("error", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateJob partitions req and submits its batches in one transaction.
func (q *DistributedQueue) CreateJob(ctx context.Context, req JobRequest) (string, error) {
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

// SubmitJobBatches inserts every batch inside one transaction.
func (q *DistributedQueue) SubmitJobBatches(ctx context.Context, batches []*domain.JobQueueBatch) error {
	if err := validateBatches(batches); err != nil {
		return err
	}

	return q.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, b := range batches {
			if _, err := tx.NamedExecContext(ctx, insertBatchQuery, toRow(b)); err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
					return fmt.Errorf("%w: %s", domain.ErrDuplicateBatch, b.BatchID)
				}
				return fmt.Errorf("failed to insert batch %s: %w", b.BatchID, err)
			}
		}
		return nil
	})
}

func (q *DistributedQueue) getBatch(ctx context.Context, ext sqlx.QueryerContext, batchID string, forUpdate bool) (*domain.JobQueueBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM job_queue_batch WHERE batch_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row batchRow
	if err := sqlx.GetContext(ctx, ext, &row, query, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	b := row.toDomain()
	if err := q.loadChildren(ctx, ext, b); err != nil {
		return nil, err
	}
	return b, nil
}

// loadChildren fills results and files for batches with two queries.
func (q *DistributedQueue) loadChildren(ctx context.Context, ext sqlx.QueryerContext, batches ...*domain.JobQueueBatch) error {
	if len(batches) == 0 {
		return nil
	}

	ids := make([]string, len(batches))
	byID := make(map[string]*domain.JobQueueBatch, len(batches))
	for i, b := range batches {
		ids[i] = b.BatchID
		byID[b.BatchID] = b
	}

	var results []resultRow
	if err := sqlx.SelectContext(ctx, ext, &results, selectResultsQuery, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load batch results: %w", err)
	}
	for _, r := range results {
		if b, ok := byID[r.BatchID]; ok {
			b.Results = append(b.Results, domain.JobResult{
				ResourceType: domain.ResourceType(r.ResourceType),
				Count:        r.Count,
				ErrorCount:   r.ErrorCount,
			})
		}
	}

	var files []fileRow
	if err := sqlx.SelectContext(ctx, ext, &files, selectFilesQuery, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load batch files: %w", err)
	}
	for _, f := range files {
		if b, ok := byID[f.BatchID]; ok {
			b.Files = append(b.Files, f.toDomain())
		}
	}
	return nil
}

// GetBatch returns the batch with its results and files.
func (q *DistributedQueue) GetBatch(ctx context.Context, batchID string) (*domain.JobQueueBatch, error) {
	return q.getBatch(ctx, q.db, batchID, false)
}

// GetJobBatches returns every batch of the job ordered by batch id.
func (q *DistributedQueue) GetJobBatches(ctx context.Context, jobID string) ([]*domain.JobQueueBatch, error) {
	return q.ListJobBatches(ctx, jobID, "", 0)
}

// ListJobBatches returns up to limit batches after afterBatchID. limit <= 0 means all.
func (q *DistributedQueue) ListJobBatches(ctx context.Context, jobID, afterBatchID string, limit int) ([]*domain.JobQueueBatch, error) {
	query := `
		SELECT ` + batchColumns + ` FROM job_queue_batch
		WHERE job_id = $1 AND batch_id::text > $2
		ORDER BY batch_id::text
		LIMIT $3
	`

	var rows []batchRow
	limitArg := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	if err := sqlx.SelectContext(ctx, q.db, &rows, query, jobID, afterBatchID, limitArg); err != nil {
		return nil, fmt.Errorf("failed to list job batches: %w", err)
	}

	batches := make([]*domain.JobQueueBatch, len(rows))
	for i, r := range rows {
		batches[i] = r.toDomain()
	}
	if err := q.loadChildren(ctx, q.db, batches...); err != nil {
		return nil, err
	}
	return batches, nil
}

// GetJobBatchFile finds a file by name among the organization's batches.
func (q *DistributedQueue) GetJobBatchFile(ctx context.Context, orgID, fileName string) (*domain.JobQueueBatchFile, error) {
	query := `
		SELECT f.batch_id, f.resource_type, f.sequence, f.job_id, f.file_name, f.count, f.checksum, f.file_length
		FROM job_queue_batch_file f
		JOIN job_queue_batch b ON b.batch_id = f.batch_id
		WHERE f.file_name = $1 AND b.organization_id = $2
	`

	var row fileRow
	if err := sqlx.GetContext(ctx, q.db, &row, query, fileName, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get batch file: %w", err)
	}

	f := row.toDomain()
	return &f, nil
}

// ClaimBatch requeues stuck batches and leases the most urgent claimable
// batch, all inside one transaction.
func (q *DistributedQueue) ClaimBatch(ctx context.Context, aggregatorID string) (*domain.JobQueueBatch, error) {
	now := q.opts.Now()
	var claimed *domain.JobQueueBatch

	err := q.withTx(ctx, func(tx *sqlx.Tx) error {
		// Step 1: recover leases nobody has refreshed
		var stuck []string
		cutoff := now.Add(-q.opts.StuckBatchThreshold)
		if err := tx.SelectContext(ctx, &stuck, selectStuckQuery, domain.JobStatusRunning, cutoff); err != nil {
			return fmt.Errorf("failed to find stuck batches: %w", err)
		}
		if len(stuck) > 0 {
			q.logger.Warn("Restarting stuck batches",
				slog.Int("count", len(stuck)),
				slog.Any("batch_ids", stuck),
			)
			if err := q.restartTx(ctx, tx, stuck, now); err != nil {
				return err
			}
			q.opts.Metrics.incRecovered(len(stuck))
		}

		// Step 2: lock the next eligible batch
		var row batchRow
		err := tx.GetContext(ctx, &row, claimQuery, domain.JobStatusQueued, domain.JobStatusPaused)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next batch: %w", err)
		}

		b := row.toDomain()
		if err := q.loadChildren(ctx, tx, b); err != nil {
			return err
		}

		// Step 3: a batch that cannot start is parked as failed
		if err := b.SetRunningStatus(aggregatorID, now); err != nil {
			q.logger.Error("Failed to start claimed batch, marking it failed",
				slog.String("batch_id", b.BatchID),
				slog.Any("error", err),
			)
			if failErr := b.SetFailedStatus(now); failErr != nil {
				return failErr
			}
			return q.saveTx(ctx, tx, b)
		}

		if err := q.saveTx(ctx, tx, b); err != nil {
			return err
		}
		claimed = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		q.opts.Metrics.observeWait(now.Sub(claimed.SubmitTime))
		logClaimed(q.logger, claimed, aggregatorID)
	}
	return claimed, nil
}

func (q *DistributedQueue) restartTx(ctx context.Context, tx *sqlx.Tx, batchIDs []string, now time.Time) error {
	ids := pq.Array(batchIDs)
	if _, err := tx.ExecContext(ctx, restartQuery, domain.JobStatusQueued, now, ids); err != nil {
		return fmt.Errorf("failed to restart batches: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_queue_batch_result WHERE batch_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to clear batch results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_queue_batch_file WHERE batch_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to clear batch files: %w", err)
	}
	return nil
}

// saveTx writes the mutable lease columns, result totals and file entries of b.
func (q *DistributedQueue) saveTx(ctx context.Context, tx *sqlx.Tx, b *domain.JobQueueBatch) error {
	_, err := tx.ExecContext(ctx, saveBatchQuery,
		b.Status,
		nullString(b.AggregatorID),
		nullIndex(b.PatientIndex),
		nullTime(b.StartTime),
		b.UpdateTime,
		nullTime(b.CompleteTime),
		b.RunCount,
		b.BatchID,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch %s: %w", b.BatchID, err)
	}

	for _, r := range b.Results {
		if _, err := tx.ExecContext(ctx, upsertResultQuery, b.BatchID, r.ResourceType, r.Count, r.ErrorCount); err != nil {
			return fmt.Errorf("failed to save batch result: %w", err)
		}
	}

	for _, f := range b.Files {
		_, err := tx.ExecContext(ctx, upsertFileQuery,
			b.BatchID, f.ResourceType, f.Sequence, b.JobID, f.FileName, f.Count, f.Checksum, f.FileLength)
		if err != nil {
			return fmt.Errorf("failed to save batch file %s: %w", f.FileName, err)
		}
	}
	return nil
}

// Heartbeat refreshes the lease of a running batch owned by aggregatorID.
func (q *DistributedQueue) Heartbeat(ctx context.Context, batchID, aggregatorID string) error {
	res, err := q.db.ExecContext(ctx, heartbeatQuery, q.opts.Now(), batchID, domain.JobStatusRunning, aggregatorID)
	if err != nil {
		return fmt.Errorf("failed to update batch heartbeat: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: lease on batch %s lost", domain.ErrNotOwner, batchID)
	}
	return nil
}

// PauseBatch checkpoints the batch and releases it.
func (q *DistributedQueue) PauseBatch(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string) error {
	return q.update(ctx, batch, aggregatorID, func(b *domain.JobQueueBatch, now time.Time) error {
		return b.SetPausedStatus(aggregatorID, now)
	})
}

// CompletePartialBatch persists progress and merges the pending result delta.
func (q *DistributedQueue) CompletePartialBatch(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string) error {
	start := time.Now()
	defer func() { q.opts.Metrics.observePartial(time.Since(start)) }()

	return q.update(ctx, batch, aggregatorID, func(b *domain.JobQueueBatch, now time.Time) error {
		b.Touch(now)
		return nil
	})
}

// CompleteBatch persists final progress and marks the batch COMPLETED.
func (q *DistributedQueue) CompleteBatch(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string) error {
	return q.update(ctx, batch, aggregatorID, func(b *domain.JobQueueBatch, now time.Time) error {
		if err := b.SetCompletedStatus(aggregatorID, now); err != nil {
			return err
		}
		q.opts.Metrics.observeSuccess(sinceStart(b.StartTime, now))
		return nil
	})
}

// FailBatch persists whatever progress exists and marks the batch FAILED.
func (q *DistributedQueue) FailBatch(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string) error {
	return q.update(ctx, batch, aggregatorID, func(b *domain.JobQueueBatch, now time.Time) error {
		if err := b.SetFailedStatus(now); err != nil {
			return err
		}
		q.opts.Metrics.observeFailure(sinceStart(b.StartTime, now))
		return nil
	})
}

// update locks the stored row, merges the caller's progress into it, runs
// transition and writes the result back in the same transaction.
func (q *DistributedQueue) update(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string, transition func(*domain.JobQueueBatch, time.Time) error) error {
	var updated *domain.JobQueueBatch

	err := q.withTx(ctx, func(tx *sqlx.Tx) error {
		stored, err := q.getBatch(ctx, tx, batch.BatchID, true)
		if err != nil {
			return err
		}
		if stored.Status != domain.JobStatusRunning {
			return fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, stored.BatchID, stored.Status)
		}
		if err := stored.VerifyAggregatorID(aggregatorID); err != nil {
			return err
		}

		now := q.opts.Now()
		next := stored.Clone()
		next.ApplyCheckpoint(domain.AccumulateResults(stored.Results, batch.PendingResults()))
		next.PatientIndex = batch.Clone().PatientIndex
		next.Files = batch.Clone().Files

		if err := transition(next, now); err != nil {
			return domain.NewJobQueueFailure(batch, "transition rejected", err)
		}
		if err := q.saveTx(ctx, tx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return err
	}

	*batch = *updated.Clone()
	return nil
}

// RestartBatch requeues a batch with its progress discarded.
func (q *DistributedQueue) RestartBatch(ctx context.Context, batchID string, force bool) error {
	return q.withTx(ctx, func(tx *sqlx.Tx) error {
		var status domain.JobStatus
		query := `SELECT status FROM job_queue_batch WHERE batch_id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &status, query, batchID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrBatchNotFound
			}
			return fmt.Errorf("failed to lock batch: %w", err)
		}
		if status != domain.JobStatusFailed && !force {
			return fmt.Errorf("%w: batch %s is %s", domain.ErrBatchNotFailed, batchID, status)
		}
		return q.restartTx(ctx, tx, []string{batchID}, q.opts.Now())
	})
}

// QueueSize counts claimable batches.
func (q *DistributedQueue) QueueSize(ctx context.Context) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM job_queue_batch WHERE status IN ($1, $2)`
	if err := q.db.GetContext(ctx, &n, query, domain.JobStatusQueued, domain.JobStatusPaused); err != nil {
		return 0, fmt.Errorf("failed to count queued batches: %w", err)
	}
	return n, nil
}

// QueueAge is the time since the oldest claimable batch was submitted.
func (q *DistributedQueue) QueueAge(ctx context.Context) (time.Duration, error) {
	var oldest sql.NullTime
	query := `SELECT MIN(submit_time) FROM job_queue_batch WHERE status IN ($1, $2)`
	if err := q.db.GetContext(ctx, &oldest, query, domain.JobStatusQueued, domain.JobStatusPaused); err != nil {
		return 0, fmt.Errorf("failed to get queue age: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return q.opts.Now().Sub(oldest.Time), nil
}

// AssertHealthy fails when aggregatorID holds a lease it stopped refreshing
// or when the database cannot be reached.
func (q *DistributedQueue) AssertHealthy(ctx context.Context, aggregatorID string) error {
	var stale int
	query := `
		SELECT COUNT(*) FROM job_queue_batch
		WHERE aggregator_id = $1 AND status = $2 AND update_time < $3
	`
	cutoff := q.opts.Now().Add(-q.opts.UnhealthyThreshold)
	if err := q.db.GetContext(ctx, &stale, query, aggregatorID, domain.JobStatusRunning, cutoff); err != nil {
		return fmt.Errorf("%w: database cluster is not responding: %v", domain.ErrQueueUnhealthy, err)
	}
	if stale > 0 {
		return fmt.Errorf("%w: aggregator %s is not making progress on the queue", domain.ErrQueueUnhealthy, aggregatorID)
	}
	return nil
}
