package domain

import (
	"fmt"
	"time"
)

// JobQueueBatch is the unit of leased work: a slice of one job's patients
// together with lease state and accumulated progress.
type JobQueueBatch struct {
	BatchID     string
	JobID       string
	OrgID       string
	OrgNPI      string
	ProviderID  string
	ProviderNPI string

	Patients        []string
	PatientIndex    *int // position of the last processed patient; nil before the first
	ResourceTypes   []ResourceType
	Since           *time.Time
	TransactionTime time.Time
	EncryptionKey   string // PEM RSA public key; empty disables encryption
	RequestingIP    string
	RequestURL      string
	IsBulk          bool

	Priority   int
	SubmitTime time.Time

	Status       JobStatus
	AggregatorID string
	StartTime    *time.Time
	UpdateTime   time.Time
	CompleteTime *time.Time
	RunCount     int

	Results []JobResult
	Files   []JobQueueBatchFile

	// pending is the result delta recorded since the last checkpoint.
	pending []JobResult
}

// Clone returns a deep copy, pending delta included.
func (b *JobQueueBatch) Clone() *JobQueueBatch {
	c := *b
	c.Patients = append([]string(nil), b.Patients...)
	c.ResourceTypes = append([]ResourceType(nil), b.ResourceTypes...)
	c.Results = append([]JobResult(nil), b.Results...)
	c.pending = append([]JobResult(nil), b.pending...)
	c.Files = make([]JobQueueBatchFile, len(b.Files))
	for i, f := range b.Files {
		c.Files[i] = f.Clone()
	}
	if b.PatientIndex != nil {
		idx := *b.PatientIndex
		c.PatientIndex = &idx
	}
	c.Since = cloneTime(b.Since)
	c.StartTime = cloneTime(b.StartTime)
	c.CompleteTime = cloneTime(b.CompleteTime)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PatientsProcessed returns how many patients have been worked through.
func (b *JobQueueBatch) PatientsProcessed() int {
	if b.PatientIndex == nil {
		return 0
	}
	return *b.PatientIndex + 1
}

// VerifyAggregatorID fails when the batch is leased by someone else.
func (b *JobQueueBatch) VerifyAggregatorID(aggregatorID string) error {
	if b.AggregatorID != aggregatorID {
		return fmt.Errorf("%w: batch %s held by %q", ErrNotOwner, b.BatchID, b.AggregatorID)
	}
	return nil
}

// NextPatient advances the patient cursor. ok is false once every patient has been handed out.
func (b *JobQueueBatch) NextPatient(aggregatorID string) (patient string, ok bool, err error) {
	if err := b.VerifyAggregatorID(aggregatorID); err != nil {
		return "", false, err
	}

	next := b.PatientsProcessed()
	if next >= len(b.Patients) {
		return "", false, nil
	}

	b.PatientIndex = &next
	return b.Patients[next], true, nil
}

// Touch moves the heartbeat forward. It never moves it back.
func (b *JobQueueBatch) Touch(now time.Time) {
	if now.After(b.UpdateTime) {
		b.UpdateTime = now
	}
}

// SetRunningStatus leases a QUEUED or PAUSED batch to aggregatorID.
func (b *JobQueueBatch) SetRunningStatus(aggregatorID string, now time.Time) error {
	if !b.Status.Claimable() {
		return fmt.Errorf("%w: cannot run batch in status %s", ErrInvalidTransition, b.Status)
	}
	if aggregatorID == "" {
		return fmt.Errorf("%w: aggregator id is required to run a batch", ErrInvalidTransition)
	}

	b.Status = JobStatusRunning
	b.AggregatorID = aggregatorID
	if b.StartTime == nil {
		start := now
		b.StartTime = &start
	}
	b.Touch(now)
	return nil
}

// SetPausedStatus releases a running batch so any worker can resume it.
func (b *JobQueueBatch) SetPausedStatus(aggregatorID string, now time.Time) error {
	if b.Status != JobStatusRunning {
		return fmt.Errorf("%w: cannot pause batch in status %s", ErrInvalidTransition, b.Status)
	}
	if err := b.VerifyAggregatorID(aggregatorID); err != nil {
		return err
	}

	b.Status = JobStatusPaused
	b.Touch(now)
	return nil
}

// SetCompletedStatus finishes a batch once all of its patients were processed.
func (b *JobQueueBatch) SetCompletedStatus(aggregatorID string, now time.Time) error {
	if b.Status != JobStatusRunning {
		return fmt.Errorf("%w: cannot complete batch in status %s", ErrInvalidTransition, b.Status)
	}
	if err := b.VerifyAggregatorID(aggregatorID); err != nil {
		return err
	}
	if b.PatientsProcessed() < len(b.Patients) {
		return fmt.Errorf("%w: %d of %d patients processed", ErrProcessingNotFinished, b.PatientsProcessed(), len(b.Patients))
	}

	b.Status = JobStatusCompleted
	b.AggregatorID = ""
	b.Touch(now)
	done := b.UpdateTime
	b.CompleteTime = &done
	return nil
}

// SetFailedStatus ends a non-terminal batch. Failed batches are not retried automatically.
func (b *JobQueueBatch) SetFailedStatus(now time.Time) error {
	if b.Status.Terminal() {
		return fmt.Errorf("%w: cannot fail batch in status %s", ErrInvalidTransition, b.Status)
	}

	b.Status = JobStatusFailed
	b.AggregatorID = ""
	b.Touch(now)
	done := b.UpdateTime
	b.CompleteTime = &done
	return nil
}

// Restart returns the batch to QUEUED with all progress discarded and the run count bumped.
func (b *JobQueueBatch) Restart(now time.Time) {
	b.Status = JobStatusQueued
	b.AggregatorID = ""
	b.PatientIndex = nil
	b.StartTime = nil
	b.CompleteTime = nil
	b.Results = nil
	b.pending = nil
	b.Files = nil
	b.RunCount++
	b.Touch(now)
}

// RecordResult adds counts for one resource type to the pending delta.
func (b *JobQueueBatch) RecordResult(rt ResourceType, count, errorCount int) {
	if count == 0 && errorCount == 0 {
		return
	}
	b.pending = AccumulateResults(b.pending, []JobResult{{ResourceType: rt, Count: count, ErrorCount: errorCount}})
}

// PendingResults returns the delta not yet persisted by a checkpoint.
func (b *JobQueueBatch) PendingResults() []JobResult {
	return append([]JobResult(nil), b.pending...)
}

// ApplyCheckpoint installs merged totals and drops the pending delta.
// Stores call it after persisting the merge.
func (b *JobQueueBatch) ApplyCheckpoint(merged []JobResult) {
	b.Results = append([]JobResult(nil), merged...)
	b.pending = nil
}

// CurrentResults returns persisted totals with the pending delta folded in.
func (b *JobQueueBatch) CurrentResults() []JobResult {
	return AccumulateResults(b.Results, b.pending)
}

// AddFile records a file entry; an existing (type, sequence) merges counts.
func (b *JobQueueBatch) AddFile(f JobQueueBatchFile) {
	for i := range b.Files {
		if b.Files[i].ResourceType == f.ResourceType && b.Files[i].Sequence == f.Sequence {
			b.Files[i].Count += f.Count
			b.Files[i].Checksum = append([]byte(nil), f.Checksum...)
			b.Files[i].FileLength = f.FileLength
			if f.FileName != "" {
				b.Files[i].FileName = f.FileName
			}
			return
		}
	}
	b.Files = append(b.Files, f.Clone())
}

// LatestFile returns the highest-sequence file of rt, or nil.
func (b *JobQueueBatch) LatestFile(rt ResourceType) *JobQueueBatchFile {
	var latest *JobQueueBatchFile
	for i := range b.Files {
		f := &b.Files[i]
		if f.ResourceType != rt {
			continue
		}
		if latest == nil || f.Sequence > latest.Sequence {
			latest = f
		}
	}
	return latest
}

// BatchSummary is the read model returned to API callers.
type BatchSummary struct {
	BatchID           string
	JobID             string
	Status            JobStatus
	PatientCount      int
	PatientsProcessed int
	SubmitTime        time.Time
	StartTime         *time.Time
	CompleteTime      *time.Time
	Results           []JobResult
	Files             []JobQueueBatchFile
}

// Summary builds the read model for the batch.
func (b *JobQueueBatch) Summary() BatchSummary {
	c := b.Clone()
	return BatchSummary{
		BatchID:           c.BatchID,
		JobID:             c.JobID,
		Status:            c.Status,
		PatientCount:      len(c.Patients),
		PatientsProcessed: c.PatientsProcessed(),
		SubmitTime:        c.SubmitTime,
		StartTime:         c.StartTime,
		CompleteTime:      c.CompleteTime,
		Results:           c.CurrentResults(),
		Files:             c.Files,
	}
}

// JobStatusOf derives a job-level status from its batches: FAILED if any
// failed, COMPLETED if all completed, RUNNING if any started, else QUEUED.
func JobStatusOf(batches []*JobQueueBatch) JobStatus {
	if len(batches) == 0 {
		return JobStatusQueued
	}

	completed, started := 0, false
	for _, b := range batches {
		switch b.Status {
		case JobStatusFailed:
			return JobStatusFailed
		case JobStatusCompleted:
			completed++
			started = true
		case JobStatusRunning, JobStatusPaused:
			started = true
		}
	}

	switch {
	case completed == len(batches):
		return JobStatusCompleted
	case started:
		return JobStatusRunning
	default:
		return JobStatusQueued
	}
}
