package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchNotFound is returned when a batch cannot be found in the store
	ErrBatchNotFound = errors.New("batch not found")

	// ErrFileNotFound is returned when no file with the name is visible to the organization
	ErrFileNotFound = errors.New("batch file not found")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid batch status transition")

	// ErrNotOwner is returned when an aggregator touches a batch leased by another aggregator
	ErrNotOwner = errors.New("batch is owned by another aggregator")

	// ErrProcessingNotFinished is returned when completing a batch with unprocessed patients
	ErrProcessingNotFinished = errors.New("batch processing not finished")

	// ErrBatchNotFailed is returned when resubmitting a batch that has not failed
	ErrBatchNotFailed = errors.New("batch has not failed")

	// ErrQueueUnhealthy is returned by health assertions
	ErrQueueUnhealthy = errors.New("queue unhealthy")

	// ErrNoBatches is returned when a submission contains no batches
	ErrNoBatches = errors.New("no batches")

	// ErrDuplicateBatch is returned when a submitted batch id already exists
	ErrDuplicateBatch = errors.New("batch already exists")

	// ErrUnsupportedResourceType is returned for resource types outside the export set
	ErrUnsupportedResourceType = errors.New("unsupported resource type")
)

// JobQueueFailure carries the job and batch a store failure happened on.
type JobQueueFailure struct {
	JobID   string
	BatchID string
	Msg     string
	Err     error
}

func (e *JobQueueFailure) Error() string {
	msg := fmt.Sprintf("job %s batch %s: %s", e.JobID, e.BatchID, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *JobQueueFailure) Unwrap() error {
	return e.Err
}

// NewJobQueueFailure wraps err with the batch identity.
func NewJobQueueFailure(b *JobQueueBatch, msg string, err error) error {
	return &JobQueueFailure{JobID: b.JobID, BatchID: b.BatchID, Msg: msg, Err: err}
}
