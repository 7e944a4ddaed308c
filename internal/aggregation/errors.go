package aggregation

import "errors"

var (
	// ErrTransactionTimeRegression is returned when the upstream reports a
	// transaction time older than the one recorded on the batch
	ErrTransactionTimeRegression = errors.New("transaction time regression")

	// ErrBatchPaused is returned by the processor when a stop was requested
	// and the batch was left at a checkpoint
	ErrBatchPaused = errors.New("batch paused")
)
