package handler

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/bulk-export/internal/notify"
	"github.com/cuongbtq/bulk-export/internal/queue"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Queue     queue.Queue
	Publisher notify.Publisher
	// ExportPath is where the aggregation service writes its files.
	ExportPath string
	// Now defaults to time.Now.
	Now func() time.Time
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	queue      queue.Queue
	publisher  notify.Publisher
	exportPath string
	now        func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:     deps.Logger,
		queue:      deps.Queue,
		publisher:  deps.Publisher,
		exportPath: deps.ExportPath,
		now:        deps.Now,
	}
	if h.publisher == nil {
		h.publisher = notify.NopPublisher{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}
