// Package notify carries job-submitted notifications from the API to idle
// aggregation workers over RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// Publisher announces newly queued work.
type Publisher interface {
	NotifyJobSubmitted(ctx context.Context, jobID string, batches int) error
}

// MessagePublisher is the transport a RabbitPublisher writes to.
// *rabbitmq.Client satisfies it.
type MessagePublisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// RabbitPublisher sends JobSubmittedMessage JSON through RabbitMQ.
type RabbitPublisher struct {
	client MessagePublisher
	logger *slog.Logger
}

// NewRabbitPublisher creates a RabbitPublisher.
func NewRabbitPublisher(client MessagePublisher, logger *slog.Logger) *RabbitPublisher {
	return &RabbitPublisher{client: client, logger: logger}
}

// NotifyJobSubmitted publishes one message for the job.
func (p *RabbitPublisher) NotifyJobSubmitted(ctx context.Context, jobID string, batches int) error {
	body, err := EncodeJobSubmitted(jobID, batches)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job %s notification: %w", jobID, err)
	}

	p.logger.Debug("Job submission published",
		slog.String("job_id", jobID),
		slog.Int("batches", batches),
	)
	return nil
}

// EncodeJobSubmitted renders the notification body.
func EncodeJobSubmitted(jobID string, batches int) ([]byte, error) {
	body, err := json.Marshal(domain.JobSubmittedMessage{JobID: jobID, Batches: batches})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job notification: %w", err)
	}
	return body, nil
}

// NopPublisher drops notifications. Workers fall back to polling.
type NopPublisher struct{}

// NotifyJobSubmitted does nothing.
func (NopPublisher) NotifyJobSubmitted(context.Context, string, int) error { return nil }
