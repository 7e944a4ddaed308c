package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// Consumer opens a delivery stream. *rabbitmq.Client satisfies it.
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Listener turns job-submitted deliveries into wake-up calls.
type Listener struct {
	consumer    Consumer
	consumerTag string
	onSubmitted func(domain.JobSubmittedMessage)
	logger      *slog.Logger
}

// NewListener creates a Listener that calls onSubmitted for every valid message.
func NewListener(consumer Consumer, consumerTag string, onSubmitted func(domain.JobSubmittedMessage), logger *slog.Logger) *Listener {
	return &Listener{
		consumer:    consumer,
		consumerTag: consumerTag,
		onSubmitted: onSubmitted,
		logger:      logger,
	}
}

// Run consumes until ctx is done or the delivery channel closes.
func (l *Listener) Run(ctx context.Context) error {
	deliveries, err := l.consumer.Consume(l.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	l.logger.Info("Job notification listener started",
		slog.String("consumer_tag", l.consumerTag),
	)

	l.dispatch(ctx, deliveries)
	return nil
}

func (l *Listener) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Job notification listener stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				l.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			l.handle(delivery)
		}
	}
}

func (l *Listener) handle(delivery amqp.Delivery) {
	msg, err := ParseJobSubmitted(delivery.Body)
	if err != nil {
		l.logger.Error("Dropping job notification",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages go to the dead letter exchange, if any
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			l.logger.Error("Failed to NACK job notification",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	l.onSubmitted(msg)

	if ackErr := delivery.Ack(false); ackErr != nil {
		l.logger.Error("Failed to ACK job notification",
			slog.String("job_id", msg.JobID),
			slog.String("error", ackErr.Error()),
		)
		return
	}

	l.logger.Debug("Job notification received",
		slog.String("job_id", msg.JobID),
		slog.Int("batches", msg.Batches),
	)
}

// ParseJobSubmitted decodes and validates a notification body.
func ParseJobSubmitted(body []byte) (domain.JobSubmittedMessage, error) {
	var msg domain.JobSubmittedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("failed to parse message JSON: %w", err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return msg, fmt.Errorf("invalid job_id %q: %w", msg.JobID, err)
	}
	return msg, nil
}
