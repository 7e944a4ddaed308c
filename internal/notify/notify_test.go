package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
	"github.com/cuongbtq/bulk-export/shared/logger"
)

type recordingPublisher struct {
	body        []byte
	contentType string
	err         error
}

func (p *recordingPublisher) Publish(_ context.Context, body []byte, contentType string) error {
	p.body = body
	p.contentType = contentType
	return p.err
}

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *ackRecorder) Reject(uint64, bool) error { return nil }

type chanConsumer struct {
	deliveries chan amqp.Delivery
}

func (c *chanConsumer) Consume(string) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func TestRabbitPublisher_NotifyJobSubmitted(t *testing.T) {
	client := &recordingPublisher{}
	p := NewRabbitPublisher(client, logger.NewNop().Logger)

	jobID := uuid.NewString()
	require.NoError(t, p.NotifyJobSubmitted(context.Background(), jobID, 3))

	assert.Equal(t, "application/json", client.contentType)
	assert.JSONEq(t, `{"job_id":"`+jobID+`","batches":3}`, string(client.body))

	client.err = errors.New("channel closed")
	err := p.NotifyJobSubmitted(context.Background(), jobID, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), jobID)
}

func TestParseJobSubmitted(t *testing.T) {
	jobID := uuid.NewString()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid", body: `{"job_id":"` + jobID + `","batches":2}`},
		{name: "malformed json", body: `{"job_id":`, wantErr: "failed to parse message JSON"},
		{name: "not a uuid", body: `{"job_id":"job-1","batches":2}`, wantErr: "invalid job_id"},
		{name: "missing job id", body: `{"batches":2}`, wantErr: "invalid job_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseJobSubmitted([]byte(tt.body))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.JobSubmittedMessage{JobID: jobID, Batches: 2}, msg)
		})
	}
}

func TestListener_AcksValidAndDropsInvalid(t *testing.T) {
	acks := &ackRecorder{}
	consumer := &chanConsumer{deliveries: make(chan amqp.Delivery, 2)}

	var got []domain.JobSubmittedMessage
	var mu sync.Mutex
	l := NewListener(consumer, "aggregator-test", func(m domain.JobSubmittedMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	}, logger.NewNop().Logger)

	body, err := EncodeJobSubmitted(uuid.NewString(), 1)
	require.NoError(t, err)
	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: body}
	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte("nope")}
	close(consumer.deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
	assert.Equal(t, 1, acks.acks)
	assert.Equal(t, 1, acks.nacks)
	assert.Equal(t, []bool{false}, acks.requeue)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.NotifyJobSubmitted(context.Background(), "anything", 0))
}
