package aggregation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/bulk-export/internal/queue"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
	"github.com/cuongbtq/bulk-export/shared/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testTransactionTime.Add(time.Hour)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type processFunc func(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string, stopping func() bool) error

func (f processFunc) Process(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string, stopping func() bool) error {
	return f(ctx, batch, aggregatorID, stopping)
}

// finishPatients walks the cursor to the end, the minimum a processor must
// do before a batch can complete.
func finishPatients(batch *domain.JobQueueBatch, aggregatorID string) error {
	for {
		_, ok, err := batch.NextPatient(aggregatorID)
		if err != nil || !ok {
			return err
		}
	}
}

func newEngineQueue(t *testing.T, clock *fakeClock) *queue.MemoryQueue {
	t.Helper()
	return queue.NewMemoryQueue(queue.Options{
		BatchSize:          10,
		UnhealthyThreshold: 3 * time.Minute,
		Now:                clock.Now,
	}, logger.NewNop().Logger)
}

func submitJob(t *testing.T, q queue.Queue, patients ...string) string {
	t.Helper()
	jobID, err := q.CreateJob(context.Background(), queue.JobRequest{
		OrgID:           "org-1",
		PatientIDs:      patients,
		ResourceTypes:   []domain.ResourceType{domain.ResourceCoverage},
		TransactionTime: testTransactionTime,
	})
	require.NoError(t, err)
	return jobID
}

func jobBatch(t *testing.T, q queue.Queue, jobID string) *domain.JobQueueBatch {
	t.Helper()
	batches, err := q.GetJobBatches(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	return batches[0]
}

func runEngine(t *testing.T, e *Engine, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return done
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func TestEngine_CompletesJob(t *testing.T) {
	clock := newFakeClock()
	q := newEngineQueue(t, clock)
	upstream := newFakeUpstream()
	mbi := testMBI(1)
	upstream.serve(beneID(mbi), domain.ResourceCoverage, records(domain.ResourceCoverage, "c", 3))

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	processor := NewProcessor(&ProcessorConfig{
		Queue:      q,
		Upstream:   upstream,
		Resolver:   &fakeResolver{errs: map[string]error{}},
		Metrics:    metrics,
		Logger:     logger.NewNop(),
		ExportPath: t.TempDir(),
	})
	engine := NewEngine(&EngineConfig{
		AggregatorID: "agg-0",
		Queue:        q,
		Processor:    processor,
		Metrics:      metrics,
		Logger:       logger.NewNop(),
		PollInterval: 10 * time.Millisecond,
	})

	jobID := submitJob(t, q, mbi)
	done := runEngine(t, engine, context.Background())

	require.Eventually(t, func() bool {
		return jobBatch(t, q, jobID).Status == domain.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	engine.Stop()
	assert.NoError(t, waitStopped(t, done))

	b := jobBatch(t, q, jobID)
	assert.Equal(t, 3, domain.FindResult(b.Results, domain.ResourceCoverage).Count)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.resourcesFetched.WithLabelValues("Coverage")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.batchesFinished.WithLabelValues(string(domain.JobStatusCompleted))))
}

func TestEngine_StopPausesBatch(t *testing.T) {
	clock := newFakeClock()
	q := newEngineQueue(t, clock)
	started := make(chan struct{})

	engine := NewEngine(&EngineConfig{
		AggregatorID: "agg-0",
		Queue:        q,
		Logger:       logger.NewNop(),
		PollInterval: 10 * time.Millisecond,
		Processor: processFunc(func(ctx context.Context, b *domain.JobQueueBatch, id string, stopping func() bool) error {
			if _, _, err := b.NextPatient(id); err != nil {
				return err
			}
			close(started)
			for !stopping() {
				time.Sleep(time.Millisecond)
			}
			return ErrBatchPaused
		}),
	})

	jobID := submitJob(t, q, testMBI(1), testMBI(2))
	done := runEngine(t, engine, context.Background())

	<-started
	engine.Stop()
	assert.NoError(t, waitStopped(t, done))

	b := jobBatch(t, q, jobID)
	assert.Equal(t, domain.JobStatusPaused, b.Status)
	assert.Equal(t, 1, b.PatientsProcessed())
}

func TestEngine_FailureFailsBatch(t *testing.T) {
	clock := newFakeClock()
	q := newEngineQueue(t, clock)
	engine := NewEngine(&EngineConfig{
		AggregatorID: "agg-0",
		Queue:        q,
		Logger:       logger.NewNop(),
		PollInterval: 10 * time.Millisecond,
		Processor: processFunc(func(context.Context, *domain.JobQueueBatch, string, func() bool) error {
			return errors.New("disk full")
		}),
	})

	jobID := submitJob(t, q, testMBI(1))
	done := runEngine(t, engine, context.Background())

	require.Eventually(t, func() bool {
		return jobBatch(t, q, jobID).Status == domain.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	engine.Stop()
	assert.NoError(t, waitStopped(t, done))

	// failed batches are never picked up again
	size, err := q.QueueSize(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestEngine_CancelLeavesLease(t *testing.T) {
	clock := newFakeClock()
	q := newEngineQueue(t, clock)
	started := make(chan struct{})
	engine := NewEngine(&EngineConfig{
		AggregatorID: "agg-0",
		Queue:        q,
		Logger:       logger.NewNop(),
		PollInterval: 10 * time.Millisecond,
		Processor: processFunc(func(ctx context.Context, _ *domain.JobQueueBatch, _ string, _ func() bool) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	})

	jobID := submitJob(t, q, testMBI(1))
	ctx, cancel := context.WithCancel(context.Background())
	done := runEngine(t, engine, ctx)

	<-started
	cancel()
	assert.ErrorIs(t, waitStopped(t, done), context.Canceled)

	b := jobBatch(t, q, jobID)
	assert.Equal(t, domain.JobStatusRunning, b.Status)
	assert.Equal(t, "agg-0", b.AggregatorID)
}

func TestEngine_HeartbeatKeepsLeaseFresh(t *testing.T) {
	clock := newFakeClock()
	q := newEngineQueue(t, clock)
	release := make(chan struct{})
	engine := NewEngine(&EngineConfig{
		AggregatorID:      "agg-0",
		Queue:             q,
		Logger:            logger.NewNop(),
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		Processor: processFunc(func(_ context.Context, b *domain.JobQueueBatch, id string, _ func() bool) error {
			<-release
			return finishPatients(b, id)
		}),
	})

	jobID := submitJob(t, q, testMBI(1))
	done := runEngine(t, engine, context.Background())

	require.Eventually(t, func() bool {
		return jobBatch(t, q, jobID).Status == domain.JobStatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	claimed := jobBatch(t, q, jobID).UpdateTime
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return jobBatch(t, q, jobID).UpdateTime.After(claimed)
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return jobBatch(t, q, jobID).Status == domain.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	engine.Stop()
	assert.NoError(t, waitStopped(t, done))
}

func TestEngine_UnhealthyDoesNotClaim(t *testing.T) {
	clock := newFakeClock()
	q := newEngineQueue(t, clock)
	health := NewHealthState()
	health.Set("agg-0", domain.ErrQueueUnhealthy)

	var calls int
	var mu sync.Mutex
	engine := NewEngine(&EngineConfig{
		AggregatorID: "agg-0",
		Queue:        q,
		Health:       health,
		Logger:       logger.NewNop(),
		PollInterval: 5 * time.Millisecond,
		Processor: processFunc(func(_ context.Context, b *domain.JobQueueBatch, id string, _ func() bool) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return finishPatients(b, id)
		}),
	})

	jobID := submitJob(t, q, testMBI(1))
	done := runEngine(t, engine, context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.JobStatusQueued, jobBatch(t, q, jobID).Status)

	health.Set("agg-0", nil)
	require.Eventually(t, func() bool {
		return jobBatch(t, q, jobID).Status == domain.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	engine.Stop()
	assert.NoError(t, waitStopped(t, done))
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestEngine_WakeSkipsPollInterval(t *testing.T) {
	clock := newFakeClock()
	q := newEngineQueue(t, clock)
	engine := NewEngine(&EngineConfig{
		AggregatorID: "agg-0",
		Queue:        q,
		Logger:       logger.NewNop(),
		PollInterval: time.Hour,
		Processor: processFunc(func(_ context.Context, b *domain.JobQueueBatch, id string, _ func() bool) error {
			return finishPatients(b, id)
		}),
	})
	done := runEngine(t, engine, context.Background())

	// let the first empty claim happen so the engine is idle
	time.Sleep(20 * time.Millisecond)
	jobID := submitJob(t, q, testMBI(1))
	engine.Wake()

	require.Eventually(t, func() bool {
		return jobBatch(t, q, jobID).Status == domain.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	engine.Stop()
	assert.NoError(t, waitStopped(t, done))
}
