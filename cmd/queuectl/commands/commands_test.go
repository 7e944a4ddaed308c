package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/bulk-export/internal/queue"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
	"github.com/cuongbtq/bulk-export/shared/logger"
)

type sentNotification struct {
	jobID   string
	batches int
}

type fakePublisher struct {
	sent []sentNotification
}

func (p *fakePublisher) NotifyJobSubmitted(_ context.Context, jobID string, batches int) error {
	p.sent = append(p.sent, sentNotification{jobID: jobID, batches: batches})
	return nil
}

type cliFixture struct {
	queue      *queue.MemoryQueue
	publisher  *fakePublisher
	configPath string
	migrate    bool
}

// useFixture points openSession at an in-memory queue for the test.
func useFixture(t *testing.T) *cliFixture {
	t.Helper()
	f := &cliFixture{
		queue:     queue.NewMemoryQueue(queue.Options{BatchSize: 1}, logger.NewNop().Logger),
		publisher: &fakePublisher{},
	}

	original := openSession
	openSession = func(_ context.Context, configPath string, migrate bool) (*session, error) {
		f.configPath = configPath
		f.migrate = migrate
		return &session{queue: f.queue, publisher: f.publisher, close: func() {}}, nil
	}
	t.Cleanup(func() { openSession = original })
	return f
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func (f *cliFixture) createJob(t *testing.T, patients int) string {
	t.Helper()
	ids := make([]string, patients)
	for i := range ids {
		ids[i] = "1S00E00AA0" + string(rune('0'+i))
	}
	jobID, err := f.queue.CreateJob(context.Background(), queue.JobRequest{
		OrgID:           "org-1",
		PatientIDs:      ids,
		TransactionTime: time.Now(),
	})
	require.NoError(t, err)
	return jobID
}

// failOne claims a batch and fails it.
func (f *cliFixture) failOne(t *testing.T) *domain.JobQueueBatch {
	t.Helper()
	ctx := context.Background()
	b, err := f.queue.ClaimBatch(ctx, "agg-0")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NoError(t, f.queue.FailBatch(ctx, b, "agg-0"))
	return b
}

func TestRootCommand(t *testing.T) {
	root := NewRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "queue")
	assert.Contains(t, names, "jobs")
	assert.Contains(t, names, "migrate")
}

func TestConfigPath(t *testing.T) {
	f := useFixture(t)

	_, err := execute(t, "queue", "status")
	require.NoError(t, err)
	assert.Equal(t, defaultConfigPath, f.configPath)

	t.Setenv(envConfigPath, "/etc/queuectl.yaml")
	_, err = execute(t, "queue", "status")
	require.NoError(t, err)
	assert.Equal(t, "/etc/queuectl.yaml", f.configPath)

	_, err = execute(t, "queue", "status", "--config", "local.yaml")
	require.NoError(t, err)
	assert.Equal(t, "local.yaml", f.configPath)
}

func TestQueueStatus(t *testing.T) {
	f := useFixture(t)
	f.createJob(t, 3)

	out, err := execute(t, "queue", "status")
	require.NoError(t, err)

	var got queueOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, int64(3), got.Size)
}

func TestJobsStatus(t *testing.T) {
	f := useFixture(t)
	jobID := f.createJob(t, 2)
	f.failOne(t)

	out, err := execute(t, "jobs", "status", "--id", jobID)
	require.NoError(t, err)

	var got jobOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "FAILED", got.Status)
	assert.Len(t, got.Batches, 2)

	_, err = execute(t, "jobs", "status", "--id", "missing")
	assert.ErrorContains(t, err, "not found")

	_, err = execute(t, "jobs", "status")
	assert.ErrorContains(t, err, `required flag(s) "id" not set`)
}

func TestJobsResubmit_Job(t *testing.T) {
	f := useFixture(t)
	jobID := f.createJob(t, 2)
	failed := f.failOne(t)

	out, err := execute(t, "jobs", "resubmit", "--id", jobID)
	require.NoError(t, err)

	var got resubmitOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, []string{failed.BatchID}, got.Resubmitted)
	assert.Equal(t, []sentNotification{{jobID: jobID, batches: 1}}, f.publisher.sent)

	b, err := f.queue.GetBatch(context.Background(), failed.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, b.Status)
	assert.Equal(t, 1, b.RunCount)
}

func TestJobsResubmit_Batch(t *testing.T) {
	f := useFixture(t)
	f.createJob(t, 2)
	failed := f.failOne(t)

	batches, err := f.queue.GetJobBatches(context.Background(), failed.JobID)
	require.NoError(t, err)
	var queued string
	for _, b := range batches {
		if b.BatchID != failed.BatchID {
			queued = b.BatchID
		}
	}

	_, err = execute(t, "jobs", "resubmit", "--batch-id", queued)
	assert.ErrorContains(t, err, "use --force")

	_, err = execute(t, "jobs", "resubmit", "--batch-id", failed.BatchID)
	require.NoError(t, err)

	_, err = execute(t, "jobs", "resubmit", "--batch-id", "missing")
	assert.ErrorContains(t, err, "batch missing not found")

	_, err = execute(t, "jobs", "resubmit")
	assert.ErrorContains(t, err, "exactly one of")
}

func TestMigrate(t *testing.T) {
	f := useFixture(t)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.True(t, f.migrate)
	assert.Contains(t, out, "up to date")
}
