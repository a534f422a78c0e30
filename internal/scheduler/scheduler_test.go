package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/orchestrator"
	"github.com/global-data-controller/wesflow/internal/service"
	"github.com/global-data-controller/wesflow/internal/storage"
)

func seed(t *testing.T, store *storage.MemoryStore, id string, state models.State, mutate func(*models.WorkflowExecution)) {
	t.Helper()
	exec := &models.WorkflowExecution{ID: id, Name: id, Submitter: "alice", State: state}
	if mutate != nil {
		mutate(exec)
	}
	require.NoError(t, store.Create(context.Background(), exec))
}

func withRun(e *models.WorkflowExecution) {
	e.RunID = "run-" + e.ID
	e.BlobRunDirectory = "dir-" + e.ID
}

func newTestScheduler(t *testing.T, checkpoints Checkpoints) (*Scheduler, *storage.MemoryStore, *jobs.MemoryQueue) {
	t.Helper()
	store := storage.NewMemoryStore()
	queue := jobs.NewMemoryQueue()
	s, err := New(store, queue, checkpoints, DefaultConfig(), logging.NewNop())
	require.NoError(t, err)
	return s, store, queue
}

func TestNew(t *testing.T) {
	_, err := New(nil, jobs.NewMemoryQueue(), nil, DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.PollSchedule = "every now and then"
	_, err = New(storage.NewMemoryStore(), jobs.NewMemoryQueue(), nil, cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.BatchSize = 0
	s, err := New(storage.NewMemoryStore(), jobs.NewMemoryQueue(), nil, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 500, s.config.BatchSize)
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}
	_, err := ParseSchedule("* * *")
	assert.Error(t, err)
}

func TestRun_Sweeps(t *testing.T) {
	s, store, queue := newTestScheduler(t, nil)
	ctx := context.Background()

	seed(t, store, "initial", models.StateInitial, nil)
	seed(t, store, "prepared", models.StatePrepared, func(e *models.WorkflowExecution) { e.BlobRunDirectory = "d" })
	seed(t, store, "submitted", models.StateSubmitted, withRun)
	seed(t, store, "running", models.StateRunning, withRun)
	seed(t, store, "canceling", models.StateCanceling, withRun)
	seed(t, store, "completing", models.StateCompleting, withRun)
	seed(t, store, "finalized", models.StateFinalized, withRun)
	seed(t, store, "error-cleaned", models.StateError, func(e *models.WorkflowExecution) {
		withRun(e)
		e.Cleaned = true
	})
	seed(t, store, "canceled-no-dir", models.StateCanceled, nil)
	seed(t, store, "canceled", models.StateCanceled, func(e *models.WorkflowExecution) { e.BlobRunDirectory = "d2" })

	tests := []struct {
		sweep Sweep
		kind  jobs.Kind
		ids   []string
	}{
		{SweepPoll, jobs.KindPoll, []string{"submitted", "running", "canceling"}},
		{SweepComplete, jobs.KindComplete, []string{"completing"}},
		{SweepCleanup, jobs.KindCleanup, []string{"finalized", "canceled"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.sweep), func(t *testing.T) {
			queue.Reset()
			n, err := s.Run(ctx, tt.sweep)
			require.NoError(t, err)
			assert.Equal(t, len(tt.ids), n)

			var got []string
			for _, job := range queue.Jobs() {
				assert.Equal(t, tt.kind, job.Kind)
				assert.Equal(t, models.SystemPrincipal.ID, job.Principal.ID)
				got = append(got, job.ExecutionID)
			}
			assert.ElementsMatch(t, tt.ids, got)
		})
	}

	_, err := s.Run(ctx, Sweep("bogus"))
	assert.Error(t, err)
}

func TestRun_InflightWindow(t *testing.T) {
	s, store, queue := newTestScheduler(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	seed(t, store, "running", models.StateRunning, withRun)

	n, err := s.Run(ctx, SweepPoll)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Run(ctx, SweepPoll)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "same job within the window")

	now = now.Add(s.config.InflightWindow)
	n, err = s.Run(ctx, SweepPoll)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, queue.Len())
}

func TestRun_EnqueueFailure(t *testing.T) {
	s, store, queue := newTestScheduler(t, nil)
	ctx := context.Background()
	seed(t, store, "running", models.StateRunning, withRun)

	queue.FailWith(errors.New("bus down"))
	n, err := s.Run(ctx, SweepPoll)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// a failed enqueue does not occupy the window
	queue.FailWith(nil)
	n, err = s.Run(ctx, SweepPoll)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_ResumesInterruptedCleanups(t *testing.T) {
	checkpoints := orchestrator.NewMemoryCheckpointStore()
	runner := orchestrator.NewRunner(checkpoints, logging.NewNop(), orchestrator.RetryConfig{MaxAttempts: 1})
	s, store, queue := newTestScheduler(t, runner)
	ctx := context.Background()

	seed(t, store, "finalized", models.StateFinalized, withRun)
	require.NoError(t, checkpoints.SaveCheckpoint(ctx, &orchestrator.Checkpoint{
		TaskID:         service.CleanupTaskID("finalized"),
		CompletedSteps: []string{"enumerate"},
	}))
	// destroyed before its run directory was cleaned
	require.NoError(t, runner.Seed(ctx, service.CleanupTaskID("destroyed"), "run_directory", "run-destroyed"))
	require.NoError(t, checkpoints.SaveCheckpoint(ctx, &orchestrator.Checkpoint{
		TaskID: "other:task",
	}))

	n, err := s.Run(ctx, SweepCleanup)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the stored execution is enqueued once")
	assert.Equal(t, []jobs.Kind{jobs.KindCleanup}, queue.Kinds("finalized"))
	assert.Equal(t, []jobs.Kind{jobs.KindCleanup}, queue.Kinds("destroyed"))
}

func TestRunAll(t *testing.T) {
	s, store, queue := newTestScheduler(t, nil)
	seed(t, store, "running", models.StateRunning, withRun)
	seed(t, store, "completing", models.StateCompleting, withRun)
	seed(t, store, "error", models.StateError, withRun)

	n, err := s.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, queue.Len())
}

func TestStartStop(t *testing.T) {
	store := storage.NewMemoryStore()
	queue := jobs.NewMemoryQueue()
	cfg := DefaultConfig()
	cfg.PollSchedule = "@every 10ms"
	cfg.InflightWindow = time.Millisecond
	s, err := New(store, queue, nil, cfg, logging.NewNop())
	require.NoError(t, err)

	seed(t, store, "running", models.StateRunning, withRun)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return len(queue.Kinds("running")) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}
