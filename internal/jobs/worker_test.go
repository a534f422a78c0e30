package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/wesflow/internal/eventbus"
	"github.com/global-data-controller/wesflow/internal/models"
)

type jobRecorder struct {
	mu   sync.Mutex
	jobs []Job
	fail map[Kind]int
}

func (r *jobRecorder) HandleJob(ctx context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if r.fail[job.Kind] > 0 {
		r.fail[job.Kind]--
		return errors.New("transient failure")
	}
	return nil
}

func (r *jobRecorder) snapshot() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func newTestBus(t *testing.T) *eventbus.MemoryEventBus {
	bus := eventbus.NewMemoryEventBus(&eventbus.MemoryConfig{
		BufferSize:    16,
		MaxDeliver:    3,
		RetryInterval: time.Millisecond,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestWorker_DispatchesJobs(t *testing.T) {
	bus := newTestBus(t)
	recorder := &jobRecorder{}
	worker := NewWorker(bus, recorder, DefaultWorkerConfig(), zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	queue := NewBusQueue(bus, "test", nil)
	principal := models.Principal{ID: "alice"}
	require.NoError(t, queue.Enqueue(ctx, Job{Kind: KindPrepare, ExecutionID: "exec-1", Principal: principal}))
	require.NoError(t, queue.Enqueue(ctx, Job{Kind: KindCleanup, ExecutionID: "exec-2", Principal: principal}))

	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	byExecution := make(map[string]Job)
	for _, job := range recorder.snapshot() {
		byExecution[job.ExecutionID] = job
	}
	assert.Equal(t, KindPrepare, byExecution["exec-1"].Kind)
	assert.Equal(t, KindCleanup, byExecution["exec-2"].Kind)
	assert.Equal(t, "alice", byExecution["exec-2"].Principal.ID)
}

func TestWorker_RetriesFailedJobs(t *testing.T) {
	bus := newTestBus(t)
	recorder := &jobRecorder{fail: map[Kind]int{KindPoll: 2}}
	worker := NewWorker(bus, recorder, DefaultWorkerConfig(), zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	require.NoError(t, NewBusQueue(bus, "test", nil).Enqueue(ctx, Job{Kind: KindPoll, ExecutionID: "exec-1"}))

	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	jobs := recorder.snapshot()
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.Equal(t, 3, jobs[2].Attempt)
}

func TestWorker_KindFilter(t *testing.T) {
	bus := newTestBus(t)
	recorder := &jobRecorder{}
	worker := NewWorker(bus, recorder, WorkerConfig{Kinds: []string{"cleanup"}}, zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	queue := NewBusQueue(bus, "test", nil)
	require.NoError(t, queue.Enqueue(ctx, Job{Kind: KindPoll, ExecutionID: "exec-1"}))
	require.NoError(t, queue.Enqueue(ctx, Job{Kind: KindCleanup, ExecutionID: "exec-2"}))

	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "exec-2", recorder.snapshot()[0].ExecutionID)
}

func TestWorker_StartErrors(t *testing.T) {
	bus := newTestBus(t)

	bad := NewWorker(bus, &jobRecorder{}, WorkerConfig{Kinds: []string{"destroy"}}, nil)
	require.Error(t, bad.Start(context.Background()))

	w := NewWorker(bus, &jobRecorder{}, DefaultWorkerConfig(), nil)
	require.NoError(t, w.Start(context.Background()))
	require.Error(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
}

func TestWorker_DropsMalformedEvents(t *testing.T) {
	recorder := &jobRecorder{}
	w := NewWorker(nil, recorder, DefaultWorkerConfig(), nil)

	event := eventbus.NewEvent(eventbus.EventTypeJobPoll, "test", "", map[string]interface{}{})
	require.NoError(t, w.handle(context.Background(), event))
	assert.Empty(t, recorder.snapshot())
}
