package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/blobstore"
	"github.com/global-data-controller/wesflow/internal/engine"
	"github.com/global-data-controller/wesflow/internal/engine/enginetest"
	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/lock"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/orchestrator"
	"github.com/global-data-controller/wesflow/internal/storage"
)

var (
	alice   = models.Principal{ID: "alice"}
	mallory = models.Principal{ID: "mallory"}
	admin   = models.Principal{ID: "root", Roles: []string{"admin"}}
)

// faultyBlobs wraps the memory blob store with injectable failures
type faultyBlobs struct {
	*blobstore.MemoryStore

	mu         sync.Mutex
	uploadErr  error
	copyErr    error
	copyPrefix string
	deletes    int
	onDelete   func(n int)
}

func (b *faultyBlobs) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	b.mu.Lock()
	err := b.uploadErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemoryStore.Upload(ctx, key, r, size, contentType)
}

func (b *faultyBlobs) Copy(ctx context.Context, srcKey, dstKey string) error {
	b.mu.Lock()
	err := b.copyErr
	prefix := b.copyPrefix
	b.mu.Unlock()
	if err != nil && strings.HasPrefix(srcKey, prefix) {
		return err
	}
	return b.MemoryStore.Copy(ctx, srcKey, dstKey)
}

func (b *faultyBlobs) Delete(ctx context.Context, key string) error {
	if err := b.MemoryStore.Delete(ctx, key); err != nil {
		return err
	}
	b.mu.Lock()
	b.deletes++
	n := b.deletes
	hook := b.onDelete
	b.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (b *faultyBlobs) exists(key string) bool {
	_, err := b.Download(context.Background(), key)
	return err == nil
}

type fixture struct {
	svc         *Service
	store       *storage.MemoryStore
	blobs       *faultyBlobs
	engine      *enginetest.Server
	queue       *jobs.MemoryQueue
	locker      *lock.MemoryLocker
	checkpoints *orchestrator.MemoryCheckpointStore
}

func newFixture(t *testing.T, opts ...func(*Dependencies, *Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	srv := enginetest.NewServer()
	t.Cleanup(srv.Close)

	client, err := engine.NewHTTPClient(engine.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)

	logger := logging.NewFromZap(zaptest.NewLogger(t))
	authz, err := auth.NewOPAAuthorizer(ctx, auth.DefaultConfig(), logger)
	require.NoError(t, err)

	f := &fixture{
		store:       storage.NewMemoryStore(),
		blobs:       &faultyBlobs{MemoryStore: blobstore.NewMemoryStore()},
		engine:      srv,
		queue:       jobs.NewMemoryQueue(),
		locker:      lock.NewMemoryLocker(),
		checkpoints: orchestrator.NewMemoryCheckpointStore(),
	}

	deps := Dependencies{
		Store:      f.store,
		Blobs:      f.blobs,
		Engine:     client,
		Authorizer: authz,
		Locker:     f.locker,
		Queue:      f.queue,
		Runner:     orchestrator.NewRunner(f.checkpoints, logger, orchestrator.RetryConfig{MaxAttempts: 1}),
		Logger:     logger,
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	f.svc, err = New(deps, cfg)
	require.NoError(t, err)
	return f
}

// seed stores an execution directly, bypassing the lifecycle
func (f *fixture) seed(t *testing.T, state models.State, mutate func(*models.WorkflowExecution)) *models.WorkflowExecution {
	t.Helper()
	exec := &models.WorkflowExecution{
		ID:                    uuid.NewString(),
		Name:                  "rnaseq run",
		Submitter:             alice.ID,
		State:                 state,
		WorkflowURL:           "https://github.com/nf-core/rnaseq",
		WorkflowType:          "NFL",
		WorkflowTypeVersion:   "DSL2",
		WorkflowEngine:        "nextflow",
		WorkflowEngineVersion: "23.10.0",
		Metadata:              map[string]any{"workflow_name": "nf-core/rnaseq", "workflow_version": "3.14.0"},
		Samples: []models.SamplesWorkflowExecution{
			{ID: uuid.NewString(), SampleID: "S1", SamplesheetParams: map[string]string{"fastq_1": "attachments/S1_R1.fastq.gz"}},
		},
	}
	if mutate != nil {
		mutate(exec)
	}
	require.NoError(t, f.store.Create(context.Background(), exec))
	return exec
}

// seedRun stores an execution with a submitted run that the fake engine
// reports in the remote state
func (f *fixture) seedRun(t *testing.T, state models.State, remote engine.RemoteState) *models.WorkflowExecution {
	t.Helper()
	runID := "run-" + uuid.NewString()[:8]
	f.engine.SetState(runID, remote)
	return f.seed(t, state, func(e *models.WorkflowExecution) {
		e.RunID = runID
		e.BlobRunDirectory = blobstore.NewRunDirectory()
	})
}

func (f *fixture) reload(t *testing.T, id string) *models.WorkflowExecution {
	t.Helper()
	exec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return exec
}

// assertRunIDInvariant checks that a run ID exists exactly when a run was submitted
func assertRunIDInvariant(t *testing.T, exec *models.WorkflowExecution) {
	t.Helper()
	switch exec.State {
	case models.StateInitial, models.StatePrepared:
		assert.Empty(t, exec.RunID, "run id in state %s", exec.State)
	case models.StateSubmitted, models.StateRunning, models.StateCompleting, models.StateCanceling, models.StateFinalized:
		assert.NotEmpty(t, exec.RunID, "run id in state %s", exec.State)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{}, DefaultConfig())
	require.Error(t, err)

	f := newFixture(t)
	assert.Equal(t, 15*time.Minute, f.svc.config.LockTTL)
}

func TestResultKind(t *testing.T) {
	retryable := map[Kind]bool{
		KindRemoteProtocol: true,
		KindStorage:        true,
		KindLocked:         true,
		KindInterrupted:    true,
	}
	for _, kind := range []Kind{KindValidation, KindInvalidState, KindStaleState, KindRemoteProtocol, KindStorage, KindNotFound, KindLocked, KindInterrupted} {
		assert.Equal(t, retryable[kind], kind.Retryable(), kind)
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.blobs.Put("attachments/S1_R1.fastq.gz", []byte("@read1"))

	created, err := f.svc.Create(ctx, alice, &models.NewExecutionRequest{
		Name:        "rnaseq run",
		WorkflowURL: "https://github.com/nf-core/rnaseq",
		Metadata:    map[string]any{"workflow_name": "nf-core/rnaseq", "workflow_version": "3.14.0"},
		Samples: []models.NewSample{
			{SampleID: "S1", SamplesheetParams: map[string]string{"fastq_1": "attachments/S1_R1.fastq.gz"}},
		},
	})
	require.NoError(t, err)
	require.True(t, created.OK, created.Message)
	id := created.ExecutionID
	assertRunIDInvariant(t, f.reload(t, id))

	steps := []struct {
		name  string
		run   func() (*Result, error)
		state models.State
	}{
		{"prepare", func() (*Result, error) { return f.svc.Prepare(ctx, alice, id) }, models.StatePrepared},
		{"submit", func() (*Result, error) { return f.svc.Submit(ctx, alice, id) }, models.StateSubmitted},
		{"poll running", func() (*Result, error) {
			f.engine.SetState(f.reload(t, id).RunID, engine.RemoteRunning)
			return f.svc.Poll(ctx, alice, id)
		}, models.StateRunning},
		{"poll complete", func() (*Result, error) {
			exec := f.reload(t, id)
			f.blobs.Put(exec.BlobRunDirectory+"/output/multiqc/report.html", []byte("<html/>"))
			f.engine.SetState(exec.RunID, engine.RemoteComplete)
			return f.svc.Poll(ctx, alice, id)
		}, models.StateCompleting},
		{"complete", func() (*Result, error) { return f.svc.Complete(ctx, alice, id) }, models.StateFinalized},
		{"cleanup", func() (*Result, error) { return f.svc.Cleanup(ctx, alice, id) }, models.StateFinalized},
	}

	for _, step := range steps {
		res, err := step.run()
		require.NoError(t, err, step.name)
		require.True(t, res.OK, "%s: %s", step.name, res)
		exec := f.reload(t, id)
		assert.Equal(t, step.state, exec.State, step.name)
		assertRunIDInvariant(t, exec)
	}

	exec := f.reload(t, id)
	assert.True(t, exec.Cleaned)
	assert.Empty(t, f.blobsUnder(exec.BlobRunDirectory))
	assert.True(t, f.blobs.exists(blobstore.DurableOutputKey(id, "multiqc/report.html")))

	res, err := f.svc.Destroy(ctx, alice, id)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	_, err = f.store.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func (f *fixture) blobsUnder(runDir string) []blobstore.ObjectInfo {
	objects, _ := f.blobs.List(context.Background(), blobstore.RunPrefix(runDir))
	return objects
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, alice, &models.NewExecutionRequest{
		Name:        "rnaseq run",
		WorkflowURL: "https://github.com/nf-core/rnaseq",
		Metadata:    map[string]any{"workflow_name": "nf-core/rnaseq", "workflow_version": "3.14.0"},
		Tags:        map[string]string{"project": "p1"},
		Samples:     []models.NewSample{{SampleID: "S1"}, {SampleID: "S2"}},
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, models.StateInitial, res.State)

	exec := f.reload(t, res.ExecutionID)
	assert.Equal(t, "alice", exec.Submitter)
	assert.Equal(t, "p1", exec.Tags["project"])
	require.Len(t, exec.Samples, 2)
	assert.NotEmpty(t, exec.Samples[0].ID)
	assert.Empty(t, exec.RunID)
	assert.False(t, exec.HasRunDirectory())

	assert.Equal(t, []jobs.Kind{jobs.KindPrepare}, f.queue.Kinds(exec.ID))
}

func TestCreate_MissingWorkflowName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, alice, &models.NewExecutionRequest{
		Name:        "rnaseq run",
		WorkflowURL: "https://github.com/nf-core/rnaseq",
		Metadata:    map[string]any{"workflow_version": "3.14.0"},
		Samples:     []models.NewSample{{SampleID: "S1"}},
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, KindValidation, res.Kind)
	assert.Equal(t, "Metadata root is missing required keys: workflow_name", res.Message)

	all, err := f.store.List(ctx, storage.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 0, f.queue.Len())
}

func TestCreate_WithoutAutoPrepare(t *testing.T) {
	f := newFixture(t, func(d *Dependencies, c *Config) { c.AutoPrepare = false })

	res, err := f.svc.Create(context.Background(), alice, &models.NewExecutionRequest{
		Name:        "rnaseq run",
		WorkflowURL: "https://github.com/nf-core/rnaseq",
		Metadata:    map[string]any{"workflow_name": "nf-core/rnaseq", "workflow_version": "3.14.0"},
		Samples:     []models.NewSample{{SampleID: "S1"}},
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 0, f.queue.Len())
}

func TestCreate_AnonymousDenied(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Create(context.Background(), models.Principal{}, &models.NewExecutionRequest{Name: "x"})
	require.Error(t, err)
	assert.Nil(t, res)

	var denied *auth.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "anonymous", denied.Rule)
}

func TestOperation_Locked(t *testing.T) {
	f := newFixture(t)
	exec := f.seed(t, models.StatePrepared, nil)

	release, err := f.locker.Acquire(context.Background(), exec.ID, time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	res, err := f.svc.Submit(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, KindLocked, res.Kind)
	assert.Empty(t, f.engine.Submitted())
}

func TestOperation_NotFound(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), alice, "missing")
	require.NoError(t, err)
	assert.Equal(t, KindNotFound, res.Kind)

	res, err = f.svc.Submit(context.Background(), alice, "")
	require.NoError(t, err)
	assert.Equal(t, KindValidation, res.Kind)
}

// racingStore lets another writer update the execution just before each Update
type racingStore struct {
	*storage.MemoryStore
	race func(exec *models.WorkflowExecution)
}

func (s *racingStore) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	if s.race != nil {
		race := s.race
		s.race = nil
		current, err := s.MemoryStore.Get(ctx, exec.ID)
		if err != nil {
			return err
		}
		race(current)
		if err := s.MemoryStore.Update(ctx, current); err != nil {
			return err
		}
	}
	return s.MemoryStore.Update(ctx, exec)
}

func TestOperation_StaleState(t *testing.T) {
	racing := &racingStore{MemoryStore: storage.NewMemoryStore()}
	f := newFixture(t, func(d *Dependencies, c *Config) { d.Store = racing })
	f.store = racing.MemoryStore

	exec := f.seedRun(t, models.StateRunning, engine.RemoteRunning)
	racing.race = func(current *models.WorkflowExecution) {
		// a completion poll wins the race
		current.State = models.StateCompleting
	}

	res, err := f.svc.Cancel(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, KindStaleState, res.Kind)
	assert.Equal(t, models.StateCompleting, f.reload(t, exec.ID).State)
	assert.Equal(t, 0, f.queue.Len())
}

func TestExecute_UnknownOperation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Execute(context.Background(), alice, Operation("explode"), "x")
	require.Error(t, err)
}
