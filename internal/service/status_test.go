package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/wesflow/internal/engine"
	"github.com/global-data-controller/wesflow/internal/eventbus"
	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/models"
)

func TestPollStatus(t *testing.T) {
	f := newFixture(t)
	exec := f.seedRun(t, models.StateRunning, engine.RemoteSystemError)

	res, err := f.svc.PollStatus(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, engine.SymbolError, res.Symbol)

	// polling alone never changes the execution
	after := f.reload(t, exec.ID)
	assert.Equal(t, models.StateRunning, after.State)
	assert.Equal(t, 0, f.queue.Len())

	res, err = f.svc.ApplyStatus(context.Background(), alice, exec.ID, res.Symbol)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, models.StateError, res.State)
	assert.Equal(t, models.StateError, f.reload(t, exec.ID).State)
	assert.Equal(t, []jobs.Kind{jobs.KindCleanup}, f.queue.Kinds(exec.ID))
}

func TestPollStatus_Failures(t *testing.T) {
	t.Run("No Run", func(t *testing.T) {
		f := newFixture(t)
		exec := f.seed(t, models.StatePrepared, nil)

		res, err := f.svc.PollStatus(context.Background(), alice, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, KindInvalidState, res.Kind)
		assert.Empty(t, f.engine.Requests())
	})

	t.Run("Engine Error", func(t *testing.T) {
		f := newFixture(t)
		exec := f.seedRun(t, models.StateSubmitted, engine.RemoteRunning)
		f.engine.StatusStatus = 503

		res, err := f.svc.PollStatus(context.Background(), alice, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, KindRemoteProtocol, res.Kind)
		assert.True(t, res.Kind.Retryable())
	})

	t.Run("Missing State", func(t *testing.T) {
		f := newFixture(t)
		exec := f.seedRun(t, models.StateSubmitted, engine.RemoteRunning)
		f.engine.RawStatusBody = `{"run_id":"` + exec.RunID + `"}`

		res, err := f.svc.PollStatus(context.Background(), alice, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, KindRemoteProtocol, res.Kind)
	})

	t.Run("Stranger", func(t *testing.T) {
		f := newFixture(t)
		exec := f.seedRun(t, models.StateSubmitted, engine.RemoteRunning)

		_, err := f.svc.PollStatus(context.Background(), mallory, exec.ID)
		require.Error(t, err)
		assert.Empty(t, f.engine.Requests())
	})
}

func TestPoll_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    models.State
		remote  engine.RemoteState
		want    models.State
		cleanup bool
	}{
		{"submitted queued", models.StateSubmitted, engine.RemoteQueued, models.StateRunning, false},
		{"submitted initializing", models.StateSubmitted, engine.RemoteInitializing, models.StateRunning, false},
		{"submitted complete", models.StateSubmitted, engine.RemoteComplete, models.StateCompleting, false},
		{"running still running", models.StateRunning, engine.RemoteRunning, models.StateRunning, false},
		{"running complete", models.StateRunning, engine.RemoteComplete, models.StateCompleting, false},
		{"running canceled", models.StateRunning, engine.RemoteCanceled, models.StateCanceled, true},
		{"running executor error", models.StateRunning, engine.RemoteExecutorError, models.StateError, true},
		{"submitted system error", models.StateSubmitted, engine.RemoteSystemError, models.StateError, true},
		{"canceling confirmed", models.StateCanceling, engine.RemoteCanceling, models.StateCanceled, true},
		{"canceling finished anyway", models.StateCanceling, engine.RemoteComplete, models.StateCanceled, true},
		{"canceling failed", models.StateCanceling, engine.RemoteExecutorError, models.StateCanceled, true},
		{"canceling still running", models.StateCanceling, engine.RemoteRunning, models.StateCanceling, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			exec := f.seedRun(t, tt.from, tt.remote)
			before := f.reload(t, exec.ID)

			res, err := f.svc.Poll(context.Background(), alice, exec.ID)
			require.NoError(t, err)
			require.True(t, res.OK, res.Message)
			assert.Equal(t, tt.want, res.State)

			after := f.reload(t, exec.ID)
			assert.Equal(t, tt.want, after.State)
			assert.Equal(t, exec.RunID, after.RunID)
			if tt.want == tt.from {
				assert.Equal(t, before.Version, after.Version, "unchanged state is not persisted")
			}
			if tt.cleanup {
				assert.Equal(t, []jobs.Kind{jobs.KindCleanup}, f.queue.Kinds(exec.ID))
			} else {
				assert.Empty(t, f.queue.Kinds(exec.ID))
			}
		})
	}
}

func TestPoll_UnknownRemoteState(t *testing.T) {
	f := newFixture(t)
	exec := f.seedRun(t, models.StateRunning, engine.RemoteRunning)
	before := f.reload(t, exec.ID)
	f.engine.RawStatusBody = `{"run_id":"` + exec.RunID + `","state":"PAUSED"}`

	res, err := f.svc.Poll(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, engine.SymbolUnknown, res.Symbol)

	after := f.reload(t, exec.ID)
	assert.Equal(t, models.StateRunning, after.State)
	assert.Equal(t, before.Version, after.Version)
}

func TestApplyStatus_Rejected(t *testing.T) {
	f := newFixture(t)
	exec := f.seedRun(t, models.StateFinalized, engine.RemoteComplete)

	res, err := f.svc.ApplyStatus(context.Background(), alice, exec.ID, engine.SymbolCompleting)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, KindInvalidState, res.Kind)
	assert.Equal(t, engine.SymbolCompleting, res.Symbol)
	assert.Equal(t, models.StateFinalized, f.reload(t, exec.ID).State)
}

func TestApplyStatus_PublishesTransition(t *testing.T) {
	bus := eventbus.NewMemoryEventBus(eventbus.DefaultMemoryConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = bus.Close() })

	received := make(chan *eventbus.Event, 1)
	require.NoError(t, bus.SubscribeToEventType(context.Background(), eventbus.EventTypeExecutionTransitioned,
		eventbus.EventHandlerFunc(func(ctx context.Context, event *eventbus.Event) error {
			received <- event
			return nil
		})))

	f := newFixture(t, func(d *Dependencies, c *Config) { d.Events = bus })
	exec := f.seedRun(t, models.StateSubmitted, engine.RemoteRunning)

	res, err := f.svc.Poll(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	require.True(t, res.OK)

	select {
	case event := <-received:
		var data eventbus.ExecutionTransitionedEvent
		require.NoError(t, eventbus.ParseEventData(event, &data))
		assert.Equal(t, exec.ID, data.ExecutionID)
		assert.Equal(t, "submitted", data.From)
		assert.Equal(t, "remote_running", data.Event)
		assert.Equal(t, "running", data.To)
		assert.Equal(t, "alice", data.PrincipalID)
		assert.Equal(t, exec.RunID, data.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("transition event not published")
	}
}

func TestCancel_SubmittedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.seedRun(t, models.StateSubmitted, engine.RemoteQueued)
	f.engine.CancelRunID = "cancel123"

	res, err := f.svc.Cancel(ctx, alice, exec.ID)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, models.StateCanceling, res.State)

	after := f.reload(t, exec.ID)
	assert.Equal(t, models.StateCanceling, after.State)
	assert.Equal(t, "cancel123", after.RunID)
	assert.Contains(t, f.engine.Requests(), "POST /runs/"+exec.RunID+"/cancel")
	assert.Empty(t, f.queue.Kinds(exec.ID))

	// the engine confirms on the next poll
	f.engine.SetState("cancel123", engine.RemoteCanceling)
	res, err = f.svc.Poll(ctx, alice, exec.ID)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, models.StateCanceled, f.reload(t, exec.ID).State)
	assert.Equal(t, []jobs.Kind{jobs.KindCleanup}, f.queue.Kinds(exec.ID))
}

func TestCancel_Again(t *testing.T) {
	f := newFixture(t)
	exec := f.seedRun(t, models.StateCanceling, engine.RemoteCanceling)

	res, err := f.svc.Cancel(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, models.StateCanceling, f.reload(t, exec.ID).State)
}

func TestCancel_Initial(t *testing.T) {
	f := newFixture(t)
	exec := f.seed(t, models.StateInitial, nil)

	res, err := f.svc.Cancel(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)

	after := f.reload(t, exec.ID)
	assert.Equal(t, models.StateCanceled, after.State)
	assert.True(t, after.Cleaned)
	assert.Empty(t, after.RunID)
	assert.Equal(t, []string{"POST /runs//cancel"}, f.engine.Requests())
	assert.Empty(t, f.queue.Kinds(exec.ID))
}

func TestCancel_Prepared(t *testing.T) {
	f := newFixture(t)
	exec := f.seed(t, models.StatePrepared, func(e *models.WorkflowExecution) {
		e.BlobRunDirectory = "prepared-run"
	})

	res, err := f.svc.Cancel(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)

	after := f.reload(t, exec.ID)
	assert.Equal(t, models.StateCanceled, after.State)
	assert.False(t, after.Cleaned)
	assert.Empty(t, after.RunID)
	assert.Equal(t, []jobs.Kind{jobs.KindCleanup}, f.queue.Kinds(exec.ID))
}

func TestCancel_EngineRefuses(t *testing.T) {
	f := newFixture(t)
	exec := f.seedRun(t, models.StateRunning, engine.RemoteRunning)
	f.engine.CancelStatus = 500

	res, err := f.svc.Cancel(context.Background(), alice, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, KindRemoteProtocol, res.Kind)

	after := f.reload(t, exec.ID)
	assert.Equal(t, models.StateRunning, after.State)
	assert.Equal(t, exec.RunID, after.RunID)
}

func TestCancel_Terminal(t *testing.T) {
	for _, state := range []models.State{models.StateFinalized, models.StateCompleting, models.StateError, models.StateCanceled} {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(t)
			exec := f.seedRun(t, state, engine.RemoteComplete)

			res, err := f.svc.Cancel(context.Background(), alice, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, KindInvalidState, res.Kind)
			assert.Empty(t, f.engine.Requests())
			assert.Equal(t, state, f.reload(t, exec.ID).State)
		})
	}
}

func TestCancel_Stranger(t *testing.T) {
	f := newFixture(t)
	exec := f.seedRun(t, models.StateRunning, engine.RemoteRunning)

	_, err := f.svc.Cancel(context.Background(), mallory, exec.ID)
	require.Error(t, err)
	assert.Empty(t, f.engine.Requests())
	assert.Equal(t, models.StateRunning, f.reload(t, exec.ID).State)
}
