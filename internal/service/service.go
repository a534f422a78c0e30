// Package service implements the workflow execution lifecycle operations.
//
// Every operation takes an execution ID and the acting principal and returns
// a *Result. Expected failures (bad input, wrong state, engine or storage
// trouble) are reported in the Result and leave the execution untouched.
// The error return is reserved for authorization: a denial comes back as
// *auth.DeniedError.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/blobstore"
	"github.com/global-data-controller/wesflow/internal/engine"
	"github.com/global-data-controller/wesflow/internal/eventbus"
	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/lock"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/orchestrator"
	"github.com/global-data-controller/wesflow/internal/storage"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

// Kind classifies a failed operation
type Kind string

const (
	KindValidation     Kind = "validation"
	KindInvalidState   Kind = "invalid_state"
	KindStaleState     Kind = "stale_state"
	KindRemoteProtocol Kind = "remote_protocol"
	KindStorage        Kind = "storage"
	KindNotFound       Kind = "not_found"
	KindLocked         Kind = "locked"
	KindInterrupted    Kind = "interrupted"
)

// Retryable reports whether running the operation again may succeed
func (k Kind) Retryable() bool {
	switch k {
	case KindRemoteProtocol, KindStorage, KindLocked, KindInterrupted:
		return true
	default:
		return false
	}
}

// Result is the outcome of a lifecycle operation
type Result struct {
	OK          bool
	Kind        Kind
	Message     string
	ExecutionID string
	// State is the execution state after the operation
	State models.State
	// Symbol is set by PollStatus
	Symbol engine.Symbol
}

func (r *Result) String() string {
	if r.OK {
		return fmt.Sprintf("ok: %s (%s)", r.ExecutionID, r.State)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

func ok(exec *models.WorkflowExecution, message string) *Result {
	return &Result{OK: true, Message: message, ExecutionID: exec.ID, State: exec.State}
}

func failure(kind Kind, exec *models.WorkflowExecution, format string, args ...any) *Result {
	r := &Result{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if exec != nil {
		r.ExecutionID = exec.ID
		r.State = exec.State
	}
	return r
}

// Config tunes the lifecycle operations
type Config struct {
	// AutoPrepare enqueues a prepare job for every created execution
	AutoPrepare bool          `mapstructure:"auto_prepare"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	// Source is the event source name on published events
	Source string `mapstructure:"source"`
}

// DefaultConfig returns the default service configuration
func DefaultConfig() Config {
	return Config{
		AutoPrepare: true,
		LockTTL:     15 * time.Minute,
		Source:      "wesflow",
	}
}

// Dependencies are the ports the lifecycle operations run against.
// Events is optional.
type Dependencies struct {
	Store      storage.ExecutionStore
	Blobs      blobstore.Store
	Engine     engine.Client
	Authorizer auth.Authorizer
	Locker     lock.Locker
	Queue      jobs.Queue
	Events     eventbus.EventBus
	Runner     *orchestrator.Runner
	Logger     logging.Logger
}

// Service runs the lifecycle operations
type Service struct {
	store  storage.ExecutionStore
	blobs  blobstore.Store
	engine engine.Client
	authz  auth.Authorizer
	locker lock.Locker
	queue  jobs.Queue
	events eventbus.EventBus
	runner *orchestrator.Runner
	logger logging.Logger
	config Config
}

// New creates the service. Every dependency except Events and Logger is required.
func New(deps Dependencies, config Config) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("execution store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("engine client is required")
	case deps.Authorizer == nil:
		return nil, fmt.Errorf("authorizer is required")
	case deps.Locker == nil:
		return nil, fmt.Errorf("locker is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("job queue is required")
	case deps.Runner == nil:
		return nil, fmt.Errorf("task runner is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultConfig().LockTTL
	}
	if config.Source == "" {
		config.Source = DefaultConfig().Source
	}

	return &Service{
		store:  deps.Store,
		blobs:  deps.Blobs,
		engine: deps.Engine,
		authz:  deps.Authorizer,
		locker: deps.Locker,
		queue:  deps.Queue,
		events: deps.Events,
		runner: deps.Runner,
		logger: logger,
		config: config,
	}, nil
}

type operation func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error)

// withExecution loads the execution, authorizes the action and runs op.
// With exclusive set the per-execution lock is held for the whole call.
func (s *Service) withExecution(ctx context.Context, principal models.Principal, action auth.Action, id string, exclusive bool, op operation) (*Result, error) {
	if id == "" {
		return &Result{Kind: KindValidation, Message: "execution ID is required"}, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "service."+string(action))
	defer span.End()

	if exclusive {
		release, res := s.lockExecution(ctx, id)
		if res != nil {
			return res, nil
		}
		defer release()
	}

	exec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Result{Kind: KindNotFound, ExecutionID: id, Message: fmt.Sprintf("execution %s not found", id)}, nil
		}
		return &Result{Kind: KindStorage, ExecutionID: id, Message: fmt.Sprintf("failed to load execution: %v", err)}, nil
	}

	if err := auth.Check(ctx, s.authz, principal, action, exec); err != nil {
		var denied *auth.DeniedError
		if errors.As(err, &denied) {
			s.logger.Warn(ctx, "Operation denied",
				zap.String("execution_id", id),
				zap.String("principal", principal.ID),
				zap.String("action", string(action)),
				zap.String("rule", denied.Rule))
		}
		return nil, err
	}

	return op(ctx, exec)
}

// lockExecution takes the per-execution lock. On failure it returns the
// result to report instead of a release func.
func (s *Service) lockExecution(ctx context.Context, id string) (func(), *Result) {
	release, err := s.locker.Acquire(ctx, id, s.config.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, &Result{Kind: KindLocked, ExecutionID: id, Message: "another operation is running on this execution"}
		}
		return nil, &Result{Kind: KindStorage, ExecutionID: id, Message: fmt.Sprintf("failed to acquire lock: %v", err)}
	}
	return func() {
		// the operation context may already be done
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn(ctx, "Failed to release execution lock", zap.String("execution_id", id), zap.Error(err))
		}
	}, nil
}

// apply runs event through the state machine on a copy of exec
func (s *Service) apply(ctx context.Context, exec *models.WorkflowExecution, event models.Event) (*models.WorkflowExecution, models.TransitionResult, *Result) {
	staged, err := exec.Clone()
	if err != nil {
		return nil, models.TransitionResult{}, failure(KindStorage, exec, "%v", err)
	}

	tr, err := staged.Apply(event)
	if err != nil {
		_ = telemetry.IncrementCounter(ctx, "wesflow_transitions_rejected_total",
			attribute.String("state", string(exec.State)), attribute.String("event", string(event)))
		s.logger.Info(ctx, "Transition rejected",
			append(logging.Execution(exec.ID, string(exec.State)), zap.String("event", string(event)), zap.Error(err))...)
		return nil, models.TransitionResult{}, failure(KindInvalidState, exec, "%v", err)
	}
	return staged, tr, nil
}

// commit persists a staged transition and carries out its side effects
func (s *Service) commit(ctx context.Context, principal models.Principal, staged *models.WorkflowExecution, tr models.TransitionResult) *Result {
	if res := s.persist(ctx, staged); res != nil {
		return res
	}

	_ = telemetry.IncrementCounter(ctx, "wesflow_transitions_total",
		attribute.String("from", string(tr.From)),
		attribute.String("event", string(tr.Event)),
		attribute.String("to", string(tr.To)))

	s.logger.Info(ctx, "Execution transitioned",
		append(logging.Execution(staged.ID, string(staged.State)),
			zap.String("from", string(tr.From)),
			zap.String("event", string(tr.Event)),
			zap.String("run_id", staged.RunID))...)

	s.publish(ctx, eventbus.NewExecutionTransitionedEvent(s.config.Source, &eventbus.ExecutionTransitionedEvent{
		ExecutionID: staged.ID,
		From:        string(tr.From),
		Event:       string(tr.Event),
		To:          string(tr.To),
		PrincipalID: principal.ID,
		RunID:       staged.RunID,
	}, ""))

	if tr.ScheduleCleanup {
		s.enqueue(ctx, jobs.KindCleanup, staged.ID)
	}
	return ok(staged, string(tr.Event)+" accepted")
}

func (s *Service) persist(ctx context.Context, staged *models.WorkflowExecution) *Result {
	if err := s.store.Update(ctx, staged); err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return failure(KindStaleState, staged, "execution was changed by another operation")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return failure(KindNotFound, staged, "execution %s not found", staged.ID)
		}
		return failure(KindStorage, staged, "failed to save execution: %v", err)
	}
	return nil
}

// enqueue schedules a follow-up job as the system principal. A failure is
// logged; the periodic sweeps pick the execution up again.
func (s *Service) enqueue(ctx context.Context, kind jobs.Kind, executionID string) {
	err := s.queue.Enqueue(ctx, jobs.Job{Kind: kind, ExecutionID: executionID, Principal: models.SystemPrincipal})
	if err != nil {
		s.logger.Error(ctx, "Failed to enqueue job",
			zap.String("kind", string(kind)),
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, event *eventbus.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger.Warn(ctx, "Failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("execution_id", event.Subject),
			zap.Error(err))
	}
}
