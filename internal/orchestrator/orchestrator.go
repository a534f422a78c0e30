package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/logging"
)

// ErrInterrupted marks a task that stopped because its context ended. The
// checkpoint is kept and the next Run resumes from the first incomplete step.
var ErrInterrupted = errors.New("task interrupted")

// StepFunc is the body of one step. It must be idempotent: a step that was
// interrupted is executed again from the start on resume.
type StepFunc func(ctx context.Context, sc *StepContext) error

// Step is a named unit of work inside a task
type Step struct {
	Name string
	Run  StepFunc
}

// Task is an ordered list of steps identified by a stable ID
type Task struct {
	ID    string
	Steps []Step
}

// RetryConfig defines retry behavior for failing steps
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        bool          `mapstructure:"jitter"`
}

// DefaultRetryConfig retries a step three times with exponential backoff
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Report summarizes one Run
type Report struct {
	TaskID   string
	Executed []string
	Skipped  []string
}

// StepContext gives a step access to the task checkpoint data
type StepContext struct {
	TaskID string
	Step   string
	cp     *Checkpoint
}

// Load decodes a value saved by an earlier step or an earlier attempt.
// It reports false when nothing was saved under key.
func (sc *StepContext) Load(key string, v any) (bool, error) {
	return sc.cp.Value(key, v)
}

// Store saves a value into the checkpoint. It is persisted when the step
// finishes, successfully or not.
func (sc *StepContext) Store(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint value %s: %w", key, err)
	}
	if sc.cp.Data == nil {
		sc.cp.Data = make(map[string]json.RawMessage)
	}
	sc.cp.Data[key] = raw
	return nil
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the runner does not retry the step
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Runner executes tasks step by step, recording a completion marker after
// each step so an interrupted task resumes where it stopped
type Runner struct {
	store  CheckpointStore
	logger logging.Logger
	retry  RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner persisting progress in store
func NewRunner(store CheckpointStore, logger logging.Logger, retry RetryConfig) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		store:  store,
		logger: logger,
		retry:  retry,
		sleep:  sleepContext,
	}
}

// Run executes every step of task that has no completion marker yet.
// When the context ends mid-task the returned error wraps ErrInterrupted.
// After the last step succeeds the checkpoint is deleted.
func (r *Runner) Run(ctx context.Context, task *Task) (*Report, error) {
	if task == nil || task.ID == "" {
		return nil, fmt.Errorf("task ID is required")
	}
	if err := validateSteps(task.Steps); err != nil {
		return nil, err
	}

	cp, err := r.store.LoadCheckpoint(ctx, task.ID)
	if err != nil {
		if !errors.Is(err, ErrCheckpointNotFound) {
			return nil, fmt.Errorf("failed to load checkpoint for %s: %w", task.ID, err)
		}
		cp = &Checkpoint{TaskID: task.ID, Data: make(map[string]json.RawMessage)}
	}

	report := &Report{TaskID: task.ID}
	for _, step := range task.Steps {
		if cp.IsCompleted(step.Name) {
			report.Skipped = append(report.Skipped, step.Name)
			r.logger.Debug(ctx, "Skipping completed step",
				zap.String("task_id", task.ID),
				zap.String("step", step.Name))
			continue
		}

		if ctx.Err() != nil {
			return report, r.interrupted(ctx, cp, step.Name, ctx.Err())
		}

		sc := &StepContext{TaskID: task.ID, Step: step.Name, cp: cp}
		if err := r.runStepWithRetry(ctx, step, sc); err != nil {
			if isContextErr(err) || ctx.Err() != nil {
				return report, r.interrupted(ctx, cp, step.Name, err)
			}
			if saveErr := r.save(ctx, cp); saveErr != nil {
				r.logger.Error(ctx, "Failed to save checkpoint after step failure",
					zap.String("task_id", task.ID), zap.Error(saveErr))
			}
			return report, fmt.Errorf("task %s step %s failed: %w", task.ID, step.Name, err)
		}

		cp.MarkCompleted(step.Name)
		if err := r.save(ctx, cp); err != nil {
			return report, fmt.Errorf("failed to checkpoint step %s of %s: %w", step.Name, task.ID, err)
		}
		report.Executed = append(report.Executed, step.Name)

		r.logger.Info(ctx, "Step completed",
			zap.String("task_id", task.ID),
			zap.String("step", step.Name))
	}

	if err := r.store.DeleteCheckpoint(ctx, task.ID); err != nil {
		r.logger.Warn(ctx, "Failed to delete finished checkpoint",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	return report, nil
}

// Progress returns the checkpoint of an unfinished task, if any
func (r *Runner) Progress(ctx context.Context, taskID string) (*Checkpoint, error) {
	return r.store.LoadCheckpoint(ctx, taskID)
}

// Seed saves a value into the checkpoint of a task before it runs, creating
// the checkpoint when needed. Completed steps are kept. Steps read the value
// through StepContext.Load.
func (r *Runner) Seed(ctx context.Context, taskID, key string, v any) error {
	if taskID == "" {
		return fmt.Errorf("task ID is required")
	}
	cp, err := r.store.LoadCheckpoint(ctx, taskID)
	if err != nil {
		if !errors.Is(err, ErrCheckpointNotFound) {
			return fmt.Errorf("failed to load checkpoint for %s: %w", taskID, err)
		}
		cp = &Checkpoint{TaskID: taskID}
	}
	sc := &StepContext{TaskID: taskID, cp: cp}
	if err := sc.Store(key, v); err != nil {
		return err
	}
	return r.save(ctx, cp)
}

// Discard drops the checkpoint of a task that will not be resumed
func (r *Runner) Discard(ctx context.Context, taskID string) error {
	return r.store.DeleteCheckpoint(ctx, taskID)
}

// Pending lists the checkpoints of unfinished tasks whose ID starts with prefix
func (r *Runner) Pending(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	return r.store.ListCheckpoints(ctx, prefix)
}

func (r *Runner) runStepWithRetry(ctx context.Context, step Step, sc *StepContext) error {
	attempts := r.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := step.Run(ctx, sc)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || isContextErr(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := r.calculateRetryDelay(attempt)
		r.logger.Warn(ctx, "Step failed, retrying",
			zap.String("task_id", sc.TaskID),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("step failed after %d attempts: %w", attempts, lastErr)
}

func (r *Runner) interrupted(ctx context.Context, cp *Checkpoint, step string, cause error) error {
	// the caller's context is done; persist with a detached one
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.save(saveCtx, cp); err != nil {
		r.logger.Error(ctx, "Failed to save checkpoint on interruption",
			zap.String("task_id", cp.TaskID), zap.Error(err))
	}

	r.logger.Warn(ctx, "Task interrupted",
		zap.String("task_id", cp.TaskID),
		zap.String("step", step),
		zap.Strings("completed_steps", cp.CompletedSteps),
		zap.Error(cause))
	return fmt.Errorf("task %s at step %s: %w", cp.TaskID, step, errors.Join(ErrInterrupted, cause))
}

func (r *Runner) save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	return r.store.SaveCheckpoint(ctx, cp)
}

func (r *Runner) calculateRetryDelay(attempt int) time.Duration {
	factor := r.retry.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := time.Duration(float64(r.retry.InitialDelay) * math.Pow(factor, float64(attempt)))

	if r.retry.MaxDelay > 0 && delay > r.retry.MaxDelay {
		delay = r.retry.MaxDelay
	}

	if r.retry.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("task must have at least one step")
	}
	var names []string
	for _, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("step name is required")
		}
		if step.Run == nil {
			return fmt.Errorf("step %s has no body", step.Name)
		}
		if slices.Contains(names, step.Name) {
			return fmt.Errorf("duplicate step name: %s", step.Name)
		}
		names = append(names, step.Name)
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
