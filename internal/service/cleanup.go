package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/blobstore"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/orchestrator"
	"github.com/global-data-controller/wesflow/internal/storage"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

// CleanupTaskPrefix prefixes the checkpoint IDs of cleanup tasks
const CleanupTaskPrefix = "cleanup:"

const (
	stepEnumerate   = "enumerate"
	stepDeleteAll   = "delete_all"
	stepMarkCleaned = "mark_cleaned"

	checkpointKeys         = "keys"
	checkpointRunDirectory = "run_directory"
)

// CleanupTaskID is the checkpoint ID of the cleanup task of an execution
func CleanupTaskID(executionID string) string {
	return CleanupTaskPrefix + executionID
}

// ExecutionIDFromTask extracts the execution ID from a cleanup task ID
func ExecutionIDFromTask(taskID string) (string, bool) {
	if !strings.HasPrefix(taskID, CleanupTaskPrefix) || len(taskID) == len(CleanupTaskPrefix) {
		return "", false
	}
	return strings.TrimPrefix(taskID, CleanupTaskPrefix), true
}

// Cleanup deletes every blob under the run directory of a terminal
// execution and marks it cleaned. It deletes nothing when the execution is
// already cleaned or has no run directory. Progress is checkpointed after
// listing and after deleting, so an interrupted cleanup resumes on the next
// call; deleting a blob that is already gone is not an error. When the
// execution was destroyed before its blobs were deleted, the run directory
// saved in the checkpoint by Destroy is cleaned instead.
func (s *Service) Cleanup(ctx context.Context, principal models.Principal, id string) (*Result, error) {
	res, err := s.withExecution(ctx, principal, auth.ActionCleanup, id, true, func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error) {
		return s.cleanup(ctx, exec), nil
	})
	if err != nil || res.Kind != KindNotFound || id == "" {
		return res, err
	}
	return s.cleanupDestroyed(ctx, id), nil
}

func (s *Service) cleanup(ctx context.Context, exec *models.WorkflowExecution) *Result {
	if exec.Cleaned {
		s.discardCleanup(ctx, exec.ID)
		return ok(exec, "already cleaned")
	}
	if !exec.HasRunDirectory() {
		return ok(exec, "no run directory; nothing to clean")
	}
	if !exec.State.CleanupEligible() {
		return failure(KindInvalidState, exec, "cannot clean up execution in state %s", exec.State)
	}
	return s.runCleanup(ctx, exec, true)
}

// cleanupDestroyed deletes the blobs of an execution whose record is gone,
// using the run directory kept in its cleanup checkpoint.
func (s *Service) cleanupDestroyed(ctx context.Context, id string) *Result {
	release, res := s.lockExecution(ctx, id)
	if res != nil {
		return res
	}
	defer release()

	cp, err := s.runner.Progress(ctx, CleanupTaskID(id))
	if err != nil {
		if errors.Is(err, orchestrator.ErrCheckpointNotFound) {
			return &Result{OK: true, ExecutionID: id, Message: "execution not found; nothing to clean"}
		}
		return &Result{Kind: KindStorage, ExecutionID: id, Message: fmt.Sprintf("failed to load cleanup checkpoint: %v", err)}
	}

	var runDir string
	if _, err := cp.Value(checkpointRunDirectory, &runDir); err != nil || runDir == "" {
		s.discardCleanup(ctx, id)
		return &Result{OK: true, ExecutionID: id, Message: "execution not found; nothing to clean"}
	}

	return s.runCleanup(ctx, &models.WorkflowExecution{ID: id, BlobRunDirectory: runDir}, false)
}

func (s *Service) discardCleanup(ctx context.Context, id string) {
	if err := s.runner.Discard(ctx, CleanupTaskID(id)); err != nil {
		s.logger.Warn(ctx, "Failed to discard cleanup checkpoint", zap.String("execution_id", id), zap.Error(err))
	}
}

// runCleanup runs the checkpointed cleanup of the run directory of exec.
// The mark_cleaned step runs only when the execution record still exists.
func (s *Service) runCleanup(ctx context.Context, exec *models.WorkflowExecution, markCleaned bool) *Result {
	start := time.Now()
	runDir := exec.BlobRunDirectory
	prefix := blobstore.RunPrefix(runDir)
	deleted := 0

	steps := []orchestrator.Step{
		{Name: stepEnumerate, Run: func(ctx context.Context, sc *orchestrator.StepContext) error {
			objects, err := s.blobs.List(ctx, prefix)
			if err != nil {
				return fmt.Errorf("failed to list %s: %w", prefix, err)
			}
			keys := make([]string, 0, len(objects))
			for _, obj := range objects {
				if strings.HasPrefix(obj.Key, prefix) {
					keys = append(keys, obj.Key)
				}
			}
			if err := sc.Store(checkpointRunDirectory, runDir); err != nil {
				return err
			}
			return sc.Store(checkpointKeys, keys)
		}},
		{Name: stepDeleteAll, Run: func(ctx context.Context, sc *orchestrator.StepContext) error {
			var keys []string
			if _, err := sc.Load(checkpointKeys, &keys); err != nil {
				return orchestrator.Permanent(err)
			}
			for _, key := range keys {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !strings.HasPrefix(key, prefix) {
					continue
				}
				if err := s.blobs.Delete(ctx, key); err != nil {
					return fmt.Errorf("failed to delete %s: %w", key, err)
				}
				deleted++
				_ = telemetry.IncrementCounter(ctx, "wesflow_blobs_deleted_total")
			}

			// blobs written after the listing
			n, err := blobstore.DeletePrefix(ctx, s.blobs, prefix)
			deleted += n
			return err
		}},
	}
	if markCleaned {
		steps = append(steps, orchestrator.Step{Name: stepMarkCleaned, Run: func(ctx context.Context, sc *orchestrator.StepContext) error {
			current, err := s.store.Get(ctx, exec.ID)
			if err != nil {
				// destroyed while cleaning; the blobs are gone either way
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			if current.Cleaned {
				return nil
			}
			current.Cleaned = true
			return s.store.Update(ctx, current)
		}})
	}

	report, err := s.runner.Run(ctx, &orchestrator.Task{ID: CleanupTaskID(exec.ID), Steps: steps})
	_ = telemetry.RecordDuration(ctx, "wesflow_cleanup", start)
	if err != nil {
		fields := append(logging.Execution(exec.ID, string(exec.State)),
			zap.String("run_directory", runDir),
			zap.Int("deleted", deleted),
			zap.Error(err))
		if errors.Is(err, orchestrator.ErrInterrupted) {
			s.logger.Warn(ctx, "Cleanup interrupted", fields...)
			_ = telemetry.IncrementCounter(ctx, "wesflow_cleanups_total", attribute.String("outcome", "interrupted"))
			return failure(KindInterrupted, exec, "cleanup interrupted after %d deletions; it resumes on the next run", deleted)
		}
		s.logger.Error(ctx, "Cleanup failed", fields...)
		_ = telemetry.IncrementCounter(ctx, "wesflow_cleanups_total", attribute.String("outcome", "failed"))
		return failure(KindStorage, exec, "cleanup failed: %v", err)
	}

	_ = telemetry.IncrementCounter(ctx, "wesflow_cleanups_total", attribute.String("outcome", "cleaned"))
	s.logger.Info(ctx, "Run directory cleaned",
		append(logging.Execution(exec.ID, string(exec.State)),
			zap.String("run_directory", runDir),
			zap.Int("deleted", deleted),
			zap.Bool("destroyed", !markCleaned),
			zap.Strings("skipped_steps", report.Skipped))...)

	return ok(exec, fmt.Sprintf("deleted %d blobs", deleted))
}
