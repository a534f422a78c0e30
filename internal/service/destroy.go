package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/eventbus"
	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/storage"
)

// Destroy removes the execution record with its samples and inputs once
// the execution is terminal. Blobs are left to the cleanup job: a run
// directory that was not cleaned yet is saved in the cleanup checkpoint
// first, so the job can still find it once the record is gone.
func (s *Service) Destroy(ctx context.Context, principal models.Principal, id string) (*Result, error) {
	return s.withExecution(ctx, principal, auth.ActionDestroy, id, true, func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error) {
		if !exec.State.Destroyable() {
			return failure(KindInvalidState, exec, "cannot destroy execution in state %s", exec.State), nil
		}

		pendingCleanup := !exec.Cleaned && exec.HasRunDirectory()
		if pendingCleanup {
			if err := s.runner.Seed(ctx, CleanupTaskID(exec.ID), checkpointRunDirectory, exec.BlobRunDirectory); err != nil {
				return failure(KindStorage, exec, "failed to save run directory for cleanup: %v", err), nil
			}
		}

		if err := s.store.Delete(ctx, exec.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return failure(KindNotFound, exec, "execution %s not found", exec.ID), nil
			}
			return failure(KindStorage, exec, "failed to delete execution: %v", err), nil
		}

		s.logger.Info(ctx, "Execution destroyed",
			append(logging.Execution(exec.ID, string(exec.State)),
				zap.String("principal", principal.ID),
				zap.Bool("cleaned", exec.Cleaned))...)

		s.publish(ctx, eventbus.NewExecutionDestroyedEvent(s.config.Source, &eventbus.ExecutionDestroyedEvent{
			ExecutionID: exec.ID,
			State:       string(exec.State),
			PrincipalID: principal.ID,
		}, ""))

		if pendingCleanup {
			s.enqueue(ctx, jobs.KindCleanup, exec.ID)
		}

		return ok(exec, "execution destroyed"), nil
	})
}
