package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
)

// Cancel asks the engine to cancel the run and moves the execution toward
// canceled. The cancel request is sent even when no run was ever submitted,
// using the empty run ID; in that case the engine's answer is only logged
// and the execution goes straight to canceled. A submitted execution whose
// cancel request fails keeps its state.
func (s *Service) Cancel(ctx context.Context, principal models.Principal, id string) (*Result, error) {
	return s.withExecution(ctx, principal, auth.ActionCancel, id, true, func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error) {
		staged, tr, rejected := s.apply(ctx, exec, models.EventCancel)
		if rejected != nil {
			return rejected, nil
		}

		runID, err := s.engine.CancelRun(ctx, exec.RunID)
		switch {
		case err != nil && exec.RunID == "":
			s.logger.Info(ctx, "Engine rejected cancel of an unsubmitted run",
				append(logging.Execution(exec.ID, string(exec.State)), zap.Error(err))...)
		case err != nil:
			s.logger.Warn(ctx, "Engine refused cancellation",
				append(logging.Execution(exec.ID, string(exec.State)), zap.String("run_id", exec.RunID), zap.Error(err))...)
			return failure(KindRemoteProtocol, exec, "cancel request failed: %v", err), nil
		case exec.RunID != "" && runID != "":
			staged.RunID = runID
		}

		return s.commit(ctx, principal, staged, tr), nil
	})
}
