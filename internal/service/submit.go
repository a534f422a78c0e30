package service

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/engine"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
)

// Submit starts the run on the execution engine. A prepared execution
// becomes submitted with the returned run ID; any engine failure leaves it
// prepared without a run ID.
func (s *Service) Submit(ctx context.Context, principal models.Principal, id string) (*Result, error) {
	return s.withExecution(ctx, principal, auth.ActionSubmit, id, true, func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error) {
		staged, tr, rejected := s.apply(ctx, exec, models.EventSubmit)
		if rejected != nil {
			return rejected, nil
		}

		runID, err := s.engine.SubmitRun(ctx, runRequest(exec))
		if err != nil {
			s.logger.Warn(ctx, "Engine refused submission",
				append(logging.Execution(exec.ID, string(exec.State)), zap.Error(err))...)
			return failure(KindRemoteProtocol, exec, "submission failed: %v", err), nil
		}

		staged.RunID = runID
		res := s.commit(ctx, principal, staged, tr)
		if !res.OK {
			// the engine accepted a run we could not record
			s.logger.Error(ctx, "Submitted run was not recorded",
				append(logging.Execution(exec.ID, string(exec.State)),
					zap.String("run_id", runID),
					zap.String("reason", res.Message))...)
		}
		return res, nil
	})
}

func runRequest(exec *models.WorkflowExecution) *engine.RunRequest {
	params := maps.Clone(exec.WorkflowParams)
	if params == nil {
		params = make(map[string]any)
	}
	engineParams := maps.Clone(exec.WorkflowEngineParameters)
	if engineParams == nil {
		engineParams = make(map[string]string)
	}
	tags := maps.Clone(exec.Tags)
	if tags == nil {
		tags = make(map[string]string)
	}
	tags["execution_id"] = exec.ID

	return &engine.RunRequest{
		WorkflowParams:           params,
		WorkflowType:             exec.WorkflowType,
		WorkflowTypeVersion:      exec.WorkflowTypeVersion,
		WorkflowEngine:           exec.WorkflowEngine,
		WorkflowEngineVersion:    exec.WorkflowEngineVersion,
		WorkflowEngineParameters: engineParams,
		WorkflowURL:              exec.WorkflowURL,
		Tags:                     tags,
	}
}
