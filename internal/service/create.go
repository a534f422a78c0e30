package service

import (
	"context"
	"errors"
	"maps"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/storage"
)

// Create validates req and persists a new execution in the initial state
// with principal as submitter. An invalid request persists and enqueues
// nothing.
func (s *Service) Create(ctx context.Context, principal models.Principal, req *models.NewExecutionRequest) (*Result, error) {
	if err := auth.Check(ctx, s.authz, principal, auth.ActionCreate, nil); err != nil {
		return nil, err
	}

	if err := models.ValidateNew(req); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			s.logger.Info(ctx, "Execution request rejected", zap.String("field", ve.Field), zap.String("reason", ve.Message))
			return &Result{Kind: KindValidation, Message: ve.Message, State: models.StateInitial}, nil
		}
		return &Result{Kind: KindValidation, Message: err.Error(), State: models.StateInitial}, nil
	}

	exec := &models.WorkflowExecution{
		ID:                       uuid.NewString(),
		Name:                     req.Name,
		Submitter:                principal.ID,
		State:                    models.StateInitial,
		WorkflowURL:              req.WorkflowURL,
		WorkflowType:             req.WorkflowType,
		WorkflowTypeVersion:      req.WorkflowTypeVersion,
		WorkflowEngine:           req.WorkflowEngine,
		WorkflowEngineVersion:    req.WorkflowEngineVersion,
		WorkflowEngineParameters: maps.Clone(req.WorkflowEngineParameters),
		WorkflowParams:           maps.Clone(req.WorkflowParams),
		Tags:                     maps.Clone(req.Tags),
		Metadata:                 maps.Clone(req.Metadata),
		SamplesheetColumns:       append([]models.SamplesheetColumn(nil), req.SamplesheetColumns...),
	}
	for _, sample := range req.Samples {
		exec.Samples = append(exec.Samples, models.SamplesWorkflowExecution{
			ID:                uuid.NewString(),
			SampleID:          sample.SampleID,
			SamplesheetParams: maps.Clone(sample.SamplesheetParams),
		})
	}

	if err := s.store.Create(ctx, exec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return failure(KindInvalidState, exec, "execution %s already exists", exec.ID), nil
		}
		return failure(KindStorage, exec, "failed to save execution: %v", err), nil
	}

	s.logger.Info(ctx, "Execution created",
		append(logging.Execution(exec.ID, string(exec.State)),
			zap.String("submitter", exec.Submitter),
			zap.Int("samples", len(exec.Samples)))...)

	if s.config.AutoPrepare {
		s.enqueue(ctx, jobs.KindPrepare, exec.ID)
	}
	return ok(exec, "execution created"), nil
}
