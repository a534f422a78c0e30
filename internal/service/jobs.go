package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/models"
)

// Operation names a lifecycle operation that runs on one execution
type Operation string

const (
	OpPrepare  Operation = "prepare"
	OpSubmit   Operation = "submit"
	OpPoll     Operation = "poll"
	OpStatus   Operation = "status"
	OpCancel   Operation = "cancel"
	OpComplete Operation = "complete"
	OpCleanup  Operation = "cleanup"
	OpDestroy  Operation = "destroy"
)

// Operations lists every operation accepted by Execute
var Operations = []Operation{OpPrepare, OpSubmit, OpPoll, OpStatus, OpCancel, OpComplete, OpCleanup, OpDestroy}

// Execute runs the named operation. OpStatus only polls; OpPoll also applies
// the polled state.
func (s *Service) Execute(ctx context.Context, principal models.Principal, op Operation, id string) (*Result, error) {
	switch op {
	case OpPrepare:
		return s.Prepare(ctx, principal, id)
	case OpSubmit:
		return s.Submit(ctx, principal, id)
	case OpPoll:
		return s.Poll(ctx, principal, id)
	case OpStatus:
		return s.PollStatus(ctx, principal, id)
	case OpCancel:
		return s.Cancel(ctx, principal, id)
	case OpComplete:
		return s.Complete(ctx, principal, id)
	case OpCleanup:
		return s.Cleanup(ctx, principal, id)
	case OpDestroy:
		return s.Destroy(ctx, principal, id)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

var jobOperations = map[jobs.Kind]Operation{
	jobs.KindPrepare:  OpPrepare,
	jobs.KindSubmit:   OpSubmit,
	jobs.KindPoll:     OpPoll,
	jobs.KindCancel:   OpCancel,
	jobs.KindComplete: OpComplete,
	jobs.KindCleanup:  OpCleanup,
}

// HandleJob runs a queued job and chains the follow-up job: a prepared
// execution is submitted and a completing one is completed. Only failures
// worth retrying are returned as errors.
func (s *Service) HandleJob(ctx context.Context, job jobs.Job) error {
	op, known := jobOperations[job.Kind]
	if !known {
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}

	res, err := s.Execute(ctx, job.Principal, op, job.ExecutionID)
	if err != nil {
		var denied *auth.DeniedError
		if errors.As(err, &denied) {
			s.logger.Warn(ctx, "Dropping unauthorized job",
				zap.String("kind", string(job.Kind)),
				zap.String("execution_id", job.ExecutionID),
				zap.String("principal", job.Principal.ID),
				zap.String("rule", denied.Rule))
			return nil
		}
		return err
	}

	if !res.OK {
		if res.Kind.Retryable() {
			return fmt.Errorf("%s job for %s: %s", job.Kind, job.ExecutionID, res)
		}
		// stale and invalid states mean another operation already moved on
		s.logger.Info(ctx, "Job not applicable",
			zap.String("kind", string(job.Kind)),
			zap.String("execution_id", job.ExecutionID),
			zap.String("result", string(res.Kind)),
			zap.String("message", res.Message))
		return nil
	}

	switch {
	case job.Kind == jobs.KindPrepare && res.State == models.StatePrepared:
		s.enqueue(ctx, jobs.KindSubmit, job.ExecutionID)
	case job.Kind == jobs.KindPoll && res.State == models.StateCompleting:
		s.enqueue(ctx, jobs.KindComplete, job.ExecutionID)
	}
	return nil
}
