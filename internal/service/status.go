package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/engine"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
)

// PollStatus asks the engine for the run state and returns its local symbol
// in Result.Symbol. It never changes the execution.
func (s *Service) PollStatus(ctx context.Context, principal models.Principal, id string) (*Result, error) {
	return s.withExecution(ctx, principal, auth.ActionStatus, id, false, func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error) {
		if exec.RunID == "" {
			return failure(KindInvalidState, exec, "execution has no run to poll"), nil
		}

		status, err := s.engine.GetRunStatus(ctx, exec.RunID)
		if err != nil {
			return failure(KindRemoteProtocol, exec, "status request failed: %v", err), nil
		}

		symbol := engine.MapState(status.State)
		s.logger.Debug(ctx, "Run status polled",
			append(logging.Execution(exec.ID, string(exec.State)),
				zap.String("run_id", exec.RunID),
				zap.String("remote_state", string(status.State)),
				zap.String("symbol", string(symbol)))...)

		res := ok(exec, "remote state "+string(status.State))
		res.Symbol = symbol
		return res, nil
	})
}

// statusEvent picks the state machine event for a polled symbol. A false
// return means the symbol changes nothing for the current state.
func statusEvent(state models.State, symbol engine.Symbol) (models.Event, bool) {
	if state == models.StateCanceling {
		switch symbol {
		case engine.SymbolCanceled, engine.SymbolCompleting, engine.SymbolError:
			// the run is over either way
			return models.EventCancelConfirmed, true
		default:
			return "", false
		}
	}

	switch symbol {
	case engine.SymbolRunning:
		if state == models.StateRunning {
			return "", false
		}
		return models.EventRemoteRunning, true
	case engine.SymbolCompleting:
		return models.EventRemoteComplete, true
	case engine.SymbolCanceled:
		return models.EventRemoteCanceled, true
	case engine.SymbolError:
		return models.EventRemoteError, true
	default:
		return "", false
	}
}

// ApplyStatus applies a polled symbol through the state machine. Transitions
// into canceled or error enqueue a cleanup job. An unknown symbol is
// transient and changes nothing.
func (s *Service) ApplyStatus(ctx context.Context, principal models.Principal, id string, symbol engine.Symbol) (*Result, error) {
	return s.withExecution(ctx, principal, auth.ActionStatus, id, true, func(ctx context.Context, exec *models.WorkflowExecution) (*Result, error) {
		event, changes := statusEvent(exec.State, symbol)
		if !changes {
			res := ok(exec, "no change for remote state "+string(symbol))
			res.Symbol = symbol
			return res, nil
		}

		staged, tr, rejected := s.apply(ctx, exec, event)
		if rejected != nil {
			rejected.Symbol = symbol
			return rejected, nil
		}

		res := s.commit(ctx, principal, staged, tr)
		res.Symbol = symbol
		return res, nil
	})
}

// Poll runs PollStatus and applies the symbol it returns
func (s *Service) Poll(ctx context.Context, principal models.Principal, id string) (*Result, error) {
	res, err := s.PollStatus(ctx, principal, id)
	if err != nil || !res.OK || res.Symbol.Transient() {
		return res, err
	}
	return s.ApplyStatus(ctx, principal, id, res.Symbol)
}
