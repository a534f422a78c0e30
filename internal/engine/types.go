package engine

import (
	"context"
	"fmt"
)

// RemoteState is a run state reported by the execution engine
type RemoteState string

const (
	RemoteQueued        RemoteState = "QUEUED"
	RemoteInitializing  RemoteState = "INITIALIZING"
	RemoteRunning       RemoteState = "RUNNING"
	RemoteComplete      RemoteState = "COMPLETE"
	RemoteCanceling     RemoteState = "CANCELING"
	RemoteCanceled      RemoteState = "CANCELED"
	RemoteExecutorError RemoteState = "EXECUTOR_ERROR"
	RemoteSystemError   RemoteState = "SYSTEM_ERROR"
)

// Symbol is the local meaning of a remote state
type Symbol string

const (
	SymbolRunning    Symbol = "running"
	SymbolCompleting Symbol = "completing"
	SymbolCanceled   Symbol = "canceled"
	SymbolError      Symbol = "error"
	// SymbolUnknown marks a state we do not understand; poll again later
	SymbolUnknown Symbol = "unknown"
)

// MapState translates a remote state into a local symbol. It has no side
// effects. Unmapped states become SymbolUnknown, never SymbolError.
func MapState(state RemoteState) Symbol {
	switch state {
	case RemoteComplete:
		return SymbolCompleting
	case RemoteRunning, RemoteQueued, RemoteInitializing:
		return SymbolRunning
	case RemoteCanceling, RemoteCanceled:
		return SymbolCanceled
	case RemoteExecutorError, RemoteSystemError:
		return SymbolError
	default:
		return SymbolUnknown
	}
}

// Transient reports whether the symbol carries no actionable information
func (s Symbol) Transient() bool {
	return s == SymbolUnknown
}

// RunRequest is the body of POST /runs
type RunRequest struct {
	WorkflowParams           map[string]any    `json:"workflow_params"`
	WorkflowType             string            `json:"workflow_type"`
	WorkflowTypeVersion      string            `json:"workflow_type_version"`
	WorkflowEngine           string            `json:"workflow_engine"`
	WorkflowEngineVersion    string            `json:"workflow_engine_version"`
	WorkflowEngineParameters map[string]string `json:"workflow_engine_parameters"`
	WorkflowURL              string            `json:"workflow_url"`
	Tags                     map[string]string `json:"tags"`
}

// RunID is the body returned by submit and cancel
type RunID struct {
	RunID string `json:"run_id"`
}

// RunStatus is the body of GET /runs/{run_id}/status
type RunStatus struct {
	RunID string      `json:"run_id"`
	State RemoteState `json:"state"`
}

// Client talks to the execution engine
type Client interface {
	SubmitRun(ctx context.Context, req *RunRequest) (string, error)
	GetRunStatus(ctx context.Context, runID string) (*RunStatus, error)
	CancelRun(ctx context.Context, runID string) (string, error)
}

// ProtocolError is any failed exchange with the engine: transport failure,
// non-2xx status or a body that cannot be understood
type ProtocolError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("engine %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("engine %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
