package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/global-data-controller/wesflow/internal/models"
)

var (
	// ErrNotFound is returned when no execution has the requested ID
	ErrNotFound = errors.New("execution not found")
	// ErrStaleState is returned when an update was based on an outdated version
	ErrStaleState = errors.New("execution was modified concurrently")
	// ErrAlreadyExists is returned when creating an execution with a used ID
	ErrAlreadyExists = errors.New("execution already exists")
)

// StoreError wraps a storage failure with the operation and execution involved
type StoreError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *StoreError) Error() string {
	if e.ExecutionID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ExecutionFilter narrows List results. Zero values match everything.
type ExecutionFilter struct {
	States          []models.State
	Cleaned         *bool
	HasRunDirectory *bool
	Limit           int
}

func (f ExecutionFilter) matches(e *models.WorkflowExecution) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if e.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Cleaned != nil && e.Cleaned != *f.Cleaned {
		return false
	}
	if f.HasRunDirectory != nil && e.HasRunDirectory() != *f.HasRunDirectory {
		return false
	}
	return true
}

// ExecutionStore persists workflow execution aggregates. Update replaces the
// whole aggregate (samples and inputs included) and fails with ErrStaleState
// when the stored version differs from the one the caller read.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.WorkflowExecution) error
	Get(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Update(ctx context.Context, exec *models.WorkflowExecution) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error)
}

// Bool returns a pointer to b for filter fields
func Bool(b bool) *bool {
	return &b
}
