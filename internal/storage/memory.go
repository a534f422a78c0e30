package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/global-data-controller/wesflow/internal/models"
)

// MemoryStore keeps executions in process memory. Stored aggregates are deep
// copies, so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*models.WorkflowExecution
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory execution store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*models.WorkflowExecution),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(ctx context.Context, exec *models.WorkflowExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[exec.ID]; exists {
		return &StoreError{Op: "create", ExecutionID: exec.ID, Err: ErrAlreadyExists}
	}

	now := m.now()
	exec.Version = 1
	exec.CreatedAt = now
	exec.UpdatedAt = now

	stored, err := exec.Clone()
	if err != nil {
		return &StoreError{Op: "create", ExecutionID: exec.ID, Err: err}
	}
	m.executions[exec.ID] = stored
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.executions[id]
	if !ok {
		return nil, &StoreError{Op: "get", ExecutionID: id, Err: ErrNotFound}
	}
	return stored.Clone()
}

func (m *MemoryStore) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.executions[exec.ID]
	if !ok {
		return &StoreError{Op: "update", ExecutionID: exec.ID, Err: ErrNotFound}
	}
	if stored.Version != exec.Version {
		return &StoreError{Op: "update", ExecutionID: exec.ID, Err: ErrStaleState}
	}

	exec.Version++
	exec.CreatedAt = stored.CreatedAt
	exec.UpdatedAt = m.now()

	next, err := exec.Clone()
	if err != nil {
		exec.Version--
		return &StoreError{Op: "update", ExecutionID: exec.ID, Err: err}
	}
	m.executions[exec.ID] = next
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[id]; !ok {
		return &StoreError{Op: "delete", ExecutionID: id, Err: ErrNotFound}
	}
	delete(m.executions, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*models.WorkflowExecution
	for _, stored := range m.executions {
		if !filter.matches(stored) {
			continue
		}
		clone, err := stored.Clone()
		if err != nil {
			return nil, &StoreError{Op: "list", ExecutionID: stored.ID, Err: err}
		}
		results = append(results, clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}
