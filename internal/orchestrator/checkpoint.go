package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrCheckpointNotFound is returned when a task has no saved progress
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is the persisted progress of a task
type Checkpoint struct {
	TaskID         string                     `json:"task_id"`
	CompletedSteps []string                   `json:"completed_steps"`
	Data           map[string]json.RawMessage `json:"data,omitempty"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// IsCompleted reports whether the step has a completion marker
func (c *Checkpoint) IsCompleted(step string) bool {
	return slices.Contains(c.CompletedSteps, step)
}

// Value decodes the data saved under key. It reports false when nothing
// was saved.
func (c *Checkpoint) Value(key string, v any) (bool, error) {
	raw, ok := c.Data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode checkpoint value %s: %w", key, err)
	}
	return true, nil
}

// MarkCompleted records a completion marker for step
func (c *Checkpoint) MarkCompleted(step string) {
	if !c.IsCompleted(step) {
		c.CompletedSteps = append(c.CompletedSteps, step)
	}
}

// CheckpointStore persists task checkpoints
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, taskID string) error
	ListCheckpoints(ctx context.Context, prefix string) ([]*Checkpoint, error)
}

// MemoryCheckpointStore implements CheckpointStore in memory.
// Progress does not survive a restart; use the Postgres store in production.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates a new memory-based checkpoint store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]*Checkpoint),
	}
}

// SaveCheckpoint stores a copy of cp
func (m *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.TaskID == "" {
		return fmt.Errorf("checkpoint task ID is required")
	}

	cpCopy, err := deepCopyCheckpoint(cp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.TaskID] = cpCopy
	return nil
}

// LoadCheckpoint returns a copy of the saved checkpoint
func (m *MemoryCheckpointStore) LoadCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, exists := m.checkpoints[taskID]
	if !exists {
		return nil, fmt.Errorf("%s: %w", taskID, ErrCheckpointNotFound)
	}
	return deepCopyCheckpoint(cp)
}

// DeleteCheckpoint removes a checkpoint; deleting a missing one is a no-op
func (m *MemoryCheckpointStore) DeleteCheckpoint(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, taskID)
	return nil
}

// ListCheckpoints returns checkpoints whose task ID starts with prefix
func (m *MemoryCheckpointStore) ListCheckpoints(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Checkpoint
	for id, cp := range m.checkpoints {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		cpCopy, err := deepCopyCheckpoint(cp)
		if err != nil {
			continue
		}
		results = append(results, cpCopy)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	return results, nil
}

// Len returns the number of stored checkpoints
func (m *MemoryCheckpointStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkpoints)
}

func deepCopyCheckpoint(cp *Checkpoint) (*Checkpoint, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &out, nil
}
