// Package lock serializes operations on one execution across workers.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned when another holder owns the key
var ErrLocked = errors.New("lock is held by another owner")

// Release gives the lock back. Releasing an expired lock is not an error.
type Release func(ctx context.Context) error

// Locker acquires short-lived exclusive locks keyed by execution ID
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Config selects and tunes the lock backend
type Config struct {
	Backend   string        `mapstructure:"backend"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryLocker creates a process-local locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.locks[key]; ok && now.Before(held.expires) {
		return nil, ErrLocked
	}

	token := uuid.NewString()
	m.locks[key] = memoryEntry{token: token, expires: now.Add(ttl)}

	return func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if held, ok := m.locks[key]; ok && held.token == token {
			delete(m.locks, key)
		}
		return nil
	}, nil
}
