package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	release, err := locker.Acquire(ctx, "exec-1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "exec-1", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	other, err := locker.Acquire(ctx, "exec-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	again, err := locker.Acquire(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	now := time.Unix(1000, 0)
	locker.now = func() time.Time { return now }

	stale, err := locker.Acquire(ctx, "exec-1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := locker.Acquire(ctx, "exec-1", time.Second)
	require.NoError(t, err)

	// the expired holder must not release the new owner's lock
	require.NoError(t, stale(ctx))
	_, err = locker.Acquire(ctx, "exec-1", time.Second)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, fresh(ctx))
}

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.Acquire(ctx, "exec-1", time.Minute); err == nil {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired.Load())
}

func TestMemoryLocker_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLocker().Acquire(ctx, "exec-1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
