package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compusophy/GroupWallet/internal/store/kv"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "lock:operation:vote:0xabc", Key(OpVote, "0xABC"))
	assert.Equal(t, "lock:operation:rebalance:global", Key(OpRebalance, ""))
}

func TestRegistry_AcquireRelease(t *testing.T) {
	store := kv.NewMemory()
	r := NewRegistry(store, nil)
	ctx := context.Background()

	h, err := r.Acquire(ctx, OpVote, "0xAA", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, h.Acquired())

	locked, err := r.IsLocked(ctx, OpVote, "0xaa")
	require.NoError(t, err)
	assert.True(t, locked)

	// A second acquisition fails while held.
	h2, err := r.Acquire(ctx, OpVote, "0xaa", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, h2.Acquired())

	h.Release(ctx)
	locked, _ = r.IsLocked(ctx, OpVote, "0xaa")
	assert.False(t, locked)

	// Releasing an unacquired handle is a no-op.
	h2.Release(ctx)
}

func TestHandle_ReleaseOnlyIfOwned(t *testing.T) {
	store := kv.NewMemory()
	r := NewRegistry(store, nil)
	ctx := context.Background()

	h, err := r.Acquire(ctx, OpSettlement, "0xaa", time.Minute)
	require.NoError(t, err)
	require.True(t, h.Acquired())

	// Simulate TTL expiry followed by another owner taking the lock.
	require.NoError(t, store.Del(ctx, Key(OpSettlement, "0xaa")))
	other, err := r.Acquire(ctx, OpSettlement, "0xaa", time.Minute)
	require.NoError(t, err)
	require.True(t, other.Acquired())

	// The stale handle must not release the new owner's lock.
	h.Release(ctx)
	locked, _ := r.IsLocked(ctx, OpSettlement, "0xaa")
	assert.True(t, locked)
}

func TestRegistry_AcquireWithRetry(t *testing.T) {
	store := kv.NewMemory()
	r := NewRegistry(store, nil)
	ctx := context.Background()

	held, err := r.Acquire(ctx, OpRebalance, "", time.Minute)
	require.NoError(t, err)
	require.True(t, held.Acquired())

	start := time.Now()
	h, err := r.AcquireWithRetry(ctx, OpRebalance, "", time.Minute, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, h.Acquired())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	held.Release(ctx)
	h, err = r.AcquireWithRetry(ctx, OpRebalance, "", time.Minute, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, h.Acquired())
}
