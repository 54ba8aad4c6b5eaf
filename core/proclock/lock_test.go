package proclock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/storage"
)

// --- Test Helpers ---

func setupLock(t *testing.T) (*Lock, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	return New(store, zap.NewNop(), nil), store
}

// --- Test Cases ---

// TestLock_AcquireAndRelease covers the basic lease cycle.
func TestLock_AcquireAndRelease(t *testing.T) {
	l, _ := setupLock(t)
	ctx := context.Background()

	holder, err := l.TryAcquire(ctx, "proc-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "proc-1", holder)

	locked, err := l.IsLocked(ctx)
	require.NoError(t, err)
	require.True(t, locked)

	current, err := l.CurrentHolder(ctx)
	require.NoError(t, err)
	require.Equal(t, "proc-1", current)

	require.NoError(t, l.Release(ctx, "proc-1"))

	locked, err = l.IsLocked(ctx)
	require.NoError(t, err)
	require.False(t, locked)
}

// TestLock_ContentionReturnsEmpty verifies a second holder cannot take a live
// lease; contention is reported as ("", nil), not as an error.
func TestLock_ContentionReturnsEmpty(t *testing.T) {
	l, _ := setupLock(t)
	ctx := context.Background()

	_, err := l.TryAcquire(ctx, "proc-1", time.Minute)
	require.NoError(t, err)

	holder, err := l.TryAcquire(ctx, "proc-2", time.Minute)
	require.NoError(t, err)
	require.Empty(t, holder)

	// The original holder still owns the lease.
	current, err := l.CurrentHolder(ctx)
	require.NoError(t, err)
	require.Equal(t, "proc-1", current)
}

// TestLock_StaleLeaseIsReclaimed simulates a crashed processor: its lease ages
// past the threshold and a new holder takes over.
func TestLock_StaleLeaseIsReclaimed(t *testing.T) {
	l, _ := setupLock(t)
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	_, err := l.TryAcquire(ctx, "crashed-proc", time.Minute)
	require.NoError(t, err)

	// Within the threshold the lease holds.
	l.now = func() time.Time { return now.Add(30 * time.Second) }
	holder, err := l.TryAcquire(ctx, "proc-2", time.Minute)
	require.NoError(t, err)
	require.Empty(t, holder)
	require.False(t, l.WasStaleRecovered())

	// Past the threshold it is reclaimed.
	l.now = func() time.Time { return now.Add(2 * time.Minute) }
	holder, err = l.TryAcquire(ctx, "proc-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "proc-2", holder)
	require.True(t, l.WasStaleRecovered())

	current, err := l.CurrentHolder(ctx)
	require.NoError(t, err)
	require.Equal(t, "proc-2", current)
}

// TestLock_LateReleaseByEvictedHolderIsNoOp pins the reclaim edge case: the
// crashed holder coming back and releasing must not steal the lease from the
// holder that legitimately reclaimed it.
func TestLock_LateReleaseByEvictedHolderIsNoOp(t *testing.T) {
	l, _ := setupLock(t)
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }
	_, err := l.TryAcquire(ctx, "old-proc", time.Minute)
	require.NoError(t, err)

	l.now = func() time.Time { return now.Add(5 * time.Minute) }
	holder, err := l.TryAcquire(ctx, "new-proc", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "new-proc", holder)

	// The evicted holder wakes up and releases "its" lock.
	require.NoError(t, l.Release(ctx, "old-proc"))

	current, err := l.CurrentHolder(ctx)
	require.NoError(t, err)
	require.Equal(t, "new-proc", current, "late release must not clear the new holder's lease")
}

// TestLock_SurvivesRestart verifies the lease is durable: a fresh Lock over
// the same store still sees the holder.
func TestLock_SurvivesRestart(t *testing.T) {
	l1, store := setupLock(t)
	ctx := context.Background()

	_, err := l1.TryAcquire(ctx, "proc-1", time.Minute)
	require.NoError(t, err)

	l2 := New(store, zap.NewNop(), nil)
	locked, err := l2.IsLocked(ctx)
	require.NoError(t, err)
	require.True(t, locked)

	holder, err := l2.TryAcquire(ctx, "proc-2", time.Minute)
	require.NoError(t, err)
	require.Empty(t, holder, "a fresh process must respect the persisted lease")
}

// TestLock_ForceRelease covers the operational escape hatch.
func TestLock_ForceRelease(t *testing.T) {
	l, _ := setupLock(t)
	ctx := context.Background()

	_, err := l.TryAcquire(ctx, "proc-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.ForceRelease(ctx))

	locked, err := l.IsLocked(ctx)
	require.NoError(t, err)
	require.False(t, locked)

	// Idempotent on an already unlocked store.
	require.NoError(t, l.ForceRelease(ctx))
}

// TestLock_EmptyHolderIDRejected guards the identity requirement.
func TestLock_EmptyHolderIDRejected(t *testing.T) {
	l, _ := setupLock(t)
	ctx := context.Background()

	_, err := l.TryAcquire(ctx, "", time.Minute)
	require.ErrorIs(t, err, ErrEmptyHolderID)
	require.ErrorIs(t, l.Release(ctx, ""), ErrEmptyHolderID)
}
