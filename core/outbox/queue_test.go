package outbox

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/atomictxn"
	"github.com/halovital/halovital-core/core/journal"
	"github.com/halovital/halovital-core/core/storage"
)

// --- Test Helpers ---

func setupQueue(t *testing.T, cfg Config) (*Queue, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	jnl := journal.New(store, zap.NewNop(), nil)
	coord := atomictxn.New(store, jnl, zap.NewNop(), nil)
	q := NewQueue(store, coord, nil, cfg, zap.NewNop(), nil)
	return q, store
}

// fixQueueClock pins the queue's clock and returns a function to advance it.
func fixQueueClock(q *Queue) func(d time.Duration) time.Time {
	current := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }
	return func(d time.Duration) time.Time {
		current = current.Add(d)
		return current
	}
}

func newOp(opType string, pri Priority) *PendingOperation {
	return &PendingOperation{
		EntityID:   "patient-42",
		EntityType: "patient",
		OpType:     opType,
		Priority:   pri,
	}
}

// --- Test Cases ---

// TestQueue_EnqueueFillsIdentityAndCount checks that enqueue assigns ids,
// stamps scheduling fields and bumps the durable pending counter atomically
// with the row.
func TestQueue_EnqueueFillsIdentityAndCount(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	op := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, op))

	require.NotEmpty(t, op.OpID)
	require.NotEmpty(t, op.IdempotencyKey)
	require.Equal(t, StatePending, op.DeliveryState)
	require.Zero(t, op.Attempts)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	stored, err := q.Get(ctx, op.OpID)
	require.NoError(t, err)
	require.Equal(t, op.OpID, stored.OpID)
	require.Equal(t, PriorityNormal, stored.Priority)
}

// TestQueue_EnqueueRejectsBadInput covers the validation edge cases: missing
// entity identity and out-of-range priorities never reach the store.
func TestQueue_EnqueueRejectsBadInput(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	err := q.Enqueue(ctx, &PendingOperation{OpType: "vitals_sync", Priority: PriorityNormal})
	require.ErrorIs(t, err, ErrEmptyEntity)

	op := newOp("vitals_sync", Priority(99))
	err = q.Enqueue(ctx, op)
	require.ErrorIs(t, err, ErrUnknownPriority)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

// TestQueue_SelectionOrder verifies the core scheduling rule: priority tier
// first (emergency, high, normal, low), then enqueue time within a tier.
func TestQueue_SelectionOrder(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	advance := fixQueueClock(q)
	ctx := context.Background()

	first := newOp("medication_log", PriorityLow)
	require.NoError(t, q.Enqueue(ctx, first))

	advance(time.Second)
	olderNormal := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, olderNormal))

	advance(time.Second)
	newerNormal := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, newerNormal))

	advance(time.Second)
	high := newOp("alert_dispatch", PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, high))

	advance(time.Second)
	sos := newOp("sos_dispatch", PriorityEmergency)
	require.NoError(t, q.Enqueue(ctx, sos))

	ops, err := q.NextEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 5)

	got := make([]string, len(ops))
	for i, op := range ops {
		got[i] = op.OpID
	}
	require.Equal(t, []string{sos.OpID, high.OpID, olderNormal.OpID, newerNormal.OpID, first.OpID}, got,
		"order must be priority tier first, then enqueue time within a tier")
}

// TestQueue_AcknowledgeRemovesRowAndDecrementsCount checks terminal success:
// the row is gone, the counter is back down, and the index no longer offers
// the op.
func TestQueue_AcknowledgeRemovesRowAndDecrementsCount(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	op := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, op))
	require.NoError(t, q.MarkSent(ctx, op.OpID))
	require.NoError(t, q.Acknowledge(ctx, op.OpID))

	_, err := q.Get(ctx, op.OpID)
	require.ErrorIs(t, err, ErrOpNotFound)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Zero(t, q.IndexSize())

	// Acknowledging twice is a not-found error, not silent corruption.
	require.ErrorIs(t, q.Acknowledge(ctx, op.OpID), ErrOpNotFound)
}

// TestQueue_RetryBackoffGatesEligibility verifies the exponential backoff: a
// failed operation is invisible to NextEligible until its window elapses, and
// the delay doubles per attempt.
func TestQueue_RetryBackoffGatesEligibility(t *testing.T) {
	q, _ := setupQueue(t, Config{MaxAttempts: 5, BackoffBase: 30 * time.Second, BackoffCap: time.Hour})
	advance := fixQueueClock(q)
	ctx := context.Background()

	op := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, op))

	require.NoError(t, q.MarkSent(ctx, op.OpID))
	require.NoError(t, q.RecordFailure(ctx, op.OpID, errors.New("network unreachable")))

	stored, err := q.Get(ctx, op.OpID)
	require.NoError(t, err)
	require.Equal(t, StatePending, stored.DeliveryState)
	require.Equal(t, 1, stored.Attempts)

	ops, err := q.NextEligible(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ops, "a backed-off operation must not be offered early")

	advance(30 * time.Second)
	ops, err = q.NextEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	// Second failure doubles the delay.
	require.NoError(t, q.MarkSent(ctx, op.OpID))
	require.NoError(t, q.RecordFailure(ctx, op.OpID, errors.New("still unreachable")))

	advance(30 * time.Second)
	ops, err = q.NextEligible(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ops, "second retry must wait the doubled delay")

	advance(30 * time.Second)
	ops, err = q.NextEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
}

// TestQueue_BackoffDelayCaps pins the growth curve against the cap.
func TestQueue_BackoffDelayCaps(t *testing.T) {
	q, _ := setupQueue(t, Config{BackoffBase: 30 * time.Second, BackoffCap: time.Hour, MaxAttempts: 100})

	require.Equal(t, 30*time.Second, q.backoffDelay(1))
	require.Equal(t, time.Minute, q.backoffDelay(2))
	require.Equal(t, 2*time.Minute, q.backoffDelay(3))
	require.Equal(t, 16*time.Minute, q.backoffDelay(6))
	require.Equal(t, time.Hour, q.backoffDelay(8))
	require.Equal(t, time.Hour, q.backoffDelay(30), "delay must never exceed the cap")
}

// TestQueue_EmergencyBypassesBackoff is the safety rule: an emergency
// operation stays eligible no matter how many times delivery has failed.
func TestQueue_EmergencyBypassesBackoff(t *testing.T) {
	q, _ := setupQueue(t, Config{MaxAttempts: 5})
	fixQueueClock(q)
	ctx := context.Background()

	op := newOp("sos_dispatch", PriorityEmergency)
	require.NoError(t, q.Enqueue(ctx, op))

	require.NoError(t, q.MarkSent(ctx, op.OpID))
	require.NoError(t, q.RecordFailure(ctx, op.OpID, errors.New("carrier timeout")))

	ops, err := q.NextEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1, "emergency operations must remain immediately eligible after a failure")
	require.Equal(t, 1, ops[0].Attempts)
}

// TestQueue_ExhaustedAttemptsMoveToFailedStore verifies the terminal failure
// path: at MaxAttempts the op leaves the pending queue and lands in the
// bounded failed store with its reason.
func TestQueue_ExhaustedAttemptsMoveToFailedStore(t *testing.T) {
	q, _ := setupQueue(t, Config{MaxAttempts: 2})
	advance := fixQueueClock(q)
	ctx := context.Background()

	op := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, op))

	require.NoError(t, q.MarkSent(ctx, op.OpID))
	require.NoError(t, q.RecordFailure(ctx, op.OpID, errors.New("attempt 1 failed")))
	advance(time.Hour)
	require.NoError(t, q.MarkSent(ctx, op.OpID))
	require.NoError(t, q.RecordFailure(ctx, op.OpID, errors.New("attempt 2 failed")))

	_, err := q.Get(ctx, op.OpID)
	require.ErrorIs(t, err, ErrOpNotFound, "an exhausted op must leave the pending container")

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	failed, err := q.Failed().List(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, op.OpID, failed[0].Operation.OpID)
	require.Equal(t, "attempt 2 failed", failed[0].Reason)
	require.Equal(t, StateFailed, failed[0].Operation.DeliveryState)
}

// TestQueue_RetryAllFailedRequeues covers the operational recovery path:
// failed operations return to pending with a fresh attempt budget.
func TestQueue_RetryAllFailedRequeues(t *testing.T) {
	q, _ := setupQueue(t, Config{MaxAttempts: 1})
	fixQueueClock(q)
	ctx := context.Background()

	op := newOp("alert_dispatch", PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, op))
	require.NoError(t, q.MarkSent(ctx, op.OpID))
	require.NoError(t, q.RecordFailure(ctx, op.OpID, errors.New("gone")))

	n, err := q.RetryAllFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := q.Get(ctx, op.OpID)
	require.NoError(t, err)
	require.Equal(t, StatePending, stored.DeliveryState)
	require.Zero(t, stored.Attempts)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	failedLen, err := q.Failed().Len(ctx)
	require.NoError(t, err)
	require.Zero(t, failedLen)

	// Idempotent on an empty failed store.
	n, err = q.RetryAllFailed(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// TestQueue_RebuildIndexReconcilesCounter simulates a restart with a drifted
// counter: the rebuild must trust the rows and fix the counter.
func TestQueue_RebuildIndexReconcilesCounter(t *testing.T) {
	q, store := setupQueue(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newOp("vitals_sync", PriorityNormal)))
	}

	// Corrupt the counter behind the queue's back.
	require.NoError(t, store.Put(ctx, MetaContainer, pendingCountKey, encodeCount(17)))

	// A restarted process rebuilds its index from the same store.
	jnl := journal.New(store, zap.NewNop(), nil)
	coord := atomictxn.New(store, jnl, zap.NewNop(), nil)
	q2 := NewQueue(store, coord, nil, Config{}, zap.NewNop(), nil)
	require.NoError(t, q2.RebuildIndex(ctx))

	count, err := q2.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, 3, q2.IndexSize())

	ops, err := q2.NextEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
}

// TestQueue_RebuildIndexResetsInFlightOperations simulates a crash between
// MarkSent and the acknowledgement: the row survives in the sent state, which
// nothing selects. The boot rebuild must return it to pending so it is
// retried instead of stranded forever.
func TestQueue_RebuildIndexResetsInFlightOperations(t *testing.T) {
	q, store := setupQueue(t, Config{})
	ctx := context.Background()

	op := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, op))
	require.NoError(t, q.MarkSent(ctx, op.OpID))

	// The process "crashes" here; a fresh queue boots over the same store.
	jnl := journal.New(store, zap.NewNop(), nil)
	coord := atomictxn.New(store, jnl, zap.NewNop(), nil)
	q2 := NewQueue(store, coord, nil, Config{}, zap.NewNop(), nil)
	require.NoError(t, q2.RebuildIndex(ctx))

	ops, err := q2.NextEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1, "the in-flight operation must be selectable again")
	require.Equal(t, op.OpID, ops[0].OpID)
	require.Equal(t, StatePending, ops[0].DeliveryState)

	stored, err := q2.Get(ctx, op.OpID)
	require.NoError(t, err)
	require.Equal(t, StatePending, stored.DeliveryState, "the reset must be durable, not index-only")
}

// TestQueue_ConcurrentEnqueuesKeepCounterExact drives the counter from several
// goroutines at once; the durable count must equal the row count without
// waiting for a rebuild to reconcile drift.
func TestQueue_ConcurrentEnqueuesKeepCounterExact(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	const workers = 4
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := q.Enqueue(ctx, newOp("vitals_sync", PriorityNormal)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, workers*perWorker, count)
	require.Equal(t, workers*perWorker, q.IndexSize())
}

// TestQueue_InvalidStateTransitionsRejected pins the delivery state machine.
func TestQueue_InvalidStateTransitionsRejected(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	op := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, op))
	require.NoError(t, q.MarkSent(ctx, op.OpID))

	// sent -> sent is not a legal transition.
	require.ErrorIs(t, q.MarkSent(ctx, op.OpID), ErrInvalidTransition)
}

// TestQueue_ExportWritesPendingAndFailed exercises the JSON-lines export used
// for support diagnostics.
func TestQueue_ExportWritesPendingAndFailed(t *testing.T) {
	q, _ := setupQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	keep := newOp("vitals_sync", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, keep))

	doomed := newOp("alert_dispatch", PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, doomed))
	require.NoError(t, q.MarkSent(ctx, doomed.OpID))
	require.NoError(t, q.RecordFailure(ctx, doomed.OpID, errors.New("bad endpoint")))

	var buf bytes.Buffer
	require.NoError(t, q.Export(ctx, &buf))

	out := buf.String()
	require.Contains(t, out, keep.OpID)
	require.Contains(t, out, doomed.OpID)
	require.Contains(t, out, `"kind":"pending"`)
	require.Contains(t, out, `"kind":"failed"`)
}
