package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/atomictxn"
	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/storage"
)

// Config tunes the queue. Zero values get the defaults below.
type Config struct {
	// MaxAttempts before an operation moves to the failed store.
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the first retry delay; each further attempt doubles it.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffCap bounds the exponential growth.
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// FailedLimit bounds the failed-operations store.
	FailedLimit int `yaml:"failed_limit"`
	// StrictInvariants panics on invariant breaches instead of recording
	// telemetry. Development only.
	StrictInvariants bool `yaml:"strict_invariants"`
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.FailedLimit <= 0 {
		c.FailedLimit = 500
	}
}

// Queue is the durable priority outbox. Mutations that touch both the
// operation row and the pending counter go through the coordinator so the
// count can never drift from the rows it describes.
type Queue struct {
	store     storage.ContainerStore
	coord     *atomictxn.Coordinator
	validator *PayloadValidator
	failed    *FailedStore
	index     *selectionIndex
	logger    *zap.Logger
	observer  observer.Observer
	cfg       Config

	// mu serializes counter read-modify-write cycles so concurrent mutations
	// cannot interleave between reading the count and committing count+1.
	mu sync.Mutex

	now func() time.Time
}

// NewQueue wires a Queue. Call RebuildIndex before first use; boot does this
// right after journal replay.
func NewQueue(store storage.ContainerStore, coord *atomictxn.Coordinator, validator *PayloadValidator, cfg Config, logger *zap.Logger, obs observer.Observer) *Queue {
	cfg.applyDefaults()
	if obs == nil {
		obs = observer.Nop()
	}
	q := &Queue{
		store:     store,
		coord:     coord,
		validator: validator,
		index:     newSelectionIndex(),
		logger:    logger,
		observer:  obs,
		cfg:       cfg,
		now:       time.Now,
	}
	q.failed = newFailedStore(store, cfg.FailedLimit, logger, obs)
	return q
}

// Enqueue validates, fills in identity and scheduling fields, and writes the
// operation row plus the pending counter in one atomic transaction.
func (q *Queue) Enqueue(ctx context.Context, op *PendingOperation) error {
	if op.EntityID == "" || op.EntityType == "" {
		return ErrEmptyEntity
	}
	if _, ok := priorityNames[op.Priority]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPriority, int(op.Priority))
	}
	if q.validator != nil && len(op.Payload) > 0 {
		if err := q.validator.Validate(op.OpType, op.Payload); err != nil {
			q.observer.OnEvent(observer.EventPayloadRejected, map[string]string{"op_type": op.OpType})
			return err
		}
	}

	now := q.now()
	if op.OpID == "" {
		op.OpID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	op.DeliveryState = StatePending
	op.Attempts = 0
	op.CreatedAt = now
	op.UpdatedAt = now
	op.NextEligibleAt = now

	encoded, err := op.encode()
	if err != nil {
		return fmt.Errorf("failed to encode operation %s: %w", op.OpID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	count, err := q.PendingCount(ctx)
	if err != nil {
		return err
	}
	res := q.coord.Run(ctx, "outbox.enqueue", []atomictxn.Op{
		{Container: PendingContainer, Key: op.OpID, Value: encoded},
		{Container: MetaContainer, Key: pendingCountKey, Value: encodeCount(count + 1)},
	})
	if !res.Succeeded() {
		return fmt.Errorf("failed to enqueue operation %s: %w", op.OpID, res.Err)
	}

	q.index.add(indexEntry{
		opID:           op.OpID,
		priority:       op.Priority,
		createdAt:      op.CreatedAt,
		nextEligibleAt: op.NextEligibleAt,
	})
	q.observer.OnEvent(observer.EventOpEnqueued, map[string]string{
		"op_type":  op.OpType,
		"priority": op.Priority.String(),
	})
	return nil
}

// Get returns the pending operation by id.
func (q *Queue) Get(ctx context.Context, opID string) (PendingOperation, error) {
	raw, err := q.store.Get(ctx, PendingContainer, opID)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return PendingOperation{}, fmt.Errorf("%w: %s", ErrOpNotFound, opID)
		}
		return PendingOperation{}, err
	}
	return decodeOperation(raw)
}

// NextEligible returns up to limit operations ready for processing, ordered
// by (priority asc, createdAt asc).
func (q *Queue) NextEligible(ctx context.Context, limit int) ([]PendingOperation, error) {
	ids := q.index.eligible(q.now(), limit)
	ops := make([]PendingOperation, 0, len(ids))
	for _, id := range ids {
		op, err := q.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrOpNotFound) {
				// Row vanished under the index (acknowledge raced a poll);
				// heal the index and move on.
				q.index.remove(id)
				continue
			}
			return nil, err
		}
		if op.DeliveryState == StatePending && op.IsEligible(q.now()) {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// MarkSent transitions pending -> sent.
func (q *Queue) MarkSent(ctx context.Context, opID string) error {
	op, err := q.Get(ctx, opID)
	if err != nil {
		return err
	}
	if op.DeliveryState != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, opID, op.DeliveryState)
	}
	op.DeliveryState = StateSent
	op.UpdatedAt = q.now()
	if err := q.putOperation(ctx, "outbox.mark_sent", op); err != nil {
		return err
	}
	q.observer.OnEvent(observer.EventOpSent, map[string]string{"priority": op.Priority.String()})
	return nil
}

// Acknowledge is terminal success: the row is deleted and the counter
// decremented in one transaction.
func (q *Queue) Acknowledge(ctx context.Context, opID string) error {
	op, err := q.Get(ctx, opID)
	if err != nil {
		return err
	}
	if op.DeliveryState != StateSent && op.DeliveryState != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, opID, op.DeliveryState)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	count, err := q.PendingCount(ctx)
	if err != nil {
		return err
	}
	q.checkCount(count - 1)
	res := q.coord.Run(ctx, "outbox.acknowledge", []atomictxn.Op{
		{Container: PendingContainer, Key: opID, Remove: true},
		{Container: MetaContainer, Key: pendingCountKey, Value: encodeCount(count - 1)},
	})
	if !res.Succeeded() {
		return fmt.Errorf("failed to acknowledge operation %s: %w", opID, res.Err)
	}
	q.index.remove(opID)
	q.observer.OnEvent(observer.EventOpAcknowledged, map[string]string{"priority": op.Priority.String()})
	return nil
}

// RecordFailure handles a failed delivery attempt: below MaxAttempts the
// operation returns to pending with its backoff advanced (emergency skips
// backoff entirely); at MaxAttempts it moves to the failed store.
func (q *Queue) RecordFailure(ctx context.Context, opID string, cause error) error {
	op, err := q.Get(ctx, opID)
	if err != nil {
		return err
	}
	if op.DeliveryState != StatePending && op.DeliveryState != StateSent {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, opID, op.DeliveryState)
	}

	now := q.now()
	op.Attempts++
	op.UpdatedAt = now

	if op.Attempts >= q.cfg.MaxAttempts {
		op.DeliveryState = StateFailed
		reason := "max attempts exceeded"
		if cause != nil {
			reason = cause.Error()
		}
		if err := q.moveToFailed(ctx, op, reason); err != nil {
			return err
		}
		q.observer.OnEvent(observer.EventOpFailed, map[string]string{
			"op_type":  op.OpType,
			"priority": op.Priority.String(),
		})
		return nil
	}

	op.DeliveryState = StatePending
	if !op.Priority.BypassesBackoff() {
		op.NextEligibleAt = now.Add(q.backoffDelay(op.Attempts))
	}
	if err := q.putOperation(ctx, "outbox.record_failure", op); err != nil {
		return err
	}
	q.index.reschedule(op.OpID, op.NextEligibleAt)
	q.observer.OnEvent(observer.EventOpRetryScheduled, map[string]string{
		"priority": op.Priority.String(),
		"attempts": fmt.Sprintf("%d", op.Attempts),
	})
	return nil
}

// backoffDelay doubles per attempt from BackoffBase, capped at BackoffCap.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffCap {
			return q.cfg.BackoffCap
		}
	}
	if d > q.cfg.BackoffCap {
		d = q.cfg.BackoffCap
	}
	return d
}

// moveToFailed deletes the pending row, decrements the counter and records
// the operation in the failed store, all in one transaction.
func (q *Queue) moveToFailed(ctx context.Context, op PendingOperation, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	count, err := q.PendingCount(ctx)
	if err != nil {
		return err
	}
	q.checkCount(count - 1)
	failed := FailedOperation{Operation: op, FailedAt: q.now(), Reason: reason}
	encoded, err := failed.encode()
	if err != nil {
		return fmt.Errorf("failed to encode failed operation %s: %w", op.OpID, err)
	}
	res := q.coord.Execute(ctx, "outbox.move_to_failed", func(tx *atomictxn.Txn) error {
		if err := tx.Delete(PendingContainer, op.OpID); err != nil {
			return err
		}
		if err := tx.Write(MetaContainer, pendingCountKey, encodeCount(count-1)); err != nil {
			return err
		}
		return tx.Write(FailedContainer, op.OpID, encoded)
	})
	if !res.Succeeded() {
		return fmt.Errorf("failed to move operation %s to failed store: %w", op.OpID, res.Err)
	}
	q.index.remove(op.OpID)
	q.failed.enforceBound(ctx)
	return nil
}

// putOperation rewrites a single operation row through the coordinator.
func (q *Queue) putOperation(ctx context.Context, name string, op PendingOperation) error {
	encoded, err := op.encode()
	if err != nil {
		return fmt.Errorf("failed to encode operation %s: %w", op.OpID, err)
	}
	res := q.coord.Run(ctx, name, []atomictxn.Op{
		{Container: PendingContainer, Key: op.OpID, Value: encoded},
	})
	if !res.Succeeded() {
		return fmt.Errorf("failed to update operation %s: %w", op.OpID, res.Err)
	}
	return nil
}

// PendingCount reads the durable counter.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	raw, err := q.store.Get(ctx, MetaContainer, pendingCountKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read pending count: %w", err)
	}
	return decodeCount(raw), nil
}

// checkCount enforces the non-negative count invariant: hard failure in
// development, telemetry in production.
func (q *Queue) checkCount(next int) {
	if next >= 0 {
		return
	}
	if q.cfg.StrictInvariants {
		panic(ErrNegativeCount)
	}
	q.logger.Error("Pending operation count would go negative", zap.Int("next", next))
	q.observer.OnEvent(observer.EventInvariantBreach, map[string]string{"invariant": "pending_count"})
}

// RebuildIndex scans the pending container and rebuilds the selection index.
// Also reconciles the durable counter with the actual row count.
func (q *Queue) RebuildIndex(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys, err := q.store.Keys(ctx, PendingContainer)
	if err != nil {
		return fmt.Errorf("failed to scan pending container: %w", err)
	}
	entries := make([]indexEntry, 0, len(keys))
	for _, k := range keys {
		raw, err := q.store.Get(ctx, PendingContainer, k)
		if err != nil {
			return fmt.Errorf("failed to read operation %s: %w", k, err)
		}
		op, err := decodeOperation(raw)
		if err != nil {
			return err
		}
		if op.DeliveryState == StateSent {
			// A crash between send and acknowledge left the row in flight.
			// Put it back into rotation; the idempotency key keeps a repeated
			// delivery harmless on the receiving side.
			op.DeliveryState = StatePending
			op.UpdatedAt = q.now()
			reencoded, err := op.encode()
			if err != nil {
				return fmt.Errorf("failed to encode operation %s: %w", op.OpID, err)
			}
			if err := q.store.Put(ctx, PendingContainer, k, reencoded); err != nil {
				return fmt.Errorf("failed to reset in-flight operation %s: %w", op.OpID, err)
			}
			q.logger.Warn("Returned in-flight operation to pending",
				zap.String("op_id", op.OpID), zap.Int("attempts", op.Attempts))
			q.observer.OnEvent(observer.EventOpRetryScheduled, map[string]string{
				"priority": op.Priority.String(),
				"reason":   "in_flight_at_boot",
			})
		}
		entries = append(entries, indexEntry{
			opID:           op.OpID,
			priority:       op.Priority,
			createdAt:      op.CreatedAt,
			nextEligibleAt: op.NextEligibleAt,
		})
	}
	q.index.reset(entries)

	count, err := q.PendingCount(ctx)
	if err != nil {
		return err
	}
	if count != len(entries) {
		q.logger.Warn("Reconciling pending counter with row count",
			zap.Int("counter", count), zap.Int("rows", len(entries)))
		if err := q.store.Put(ctx, MetaContainer, pendingCountKey, encodeCount(len(entries))); err != nil {
			return fmt.Errorf("failed to reconcile pending count: %w", err)
		}
	}
	q.observer.OnEvent(observer.EventIndexRebuilt, map[string]string{
		"entries": fmt.Sprintf("%d", len(entries)),
	})
	return nil
}

// ViewPending returns up to limit pending operations in selection order.
// Operational surface.
func (q *Queue) ViewPending(ctx context.Context, limit int) ([]PendingOperation, error) {
	ids := q.index.eligible(q.now().Add(100*365*24*time.Hour), limit) // far future: ignore backoff gating
	ops := make([]PendingOperation, 0, len(ids))
	for _, id := range ids {
		op, err := q.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrOpNotFound) {
				continue
			}
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Export writes all pending and failed operations as JSON lines.
// Operational surface; idempotent.
func (q *Queue) Export(ctx context.Context, w io.Writer) error {
	enc := json.NewEncoder(w)
	keys, err := q.store.Keys(ctx, PendingContainer)
	if err != nil {
		return fmt.Errorf("failed to scan pending container: %w", err)
	}
	for _, k := range keys {
		raw, err := q.store.Get(ctx, PendingContainer, k)
		if err != nil {
			return err
		}
		op, err := decodeOperation(raw)
		if err != nil {
			return err
		}
		if err := enc.Encode(struct {
			Kind string           `json:"kind"`
			Op   PendingOperation `json:"op"`
		}{"pending", op}); err != nil {
			return err
		}
	}
	failed, err := q.failed.List(ctx)
	if err != nil {
		return err
	}
	for _, f := range failed {
		if err := enc.Encode(struct {
			Kind string          `json:"kind"`
			Op   FailedOperation `json:"op"`
		}{"failed", f}); err != nil {
			return err
		}
	}
	q.observer.OnEvent(observer.EventOperationsExported, nil)
	return nil
}

// RetryAllFailed moves every failed operation back to pending with a fresh
// attempt budget. Operational surface; idempotent (an empty failed store is a
// no-op).
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	failed, err := q.failed.List(ctx)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, f := range failed {
		op := f.Operation
		op.DeliveryState = StatePending
		op.Attempts = 0
		op.NextEligibleAt = q.now()
		op.UpdatedAt = q.now()
		encoded, err := op.encode()
		if err != nil {
			return requeued, fmt.Errorf("failed to encode operation %s: %w", op.OpID, err)
		}
		count, err := q.PendingCount(ctx)
		if err != nil {
			return requeued, err
		}
		res := q.coord.Execute(ctx, "outbox.retry_failed", func(tx *atomictxn.Txn) error {
			if err := tx.Delete(FailedContainer, op.OpID); err != nil {
				return err
			}
			if err := tx.Write(PendingContainer, op.OpID, encoded); err != nil {
				return err
			}
			return tx.Write(MetaContainer, pendingCountKey, encodeCount(count+1))
		})
		if !res.Succeeded() {
			return requeued, fmt.Errorf("failed to requeue operation %s: %w", op.OpID, res.Err)
		}
		q.index.add(indexEntry{
			opID:           op.OpID,
			priority:       op.Priority,
			createdAt:      op.CreatedAt,
			nextEligibleAt: op.NextEligibleAt,
		})
		requeued++
	}
	if requeued > 0 {
		q.observer.OnEvent(observer.EventFailedOpsRequeued, map[string]string{
			"count": fmt.Sprintf("%d", requeued),
		})
	}
	return requeued, nil
}

// Failed exposes the bounded failed-operations store.
func (q *Queue) Failed() *FailedStore { return q.failed }

// IndexSize reports the number of indexed pending operations.
func (q *Queue) IndexSize() int { return q.index.size() }

func encodeCount(n int) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(int64(n)))
	return buf[:]
}

func decodeCount(raw []byte) int {
	if len(raw) != 8 {
		return 0
	}
	return int(int64(binary.BigEndian.Uint64(raw)))
}
