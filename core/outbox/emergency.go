package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/storage"
)

// EmergencyQueue is the separate durable store for safety-critical delivery
// (SOS and the like). Keeping it apart from the general outbox means backlog
// pressure, backoff bookkeeping and index rebuilds can never delay an
// emergency. Every mutation is synced immediately: an acknowledged emergency
// enqueue is durable regardless of what happens to the journal path.
type EmergencyQueue struct {
	store    storage.ContainerStore
	logger   *zap.Logger
	observer observer.Observer

	now func() time.Time
}

// NewEmergencyQueue creates the queue over the given store.
func NewEmergencyQueue(store storage.ContainerStore, logger *zap.Logger, obs observer.Observer) *EmergencyQueue {
	if obs == nil {
		obs = observer.Nop()
	}
	return &EmergencyQueue{store: store, logger: logger, observer: obs, now: time.Now}
}

// Enqueue accepts only emergency-priority operations; anything else returns
// false without touching the store. Identity and scheduling fields are filled
// in the same way the general queue fills them, so both enqueue paths behave
// alike for the same caller input.
func (e *EmergencyQueue) Enqueue(ctx context.Context, op *PendingOperation) (bool, error) {
	if op.Priority != PriorityEmergency {
		return false, nil
	}
	if op.OpID == "" {
		op.OpID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = e.now()
	}
	op.DeliveryState = StatePending
	encoded, err := op.encode()
	if err != nil {
		return false, fmt.Errorf("failed to encode emergency operation %s: %w", op.OpID, err)
	}
	key := emergencyKey(*op)
	if err := e.store.Put(ctx, EmergencyContainer, key, encoded); err != nil {
		return false, fmt.Errorf("failed to persist emergency operation %s: %w", op.OpID, err)
	}
	if err := e.store.Sync(ctx, EmergencyContainer); err != nil {
		return false, fmt.Errorf("failed to sync emergency queue: %w", err)
	}
	e.observer.OnEvent(observer.EventEmergencyEnqueued, map[string]string{"op_type": op.OpType})
	return true, nil
}

// Handler delivers one emergency operation; true means delivered.
type Handler func(op PendingOperation) bool

// ProcessAll invokes the handler for every stored operation in enqueue
// order. Delivered operations are removed; failed ones have their attempt
// count incremented and stay for the next drain.
func (e *EmergencyQueue) ProcessAll(ctx context.Context, handler Handler) (delivered int, retained int, err error) {
	keys, err := e.store.Keys(ctx, EmergencyContainer)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan emergency queue: %w", err)
	}
	sort.Strings(keys) // keys embed createdAt, so this is enqueue order
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return delivered, retained, err
		}
		raw, err := e.store.Get(ctx, EmergencyContainer, k)
		if err != nil {
			return delivered, retained, err
		}
		op, err := decodeOperation(raw)
		if err != nil {
			return delivered, retained, err
		}
		if handler(op) {
			if err := e.store.Delete(ctx, EmergencyContainer, k); err != nil {
				return delivered, retained, fmt.Errorf("failed to remove delivered emergency %s: %w", op.OpID, err)
			}
			if err := e.store.Sync(ctx, EmergencyContainer); err != nil {
				return delivered, retained, err
			}
			delivered++
			e.observer.OnEvent(observer.EventEmergencyDelivered, map[string]string{"op_type": op.OpType})
			continue
		}
		op.Attempts++
		updated, err := op.encode()
		if err != nil {
			return delivered, retained, fmt.Errorf("failed to encode emergency operation %s: %w", op.OpID, err)
		}
		if err := e.store.Put(ctx, EmergencyContainer, k, updated); err != nil {
			return delivered, retained, fmt.Errorf("failed to update emergency operation %s: %w", op.OpID, err)
		}
		if err := e.store.Sync(ctx, EmergencyContainer); err != nil {
			return delivered, retained, err
		}
		retained++
		e.logger.Warn("Emergency delivery failed, retaining",
			zap.String("op_id", op.OpID), zap.Int("attempts", op.Attempts))
		e.observer.OnEvent(observer.EventEmergencyRetained, map[string]string{"op_type": op.OpType})
	}
	return delivered, retained, nil
}

// Len returns the number of queued emergencies.
func (e *EmergencyQueue) Len(ctx context.Context) (int, error) {
	return e.store.Length(ctx, EmergencyContainer)
}

// emergencyKey orders records by creation time, then op id for uniqueness.
func emergencyKey(op PendingOperation) string {
	return fmt.Sprintf("%020d/%s", op.CreatedAt.UnixNano(), op.OpID)
}
