package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/storage"
)

// FailedStore holds operations that exhausted their attempts. It is size
// bounded: when full, the oldest failures are evicted so the store can never
// grow without limit and block pending-queue throughput.
type FailedStore struct {
	store    storage.ContainerStore
	limit    int
	logger   *zap.Logger
	observer observer.Observer
}

func newFailedStore(store storage.ContainerStore, limit int, logger *zap.Logger, obs observer.Observer) *FailedStore {
	return &FailedStore{store: store, limit: limit, logger: logger, observer: obs}
}

// List returns all failed operations, oldest first.
func (f *FailedStore) List(ctx context.Context) ([]FailedOperation, error) {
	keys, err := f.store.Keys(ctx, FailedContainer)
	if err != nil {
		return nil, fmt.Errorf("failed to scan failed container: %w", err)
	}
	ops := make([]FailedOperation, 0, len(keys))
	for _, k := range keys {
		raw, err := f.store.Get(ctx, FailedContainer, k)
		if err != nil {
			return nil, err
		}
		op, err := decodeFailedOperation(raw)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].FailedAt.Before(ops[j].FailedAt) })
	return ops, nil
}

// Len returns the number of stored failures.
func (f *FailedStore) Len(ctx context.Context) (int, error) {
	return f.store.Length(ctx, FailedContainer)
}

// Purge removes failures older than the cutoff and returns how many went.
// Operational surface; also run periodically by the processor.
func (f *FailedStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	ops, err := f.List(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, op := range ops {
		if op.FailedAt.Before(olderThan) {
			if err := f.store.Delete(ctx, FailedContainer, op.Operation.OpID); err != nil {
				return purged, fmt.Errorf("failed to purge operation %s: %w", op.Operation.OpID, err)
			}
			purged++
		}
	}
	if purged > 0 {
		f.observer.OnEvent(observer.EventFailedOpsPurged, map[string]string{
			"count": fmt.Sprintf("%d", purged),
		})
	}
	return purged, nil
}

// Clear removes everything. Operational surface; idempotent.
func (f *FailedStore) Clear(ctx context.Context) error {
	keys, err := f.store.Keys(ctx, FailedContainer)
	if err != nil {
		return fmt.Errorf("failed to scan failed container: %w", err)
	}
	for _, k := range keys {
		if err := f.store.Delete(ctx, FailedContainer, k); err != nil {
			return fmt.Errorf("failed to clear operation %s: %w", k, err)
		}
	}
	return nil
}

// enforceBound evicts oldest entries past the size limit. Best effort: an
// eviction failure is logged and reported, never propagated, because the
// caller just finished moving an operation and must not fail over cleanup.
func (f *FailedStore) enforceBound(ctx context.Context) {
	n, err := f.store.Length(ctx, FailedContainer)
	if err != nil || n <= f.limit {
		return
	}
	ops, err := f.List(ctx)
	if err != nil {
		f.logger.Error("Failed to list failed store for eviction", zap.Error(err))
		return
	}
	for _, op := range ops[:n-f.limit] {
		if err := f.store.Delete(ctx, FailedContainer, op.Operation.OpID); err != nil {
			f.logger.Error("Failed to evict failed operation",
				zap.String("op_id", op.Operation.OpID), zap.Error(err))
			return
		}
		f.observer.OnEvent(observer.EventFailedStoreEvicted, map[string]string{
			"op_type": op.Operation.OpType,
		})
	}
}
