// Package proclock emulates a single-holder processing lease on top of the
// container store. The store has no cross-process mutual exclusion, so the
// lease is advisory: every queue processor must route through TryAcquire and
// Release. Durable state keeps the guarantee across process restarts, and the
// staleness threshold lets a new holder reclaim a lease a crashed processor
// never released.
package proclock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/storage"
)

// Container is the store container holding the singleton lock record.
const Container = "proclock"

// recordKey is the single key in the lock container.
const recordKey = "holder"

// DefaultStaleThreshold is the lease timeout when the caller passes zero.
const DefaultStaleThreshold = 5 * time.Minute

var (
	ErrEmptyHolderID = errors.New("holder id must not be empty")
)

// Record is the persisted lock state.
type Record struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is the crash-recoverable processing lease. The in-process mutex only
// guards against concurrent goroutines of this process; correctness across
// processes and restarts rests on the durable record and the staleness
// window.
type Lock struct {
	store    storage.ContainerStore
	logger   *zap.Logger
	observer observer.Observer

	mu                sync.Mutex
	wasStaleRecovered bool

	now func() time.Time
}

// New creates a Lock over the given store.
func New(store storage.ContainerStore, logger *zap.Logger, obs observer.Observer) *Lock {
	if obs == nil {
		obs = observer.Nop()
	}
	return &Lock{store: store, logger: logger, observer: obs, now: time.Now}
}

// TryAcquire attempts to take the lease for holderID. It returns holderID on
// success and "" when another live holder has the lease. A lease older than
// staleThreshold is reclaimed for the new holder; that reclaim is the one
// bounded window where two processes may both believe they hold the lease.
func (l *Lock) TryAcquire(ctx context.Context, holderID string, staleThreshold time.Duration) (string, error) {
	if holderID == "" {
		return "", ErrEmptyHolderID
	}
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.read(ctx)
	if err != nil {
		return "", err
	}
	if current != nil {
		age := l.now().Sub(current.AcquiredAt)
		if age <= staleThreshold {
			return "", nil
		}
		// The previous holder crashed or hung past its lease. Reclaim.
		l.wasStaleRecovered = true
		l.logger.Warn("Reclaiming stale processing lock",
			zap.String("previous_holder", current.HolderID),
			zap.Duration("age", age),
			zap.String("new_holder", holderID))
		l.observer.OnEvent(observer.EventLockStaleReclaimed, map[string]string{
			"previous_holder": current.HolderID,
			"new_holder":      holderID,
		})
	}

	if err := l.write(ctx, Record{HolderID: holderID, AcquiredAt: l.now()}); err != nil {
		return "", err
	}
	l.observer.OnEvent(observer.EventLockAcquired, map[string]string{"holder": holderID})
	return holderID, nil
}

// Release clears the lease only if holderID still holds it. A late release
// by an evicted holder is a silent no-op so it cannot steal the lease out
// from under the holder that reclaimed it.
func (l *Lock) Release(ctx context.Context, holderID string) error {
	if holderID == "" {
		return ErrEmptyHolderID
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.read(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if current.HolderID != holderID {
		l.observer.OnEvent(observer.EventLockReleaseIgnored, map[string]string{
			"caller": holderID,
			"holder": current.HolderID,
		})
		return nil
	}
	return l.clear(ctx)
}

// ForceRelease unconditionally clears the lease. Operational surface only.
func (l *Lock) ForceRelease(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer.OnEvent(observer.EventForcedLockRelease, nil)
	return l.clear(ctx)
}

// IsLocked reports whether any holder currently has the lease.
func (l *Lock) IsLocked(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.read(ctx)
	if err != nil {
		return false, err
	}
	return current != nil, nil
}

// CurrentHolder returns the holder id, or "" when unlocked.
func (l *Lock) CurrentHolder(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.read(ctx)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", nil
	}
	return current.HolderID, nil
}

// WasStaleRecovered reports whether any acquisition in this process's
// lifetime reclaimed a stale lease. Telemetry accessor, never reset.
func (l *Lock) WasStaleRecovered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wasStaleRecovered
}

func (l *Lock) read(ctx context.Context) (*Record, error) {
	raw, err := l.store.Get(ctx, Container, recordKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode lock record: %w", err)
	}
	return &rec, nil
}

func (l *Lock) write(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode lock record: %w", err)
	}
	if err := l.store.Put(ctx, Container, recordKey, raw); err != nil {
		return fmt.Errorf("failed to persist lock record: %w", err)
	}
	return l.store.Sync(ctx, Container)
}

func (l *Lock) clear(ctx context.Context) error {
	if err := l.store.Delete(ctx, Container, recordKey); err != nil {
		return fmt.Errorf("failed to clear lock record: %w", err)
	}
	return l.store.Sync(ctx, Container)
}
