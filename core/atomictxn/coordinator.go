// Package atomictxn orchestrates multi-container writes through the journal
// so that, as observed by any reader outside this package, a transaction's
// containers are fully pre-image or fully post-image and never in between.
package atomictxn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/journal"
	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/storage"
)

var (
	// ErrTxnFinished is returned when a builder keeps using a transaction
	// writer after the transaction already failed.
	ErrTxnFinished = errors.New("transaction writer is no longer usable")
)

// Op is one mutation of a Run operation list. Remove=true deletes the key;
// otherwise Value is written.
type Op struct {
	Container string
	Key       string
	Value     []byte
	Remove    bool
}

// Result is the outcome of Run or Execute. Exactly one of the two shapes from
// the contract applies: a success carries Count and Duration; a failure
// carries Err, RolledBackCount and RollbackSucceeded.
type Result struct {
	Name     string
	Count    int
	Duration time.Duration

	Err               error
	RolledBackCount   int
	RollbackSucceeded bool
}

// Succeeded reports whether the transaction committed.
func (r Result) Succeeded() bool { return r.Err == nil }

// Inconsistent reports the one truly unrecoverable outcome: the transaction
// failed and rollback also failed, so the affected containers stay partially
// applied until the next startup journal replay.
func (r Result) Inconsistent() bool { return r.Err != nil && !r.RollbackSucceeded }

// Coordinator runs atomic multi-container transactions over a plain
// container store, using the journal for pre-images.
type Coordinator struct {
	store    storage.ContainerStore
	journal  *journal.Journal
	logger   *zap.Logger
	observer observer.Observer
}

// New wires a Coordinator. Construct exactly one per store at the composition
// root and share it; there is no package-level instance.
func New(store storage.ContainerStore, jnl *journal.Journal, logger *zap.Logger, obs observer.Observer) *Coordinator {
	if obs == nil {
		obs = observer.Nop()
	}
	return &Coordinator{store: store, journal: jnl, logger: logger, observer: obs}
}

// Run applies the operation list atomically: phase 1 records every pre-image,
// phase 2 applies every mutation, phase 3 commits. Any error in phases 1-2
// triggers rollback. An empty list short-circuits to success with zero count.
func (c *Coordinator) Run(ctx context.Context, name string, ops []Op) Result {
	start := time.Now()
	if len(ops) == 0 {
		return Result{Name: name, Count: 0, Duration: time.Since(start), RollbackSucceeded: true}
	}

	h := c.journal.Begin("")

	// Phase 1: journal every pre-image before touching anything.
	for _, op := range ops {
		if err := c.recordPreImage(ctx, h, op.Container, op.Key); err != nil {
			return c.fail(ctx, name, h, start, err)
		}
	}

	// Phase 2: apply.
	for _, op := range ops {
		if err := c.apply(ctx, op); err != nil {
			return c.fail(ctx, name, h, start, err)
		}
	}

	// Phase 3: commit. A commit error leaves the journal entries in place, so
	// rollback (now or at next startup replay) restores the pre-images.
	if err := c.journal.Commit(ctx, h); err != nil {
		return c.fail(ctx, name, h, start, fmt.Errorf("commit failed: %w", err))
	}

	d := time.Since(start)
	c.logger.Debug("Atomic operation committed",
		zap.String("operation", name), zap.Int("count", len(ops)), zap.Duration("duration", d))
	return Result{Name: name, Count: len(ops), Duration: d, RollbackSucceeded: true}
}

// Execute runs the builder against a transaction-scoped writer whose Write
// and Delete record the pre-image before mutating. Returning an error from
// the builder rolls the whole transaction back.
func (c *Coordinator) Execute(ctx context.Context, name string, build func(tx *Txn) error) Result {
	start := time.Now()
	h := c.journal.Begin("")
	tx := &Txn{ctx: ctx, c: c, h: h}

	if err := build(tx); err != nil {
		return c.fail(ctx, name, h, start, err)
	}
	if tx.err != nil {
		return c.fail(ctx, name, h, start, tx.err)
	}
	if err := c.journal.Commit(ctx, h); err != nil {
		return c.fail(ctx, name, h, start, fmt.Errorf("commit failed: %w", err))
	}

	d := time.Since(start)
	c.logger.Debug("Atomic operation committed",
		zap.String("operation", name), zap.Int("count", tx.count), zap.Duration("duration", d))
	return Result{Name: name, Count: tx.count, Duration: d, RollbackSucceeded: true}
}

// recordPreImage reads the current value of (container, key) and journals it.
func (c *Coordinator) recordPreImage(ctx context.Context, h *journal.Handle, container, key string) error {
	old, err := c.store.Get(ctx, container, key)
	existed := true
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("failed to read pre-image of %s/%s: %w", container, key, err)
		}
		existed = false
		old = nil
	}
	return c.journal.Record(ctx, h, container, key, old, existed)
}

func (c *Coordinator) apply(ctx context.Context, op Op) error {
	if op.Remove {
		if err := c.store.Delete(ctx, op.Container, op.Key); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", op.Container, op.Key, err)
		}
		return nil
	}
	if err := c.store.Put(ctx, op.Container, op.Key, op.Value); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", op.Container, op.Key, err)
	}
	return nil
}

// fail rolls the transaction back and builds the failure result. A rollback
// failure is the one unrecoverable path here: it is logged as critical and
// flagged on the result, never swallowed.
func (c *Coordinator) fail(ctx context.Context, name string, h *journal.Handle, start time.Time, cause error) Result {
	recorded := len(h.Entries())
	rbErr := c.journal.Rollback(ctx, h)
	if rbErr != nil {
		c.logger.Error("CRITICAL: rollback failed, containers left partially applied until next journal replay",
			zap.String("operation", name),
			zap.String("txn_id", h.ID()),
			zap.NamedError("cause", cause),
			zap.NamedError("rollback_error", rbErr))
		c.observer.OnEvent(observer.EventTxnRollbackFailed, map[string]string{
			"operation": name,
			"txn_id":    h.ID(),
		})
	} else {
		c.logger.Warn("Atomic operation rolled back",
			zap.String("operation", name), zap.String("txn_id", h.ID()),
			zap.Int("rolled_back", recorded), zap.Error(cause))
	}
	return Result{
		Name:              name,
		Duration:          time.Since(start),
		Err:               cause,
		RolledBackCount:   recorded,
		RollbackSucceeded: rbErr == nil,
	}
}

// Txn is the transaction-scoped writer handed to Execute builders.
type Txn struct {
	ctx   context.Context
	c     *Coordinator
	h     *journal.Handle
	count int
	err   error
}

// Write records the pre-image of (container, key) and then stores value.
func (t *Txn) Write(container, key string, value []byte) error {
	if t.err != nil {
		return ErrTxnFinished
	}
	if err := t.c.recordPreImage(t.ctx, t.h, container, key); err != nil {
		t.err = err
		return err
	}
	if err := t.c.apply(t.ctx, Op{Container: container, Key: key, Value: value}); err != nil {
		t.err = err
		return err
	}
	t.count++
	return nil
}

// Delete records the pre-image and removes the key.
func (t *Txn) Delete(container, key string) error {
	if t.err != nil {
		return ErrTxnFinished
	}
	if err := t.c.recordPreImage(t.ctx, t.h, container, key); err != nil {
		t.err = err
		return err
	}
	if err := t.c.apply(t.ctx, Op{Container: container, Key: key, Remove: true}); err != nil {
		t.err = err
		return err
	}
	t.count++
	return nil
}

// Get reads through to the store, seeing this transaction's own writes.
func (t *Txn) Get(container, key string) ([]byte, error) {
	return t.c.store.Get(t.ctx, container, key)
}
