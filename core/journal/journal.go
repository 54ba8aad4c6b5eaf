// Package journal implements the write-ahead pre-image log that gives the
// container store rollback after a crash. Every multi-container transaction
// records the old value of each key here, durably, before mutating the key;
// rollback and the startup replay scan restore those pre-images.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/storage"
)

// Container is the store container holding journal entries.
const Container = "journal"

// --- Error Definitions ---

var (
	ErrHandleNotOpen    = errors.New("transaction handle is not open")
	ErrUnknownHandle    = errors.New("unknown transaction handle")
	ErrCorruptEntry     = errors.New("journal entry is corrupt")
	ErrChecksumMismatch = errors.New("journal pre-image checksum mismatch")
)

// Status is the lifecycle state of a transaction handle.
type Status int

const (
	StatusOpen Status = iota
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolledBack"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Handle is a live transaction created by Begin and consumed by Commit or
// Rollback. It is not safe for concurrent use; the coordinator drives one
// handle from one goroutine.
type Handle struct {
	id      string
	status  Status
	entries []Entry
}

// ID returns the transaction identifier.
func (h *Handle) ID() string { return h.id }

// Status returns the handle's lifecycle state.
func (h *Handle) Status() Status { return h.status }

// Entries returns the pre-images recorded so far, in record order.
func (h *Handle) Entries() []Entry { return h.entries }

// Journal is the write-ahead pre-image log. All durable state lives in the
// journal container; the struct itself only carries collaborators.
type Journal struct {
	store    storage.ContainerStore
	logger   *zap.Logger
	observer observer.Observer

	mu sync.Mutex // serializes multi-step store mutations per handle
}

// New creates a Journal over the given store.
func New(store storage.ContainerStore, logger *zap.Logger, obs observer.Observer) *Journal {
	if obs == nil {
		obs = observer.Nop()
	}
	return &Journal{store: store, logger: logger, observer: obs}
}

// Begin opens a transaction. An empty id gets a generated one.
func (j *Journal) Begin(txnID string) *Handle {
	if txnID == "" {
		txnID = newTxnID()
	}
	return &Handle{id: txnID, status: StatusOpen}
}

// Record durably appends the pre-image of (container, key) to the journal.
// existed=false marks "key did not exist", which rollback turns into a
// delete. Record returns only after the entry is synced to disk; the caller
// must not mutate the key before that.
func (j *Journal) Record(ctx context.Context, h *Handle, container, key string, oldValue []byte, existed bool) error {
	if h == nil {
		return ErrUnknownHandle
	}
	if h.status != StatusOpen {
		return fmt.Errorf("%w: %s is %s", ErrHandleNotOpen, h.id, h.status)
	}
	entry := Entry{
		TxnID:     h.id,
		Container: container,
		Key:       key,
		OldValue:  oldValue,
		Existed:   existed,
		Sequence:  len(h.entries),
	}
	encoded, err := entry.encode()
	if err != nil {
		return fmt.Errorf("failed to encode journal entry for %s/%s: %w", container, key, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.store.Put(ctx, Container, entry.storeKey(), encoded); err != nil {
		return fmt.Errorf("failed to persist journal entry for %s/%s: %w", container, key, err)
	}
	// The sync is the happens-before edge that makes rollback possible after
	// a crash between two container writes.
	if err := j.store.Sync(ctx, Container); err != nil {
		return fmt.Errorf("failed to sync journal after recording %s/%s: %w", container, key, err)
	}
	h.entries = append(h.entries, entry)
	return nil
}

// Commit writes a synced commit marker for the handle, then clears its
// journal entries and finally the marker itself. Once the marker is durable
// the transaction is committed no matter where cleanup is interrupted: the
// replay scan treats marker-bearing transactions as committed and only
// finishes the cleanup, never rolls them back.
func (j *Journal) Commit(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrUnknownHandle
	}
	if h.status != StatusOpen {
		return fmt.Errorf("%w: %s is %s", ErrHandleNotOpen, h.id, h.status)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(h.entries) > 0 {
		marker := commitMarkerKey(h.id)
		if err := j.store.Put(ctx, Container, marker, []byte(`{"committed":true}`)); err != nil {
			return fmt.Errorf("failed to write commit marker for %s: %w", h.id, err)
		}
		if err := j.store.Sync(ctx, Container); err != nil {
			return fmt.Errorf("failed to sync commit marker for %s: %w", h.id, err)
		}
		for _, e := range h.entries {
			if err := j.store.Delete(ctx, Container, e.storeKey()); err != nil {
				return fmt.Errorf("failed to delete journal entry %s: %w", e.storeKey(), err)
			}
		}
		if err := j.store.Delete(ctx, Container, marker); err != nil {
			return fmt.Errorf("failed to delete commit marker for %s: %w", h.id, err)
		}
	}
	h.status = StatusCommitted
	j.observer.OnEvent(observer.EventTxnCommitted, map[string]string{"txn_id": h.id})
	return nil
}

// Rollback restores pre-images in reverse record order, then deletes the
// journal entries. Restoring an already-restored value is a no-op, so a
// second Rollback on the same handle is equivalent to one.
func (j *Journal) Rollback(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrUnknownHandle
	}
	if h.status == StatusRolledBack {
		return nil
	}
	if h.status == StatusCommitted {
		return fmt.Errorf("%w: %s is %s", ErrHandleNotOpen, h.id, h.status)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.restoreEntries(ctx, h.entries); err != nil {
		return err
	}
	for _, e := range h.entries {
		if err := j.store.Delete(ctx, Container, e.storeKey()); err != nil {
			return fmt.Errorf("failed to delete journal entry %s after rollback: %w", e.storeKey(), err)
		}
	}
	h.status = StatusRolledBack
	j.observer.OnEvent(observer.EventTxnRolledBack, map[string]string{
		"txn_id":  h.id,
		"entries": fmt.Sprintf("%d", len(h.entries)),
	})
	return nil
}

// restoreEntries applies pre-images latest-first.
func (j *Journal) restoreEntries(ctx context.Context, entries []Entry) error {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Existed {
			if err := j.store.Put(ctx, e.Container, e.Key, e.OldValue); err != nil {
				return fmt.Errorf("failed to restore %s/%s: %w", e.Container, e.Key, err)
			}
		} else {
			if err := j.store.Delete(ctx, e.Container, e.Key); err != nil {
				return fmt.Errorf("failed to remove %s/%s during rollback: %w", e.Container, e.Key, err)
			}
		}
	}
	return nil
}

// ReplayPendingJournals scans the journal container for transactions that
// still have entries (they crashed between record and commit), rolls each one
// back, and returns the number of recovered transactions. Run once at boot,
// after guardrail validation and before any processor starts.
func (j *Journal) ReplayPendingJournals(ctx context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	keys, err := j.store.Keys(ctx, Container)
	if err != nil {
		return 0, fmt.Errorf("failed to scan journal container: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	// Transactions whose commit marker survived are committed; their leftover
	// entries are cleanup debris, not work to undo.
	committed := make(map[string]bool)
	var entryKeys []string
	for _, k := range keys {
		if id, ok := commitMarkerTxn(k); ok {
			committed[id] = true
			continue
		}
		entryKeys = append(entryKeys, k)
	}

	byTxn := make(map[string][]Entry)
	for _, k := range entryKeys {
		if id, _, _ := strings.Cut(k, "/"); committed[id] {
			if err := j.store.Delete(ctx, Container, k); err != nil {
				return 0, fmt.Errorf("failed to clear entry %s of committed transaction: %w", k, err)
			}
			continue
		}
		raw, err := j.store.Get(ctx, Container, k)
		if err != nil {
			return 0, fmt.Errorf("failed to read journal entry %s: %w", k, err)
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			// A corrupt entry cannot be replayed, but the scan keeps going so
			// the remaining transactions still recover.
			j.logger.Error("Skipping corrupt journal entry during replay",
				zap.String("key", k), zap.Error(err))
			j.observer.OnEvent(observer.EventChecksumMismatch, map[string]string{"key": k})
			continue
		}
		byTxn[entry.TxnID] = append(byTxn[entry.TxnID], entry)
	}

	for id := range committed {
		if err := j.store.Delete(ctx, Container, commitMarkerKey(id)); err != nil {
			return 0, fmt.Errorf("failed to clear commit marker of %s: %w", id, err)
		}
		j.logger.Warn("Finished interrupted commit cleanup at startup", zap.String("txn_id", id))
	}

	txnIDs := make([]string, 0, len(byTxn))
	for id := range byTxn {
		txnIDs = append(txnIDs, id)
	}
	sort.Strings(txnIDs)

	recovered := 0
	for _, id := range txnIDs {
		entries := byTxn[id]
		sort.Slice(entries, func(a, b int) bool { return entries[a].Sequence < entries[b].Sequence })
		if err := j.restoreEntries(ctx, entries); err != nil {
			return recovered, fmt.Errorf("failed to replay transaction %s: %w", id, err)
		}
		for _, e := range entries {
			if err := j.store.Delete(ctx, Container, e.storeKey()); err != nil {
				return recovered, fmt.Errorf("failed to clear journal for transaction %s: %w", id, err)
			}
		}
		recovered++
		j.logger.Warn("Rolled back interrupted transaction at startup",
			zap.String("txn_id", id), zap.Int("entries", len(entries)))
	}
	if recovered > 0 {
		j.observer.OnEvent(observer.EventJournalReplayed, map[string]string{
			"recovered": fmt.Sprintf("%d", recovered),
		})
	}
	return recovered, nil
}

// PendingTransactionIDs lists transactions with surviving journal entries.
// Exposed for the admin surface; normal code paths use ReplayPendingJournals.
func (j *Journal) PendingTransactionIDs(ctx context.Context) ([]string, error) {
	keys, err := j.store.Keys(ctx, Container)
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal container: %w", err)
	}
	committed := make(map[string]bool)
	for _, k := range keys {
		if id, ok := commitMarkerTxn(k); ok {
			committed[id] = true
		}
	}
	seen := make(map[string]bool)
	var ids []string
	for _, k := range keys {
		if _, ok := commitMarkerTxn(k); ok {
			continue
		}
		id, _, ok := strings.Cut(k, "/")
		if !ok || seen[id] || committed[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Commit markers live beside the numbered entries under the same txn prefix.
// Sequence keys are all digits, so the suffix cannot collide.
const commitMarkerSuffix = "commit"

func commitMarkerKey(txnID string) string {
	return txnID + "/" + commitMarkerSuffix
}

// commitMarkerTxn reports whether key is a commit marker and for which
// transaction.
func commitMarkerTxn(key string) (string, bool) {
	id, rest, ok := strings.Cut(key, "/")
	if !ok || rest != commitMarkerSuffix {
		return "", false
	}
	return id, true
}
