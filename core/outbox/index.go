package outbox

import (
	"container/heap"
	"sync"
	"time"
)

// indexEntry is the in-memory projection of a pending operation used for
// selection ordering. Only mutable scheduling fields are mirrored; the row in
// the pending container stays authoritative.
type indexEntry struct {
	opID           string
	priority       Priority
	createdAt      time.Time
	nextEligibleAt time.Time
}

func (e indexEntry) less(other indexEntry) bool {
	if e.priority != other.priority {
		return e.priority < other.priority
	}
	if !e.createdAt.Equal(other.createdAt) {
		return e.createdAt.Before(other.createdAt)
	}
	return e.opID < other.opID
}

type entryHeap []indexEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(indexEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// selectionIndex keeps pending operations ordered by (priority asc, createdAt
// asc) without re-sorting the backlog on every poll. It is rebuilt once at
// boot from the pending container and maintained incrementally afterwards.
type selectionIndex struct {
	mu      sync.Mutex
	entries entryHeap
	present map[string]bool
}

func newSelectionIndex() *selectionIndex {
	return &selectionIndex{present: make(map[string]bool)}
}

func (ix *selectionIndex) reset(entries []indexEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = append(entryHeap(nil), entries...)
	ix.present = make(map[string]bool, len(entries))
	for _, e := range entries {
		ix.present[e.opID] = true
	}
	heap.Init(&ix.entries)
}

func (ix *selectionIndex) add(e indexEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.present[e.opID] {
		return
	}
	ix.present[e.opID] = true
	heap.Push(&ix.entries, e)
}

// remove drops an op from the index. Lazy removal would also work, but the
// index is small enough that an O(n) scan on terminal transitions is fine.
func (ix *selectionIndex) remove(opID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.present[opID] {
		return
	}
	delete(ix.present, opID)
	for i, e := range ix.entries {
		if e.opID == opID {
			heap.Remove(&ix.entries, i)
			return
		}
	}
}

// reschedule updates the eligibility gate of an op after a retry backoff.
func (ix *selectionIndex) reschedule(opID string, nextEligibleAt time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range ix.entries {
		if ix.entries[i].opID == opID {
			ix.entries[i].nextEligibleAt = nextEligibleAt
			// Eligibility is not part of the heap order, so no fix-up needed.
			return
		}
	}
}

// eligible returns up to limit op ids in selection order whose backoff gate
// has passed (or whose priority bypasses it). Ineligible entries are skipped
// and restored, preserving the heap.
func (ix *selectionIndex) eligible(now time.Time, limit int) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if limit <= 0 {
		limit = ix.entries.Len()
	}
	var picked []string
	var skipped []indexEntry
	for ix.entries.Len() > 0 && len(picked) < limit {
		e := heap.Pop(&ix.entries).(indexEntry)
		if e.priority.BypassesBackoff() || !now.Before(e.nextEligibleAt) {
			picked = append(picked, e.opID)
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(&ix.entries, e)
	}
	return picked
}

func (ix *selectionIndex) size() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.entries.Len()
}
