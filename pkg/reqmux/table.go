package reqmux

import "sync"

// pendingTable is the concurrent ID -> pendingEntry registry described in
// spec.md §4.4. All mutations are serialized behind mu so "resolve once
// and remove once" (spec.md §3 invariant 3) holds under concurrent access
// from the ReadPump, deadline timers, caller-cancellation paths, and the
// shutdown path: whichever of those callers' take() call observes the
// entry is the only one that gets to resolve it.
type pendingTable struct {
	mu      sync.Mutex
	entries map[ID]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[ID]*pendingEntry),
	}
}

// insert adds entry under id. Returns false without modifying the table if
// an entry for id already exists (spec.md §3 invariant 1).
func (t *pendingTable) insert(id ID, entry *pendingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return false
	}
	t.entries[id] = entry
	return true
}

// take atomically removes and returns the entry for id, or (nil, false) if
// none exists. This is the single chokepoint that arbitrates which
// resolver — responder, timer, caller cancellation, or shutdown — gets to
// resolve a given entry: the first take() to observe it wins, every later
// take() for the same id sees it already gone.
func (t *pendingTable) take(id ID) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	return entry, true
}

// drain removes and returns every remaining entry, used by the forced
// shutdown path to resolve everything still outstanding with Shutdown.
func (t *pendingTable) drain() []*pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		return nil
	}
	out := make([]*pendingEntry, 0, len(t.entries))
	for id, entry := range t.entries {
		out = append(out, entry)
		delete(t.entries, id)
	}
	return out
}

// resolveAllWith drains the table and resolves every entry it held with
// the given outcome kind/cause. Safe to call from more than one place
// during shutdown: drain()'s lock makes each entry visible to exactly one
// caller, so a second, concurrent resolveAllWith simply sees an empty
// table.
func (t *pendingTable) resolveAllWith(kind outcomeKind, cause error) {
	for _, entry := range t.drain() {
		entry.resolve(outcome{kind: kind, cause: cause})
	}
}

// isEmpty reports whether the table currently holds no entries, used by
// the graceful-stop drain loop.
func (t *pendingTable) isEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) == 0
}

// len reports the current number of pending entries, used for metrics.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
