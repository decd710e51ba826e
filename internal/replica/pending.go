package replica

import (
	"context"
	"sync"

	"github.com/d-nagy/gossipkv/internal/vectorclock"
)

// pendingKey identifies a waiting query by its (q_op, q_prev) pair. Clock is
// a comparable value type, so pendingKey is usable directly as a map key,
// giving each distinct pending query its own one-shot channel instead of
// one shared slot.
type pendingKey struct {
	code   string
	params string
	prev   vectorclock.Clock
}

func newPendingKey(op Op, prev vectorclock.Clock) pendingKey {
	return pendingKey{code: op.Code, params: joinParams(op.Params), prev: prev}
}

func joinParams(params []string) string {
	// \x00 cannot appear in CLI-supplied params, so this is a safe
	// separator for building a single comparable string key.
	out := ""
	for i, p := range params {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return out
}

// pendingResult is what a waiter receives once its query becomes stable or
// the replica is shutting down.
type pendingResult struct {
	value interface{}
	ts    vectorclock.Clock
	err   error
}

// pendingEntry is a single-shot rendezvous: any number of goroutines may
// wait on it, but only the first deliver wins and every waiter observes the
// same result.
type pendingEntry struct {
	ready chan struct{}

	mu     sync.Mutex
	result pendingResult
	done   bool
}

func newPendingEntry() *pendingEntry {
	return &pendingEntry{ready: make(chan struct{})}
}

func (e *pendingEntry) deliver(res pendingResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.result = res
	e.done = true
	close(e.ready)
}

func (e *pendingEntry) wait(ctx context.Context) (pendingResult, error) {
	select {
	case <-e.ready:
		return e.result, nil
	case <-ctx.Done():
		return pendingResult{}, ErrCancelled
	}
}

// pendingTable is the replica's map of (q_op, q_prev) -> pendingEntry. It
// has its own fine-grained lock, independent of replicaTs/updateLog/valueTs.
type pendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[pendingKey]*pendingEntry)}
}

// getOrCreate returns the entry for key, creating it if absent. Duplicate
// keys share the same entry, so a second identical query joins the first
// waiter instead of registering twice.
func (t *pendingTable) getOrCreate(key pendingKey) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e
	}
	e := newPendingEntry()
	t.entries[key] = e
	return e
}

// remove drops key from the table once its waiter(s) have consumed the
// result.
func (t *pendingTable) remove(key pendingKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// snapshot returns the currently pending keys and their entries, for the
// gossip-driven drain pass.
func (t *pendingTable) snapshot() map[pendingKey]*pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[pendingKey]*pendingEntry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// cancelAll delivers ErrCancelled to every still-pending waiter. Used on
// shutdown.
func (t *pendingTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		e.deliver(pendingResult{err: ErrCancelled})
	}
	t.entries = make(map[pendingKey]*pendingEntry)
}
