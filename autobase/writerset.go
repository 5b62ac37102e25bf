package autobase

import "sync"

// writerSet tracks which writer keys are currently eligible to contribute
// entries to the linearized stream. Mutations take effect at the node
// boundary where they are applied: the caller is expected to call
// Add/Remove from inside the apply loop, between processing one node and
// the next, so subsequent nodes in the same batch see the new set.
type writerSet struct {
	mu     sync.RWMutex
	active map[string]bool // base58(pubkey) -> active
}

func newWriterSet(bootstrap string) *writerSet {
	return &writerSet{active: map[string]bool{bootstrap: true}}
}

func (w *writerSet) Add(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[key] = true
}

func (w *writerSet) Remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Revokes future appends; history from this writer is never rewritten.
	w.active[key] = false
}

func (w *writerSet) Active(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active[key]
}

// Snapshot returns a defensive copy for WriterInfo reporting.
func (w *writerSet) Snapshot() map[string]bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]bool, len(w.active))
	for k, v := range w.active {
		out[k] = v
	}
	return out
}
