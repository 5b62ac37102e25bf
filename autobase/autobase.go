// Package autobase implements MultiWriterLog: it combines
// one local LogCore with a dynamic set of remote writer LogCores into a
// single linearized command stream, feeding batches of linearized nodes to
// a caller-supplied deterministic apply function.
package autobase

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mr-tron/base58"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
	"github.com/roomcore/roomcore/logcore"
)

var log = logging.Logger("autobase")

// Node is one linearized entry handed to an ApplyFunc.
type Node struct {
	WriterKey []byte
	Index     uint64
	Payload   []byte
}

// Base is the handle an ApplyFunc uses to mutate the active writer set;
// these mutations take effect at the node boundary, visible to subsequent
// nodes in the same batch.
type Base interface {
	AddWriter(key []byte)
	RemoveWriter(key []byte)
}

// Flusher is the constraint MultiWriterLog's view parameter must satisfy:
// a transactional seal after each applied batch.
type Flusher interface {
	Flush() error
}

// ApplyFunc is the deterministic function mapping a batch of linearized
// nodes to view mutations. It must be idempotent over retries of the same
// prefix.
type ApplyFunc[V Flusher] func(ctx context.Context, nodes []Node, view V, base Base) error

// MultiWriterLog combines a local LogCore with remote writer LogCores into
// one linearized apply stream over view type V.
type MultiWriterLog[V Flusher] struct {
	// pollMu serializes whole Poll rounds; mu guards the maps and frontier
	// and is released around apply calls so Writable/Writers stay readable
	// mid-round.
	pollMu sync.Mutex
	mu     sync.Mutex

	localKey []byte
	localB58 string
	local    *logcore.LogCore
	remotes  map[string]*logcore.LogCore // b58(pubkey) -> core
	pulled   map[string]uint64           // b58(pubkey) -> next index not yet pulled into frontier
	linear   map[string]uint64           // b58(pubkey) -> count linearized so far
	frontier []pending

	writers *writerSet
	apply   ApplyFunc[V]
	view    V

	updateCh chan struct{}

	faultyMu sync.Mutex
	faulty   map[string]roomcore.ForkDiagnostic
}

// New constructs a MultiWriterLog over the local writer's own LogCore.
// bootstrapKey names the one writer every replica treats as admitted from
// the start — the owner of the room's founding core — which is what makes
// the writer set derivable from log content alone: every other writer
// traces its admission to an add-writer command reachable from the
// bootstrap. On the founding node localKey == bootstrapKey; a node that
// joined later starts unwritable and becomes writable once its own
// add-writer command is linearized. Remote writer cores are registered
// later via AddRemote as add-writer commands are linearized and the
// transport dials them.
func New[V Flusher](localKey, bootstrapKey []byte, local *logcore.LogCore, view V, apply ApplyFunc[V]) *MultiWriterLog[V] {
	b58 := encodeKeyB58(localKey)
	return &MultiWriterLog[V]{
		localKey: localKey,
		localB58: b58,
		local:    local,
		remotes:  make(map[string]*logcore.LogCore),
		pulled:   map[string]uint64{b58: 0},
		linear:   map[string]uint64{b58: 0},
		writers:  newWriterSet(encodeKeyB58(bootstrapKey)),
		apply:    apply,
		view:     view,
		updateCh: make(chan struct{}, 1),
		faulty:   make(map[string]roomcore.ForkDiagnostic),
	}
}

// AddRemote registers a remote writer's LogCore for pulling. Calling this
// does not by itself admit the writer — that requires an add-writer
// command to be linearized.
func (mb *MultiWriterLog[V]) AddRemote(key []byte, core *logcore.LogCore) {
	b58 := encodeKeyB58(key)
	mb.mu.Lock()
	mb.remotes[b58] = core
	if _, ok := mb.pulled[b58]; !ok {
		mb.pulled[b58] = 0
		mb.linear[b58] = 0
	}
	mb.mu.Unlock()
}

// RemoteKeys returns the public keys of every remote writer LogCore
// currently registered, so a caller dispatching incoming transport
// connections (by discovery-key topic) can learn which writers it already
// knows how to replicate against.
func (mb *MultiWriterLog[V]) RemoteKeys() [][]byte {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	keys := make([][]byte, 0, len(mb.remotes))
	for b58 := range mb.remotes {
		keys = append(keys, decodeKeyB58(b58))
	}
	return keys
}

// RemoteCore returns the registered remote LogCore for key, or nil.
func (mb *MultiWriterLog[V]) RemoteCore(key []byte) *logcore.LogCore {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.remotes[encodeKeyB58(key)]
}

// RemoteByTopic returns the registered remote LogCore whose DiscoveryKey
// equals topic, or nil if none match.
func (mb *MultiWriterLog[V]) RemoteByTopic(topic [32]byte) *logcore.LogCore {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, core := range mb.remotes {
		if core.DiscoveryKey() == topic {
			return core
		}
	}
	return nil
}

// LocalCore exposes the local writer's own LogCore, e.g. so a peer that
// dials us for our own discovery key can be routed to it.
func (mb *MultiWriterLog[V]) LocalCore() *logcore.LogCore {
	return mb.local
}

// Writable reports whether the local writer is currently admitted.
func (mb *MultiWriterLog[V]) Writable() bool {
	return mb.writers.Active(mb.localB58)
}

// Writers returns a snapshot of every writer's admission state.
func (mb *MultiWriterLog[V]) Writers() map[string]bool {
	return mb.writers.Snapshot()
}

// Updates returns a channel that receives a value after every apply batch.
func (mb *MultiWriterLog[V]) Updates() <-chan struct{} {
	return mb.updateCh
}

// Faults returns fork diagnostics observed so far, keyed by writer (b58).
func (mb *MultiWriterLog[V]) Faults() map[string]roomcore.ForkDiagnostic {
	mb.faultyMu.Lock()
	defer mb.faultyMu.Unlock()
	out := make(map[string]roomcore.ForkDiagnostic, len(mb.faulty))
	for k, v := range mb.faulty {
		out[k] = v
	}
	return out
}

// AppendLocal encodes payload with the current causal clock and appends it
// to the local LogCore. It does not itself linearize the entry; a
// subsequent Poll picks it up like any other writer's entry, so the local
// writer observes its own writes through the same apply path — and in the
// same linearized order — as everyone else.
func (mb *MultiWriterLog[V]) AppendLocal(ctx context.Context, payload []byte) (uint64, error) {
	if !mb.Writable() {
		return 0, roomcore.NewError(roomcore.KindUnauthorized, "autobase.AppendLocal", xerrors.New("local writer not admitted"))
	}

	mb.mu.Lock()
	clock := make(Clock, len(mb.linear))
	for k, v := range mb.linear {
		clock[k] = v
	}
	mb.mu.Unlock()

	env := envelope{clock: clock, payload: payload}
	return mb.local.Append(ctx, encodeEnvelope(env))
}

// Poll pulls any newly available entries from every known LogCore, then
// linearizes and applies the ready frontier. Nodes are applied one at a
// time so a writer-set mutation takes effect at the node boundary: an entry
// by a writer whose add-writer command sits earlier in the same poll round
// is admitted, not dropped. It returns the number of nodes applied. Poll is
// the unit of work
// both an explicit test driver and the room coordinator's background loop
// call repeatedly.
func (mb *MultiWriterLog[V]) Poll(ctx context.Context) (int, error) {
	mb.pollMu.Lock()
	defer mb.pollMu.Unlock()

	mb.mu.Lock()
	if err := mb.pullLocked(ctx, mb.localB58, mb.local); err != nil {
		mb.mu.Unlock()
		return 0, err
	}
	for b58, core := range mb.remotes {
		if err := mb.pullLocked(ctx, b58, core); err != nil {
			mb.mu.Unlock()
			return 0, err
		}
	}
	view := mb.view
	mb.mu.Unlock()

	base := &baseHandle{mb: mb}
	applied := 0
	for {
		mb.mu.Lock()
		idx := pickNext(mb.frontier, mb.linear)
		if idx == -1 {
			mb.mu.Unlock()
			break
		}
		p := mb.frontier[idx]
		mb.frontier = append(mb.frontier[:idx], mb.frontier[idx+1:]...)
		// Count the node as linearized whether or not it is applied, so
		// later dependents referencing a revoked writer's entry don't
		// deadlock.
		mb.linear[p.writerB58] = p.index + 1
		active := mb.writers.Active(p.writerB58)
		mb.mu.Unlock()

		if !active {
			continue
		}

		node := Node{WriterKey: decodeKeyB58(p.writerB58), Index: p.index, Payload: p.env.payload}
		if err := mb.apply(ctx, []Node{node}, view, base); err != nil {
			return applied, roomcore.NewError(roomcore.KindFatal, "autobase.Poll", err)
		}
		applied++
	}

	if applied == 0 {
		return 0, nil
	}

	if err := view.Flush(); err != nil {
		return applied, roomcore.NewError(roomcore.KindFatal, "autobase.Poll", err)
	}

	select {
	case mb.updateCh <- struct{}{}:
	default:
	}

	log.Debugw("applied batch", "count", applied)
	return applied, nil
}

// pullLocked must be called with mb.mu held. It reads any entries newly
// available on core (beyond what was previously pulled) and appends them
// to the pending frontier as decoded envelopes.
func (mb *MultiWriterLog[V]) pullLocked(ctx context.Context, b58 string, core *logcore.LogCore) error {
	if core.Faulty() {
		if index, first, second, ok := core.FaultDiagnostic(); ok {
			mb.faultyMu.Lock()
			_, already := mb.faulty[b58]
			mb.faultyMu.Unlock()
			if !already {
				mb.RecordFault(decodeKeyB58(b58), index, first, second, time.Now().Unix())
			}
		}
		return nil
	}

	length := core.Length()
	next := mb.pulled[b58]
	for next < length {
		raw, err := core.Get(ctx, next)
		if err != nil {
			return err
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return roomcore.NewError(roomcore.KindCorrupt, "autobase.pullLocked", err)
		}
		mb.frontier = append(mb.frontier, pending{
			writerKey: decodeKeyB58(b58),
			writerB58: b58,
			index:     next,
			env:       env,
		})
		next++
	}
	mb.pulled[b58] = next
	return nil
}

// RecordFault records a fork diagnostic for writer and revokes it.
// pullLocked calls this when it finds a writer's LogCore marked Faulty by
// LogCore.Ingest.
func (mb *MultiWriterLog[V]) RecordFault(key []byte, index uint64, first, second [32]byte, observedAt int64) {
	b58 := encodeKeyB58(key)
	mb.faultyMu.Lock()
	mb.faulty[b58] = roomcore.ForkDiagnostic{WriterKey: key, Index: index, FirstHash: first, SecondHash: second, ObservedAt: observedAt}
	mb.faultyMu.Unlock()
	mb.writers.Remove(b58)
}

type baseHandle struct {
	mb interface {
		addWriter([]byte)
		removeWriter([]byte)
	}
}

func (b *baseHandle) AddWriter(key []byte)    { b.mb.addWriter(key) }
func (b *baseHandle) RemoveWriter(key []byte) { b.mb.removeWriter(key) }

func (mb *MultiWriterLog[V]) addWriter(key []byte) {
	mb.writers.Add(encodeKeyB58(key))
}

func (mb *MultiWriterLog[V]) removeWriter(key []byte) {
	mb.writers.Remove(encodeKeyB58(key))
}

func encodeKeyB58(key []byte) string {
	return base58.Encode(key)
}

func decodeKeyB58(b58str string) []byte {
	key, err := base58.Decode(b58str)
	if err != nil {
		// keys placed into the writer set always round-trip through
		// encodeKeyB58 first, so a decode failure here means internal
		// bookkeeping handed us something that was never a real key.
		panic("autobase: corrupt writer key in internal bookkeeping: " + err.Error())
	}
	return key
}
