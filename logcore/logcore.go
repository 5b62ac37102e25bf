// Package logcore implements a single-writer, append-only, hash-chained,
// optionally encrypted log. Storage is a badger key/value database with an
// open/close state machine that drains in-flight accessors before the
// store goes away.
package logcore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
)

var log = logging.Logger("logcore")

// ErrNotAvailable is returned by Get when the requested index is beyond the
// local length and no replication peer has supplied it before the timeout.
var ErrNotAvailable = roomcore.NewError(roomcore.KindNotFound, "logcore.Get", xerrors.New("entry not available"))

// badgerLogger adapts zap to badger's Logger interface (aliasing Warningf
// onto Warnf).
type badgerLogger struct {
	*zap.SugaredLogger
	skip2 *zap.SugaredLogger
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.skip2.Warnf(format, args...)
}

// state is a small closed state machine guarding access() against
// use-after-close.
type state int

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// LogCore is a single-writer append-only hash-chained log. One LogCore is
// owned by exactly one writer public key; entries from any other signer are
// rejected (see Append/ingest).
type LogCore struct {
	stateLk sync.RWMutex
	st      state
	viewers sync.WaitGroup

	db *badger.DB

	ownerKey ed25519.PublicKey  // the writer this log belongs to
	signer   ed25519.PrivateKey // non-nil only for the local writer's own log
	encKey   *[32]byte          // room encryptionKey, nil if this log is unencrypted
	domain   string             // discovery-key namespace, e.g. "cmd" or "blob"

	mu         sync.Mutex
	length     uint64
	lastHash   [32]byte
	faulty     bool
	faultIndex uint64
	faultHash  [32]byte // the hash of the first entry at the forking index
	faultHash2 [32]byte // the hash of the conflicting second entry

	waitersMu sync.Mutex
	waiters   map[uint64][]chan struct{}
}

// Options configures Open.
type Options struct {
	Dir        string
	OwnerKey   ed25519.PublicKey
	Signer     ed25519.PrivateKey // set iff this is the local identity's own log
	Encryption *[32]byte

	// Domain namespaces the discovery key so a writer's command log and
	// that same writer's blob-core rendezvous on different topics instead
	// of colliding on the owner key alone.
	Domain string
}

// Open opens (creating if absent) the badger-backed log store at opts.Dir.
func Open(opts Options) (*LogCore, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLoggingLevel(badger.WARNING)
	bopts.ValueLogFileSize = 64 << 20
	bopts.Logger = &badgerLogger{
		SugaredLogger: log.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar(),
		skip2:         log.Desugar().WithOptions(zap.AddCallerSkip(2)).Sugar(),
	}
	bopts.ValueLogLoadingMode = options.FileIO

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, roomcore.NewError(roomcore.KindFatal, "logcore.Open", err)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, roomcore.NewError(roomcore.KindFatal, "logcore.Open", err)
	}

	lc := &LogCore{
		db:       db,
		ownerKey: opts.OwnerKey,
		signer:   opts.Signer,
		encKey:   opts.Encryption,
		domain:   opts.Domain,
		waiters:  make(map[uint64][]chan struct{}),
	}
	if err := lc.loadTail(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return lc, nil
}

func (lc *LogCore) loadTail() error {
	return lc.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			lc.length = 0
			return nil
		}
		item := it.Item()
		idx := decodeKey(item.Key())
		lc.length = idx + 1
		return item.Value(func(v []byte) error {
			e, err := decodeEntry(idx, v)
			if err != nil {
				return err
			}
			lc.lastHash = e.hash
			return nil
		})
	})
}

func encodeKey(index uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], index)
	return k[:]
}

func decodeKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

func (lc *LogCore) access() error {
	lc.stateLk.RLock()
	defer lc.stateLk.RUnlock()
	if lc.st != stateOpen {
		return roomcore.NewError(roomcore.KindFatal, "logcore.access", xerrors.New("log closed"))
	}
	lc.viewers.Add(1)
	return nil
}

// Close drains in-flight accessors and closes the badger store.
func (lc *LogCore) Close() error {
	lc.stateLk.Lock()
	if lc.st != stateOpen {
		lc.stateLk.Unlock()
		return nil
	}
	lc.st = stateClosing
	lc.stateLk.Unlock()

	lc.viewers.Wait()

	err := lc.db.Close()

	lc.stateLk.Lock()
	lc.st = stateClosed
	lc.stateLk.Unlock()

	if err != nil {
		return roomcore.NewError(roomcore.KindFatal, "logcore.Close", err)
	}
	return nil
}

// DiscoveryKey is the public rendezvous identifier for this log, a hash of
// the owner's public key and this log's domain that does not leak the key
// itself. The domain keeps a writer's distinct logs (command log, blob-core,
// ...) from colliding on the same rendezvous topic.
func (lc *LogCore) DiscoveryKey() [32]byte {
	return DiscoveryKeyFor(lc.ownerKey, lc.domain)
}

// DiscoveryKeyFor computes the rendezvous identifier for a (ownerKey, domain)
// pair without requiring an opened LogCore, so callers that only hold a
// writer's public key (e.g. a newly admitted writer seen via add-writer,
// or a pairing-issued remote) can compute the topic to dial before any log
// exists locally.
func DiscoveryKeyFor(ownerKey ed25519.PublicKey, domain string) [32]byte {
	buf := append([]byte("roomcore/logcore/discovery:"+domain+":"), ownerKey...)
	return blake2b.Sum256(buf)
}

// Length returns the number of entries currently local.
func (lc *LogCore) Length() uint64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.length
}

// Writable reports whether this log has a local signer attached, i.e.
// whether Append can be called at all.
func (lc *LogCore) Writable() bool {
	return lc.signer != nil
}

// Faulty reports whether a fork was observed on this log.
func (lc *LogCore) Faulty() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.faulty
}

// FaultDiagnostic returns the recorded fork details if Faulty, for callers
// that surface a diagnostic event.
func (lc *LogCore) FaultDiagnostic() (index uint64, first, second [32]byte, ok bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if !lc.faulty {
		return 0, [32]byte{}, [32]byte{}, false
	}
	return lc.faultIndex, lc.faultHash, lc.faultHash2, true
}

// OwnerKey returns the public key this log belongs to.
func (lc *LogCore) OwnerKey() ed25519.PublicKey {
	return lc.ownerKey
}

// Append seals, hash-chains, signs, and durably writes plaintext as the next
// entry. Only the local identity's own log may be appended to.
func (lc *LogCore) Append(ctx context.Context, plaintext []byte) (uint64, error) {
	if lc.signer == nil {
		return 0, roomcore.NewError(roomcore.KindUnauthorized, "logcore.Append", xerrors.New("log has no local signer"))
	}
	if err := lc.access(); err != nil {
		return 0, err
	}
	defer lc.viewers.Done()

	lc.mu.Lock()
	defer lc.mu.Unlock()

	index := lc.length
	sealed := plaintext
	if lc.encKey != nil {
		var nonce [24]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return 0, roomcore.NewError(roomcore.KindFatal, "logcore.Append", err)
		}
		sealed = sealRandom(lc.encKey, plaintext, nonce)
	}

	h := chainHash(index, lc.lastHash, sealed)
	sig := ed25519.Sign(lc.signer, signingMessage(h))

	e := entry{index: index, sealed: sealed, prevHash: lc.lastHash, hash: h, signature: sig}
	buf := encodeEntry(e)

	if err := lc.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(index), buf)
	}); err != nil {
		return 0, roomcore.NewError(roomcore.KindFatal, "logcore.Append", err)
	}

	lc.length = index + 1
	lc.lastHash = h
	lc.notify(index)
	return index, nil
}

// Get returns the plaintext of the entry at index, blocking (bounded by
// ctx) until it is locally available.
func (lc *LogCore) Get(ctx context.Context, index uint64) ([]byte, error) {
	if err := lc.access(); err != nil {
		return nil, err
	}
	defer lc.viewers.Done()

	for {
		ch := lc.subscribe(index)
		lc.mu.Lock()
		have := index < lc.length
		lc.mu.Unlock()
		if have {
			lc.unsubscribe(index, ch)
			break
		}
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			lc.unsubscribe(index, ch)
			return nil, ErrNotAvailable
		}
	}

	var raw []byte
	err := lc.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(index))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, roomcore.NewError(roomcore.KindNotFound, "logcore.Get", err)
	}

	e, err := decodeEntry(index, raw)
	if err != nil {
		return nil, err
	}
	if err := lc.verify(e.prevHash, e, lc.ownerKey); err != nil {
		return nil, err
	}

	if lc.encKey != nil {
		pt, ok := unseal(lc.encKey, e.sealed)
		if !ok {
			return nil, roomcore.NewError(roomcore.KindCorrupt, "logcore.Get", xerrors.New("unseal failed"))
		}
		return pt, nil
	}
	return e.sealed, nil
}

// verify checks an entry's hash chain and its Ed25519 signature against
// the owning writer's public key. It is called both on local reads
// (defense in depth against on-disk corruption) and on every entry
// arriving via Ingest.
func (lc *LogCore) verify(prevHash [32]byte, e entry, pub ed25519.PublicKey) error {
	want := chainHash(e.index, prevHash, e.sealed)
	if want != e.hash {
		return roomcore.NewError(roomcore.KindCorrupt, "logcore.verify", xerrors.New("hash chain mismatch"))
	}
	if !ed25519.Verify(pub, signingMessage(e.hash), e.signature) {
		return roomcore.NewError(roomcore.KindCorrupt, "logcore.verify", xerrors.New("signature mismatch"))
	}
	return nil
}

// Ingest accepts an entry received from a remote peer via Replicate. Every
// entry is verified against the owning key's signature on receive, and a
// second, differently-hashed entry at an already-occupied index marks the
// writer Faulty and is rejected without mutating state.
func (lc *LogCore) Ingest(index uint64, sealed, signature []byte) error {
	if err := lc.access(); err != nil {
		return err
	}
	defer lc.viewers.Done()

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.faulty {
		return roomcore.NewError(roomcore.KindConflict, "logcore.Ingest", xerrors.New("writer marked faulty"))
	}

	if index < lc.length {
		// Already have this index: check for a fork rather than silently
		// accepting a duplicate.
		existing, err := lc.rawAt(index)
		if err != nil {
			return err
		}
		if !bytesEqual(existing.sealed, sealed) {
			fork := entry{index: index, sealed: sealed, prevHash: existing.prevHash, signature: signature}
			fork.hash = chainHash(index, existing.prevHash, sealed)
			if err := lc.verify(existing.prevHash, fork, lc.ownerKey); err != nil {
				return err
			}
			lc.faulty = true
			lc.faultIndex = index
			lc.faultHash = existing.hash
			lc.faultHash2 = fork.hash
			log.Warnw("fork detected", "writer", mustB58(lc.ownerKey), "index", index)
			return roomcore.NewError(roomcore.KindConflict, "logcore.Ingest", xerrors.New("fork detected"))
		}
		return nil // duplicate of what we already have, idempotent
	}

	if index != lc.length {
		return roomcore.NewError(roomcore.KindTransient, "logcore.Ingest", xerrors.New("out-of-order entry"))
	}

	e := entry{index: index, sealed: sealed, prevHash: lc.lastHash, signature: signature}
	e.hash = chainHash(index, lc.lastHash, sealed)
	if err := lc.verify(lc.lastHash, e, lc.ownerKey); err != nil {
		return err
	}

	buf := encodeEntry(e)
	if err := lc.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(index), buf)
	}); err != nil {
		return roomcore.NewError(roomcore.KindFatal, "logcore.Ingest", err)
	}

	lc.length = index + 1
	lc.lastHash = e.hash
	lc.notify(index)
	return nil
}

// Export returns the stored entry at index in its replication wire shape —
// the sealed payload and signature Ingest on another replica expects — for
// callers that move entries between stores without a live stream (tests,
// offline import tools).
func (lc *LogCore) Export(index uint64) (uint64, []byte, []byte, error) {
	if err := lc.access(); err != nil {
		return 0, nil, nil, err
	}
	defer lc.viewers.Done()
	e, err := lc.rawAt(index)
	if err != nil {
		return 0, nil, nil, err
	}
	return e.index, e.sealed, e.signature, nil
}

func (lc *LogCore) rawAt(index uint64) (entry, error) {
	var raw []byte
	err := lc.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(index))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return entry{}, roomcore.NewError(roomcore.KindNotFound, "logcore.rawAt", err)
	}
	return decodeEntry(index, raw)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustB58(pub ed25519.PublicKey) string {
	return encodeB58(pub)
}

func (lc *LogCore) subscribe(index uint64) chan struct{} {
	ch := make(chan struct{})
	lc.waitersMu.Lock()
	lc.waiters[index] = append(lc.waiters[index], ch)
	lc.waitersMu.Unlock()
	return ch
}

func (lc *LogCore) unsubscribe(index uint64, ch chan struct{}) {
	lc.waitersMu.Lock()
	defer lc.waitersMu.Unlock()
	chans := lc.waiters[index]
	for i, c := range chans {
		if c == ch {
			lc.waiters[index] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(lc.waiters[index]) == 0 {
		delete(lc.waiters, index)
	}
}

func (lc *LogCore) notify(index uint64) {
	lc.waitersMu.Lock()
	chans := lc.waiters[index]
	delete(lc.waiters, index)
	lc.waitersMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// WithTimeout is a convenience for callers building a bounded Get context;
// a non-positive duration means no bound.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
