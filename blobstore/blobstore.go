// Package blobstore implements BlobStore: a content-addressed
// key/value layer, backed by its own LogCore (the "blob-core"), replicated
// over the same ReplicationTransport as a room's command log. Content is
// chunked and appended to the blob-core behind a small self-describing
// header entry; a badger-backed index maps each blobId to its owning core
// and chunk range so Get/Has/createReadStream don't have to rescan the log
// on every call. Index entries are rebuilt by scanning header entries off
// any registered core (local or a remote replica added via AddRemote), so a
// blob uploaded by a peer becomes locally resolvable as soon as its blob-core
// entries replicate in, without any extra gossip beyond the log itself. A
// second badger store, a content-addressed block cache keyed by CID,
// short-circuits repeat Get/Has calls for
// content this node already reassembled once, so a warm blob never has to be
// re-chunked from the log.
package blobstore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mr-tron/base58"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
	badgerbs "github.com/roomcore/roomcore/blockstore/badger"
	"github.com/roomcore/roomcore/logcore"
)

var log = logging.Logger("blobstore")

// ChunkSize bounds how many plaintext bytes go into one LogCore entry.
// Keeping chunks small bounds per-entry memory during replication and lets
// createReadStream serve ranges without reading whole blobs into memory.
const ChunkSize = 64 << 10

// tagHeader and tagChunk prefix every blob-core entry so a scanner walking a
// core from scratch can tell a blob's self-describing header apart from its
// data chunks without consulting any out-of-band index.
const (
	tagHeader byte = 0x01
	tagChunk  byte = 0x02
)

// pollInterval bounds how long awaitIndexed waits between refreshIndex
// passes while blocked on a blob that hasn't replicated in yet.
const pollInterval = 250 * time.Millisecond

// headerPayload is the self-describing entry Put writes immediately before
// a blob's data chunks, letting refreshIndex rebuild indexRecords for any
// core (including one this node never wrote to) by scanning alone.
type headerPayload struct {
	BlobID     []byte `json:"blob_id"`
	Size       int64  `json:"size"`
	NumChunks  uint32 `json:"num_chunks"`
	MimeHint   string `json:"mime_hint,omitempty"`
	Executable bool   `json:"executable,omitempty"`
}

// indexRecord is the badger-stored value for one blobId.
type indexRecord struct {
	StartIndex uint64 `json:"start_index"`
	NumChunks  uint32 `json:"num_chunks"`
	Size       int64  `json:"size"`
	MimeHint   string `json:"mime_hint,omitempty"`
	Executable bool   `json:"executable,omitempty"`
	Owner      []byte `json:"owner"` // which core (local or remote) holds the chunks
}

// PutOptions carries the optional metadata recorded alongside a Put.
type PutOptions struct {
	MimeHint   string
	Executable bool
}

// GetOptions bounds a Get: a byte-length cap and a fetch timeout.
type GetOptions struct {
	MaxBytes int64
	Timeout  time.Duration
}

// GetResult carries the (possibly truncated) bytes of a blob fetch.
type GetResult struct {
	Data      []byte
	Truncated bool
}

// BlobStore is a content-addressed store for one room's file attachments.
// It holds the local writer's own blob-core plus zero or more remote
// writers' blob-cores registered via AddRemote as they're discovered, the
// same local+remotes split autobase.MultiWriterLog uses for command logs.
type BlobStore struct {
	local    *logcore.LogCore
	localB58 string

	mu      sync.Mutex
	cores   map[string]*logcore.LogCore // b58(ownerKey) -> core, includes local
	scanned map[string]uint64           // b58(ownerKey) -> next index refreshIndex hasn't scanned yet

	index *badger.DB
	cache *badgerbs.Blockstore

	findPeersMu sync.Mutex
	findPeers   func(context.Context) error

	waitersMu sync.Mutex
	waiters   []chan struct{}
}

// Options configures Open.
type Options struct {
	IndexDir string
	CacheDir string
	Core     *logcore.LogCore
}

// Open opens (creating if absent) the index database and local block cache
// alongside an already opened blob-core LogCore.
func Open(opts Options) (*BlobStore, error) {
	bopts := badger.DefaultOptions(opts.IndexDir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, roomcore.NewError(roomcore.KindFatal, "blobstore.Open", err)
	}

	cache, err := badgerbs.Open(badgerbs.DefaultOptions(opts.CacheDir))
	if err != nil {
		_ = db.Close()
		return nil, roomcore.NewError(roomcore.KindFatal, "blobstore.Open", err)
	}

	localB58 := base58.Encode(opts.Core.OwnerKey())
	return &BlobStore{
		local:    opts.Core,
		localB58: localB58,
		cores:    map[string]*logcore.LogCore{localB58: opts.Core},
		scanned:  map[string]uint64{localB58: 0},
		index:    db,
		cache:    cache,
	}, nil
}

// Close closes the index database and block cache. The caller owns and
// separately closes every registered blob-core LogCore (local and any
// remotes added via AddRemote), since they may be shared with other
// bookkeeping.
func (bs *BlobStore) Close() error {
	err1 := bs.index.Close()
	err2 := bs.cache.Close()
	if err1 != nil {
		return roomcore.NewError(roomcore.KindFatal, "blobstore.Close", err1)
	}
	if err2 != nil {
		return roomcore.NewError(roomcore.KindFatal, "blobstore.Close", err2)
	}
	return nil
}

// DiscoveryKey is the rendezvous identifier for this node's own blob-core's
// replication.
func (bs *BlobStore) DiscoveryKey() [32]byte {
	return bs.local.DiscoveryKey()
}

// AddRemote registers a peer's blob-core as a replication source. Once its
// entries replicate in (via LogCore.Replicate/Ingest), refreshIndex picks up
// the header entries it carries and blobs the peer uploaded become locally
// resolvable.
func (bs *BlobStore) AddRemote(core *logcore.LogCore) {
	b58 := base58.Encode(core.OwnerKey())
	bs.mu.Lock()
	bs.cores[b58] = core
	if _, ok := bs.scanned[b58]; !ok {
		bs.scanned[b58] = 0
	}
	bs.mu.Unlock()
}

// SetFindPeers wires the transport-layer peer lookup FindPeers delegates
// to. The coordinator that owns both the store and the transport sets it;
// without one, FindPeers is a no-op and Get still blocks on awaitIndexed.
func (bs *BlobStore) SetFindPeers(fn func(context.Context) error) {
	bs.findPeersMu.Lock()
	bs.findPeers = fn
	bs.findPeersMu.Unlock()
}

// FindPeers asks the transport layer to locate replication peers for this
// store's topics, returning once one full discovery cycle has completed.
// A Get blocked on a missing blob picks up whatever the located peers
// replicate in.
func (bs *BlobStore) FindPeers(ctx context.Context) error {
	bs.findPeersMu.Lock()
	fn := bs.findPeers
	bs.findPeersMu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// RemoteByTopic returns the registered blob-core (local or remote) whose
// DiscoveryKey equals topic, so a transport dispatcher can route an incoming
// Connection's stream to the right core's Replicate.
func (bs *BlobStore) RemoteByTopic(topic [32]byte) *logcore.LogCore {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, core := range bs.cores {
		if core.DiscoveryKey() == topic {
			return core
		}
	}
	return nil
}

func (bs *BlobStore) coreFor(owner []byte) *logcore.LogCore {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.cores[base58.Encode(owner)]
}

func (bs *BlobStore) lookup(id cid.Cid) (*indexRecord, error) {
	var rec indexRecord
	err := bs.index.View(func(txn *badger.Txn) error {
		item, err := txn.Get(id.Bytes())
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, roomcore.NewError(roomcore.KindFatal, "blobstore.lookup", err)
	}
	return &rec, nil
}

// refreshIndex scans every registered core (local and remotes) from where it
// last left off, looking for header entries and turning each into an index
// record. It only ever reads entries already locally present (bounded by
// core.Length()), so it never blocks waiting on replication.
func (bs *BlobStore) refreshIndex(ctx context.Context) error {
	bs.mu.Lock()
	cores := make(map[string]*logcore.LogCore, len(bs.cores))
	for k, c := range bs.cores {
		cores[k] = c
	}
	bs.mu.Unlock()

	found := false
	for ownerB58, core := range cores {
		bs.mu.Lock()
		next := bs.scanned[ownerB58]
		bs.mu.Unlock()

		length := core.Length()
		for next < length {
			raw, err := core.Get(ctx, next)
			if err != nil {
				return roomcore.NewError(roomcore.KindTransient, "blobstore.refreshIndex", err)
			}
			if len(raw) > 0 && raw[0] == tagHeader {
				var hp headerPayload
				if err := json.Unmarshal(raw[1:], &hp); err != nil {
					// A peer wrote garbage where a header belongs; skip the
					// entry rather than wedging the scan on it forever.
					log.Warnw("skipping malformed blob header entry", "owner", ownerB58, "index", next, "err", err)
					next++
					continue
				}
				owner, err := base58.Decode(ownerB58)
				if err != nil {
					return roomcore.NewError(roomcore.KindFatal, "blobstore.refreshIndex", err)
				}
				rec := indexRecord{
					StartIndex: next + 1,
					NumChunks:  hp.NumChunks,
					Size:       hp.Size,
					MimeHint:   hp.MimeHint,
					Executable: hp.Executable,
					Owner:      owner,
				}
				buf, err := json.Marshal(rec)
				if err != nil {
					return roomcore.NewError(roomcore.KindFatal, "blobstore.refreshIndex", err)
				}
				if err := bs.index.Update(func(txn *badger.Txn) error {
					return txn.Set(hp.BlobID, buf)
				}); err != nil {
					return roomcore.NewError(roomcore.KindFatal, "blobstore.refreshIndex", err)
				}
				found = true
			}
			next++
		}

		bs.mu.Lock()
		bs.scanned[ownerB58] = next
		bs.mu.Unlock()
	}

	if found {
		bs.notifyWaiters()
	}
	return nil
}

func (bs *BlobStore) subscribe() chan struct{} {
	ch := make(chan struct{})
	bs.waitersMu.Lock()
	bs.waiters = append(bs.waiters, ch)
	bs.waitersMu.Unlock()
	return ch
}

func (bs *BlobStore) notifyWaiters() {
	bs.waitersMu.Lock()
	waiters := bs.waiters
	bs.waiters = nil
	bs.waitersMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// awaitIndexed blocks, rescanning every registered core, until id appears in
// the index or ctx is done. Callers bound ctx with opts.Timeout, the
// same blocking-for-replication contract LogCore.Get honors via its own
// subscribe/notify pair.
func (bs *BlobStore) awaitIndexed(ctx context.Context, id cid.Cid) (*indexRecord, error) {
	for {
		if err := bs.refreshIndex(ctx); err != nil {
			return nil, err
		}
		rec, err := bs.lookup(id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}

		ch := bs.subscribe()
		select {
		case <-ch:
		case <-time.After(pollInterval):
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, roomcore.NewError(roomcore.KindTransient, "blobstore.awaitIndexed", xerrors.New("timed out waiting for blob to replicate"))
			}
			return nil, roomcore.NewError(roomcore.KindNotFound, "blobstore.awaitIndexed", xerrors.New("blob not indexed"))
		}
	}
}

func chunkPayload(raw []byte) ([]byte, error) {
	if len(raw) == 0 || raw[0] != tagChunk {
		return nil, xerrors.New("expected data-chunk entry")
	}
	return raw[1:], nil
}

// Put writes content, returning the BlobRef that addresses it. Identical
// content always produces the same blobId and is not re-appended to the
// blob-core.
func (bs *BlobStore) Put(ctx context.Context, content []byte, opts PutOptions) (roomcore.BlobRef, error) {
	id, err := blobID(content)
	if err != nil {
		return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
	}

	if rec, err := bs.lookup(id); err != nil {
		return roomcore.BlobRef{}, err
	} else if rec != nil {
		return roomcore.BlobRef{Name: "", Size: rec.Size, BlobID: id.Bytes(), MimeHint: rec.MimeHint}, nil
	}

	blk, err := block(content)
	if err != nil {
		return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
	}
	if err := bs.cache.Put(ctx, blk); err != nil {
		return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
	}

	numChunks := uint32((len(content) + ChunkSize - 1) / ChunkSize)
	if numChunks == 0 {
		numChunks = 1 // zero-length content still gets one empty chunk
	}

	hp := headerPayload{BlobID: id.Bytes(), Size: int64(len(content)), NumChunks: numChunks, MimeHint: opts.MimeHint, Executable: opts.Executable}
	headerBuf, err := json.Marshal(hp)
	if err != nil {
		return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
	}
	headerIdx, err := bs.local.Append(ctx, append([]byte{tagHeader}, headerBuf...))
	if err != nil {
		return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
	}
	start := headerIdx + 1

	written := uint32(0)
	for off := 0; off < len(content); off += ChunkSize {
		end := off + ChunkSize
		if end > len(content) {
			end = len(content)
		}
		entry := append([]byte{tagChunk}, content[off:end]...)
		if _, err := bs.local.Append(ctx, entry); err != nil {
			return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
		}
		written++
	}
	if written == 0 {
		if _, err := bs.local.Append(ctx, []byte{tagChunk}); err != nil {
			return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
		}
		written = 1
	}

	rec := indexRecord{StartIndex: start, NumChunks: written, Size: hp.Size, MimeHint: hp.MimeHint, Executable: hp.Executable, Owner: bs.local.OwnerKey()}
	buf, err := json.Marshal(rec)
	if err != nil {
		return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
	}
	if err := bs.index.Update(func(txn *badger.Txn) error {
		return txn.Set(id.Bytes(), buf)
	}); err != nil {
		return roomcore.BlobRef{}, roomcore.NewError(roomcore.KindFatal, "blobstore.Put", err)
	}
	bs.mu.Lock()
	bs.scanned[bs.localB58] = start + uint64(written)
	bs.mu.Unlock()
	bs.notifyWaiters()

	log.Debugw("blob stored", "blobId", id.String(), "size", rec.Size, "chunks", written)
	return roomcore.BlobRef{Size: rec.Size, BlobID: id.Bytes(), MimeHint: rec.MimeHint}, nil
}

// Has reports whether blobId is locally present and indexed, rescanning
// registered cores once to pick up anything replicated in since the last
// call before answering. Unlike Get, it never blocks waiting on replication.
func (bs *BlobStore) Has(id cid.Cid) (bool, error) {
	if ok, err := bs.cache.Has(context.Background(), id); err == nil && ok {
		return true, nil
	}
	if rec, err := bs.lookup(id); err != nil {
		return false, err
	} else if rec != nil {
		return true, nil
	}
	if err := bs.refreshIndex(context.Background()); err != nil {
		return false, err
	}
	rec, err := bs.lookup(id)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Get performs a blocking fetch of blobId, capped at opts.MaxBytes and
// bounded by opts.Timeout. If blobId isn't indexed yet it blocks,
// rescanning registered cores as they replicate, until it appears or the
// timeout expires. Returns the prefix and
// Truncated=true if the object exceeds MaxBytes.
func (bs *BlobStore) Get(ctx context.Context, id cid.Cid, opts GetOptions) (*GetResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rec, err := bs.lookup(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec, err = bs.awaitIndexed(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	core := bs.coreFor(rec.Owner)
	if core == nil {
		return nil, roomcore.NewError(roomcore.KindNotFound, "blobstore.Get", xerrors.New("no core registered for blob owner"))
	}

	limit := rec.Size
	truncated := false
	if opts.MaxBytes > 0 && opts.MaxBytes < limit {
		limit = opts.MaxBytes
		truncated = true
	}

	if !truncated {
		if cached, err := bs.cache.Get(ctx, id); err == nil {
			return &GetResult{Data: cached.RawData(), Truncated: false}, nil
		}
	}

	out := make([]byte, 0, limit)
	for i := uint32(0); i < rec.NumChunks && int64(len(out)) < limit; i++ {
		raw, err := core.Get(ctx, rec.StartIndex+uint64(i))
		if err != nil {
			return nil, roomcore.NewError(roomcore.KindTransient, "blobstore.Get", err)
		}
		chunk, err := chunkPayload(raw)
		if err != nil {
			return nil, roomcore.NewError(roomcore.KindCorrupt, "blobstore.Get", err)
		}
		remaining := limit - int64(len(out))
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
			truncated = true
		}
		out = append(out, chunk...)
	}

	if !truncated {
		if blk, err := blocks.NewBlockWithCid(out, id); err == nil {
			if err := bs.cache.Put(ctx, blk); err != nil {
				log.Debugw("failed to warm blob cache", "blobId", id.String(), "err", err)
			}
		}
	}

	return &GetResult{Data: out, Truncated: truncated}, nil
}

// readStream implements io.Reader over a ranged window of a blob's chunks,
// used by createReadStream.
type readStream struct {
	ctx    context.Context
	cancel context.CancelFunc // releases the timeout timer once the stream is drained
	core   *logcore.LogCore
	rec    *indexRecord
	cursor int64
	end    int64
	buf    []byte
}

func (rs *readStream) finish() {
	if rs.cancel != nil {
		rs.cancel()
		rs.cancel = nil
	}
}

func (rs *readStream) Read(p []byte) (int, error) {
	for len(rs.buf) == 0 {
		if rs.cursor >= rs.end {
			rs.finish()
			return 0, io.EOF
		}
		chunkIdx := rs.cursor / ChunkSize
		raw, err := rs.core.Get(rs.ctx, rs.rec.StartIndex+uint64(chunkIdx))
		if err != nil {
			rs.finish()
			return 0, roomcore.NewError(roomcore.KindTransient, "blobstore.readStream", err)
		}
		chunk, err := chunkPayload(raw)
		if err != nil {
			rs.finish()
			return 0, roomcore.NewError(roomcore.KindCorrupt, "blobstore.readStream", err)
		}
		chunkStart := chunkIdx * ChunkSize
		offsetInChunk := rs.cursor - chunkStart
		if offsetInChunk < 0 || offsetInChunk > int64(len(chunk)) {
			return 0, roomcore.NewError(roomcore.KindCorrupt, "blobstore.readStream", xerrors.New("chunk bounds mismatch"))
		}
		avail := chunk[offsetInChunk:]
		if remain := rs.end - rs.cursor; int64(len(avail)) > remain {
			avail = avail[:remain]
		}
		rs.buf = avail
		rs.cursor += int64(len(avail))
	}
	n := copy(p, rs.buf)
	rs.buf = rs.buf[n:]
	return n, nil
}

// CreateReadStream returns a ranged streaming reader over blobId's content
//, for files too large to comfortably load via Get in one call. Like
// Get, it blocks (bounded by timeout) if blobId isn't indexed yet.
func (bs *BlobStore) CreateReadStream(ctx context.Context, id cid.Cid, start, end int64, timeout time.Duration) (io.Reader, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	fail := func(err error) (io.Reader, error) {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}

	rec, err := bs.lookup(id)
	if err != nil {
		return fail(err)
	}
	if rec == nil {
		rec, err = bs.awaitIndexed(ctx, id)
		if err != nil {
			return fail(err)
		}
	}

	core := bs.coreFor(rec.Owner)
	if core == nil {
		return fail(roomcore.NewError(roomcore.KindNotFound, "blobstore.CreateReadStream", xerrors.New("no core registered for blob owner")))
	}

	if end <= 0 || end > rec.Size {
		end = rec.Size
	}
	return &readStream{ctx: ctx, cancel: cancel, core: core, rec: rec, cursor: start, end: end}, nil
}
