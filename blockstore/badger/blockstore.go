// Package badgerbs is a badger-backed content-addressed Blockstore: an
// Open/Close state machine with access()/viewers draining so the store is
// never closed under an in-flight reader, and a zap-to-badger logger
// wrapper. It backs a local cache of already-replicated blob content, so
// it carries no garbage collection or store-relocation machinery.
package badgerbs

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logger "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-base32"
	"go.uber.org/zap"

	"github.com/roomcore/roomcore/blockstore"
)

var log = logger.Logger("badgerbs")

// ErrBlockstoreClosed is returned from blockstore operations after the
// blockstore has been closed.
var ErrBlockstoreClosed = fmt.Errorf("badger blockstore closed")

// aliases to mask badger dependencies.
const (
	FileIO    = options.FileIO
	MemoryMap = options.MemoryMap
)

// Options embeds the badger options themselves.
type Options struct {
	badger.Options
}

func DefaultOptions(path string) Options {
	return Options{Options: badger.DefaultOptions(path)}
}

// badgerLogger adapts go-log to badger.Logger (aliasing Warnf to Warningf).
type badgerLogger struct {
	*zap.SugaredLogger
	skip2 *zap.SugaredLogger
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.skip2.Warnf(format, args...)
}

type bsState int

const (
	stateOpen bsState = iota
	stateClosing
	stateClosed
)

// Blockstore is a badger-backed content-addressed block store.
type Blockstore struct {
	stateLk sync.RWMutex
	state   bsState
	viewers sync.WaitGroup

	db   *badger.DB
	opts Options
}

var _ blockstore.Blockstore = (*Blockstore)(nil)
var _ blockstore.Viewer = (*Blockstore)(nil)

// Open creates a new badger-backed blockstore, with the supplied options.
func Open(opts Options) (*Blockstore, error) {
	opts.Logger = &badgerLogger{
		SugaredLogger: log.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar(),
		skip2:         log.Desugar().WithOptions(zap.AddCallerSkip(2)).Sugar(),
	}

	db, err := badger.Open(opts.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger blockstore: %w", err)
	}
	return &Blockstore{db: db, opts: opts}, nil
}

// Close closes the store. A second call is a no-op.
func (b *Blockstore) Close() error {
	b.stateLk.Lock()
	if b.state != stateOpen {
		b.stateLk.Unlock()
		return nil
	}
	b.state = stateClosing
	b.stateLk.Unlock()

	b.viewers.Wait()

	err := b.db.Close()

	b.stateLk.Lock()
	b.state = stateClosed
	b.stateLk.Unlock()

	if err != nil {
		return fmt.Errorf("failure closing the badger blockstore: %w", err)
	}
	return nil
}

func (b *Blockstore) access() error {
	b.stateLk.RLock()
	defer b.stateLk.RUnlock()

	if b.state != stateOpen {
		return ErrBlockstoreClosed
	}
	b.viewers.Add(1)
	return nil
}

func (b *Blockstore) isOpen() bool {
	b.stateLk.RLock()
	defer b.stateLk.RUnlock()
	return b.state == stateOpen
}

// storageKey is the key this CID is stored under: base32-no-padding(hash).
func storageKey(c cid.Cid) []byte {
	h := c.Hash()
	k := make([]byte, base32.RawStdEncoding.EncodedLen(len(h)))
	base32.RawStdEncoding.Encode(k, h)
	return k
}

func badgerGet(t *badger.Txn, k []byte) (*badger.Item, error) {
	item, err := t.Get(k)
	switch err {
	case nil:
		return item, nil
	case badger.ErrKeyNotFound:
		return nil, nil
	default:
		return nil, err
	}
}

// View implements blockstore.Viewer, leveraging zero-copy read-only access.
func (b *Blockstore) View(ctx context.Context, c cid.Cid, fn func([]byte) error) error {
	if err := b.access(); err != nil {
		return err
	}
	defer b.viewers.Done()

	k := storageKey(c)
	return b.db.View(func(txn *badger.Txn) error {
		item, err := badgerGet(txn, k)
		if err != nil {
			return fmt.Errorf("failed to view block from badger blockstore: %w", err)
		} else if item == nil {
			return blockstore.ErrNotFound
		}
		return item.Value(fn)
	})
}

// Has implements blockstore.Blockstore.
func (b *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if err := b.access(); err != nil {
		return false, err
	}
	defer b.viewers.Done()

	k := storageKey(c)
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := badgerGet(txn, k)
		found = item != nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to check if block exists in badger blockstore: %w", err)
	}
	return found, nil
}

// Get implements blockstore.Blockstore.
func (b *Blockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if !c.Defined() {
		return nil, blockstore.ErrNotFound
	}
	if err := b.access(); err != nil {
		return nil, err
	}
	defer b.viewers.Done()

	k := storageKey(c)
	var buf []byte
	if err := b.db.View(func(txn *badger.Txn) error {
		item, err := badgerGet(txn, k)
		if err != nil {
			return fmt.Errorf("failed to get block from badger blockstore: %w", err)
		} else if item == nil {
			return blockstore.ErrNotFound
		}
		buf, err = item.ValueCopy(nil)
		return err
	}); err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(buf, c)
}

// GetSize implements blockstore.Blockstore.
func (b *Blockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	if err := b.access(); err != nil {
		return 0, err
	}
	defer b.viewers.Done()

	k := storageKey(c)
	size := -1
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := badgerGet(txn, k)
		if err != nil {
			return fmt.Errorf("failed to get block size from badger blockstore: %w", err)
		} else if item == nil {
			return blockstore.ErrNotFound
		}
		size = int(item.ValueSize())
		return nil
	})
	return size, err
}

// Put implements blockstore.Blockstore.
func (b *Blockstore) Put(ctx context.Context, block blocks.Block) error {
	return b.PutMany(ctx, []blocks.Block{block})
}

// PutMany implements blockstore.Blockstore.
func (b *Blockstore) PutMany(ctx context.Context, bs []blocks.Block) error {
	if err := b.access(); err != nil {
		return err
	}
	defer b.viewers.Done()

	keys := make([][]byte, len(bs))
	for i, blk := range bs {
		keys[i] = storageKey(blk.Cid())
	}

	if err := b.db.View(func(txn *badger.Txn) error {
		for i, k := range keys {
			item, err := badgerGet(txn, k)
			if err != nil {
				return err
			}
			if item != nil {
				keys[i] = nil // already have it
			}
		}
		return nil
	}); err != nil {
		return err
	}

	batch := b.db.NewWriteBatch()
	defer batch.Cancel()
	for i, blk := range bs {
		if keys[i] == nil {
			continue
		}
		if err := batch.Set(keys[i], blk.RawData()); err != nil {
			return err
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("failed to put blocks in badger blockstore: %w", err)
	}
	return nil
}

// DeleteBlock implements blockstore.Blockstore.
func (b *Blockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if err := b.access(); err != nil {
		return err
	}
	defer b.viewers.Done()

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(c))
	})
}

// AllKeysChan implements blockstore.Blockstore.
func (b *Blockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	if err := b.access(); err != nil {
		return nil, err
	}

	txn := b.db.NewTransaction(false)
	opts := badger.IteratorOptions{PrefetchSize: 100}
	iter := txn.NewIterator(opts)

	ch := make(chan cid.Cid)
	go func() {
		defer b.viewers.Done()
		defer close(ch)
		defer iter.Close()
		defer txn.Discard()

		var buf []byte
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if ctx.Err() != nil {
				return
			}
			if !b.isOpen() {
				return
			}
			k := iter.Item().Key()
			if reqlen := base32.RawStdEncoding.DecodedLen(len(k)); len(buf) < reqlen {
				buf = make([]byte, reqlen)
			}
			n, err := base32.RawStdEncoding.Decode(buf, k)
			if err != nil {
				log.Warnf("failed to decode key %x in badger AllKeysChan: %s", k, err)
				continue
			}
			select {
			case ch <- cid.NewCidV1(cid.Raw, buf[:n]):
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Size returns the aggregate on-disk size of the blockstore's directory.
func (b *Blockstore) Size() (int64, error) {
	lsm, vlog := b.db.Size()
	return lsm + vlog, nil
}
