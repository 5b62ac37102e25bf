// Package blockstore defines the content-addressed block storage interface
// that blockstore/badger implements and that blobstore uses as a local
// materialized cache in front of its replicated blob-core.
// The interface is kept to the methods a local single-process cache
// actually needs; there is no garbage collection, since nothing here ever
// decides a blob is unreferenced.
package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned by Get/GetSize/View when the requested CID is not
// present in the store.
var ErrNotFound = xerrors.New("blockstore: block not found")

// Blockstore is a minimal content-addressed block store.
type Blockstore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	GetSize(ctx context.Context, c cid.Cid) (int, error)
	Put(ctx context.Context, b blocks.Block) error
	PutMany(ctx context.Context, bs []blocks.Block) error
	DeleteBlock(ctx context.Context, c cid.Cid) error
	AllKeysChan(ctx context.Context) (<-chan cid.Cid, error)
}

// Viewer is implemented by stores that can hand a callback zero-copy access
// to a block's bytes instead of returning an owned copy.
type Viewer interface {
	View(ctx context.Context, c cid.Cid, fn func([]byte) error) error
}
