package blobstore

import (
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

// blobID computes the content address for content: a CIDv1 over a
// blake2b-256 multihash, the same hash family the log's chain hashing uses.
// Identical content always yields the same blobID, which is what makes Put
// idempotent.
func blobID(content []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(content, multihash.BLAKE2B_MIN+31, -1) // BLAKE2B_MIN+31 == blake2b-256
	if err != nil {
		return cid.Undef, xerrors.Errorf("hashing blob content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// block adapts content into an ipfs go-block-format Block keyed by its
// blobID, the in-memory unit moved between BlobStore and replication.
func block(content []byte) (blocks.Block, error) {
	c, err := blobID(content)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(content, c)
}

// ParseBlobID decodes a wire-format blobId back into a CID, validating it.
func ParseBlobID(raw []byte) (cid.Cid, error) {
	_, c, err := cid.CidFromBytes(raw)
	if err != nil {
		return cid.Undef, xerrors.Errorf("decoding blobId: %w", err)
	}
	return c, nil
}
