package blobstore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roomcore/roomcore/logcore"
)

func openTest(t *testing.T) *BlobStore {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	core, err := logcore.Open(logcore.Options{Dir: t.TempDir(), OwnerKey: pub, Signer: priv})
	require.NoError(t, err)
	bs, err := Open(Options{IndexDir: t.TempDir(), CacheDir: t.TempDir(), Core: core})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bs.Close()
		_ = core.Close()
	})
	return bs
}

func TestPutGetRoundTrip(t *testing.T) {
	bs := openTest(t)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	ref, err := bs.Put(context.Background(), payload, PutOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 4, ref.Size)

	id, err := ParseBlobID(ref.BlobID)
	require.NoError(t, err)

	res, err := bs.Get(context.Background(), id, GetOptions{})
	require.NoError(t, err)
	require.False(t, res.Truncated)
	require.Equal(t, payload, res.Data)
}

func TestPutIdempotentOnIdenticalContent(t *testing.T) {
	bs := openTest(t)
	payload := bytes.Repeat([]byte("x"), ChunkSize+10)

	ref1, err := bs.Put(context.Background(), payload, PutOptions{})
	require.NoError(t, err)
	ref2, err := bs.Put(context.Background(), payload, PutOptions{})
	require.NoError(t, err)
	require.Equal(t, ref1.BlobID, ref2.BlobID)
}

func TestGetTruncatesAtMaxBytes(t *testing.T) {
	bs := openTest(t)
	payload := bytes.Repeat([]byte("y"), 100)

	ref, err := bs.Put(context.Background(), payload, PutOptions{})
	require.NoError(t, err)
	id, err := ParseBlobID(ref.BlobID)
	require.NoError(t, err)

	res, err := bs.Get(context.Background(), id, GetOptions{MaxBytes: 10})
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.Len(t, res.Data, 10)
}

func TestCreateReadStreamRanged(t *testing.T) {
	bs := openTest(t)
	payload := bytes.Repeat([]byte("z"), ChunkSize*2+5)

	ref, err := bs.Put(context.Background(), payload, PutOptions{})
	require.NoError(t, err)
	id, err := ParseBlobID(ref.BlobID)
	require.NoError(t, err)

	r, err := bs.CreateReadStream(context.Background(), id, ChunkSize-2, ChunkSize+2, 0)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload[ChunkSize-2:ChunkSize+2], got)
}

// TestBlobReplicatesAcrossStores stands in for scenario S4's cross-node
// round trip: node B holds an ingest-only replica of node A's blob-core;
// once A's entries are replayed into it, A's blob resolves on B.
func TestBlobReplicatesAcrossStores(t *testing.T) {
	pubA, privA, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	coreA, err := logcore.Open(logcore.Options{Dir: t.TempDir(), OwnerKey: pubA, Signer: privA})
	require.NoError(t, err)
	defer coreA.Close()
	bsA, err := Open(Options{IndexDir: t.TempDir(), CacheDir: t.TempDir(), Core: coreA})
	require.NoError(t, err)
	defer bsA.Close()

	pubB, privB, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	coreB, err := logcore.Open(logcore.Options{Dir: t.TempDir(), OwnerKey: pubB, Signer: privB})
	require.NoError(t, err)
	defer coreB.Close()
	bsB, err := Open(Options{IndexDir: t.TempDir(), CacheDir: t.TempDir(), Core: coreB})
	require.NoError(t, err)
	defer bsB.Close()

	replica, err := logcore.Open(logcore.Options{Dir: t.TempDir(), OwnerKey: pubA})
	require.NoError(t, err)
	defer replica.Close()
	bsB.AddRemote(replica)

	payload := bytes.Repeat([]byte("q"), ChunkSize+3)
	ref, err := bsA.Put(context.Background(), payload, PutOptions{})
	require.NoError(t, err)
	id, err := ParseBlobID(ref.BlobID)
	require.NoError(t, err)

	for i := uint64(0); i < coreA.Length(); i++ {
		index, sealed, sig, err := coreA.Export(i)
		require.NoError(t, err)
		require.NoError(t, replica.Ingest(index, sealed, sig))
	}

	res, err := bsB.Get(context.Background(), id, GetOptions{})
	require.NoError(t, err)
	require.False(t, res.Truncated)
	require.Equal(t, payload, res.Data)
}

func TestHasReflectsIndex(t *testing.T) {
	bs := openTest(t)
	payload := []byte("present")
	ref, err := bs.Put(context.Background(), payload, PutOptions{})
	require.NoError(t, err)
	id, err := ParseBlobID(ref.BlobID)
	require.NoError(t, err)

	has, err := bs.Has(id)
	require.NoError(t, err)
	require.True(t, has)

	missing, err := blobID([]byte("absent"))
	require.NoError(t, err)
	has, err = bs.Has(missing)
	require.NoError(t, err)
	require.False(t, has)
}
