package logcore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey) *LogCore {
	t.Helper()
	lc, err := Open(Options{Dir: t.TempDir(), OwnerKey: pub, Signer: priv})
	require.NoError(t, err)
	t.Cleanup(func() { _ = lc.Close() })
	return lc
}

func TestAppendGetRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	lc := openTest(t, pub, priv)

	idx, err := lc.Append(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 0, idx)

	got, err := lc.Get(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
	require.EqualValues(t, 1, lc.Length())
}

func TestGetBlocksUntilTimeout(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	lc := openTest(t, pub, priv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = lc.Get(ctx, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestAppendWithoutSignerIsUnauthorized(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	lc, err := Open(Options{Dir: t.TempDir(), OwnerKey: pub})
	require.NoError(t, err)
	defer lc.Close()

	_, err = lc.Append(context.Background(), []byte("nope"))
	require.Error(t, err)
}

func TestIngestForkDetection(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	// remote-side view of the same writer: no local signer.
	remote, err := Open(Options{Dir: t.TempDir(), OwnerKey: pub})
	require.NoError(t, err)
	defer remote.Close()

	h0 := chainHash(0, [32]byte{}, []byte("a"))
	sigA := ed25519.Sign(priv, signingMessage(h0))
	require.NoError(t, remote.Ingest(0, []byte("a"), sigA))
	require.False(t, remote.Faulty())

	h0b := chainHash(0, [32]byte{}, []byte("b"))
	sigB := ed25519.Sign(priv, signingMessage(h0b))
	err = remote.Ingest(0, []byte("b"), sigB)
	require.Error(t, err)
	require.True(t, remote.Faulty())

	// the first entry remains: a subsequent Get still returns "a".
	got, err := remote.Get(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)
}

// TestReplicateOverPipe runs both sides of the have/want/data protocol over
// an in-memory duplex pipe: the owner announces three entries, the replica
// wants and ingests them, and a fourth entry appended mid-session reaches
// the replica through the push loop without a reconnect.
func TestReplicateOverPipe(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	owner := openTest(t, pub, priv)
	replica := openTest(t, pub, nil)

	for _, body := range []string{"a", "b", "c"} {
		_, err := owner.Append(context.Background(), []byte(body))
		require.NoError(t, err)
	}

	ownerConn, replicaConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = owner.Replicate(ctx, ownerConn) }()
	go func() { _ = replica.Replicate(ctx, replicaConn) }()

	require.Eventually(t, func() bool {
		return replica.Length() == 3
	}, 2*time.Second, 10*time.Millisecond)

	got, err := replica.Get(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), got)

	// an append during the live session replicates via the push loop.
	_, err = owner.Append(context.Background(), []byte("d"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return replica.Length() == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	_ = ownerConn.Close()
	_ = replicaConn.Close()
}

func TestEncryptedLog(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	lc, err := Open(Options{Dir: t.TempDir(), OwnerKey: pub, Signer: priv, Encryption: &key})
	require.NoError(t, err)
	defer lc.Close()

	_, err = lc.Append(context.Background(), []byte("secret"))
	require.NoError(t, err)

	got, err := lc.Get(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)
}
