package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roomcore/roomcore/identity"
)

func TestIdentityRoundTrip(t *testing.T) {
	id, err := identity.New("alice")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, SaveIdentity(path, id))

	got, err := LoadIdentity(path)
	require.NoError(t, err)
	require.Equal(t, id.PublicKey, got.PublicKey)
	require.Equal(t, id.PrivateKey, got.PrivateKey)
	require.Equal(t, id.DisplayName, got.DisplayName)
	require.Equal(t, id.CreatedAt, got.CreatedAt)
}

func TestRoomKeysRoundTrip(t *testing.T) {
	keys := []RoomKey{
		{ID: "room1", Name: "General", Key: []byte{1, 2, 3}, EncryptionKey: []byte{4, 5, 6}},
		{ID: "room2", Name: "Random", Key: []byte{7, 8, 9}, EncryptionKey: []byte{10, 11, 12}, BlobStoreKey: []byte{13}},
	}

	path := filepath.Join(t.TempDir(), "room-keys.json")
	require.NoError(t, SaveRoomKeys(path, keys))

	got, err := LoadRoomKeys(path)
	require.NoError(t, err)
	require.Equal(t, keys, got)
}
