// Package config offers optional helpers for loading the on-disk
// identity.json and room-keys.json files. RoomCoordinator never
// reads these itself (the caller constructs identities and room keys
// directly); these loaders exist for integration tests and example wiring
// that want the same on-disk shape a UI collaborator would use.
package config

import (
	"crypto/ed25519"
	"encoding/json"
	"os"

	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore/identity"
)

// identityFile mirrors identity.json's documented shape:
// {publicKey, privateKey, displayName, createdAt}.
type identityFile struct {
	PublicKey   []byte `json:"publicKey"`
	PrivateKey  []byte `json:"privateKey"`
	DisplayName string `json:"displayName"`
	CreatedAt   int64  `json:"createdAt"`
}

// LoadIdentity reads identity.json from path.
func LoadIdentity(path string) (*identity.Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading identity file: %w", err)
	}
	var f identityFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, xerrors.Errorf("decoding identity file: %w", err)
	}
	if len(f.PublicKey) != ed25519.PublicKeySize || len(f.PrivateKey) != ed25519.PrivateKeySize {
		return nil, xerrors.New("identity file: malformed key sizes")
	}
	return &identity.Identity{
		PublicKey:   ed25519.PublicKey(f.PublicKey),
		PrivateKey:  ed25519.PrivateKey(f.PrivateKey),
		DisplayName: f.DisplayName,
		CreatedAt:   f.CreatedAt,
	}, nil
}

// SaveIdentity writes id to path, owner-readable only (0600).
func SaveIdentity(path string, id *identity.Identity) error {
	f := identityFile{
		PublicKey:   id.PublicKey,
		PrivateKey:  id.PrivateKey,
		DisplayName: id.DisplayName,
		CreatedAt:   id.CreatedAt,
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return xerrors.Errorf("encoding identity file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return xerrors.Errorf("writing identity file: %w", err)
	}
	return nil
}

// RoomKey is one entry of room-keys.json: {id, name, key, encryptionKey,
// blobStoreKey?}.
type RoomKey struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Key           []byte `json:"key"`
	EncryptionKey []byte `json:"encryptionKey"`
	BlobStoreKey  []byte `json:"blobStoreKey,omitempty"`
}

// LoadRoomKeys reads room-keys.json from path.
func LoadRoomKeys(path string) ([]RoomKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading room-keys file: %w", err)
	}
	var keys []RoomKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, xerrors.Errorf("decoding room-keys file: %w", err)
	}
	return keys, nil
}

// SaveRoomKeys writes keys to path, owner-readable only (0600).
func SaveRoomKeys(path string, keys []RoomKey) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return xerrors.Errorf("encoding room-keys file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return xerrors.Errorf("writing room-keys file: %w", err)
	}
	return nil
}
