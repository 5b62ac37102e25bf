// Package identity holds the durable local identity used as a writer key
// across every room the process participates in.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"time"

	"golang.org/x/xerrors"
)

// Identity is the durable {publicKey, privateKey, displayName, createdAt}
// owned by the process. PublicKey is the 32-byte writer identity used
// across all rooms.
type Identity struct {
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	DisplayName string
	CreatedAt   int64
}

// New generates a fresh Identity with a random Ed25519 keypair.
func New(displayName string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, xerrors.Errorf("generating identity keypair: %w", err)
	}
	return &Identity{
		PublicKey:   pub,
		PrivateKey:  priv,
		DisplayName: displayName,
		CreatedAt:   time.Now().UnixMilli(),
	}, nil
}

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
