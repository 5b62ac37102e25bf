package logcore

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

// entry is the on-disk unit of a LogCore: one hash-chained, optionally
// sealed, signed record. The hash chain covers the sealed payload so it is
// verifiable without the encryption key; the signature covers the hash so a
// peer that does not hold encryptionKey can still reject a forged entry.
type entry struct {
	index     uint64
	sealed    []byte // ciphertext (or plaintext, if unencrypted) payload
	prevHash  [32]byte
	hash      [32]byte
	signature []byte
}

// sealRandom encrypts plaintext with key under nonce. The nonce is
// prefixed to the ciphertext for unseal to read.
func sealRandom(key *[32]byte, plaintext []byte, nonce [24]byte) []byte {
	out := make([]byte, 0, 24+secretbox.Overhead+len(plaintext))
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, key)
}

func unseal(key *[32]byte, sealed []byte) ([]byte, bool) {
	if len(sealed) < 24 {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	return secretbox.Open(nil, sealed[24:], &nonce, key)
}

// chainHash computes the entry's hash from the previous entry's hash, its
// index, and its sealed payload, the same blake2b-256 the blob store's
// content addressing uses.
func chainHash(index uint64, prevHash [32]byte, sealed []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], index)
	h.Write(idxBuf[:])
	h.Write(prevHash[:])
	h.Write(sealed)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// signingMessage is what the owning writer's Ed25519 key signs for an entry:
// the chain hash, binding index/prev/payload into one signature.
func signingMessage(h [32]byte) []byte {
	return h[:]
}
