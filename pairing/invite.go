// Package pairing implements PairingService: out-of-band
// bootstrap of new writers via a single-use invite credential and a
// discovery-tag rendezvous over ReplicationTransport.
package pairing

import (
	"crypto/ed25519"

	"github.com/multiformats/go-base32"
	"golang.org/x/crypto/blake2b"
)

// credentialFor derives the 32-byte invite credential from a room's public
// key, deterministically, so any holder of roomKey can reconstruct the same
// credential CreateInvite would.
func credentialFor(roomKey [32]byte) [32]byte {
	return blake2b.Sum256(append([]byte("roomcore-invite:"), roomKey[:]...))
}

// EncodeInviteString renders a 32-byte credential as a human-enterable
// standard (non-padded) base32 string.
func EncodeInviteString(credential [32]byte) string {
	return base32.RawStdEncoding.EncodeToString(credential[:])
}

// DecodeInviteString parses the string form back into a 32-byte credential.
func DecodeInviteString(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base32.RawStdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errInviteLength
	}
	copy(out[:], b)
	return out, nil
}

// discoveryTag derives the rendezvous topic a candidate and issuer meet
// under from the invite credential, distinct from the room's own
// discoveryKey so an invite leak cannot be used to locate the room's
// steady-state replication topic.
func discoveryTag(credential [32]byte) [32]byte {
	return blake2b.Sum256(append([]byte("roomcore-invite-rendezvous:"), credential[:]...))
}

// proof is what the candidate demonstrates to the issuer: knowledge of the
// credential, bound to the candidate's own writer key so the issuer knows
// who to admit.
func proof(credential [32]byte, candidateKey ed25519.PublicKey) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(credential[:])
	h.Write(candidateKey)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
