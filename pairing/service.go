package pairing

import (
	"bytes"
	"crypto/ed25519"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
)

var log = logging.Logger("pairing")

// Issuer serves invite redemption requests for one room. It
// is constructed once a room exists and is handed every incoming pairing
// stream the transport routes to the room's discovery tag.
type Issuer struct {
	roomKey       [32]byte
	encryptionKey [32]byte
	issuerPub     ed25519.PublicKey
	credential    [32]byte
	expiresAt     int64

	addWriter func(candidateKey []byte) error

	mu       sync.Mutex
	consumed bool
}

// NewIssuer constructs an Issuer for a room's keys. addWriter is called once
// per successful redemption to append add-writer(candidateKey) to the
// room's log before the grant goes back to the candidate.
func NewIssuer(roomKey, encryptionKey [32]byte, issuerPub ed25519.PublicKey, expiresAt int64, addWriter func([]byte) error) *Issuer {
	return &Issuer{
		roomKey:       roomKey,
		encryptionKey: encryptionKey,
		issuerPub:     issuerPub,
		credential:    credentialFor(roomKey),
		expiresAt:     expiresAt,
		addWriter:     addWriter,
	}
}

// CreateInvite returns the room's invite record and its human-enterable
// string form. The credential is deterministic in the room key, so every
// call returns byte-identical output, including after the invite has been
// redeemed: HandleStream then rejects further redemptions, and no fresh
// invite is ever issued for the room.
func (s *Issuer) CreateInvite() (roomcore.Invite, string) {
	inv := roomcore.Invite{
		ID:              s.credential[:8],
		Invite:          s.credential[:],
		IssuerPublicKey: s.issuerPub,
		ExpiresAt:       s.expiresAt,
	}
	return inv, EncodeInviteString(s.credential)
}

// DiscoveryTag returns the rendezvous topic candidates announce/discover
// under to find this issuer, for wiring into transport.Join.
func (s *Issuer) DiscoveryTag() [32]byte {
	return discoveryTag(s.credential)
}

// HandleStream runs the issuer side of one redemption attempt over rw
// (typically a transport.Connection's Stream). It returns once the
// candidate has been granted or rejected.
func (s *Issuer) HandleStream(rw io.ReadWriter) error {
	kind, payload, err := readFrame(rw)
	if err != nil {
		return err
	}
	if kind != frameHello {
		_ = writeFrame(rw, frameReject, []byte("expected hello frame"))
		return roomcore.NewError(roomcore.KindCorrupt, "pairing.HandleStream", xerrors.New("unexpected frame kind"))
	}
	got, candidateKey, err := decodeHello(payload)
	if err != nil {
		_ = writeFrame(rw, frameReject, []byte("malformed hello"))
		return err
	}

	if s.expiresAt > 0 && time.Now().UnixMilli() > s.expiresAt {
		_ = writeFrame(rw, frameReject, []byte("invite expired"))
		return roomcore.NewError(roomcore.KindUnauthorized, "pairing.HandleStream", xerrors.New("invite expired"))
	}

	s.mu.Lock()
	if s.consumed {
		s.mu.Unlock()
		_ = writeFrame(rw, frameReject, []byte("invite already redeemed"))
		return roomcore.NewError(roomcore.KindConflict, "pairing.HandleStream", xerrors.New("invite already redeemed"))
	}

	want := proof(s.credential, candidateKey)
	if !bytes.Equal(got[:], want[:]) {
		s.mu.Unlock()
		_ = writeFrame(rw, frameReject, []byte("invalid credential"))
		return roomcore.NewError(roomcore.KindUnauthorized, "pairing.HandleStream", xerrors.New("credential mismatch"))
	}
	s.consumed = true
	s.mu.Unlock()

	if err := s.addWriter(candidateKey); err != nil {
		s.mu.Lock()
		s.consumed = false // admission failed; invite remains redeemable
		s.mu.Unlock()
		_ = writeFrame(rw, frameReject, []byte("admission failed"))
		return roomcore.NewError(roomcore.KindFatal, "pairing.HandleStream", err)
	}

	log.Infow("admitted candidate via invite", "candidate", candidateKey)
	return writeFrame(rw, frameGrant, encodeGrant(s.roomKey, s.encryptionKey))
}

// Redeem runs the candidate side of one redemption attempt over rw. On
// success it returns the room's keys and StateAdded; the caller transitions
// to StateWritable once an apply round on its own MultiWriterLog makes the
// candidate key active in the writer set.
func Redeem(rw io.ReadWriter, inviteString string, candidateKey ed25519.PublicKey) (roomKey, encryptionKey [32]byte, state State, err error) {
	credential, err := DecodeInviteString(inviteString)
	if err != nil {
		return roomKey, encryptionKey, StateFailed, roomcore.NewError(roomcore.KindUnauthorized, "pairing.Redeem", err)
	}

	pf := proof(credential, candidateKey)
	if err := writeFrame(rw, frameHello, encodeHello(pf, candidateKey)); err != nil {
		return roomKey, encryptionKey, StateFailed, err
	}

	kind, payload, err := readFrame(rw)
	if err != nil {
		return roomKey, encryptionKey, StateFailed, err
	}

	switch kind {
	case frameGrant:
		roomKey, encryptionKey, err = decodeGrant(payload)
		if err != nil {
			return roomKey, encryptionKey, StateFailed, err
		}
		return roomKey, encryptionKey, StateAdded, nil
	case frameReject:
		return roomKey, encryptionKey, StateRejected, roomcore.NewError(roomcore.KindConflict, "pairing.Redeem", xerrors.New(string(payload)))
	default:
		return roomKey, encryptionKey, StateFailed, roomcore.NewError(roomcore.KindCorrupt, "pairing.Redeem", xerrors.New("unexpected frame kind"))
	}
}

// InviteDiscoveryTag is the candidate-side counterpart to
// (*Issuer).DiscoveryTag, deriving the same rendezvous topic from the
// invite string alone so a candidate never needs the room's raw keys before
// pairing completes.
func InviteDiscoveryTag(inviteString string) ([32]byte, error) {
	credential, err := DecodeInviteString(inviteString)
	if err != nil {
		return [32]byte{}, roomcore.NewError(roomcore.KindUnauthorized, "pairing.InviteDiscoveryTag", err)
	}
	return discoveryTag(credential), nil
}
