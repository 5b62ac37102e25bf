package pairing

import (
	"encoding/binary"
	"io"

	pool "github.com/libp2p/go-buffer-pool"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
)

// frameKind tags the three pairing frames carried during invite
// redemption. Each frame is the 1-byte kind, then a little-endian 32-bit
// payload length, then the payload; the kind comes first, unlike the
// replication frames, whose length prefix precedes the kind.
type frameKind byte

const (
	frameHello  frameKind = 1 // candidate -> issuer: proof of credential + candidate key
	frameGrant  frameKind = 2 // issuer -> candidate: {roomKey, encryptionKey}
	frameReject frameKind = 3 // issuer -> candidate: typed rejection
)

const maxPairingFrame = 4096 // pairing payloads are fixed-size keys, never large

func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	header := pool.Get(5)
	defer pool.Put(header)
	header[0] = byte(kind)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return roomcore.NewError(roomcore.KindTransient, "pairing.writeFrame", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return roomcore.NewError(roomcore.KindTransient, "pairing.writeFrame", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (frameKind, []byte, error) {
	header := pool.Get(5)
	defer pool.Put(header)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, roomcore.NewError(roomcore.KindTransient, "pairing.readFrame", err)
	}
	kind := frameKind(header[0])
	n := binary.LittleEndian.Uint32(header[1:])
	if n > maxPairingFrame {
		return 0, nil, roomcore.NewError(roomcore.KindCorrupt, "pairing.readFrame", xerrors.Errorf("frame too large: %d", n))
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, roomcore.NewError(roomcore.KindTransient, "pairing.readFrame", err)
		}
	}
	return kind, payload, nil
}

// helloPayload: <32B proof><32B candidate ed25519 public key>
func encodeHello(pf [32]byte, candidateKey []byte) []byte {
	out := make([]byte, 0, 64)
	out = append(out, pf[:]...)
	out = append(out, candidateKey...)
	return out
}

func decodeHello(payload []byte) (proof [32]byte, candidateKey []byte, err error) {
	if len(payload) != 64 {
		return proof, nil, roomcore.NewError(roomcore.KindCorrupt, "pairing.decodeHello", xerrors.New("malformed hello frame"))
	}
	copy(proof[:], payload[:32])
	candidateKey = append([]byte(nil), payload[32:]...)
	return proof, candidateKey, nil
}

// grantPayload: <32B roomKey><32B encryptionKey>
func encodeGrant(roomKey, encryptionKey [32]byte) []byte {
	out := make([]byte, 0, 64)
	out = append(out, roomKey[:]...)
	out = append(out, encryptionKey[:]...)
	return out
}

func decodeGrant(payload []byte) (roomKey, encryptionKey [32]byte, err error) {
	if len(payload) != 64 {
		return roomKey, encryptionKey, roomcore.NewError(roomcore.KindCorrupt, "pairing.decodeGrant", xerrors.New("malformed grant frame"))
	}
	copy(roomKey[:], payload[:32])
	copy(encryptionKey[:], payload[32:])
	return roomKey, encryptionKey, nil
}
