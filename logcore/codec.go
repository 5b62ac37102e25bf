package logcore

import (
	"encoding/binary"

	"github.com/mr-tron/base58"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
)

// encodeEntry lays out a stored entry as:
//
//	<4B sig len><sig><4B sealed len><sealed><32B prevHash><32B hash>
//
// The index is not stored (it is the badger key) and is reconstructed by
// the caller.
func encodeEntry(e entry) []byte {
	buf := make([]byte, 0, 4+len(e.signature)+4+len(e.sealed)+64)
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.signature)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.signature...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.sealed)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.sealed...)

	buf = append(buf, e.prevHash[:]...)
	buf = append(buf, e.hash[:]...)
	return buf
}

func decodeEntry(index uint64, buf []byte) (entry, error) {
	var e entry
	e.index = index

	if len(buf) < 4 {
		return e, roomcore.NewError(roomcore.KindCorrupt, "logcore.decodeEntry", xerrors.New("truncated entry header"))
	}
	sigLen := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < sigLen+4 {
		return e, roomcore.NewError(roomcore.KindCorrupt, "logcore.decodeEntry", xerrors.New("truncated signature"))
	}
	e.signature = append([]byte(nil), buf[:sigLen]...)
	buf = buf[sigLen:]

	sealedLen := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < sealedLen+64 {
		return e, roomcore.NewError(roomcore.KindCorrupt, "logcore.decodeEntry", xerrors.New("truncated payload"))
	}
	e.sealed = append([]byte(nil), buf[:sealedLen]...)
	buf = buf[sealedLen:]

	copy(e.prevHash[:], buf[:32])
	copy(e.hash[:], buf[32:64])
	return e, nil
}

func encodeB58(b []byte) string {
	return base58.Encode(b)
}
