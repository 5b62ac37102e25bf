// Package command implements CommandRouter + View: decoding
// typed commands off the linearized MultiWriterLog stream and mutating a
// structured, deterministic key/value View.
package command

import (
	"bytes"
	"io"

	varint "github.com/multiformats/go-varint"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
)

// Kind is the 1-byte command discriminator prefixing every log entry.
type Kind byte

const (
	KindRemoveWriter Kind = 0
	KindAddWriter    Kind = 1
	KindAddInvite    Kind = 2
	KindSendMessage  Kind = 3
	KindDeleteMsg    Kind = 4
	KindSetMetadata  Kind = 5
	KindSetDriveKey  Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindRemoveWriter:
		return "remove-writer"
	case KindAddWriter:
		return "add-writer"
	case KindAddInvite:
		return "add-invite"
	case KindSendMessage:
		return "send-message"
	case KindDeleteMsg:
		return "delete-message"
	case KindSetMetadata:
		return "set-metadata"
	case KindSetDriveKey:
		return "set-drive-key"
	default:
		return "unknown"
	}
}

// Encode prefixes payload with its 1-byte kind tag.
func Encode(k Kind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(k)
	copy(out[1:], payload)
	return out
}

// errDecode wraps a codec failure as a KindCorrupt roomcore.Error; callers
// treat it as a signal to log and skip the node rather than abort, and no
// view mutation occurs for a node that fails to decode.
func errDecode(op string, cause error) error {
	return roomcore.NewError(roomcore.KindCorrupt, op, cause)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBuf(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBuf(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBuf(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBuf(r *bytes.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, xerrors.Errorf("reading length prefix: %w", err)
	}
	if n > uint64(r.Len()) {
		// A declared length longer than the bytes that follow is a
		// truncated payload, not a short read to be padded over.
		return nil, xerrors.Errorf("length prefix %d exceeds remaining %d bytes", n, r.Len())
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, xerrors.Errorf("reading %d-byte buffer: %w", n, err)
		}
	}
	return b, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	tmp := make([]byte, varint.MaxLenUvarint63)
	n := varint.PutUvarint(tmp, v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return varint.ReadUvarint(r)
}

// writeZigzag encodes a signed int64 (timestamps, counters) with zig-zag so
// small negative values stay small on the wire.
func writeZigzag(buf *bytes.Buffer, v int64) {
	writeUvarint(buf, zigzagEncode(v))
}

func readZigzag(r *bytes.Reader) (int64, error) {
	u, err := readUvarint(r)
	if err != nil {
		return 0, err
	}
	return zigzagDecode(u), nil
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
