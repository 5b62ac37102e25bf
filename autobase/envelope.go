package autobase

import (
	"bytes"
	"io"

	varint "github.com/multiformats/go-varint"
	"golang.org/x/xerrors"
)

// Clock is the per-entry vector clock embedded in every LogCore entry
// appended through a MultiWriterLog: at append time it records, for every
// writer this node has linearized so far, how many of that writer's
// entries have been incorporated. The linearization rule uses it to
// compute a dependency closure before admitting an entry.
type Clock map[string]uint64

// envelope is what actually gets written to a LogCore entry: the vector
// clock at append time followed by the opaque command payload.
type envelope struct {
	clock   Clock
	payload []byte
}

// encodeEnvelope serializes e with the same varint and length-prefix
// conventions the command codec uses, so one binary style runs through the
// whole log stack.
func encodeEnvelope(e envelope) []byte {
	var buf bytes.Buffer

	writeUvarint(&buf, uint64(len(e.clock)))
	// deterministic key order so two nodes that append the same logical
	// clock produce byte-identical envelopes.
	keys := sortedKeys(e.clock)
	for _, k := range keys {
		writeUvarint(&buf, uint64(len(k)))
		buf.WriteString(k)
		writeUvarint(&buf, e.clock[k])
	}

	writeUvarint(&buf, uint64(len(e.payload)))
	buf.Write(e.payload)
	return buf.Bytes()
}

func decodeEnvelope(b []byte) (envelope, error) {
	r := bytes.NewReader(b)

	n, err := readUvarint(r)
	if err != nil {
		return envelope{}, xerrors.Errorf("decoding clock length: %w", err)
	}
	clock := make(Clock, n)
	for i := uint64(0); i < n; i++ {
		klen, err := readUvarint(r)
		if err != nil {
			return envelope{}, xerrors.Errorf("decoding clock key length: %w", err)
		}
		if klen > uint64(r.Len()) {
			return envelope{}, xerrors.Errorf("clock key length %d exceeds remaining %d bytes", klen, r.Len())
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return envelope{}, xerrors.Errorf("decoding clock key: %w", err)
		}
		seq, err := readUvarint(r)
		if err != nil {
			return envelope{}, xerrors.Errorf("decoding clock seq: %w", err)
		}
		clock[string(key)] = seq
	}

	plen, err := readUvarint(r)
	if err != nil {
		return envelope{}, xerrors.Errorf("decoding payload length: %w", err)
	}
	if plen > uint64(r.Len()) {
		return envelope{}, xerrors.Errorf("payload length %d exceeds remaining %d bytes", plen, r.Len())
	}
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return envelope{}, xerrors.Errorf("decoding payload: %w", err)
		}
	}

	return envelope{clock: clock, payload: payload}, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	tmp := make([]byte, varint.MaxLenUvarint63)
	n := varint.PutUvarint(tmp, v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return varint.ReadUvarint(r)
}

func sortedKeys(m Clock) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort is fine: writer sets are small (tens, not thousands).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
