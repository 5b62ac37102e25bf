package room

import (
	"os"

	"github.com/roomcore/roomcore"
)

// Source is the single file-content abstraction accepted at the coordinator
// boundary: either bytes already in memory or a path read from disk at
// upload time.
type Source struct {
	bytes []byte
	path  string
}

// Bytes wraps in-memory content as a Source.
func Bytes(b []byte) Source {
	return Source{bytes: b}
}

// LocalPath wraps a filesystem path as a Source; the file is read when the
// upload happens, not when the Source is constructed.
func LocalPath(p string) Source {
	return Source{path: p}
}

func (s Source) read() ([]byte, error) {
	if s.path == "" {
		return s.bytes, nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, roomcore.NewError(roomcore.KindNotFound, "room.Source", err)
	}
	return b, nil
}

// MessageIterator walks a GetMessages result in order. The coordinator
// commits to this one return shape; Collect is the convenience for callers
// that just want the slice.
type MessageIterator struct {
	msgs []roomcore.Message
	pos  int
}

// Next returns the next message, or ok=false when exhausted.
func (it *MessageIterator) Next() (roomcore.Message, bool) {
	if it.pos >= len(it.msgs) {
		return roomcore.Message{}, false
	}
	m := it.msgs[it.pos]
	it.pos++
	return m, true
}

// Collect drains the iterator into a slice.
func (it *MessageIterator) Collect() []roomcore.Message {
	out := make([]roomcore.Message, 0, len(it.msgs)-it.pos)
	for {
		m, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}
