package logcore

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
)

// frameMutex serializes frame writes onto one connection: the replicate
// loop answers wants on the same stream a concurrent push could use.
type frameMutex struct {
	mu sync.Mutex
}

func (m *frameMutex) lockedWrite(w io.Writer, kind frameKind, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeFrame(w, kind, body)
}

// Frame kinds for LogCore replication: have/want/data, one set per
// replicated core. Each frame on the wire is a 4-byte little-endian length
// prefix (covering kind byte + body) followed by the 1-byte kind tag and
// the body.
type frameKind byte

const (
	frameHave frameKind = iota
	frameWant
	frameData
)

// writeFrame writes one length-prefixed frame to w.
func writeFrame(w io.Writer, kind frameKind, body []byte) error {
	buf := pool.Get(4 + 1 + len(body))
	defer pool.Put(buf)

	binary.LittleEndian.PutUint32(buf[:4], uint32(1+len(body)))
	buf[4] = byte(kind)
	copy(buf[5:], body)

	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) (frameKind, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, xerrors.New("empty frame")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameKind(body[0]), body[1:], nil
}

func encodeHave(length uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], length)
	return b[:]
}

func decodeHave(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, xerrors.New("malformed have frame")
	}
	return binary.LittleEndian.Uint64(b), nil
}

func encodeWant(from, to uint64) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], from)
	binary.LittleEndian.PutUint64(b[8:], to)
	return b[:]
}

func decodeWant(b []byte) (from, to uint64, err error) {
	if len(b) != 16 {
		return 0, 0, xerrors.New("malformed want frame")
	}
	return binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]), nil
}

func encodeData(e entry) []byte {
	var idxBuf [8]byte
	binary.LittleEndian.PutUint64(idxBuf[:], e.index)
	var sigLen [4]byte
	binary.LittleEndian.PutUint32(sigLen[:], uint32(len(e.signature)))

	buf := make([]byte, 0, 8+4+len(e.signature)+len(e.sealed))
	buf = append(buf, idxBuf[:]...)
	buf = append(buf, sigLen[:]...)
	buf = append(buf, e.signature...)
	buf = append(buf, e.sealed...)
	return buf
}

func decodeData(b []byte) (index uint64, sealed, signature []byte, err error) {
	if len(b) < 12 {
		return 0, nil, nil, xerrors.New("malformed data frame")
	}
	index = binary.LittleEndian.Uint64(b[:8])
	sigLen := binary.LittleEndian.Uint32(b[8:12])
	b = b[12:]
	if uint32(len(b)) < sigLen {
		return 0, nil, nil, xerrors.New("malformed data frame signature")
	}
	signature = append([]byte(nil), b[:sigLen]...)
	sealed = append([]byte(nil), b[sigLen:]...)
	return index, sealed, signature, nil
}

// Replicate runs bidirectional replication over stream until ctx is
// cancelled or stream returns an error. Both sides announce their length,
// then request and serve whatever ranges the other is missing. Any entry
// that fails verification aborts the stream; the MultiWriterLog is
// responsible for making sense of the resulting reordering across many
// LogCores, so this loop only needs to be correct for a single LogCore's
// byte stream.
func (lc *LogCore) Replicate(ctx context.Context, stream io.ReadWriter) error {
	if err := lc.access(); err != nil {
		return err
	}
	defer lc.viewers.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// writeMu serializes frame writes: the read loop answers wants on the
	// same connection the notify-driven push loop uses.
	var writeMu frameMutex

	errCh := make(chan error, 1)
	go func() {
		errCh <- lc.replicateLoop(ctx, stream, &writeMu)
	}()
	go lc.pushLoop(ctx, stream, &writeMu)

	// The read loop must already be draining before the initial announce:
	// both ends of an unbuffered duplex pipe announce simultaneously, and a
	// side that writes before it reads would deadlock against a peer doing
	// the same.
	if err := writeMu.lockedWrite(stream, frameHave, encodeHave(lc.Length())); err != nil {
		return roomcore.NewError(roomcore.KindTransient, "logcore.Replicate", err)
	}

	select {
	case err := <-errCh:
		if err != nil && err != io.EOF {
			return roomcore.NewError(roomcore.KindTransient, "logcore.Replicate", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// pushLoop re-announces the log length whenever it grows, so a peer on a
// long-lived stream learns about entries appended (or ingested from a third
// writer) after the initial have/want exchange.
func (lc *LogCore) pushLoop(ctx context.Context, stream io.Writer, wmu *frameMutex) {
	last := lc.Length()
	for {
		ch := lc.subscribe(last)
		lc.mu.Lock()
		cur := lc.length
		lc.mu.Unlock()
		if cur > last {
			lc.unsubscribe(last, ch)
			if err := wmu.lockedWrite(stream, frameHave, encodeHave(cur)); err != nil {
				return
			}
			last = cur
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			lc.unsubscribe(last, ch)
			return
		}
	}
}

func (lc *LogCore) replicateLoop(ctx context.Context, stream io.ReadWriter, wmu *frameMutex) error {
	for {
		kind, body, err := readFrame(stream)
		if err != nil {
			return err
		}
		switch kind {
		case frameHave:
			peerLen, err := decodeHave(body)
			if err != nil {
				return err
			}
			if mine := lc.Length(); mine < peerLen {
				if err := wmu.lockedWrite(stream, frameWant, encodeWant(mine, peerLen)); err != nil {
					return err
				}
			}
		case frameWant:
			from, to, err := decodeWant(body)
			if err != nil {
				return err
			}
			if err := lc.serveRange(ctx, stream, wmu, from, to); err != nil {
				return err
			}
		case frameData:
			index, sealed, sig, err := decodeData(body)
			if err != nil {
				return err
			}
			if err := lc.Ingest(index, sealed, sig); err != nil && !roomcore.IsConflict(err) {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// serveRange writes data frames for [from,to) to w, serializing with wmu
// since the same connection also carries the read loop's want replies.
func (lc *LogCore) serveRange(ctx context.Context, w io.Writer, wmu *frameMutex, from, to uint64) error {
	for i := from; i < to; i++ {
		e, err := lc.rawAt(i)
		if err != nil {
			return err
		}
		if err := wmu.lockedWrite(w, frameData, encodeData(e)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
