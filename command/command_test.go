package command

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roomcore/roomcore"
	"github.com/roomcore/roomcore/autobase"
)

func TestSendMessageRoundTrip(t *testing.T) {
	want := SendMessage{
		ID:        "m1",
		Content:   "hello room",
		Sender:    "alice",
		PublicKey: []byte{1, 2, 3},
		Timestamp: 1000,
		Flags:     roomcore.Flags{System: false, Received: true, HasAttachments: true},
		Attachments: []roomcore.BlobRef{
			{Name: "cat.png", Size: 42, BlobID: []byte{9, 9}, MimeHint: "image/png"},
		},
	}
	encoded := EncodeSendMessage(want)
	require.Equal(t, byte(KindSendMessage), encoded[0])

	got, err := DecodeSendMessage(encoded[1:])
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSetMetadataRoundTrip(t *testing.T) {
	want := SetMetadata{RoomID: "r1", Name: "general", CreatedAt: 5, MessageCount: 12, BlobStoreKey: []byte{7, 7, 7}}
	encoded := EncodeSetMetadata(want)
	got, err := DecodeSetMetadata(encoded[1:])
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeMalformedPayloadIsCorruptError(t *testing.T) {
	_, err := DecodeSendMessage([]byte{0xFF})
	require.Error(t, err)
	kind, ok := roomcore.KindOf(err)
	require.True(t, ok)
	require.Equal(t, roomcore.KindCorrupt, kind)
}

func TestDecodeTruncatedBufferIsCorruptError(t *testing.T) {
	// a length prefix declaring more bytes than actually follow must be a
	// decode error, not a zero-padded short read
	var buf bytes.Buffer
	writeUvarint(&buf, 10)
	buf.Write([]byte{1, 2, 3})
	_, err := DecodeAddWriter(buf.Bytes())
	require.Error(t, err)
	kind, ok := roomcore.KindOf(err)
	require.True(t, ok)
	require.Equal(t, roomcore.KindCorrupt, kind)

	// same shape arriving as a send-message cut short mid-attachment
	encoded := EncodeSendMessage(SendMessage{
		ID: "m1", Content: "hi", Sender: "alice", Timestamp: 10,
		Attachments: []roomcore.BlobRef{
			{Name: "f.bin", Size: 4, BlobID: []byte{1, 2, 3, 4}, MimeHint: "application/octet-stream"},
		},
	})
	_, err = DecodeSendMessage(encoded[1 : len(encoded)-3])
	require.Error(t, err)
	kind, ok = roomcore.KindOf(err)
	require.True(t, ok)
	require.Equal(t, roomcore.KindCorrupt, kind)
}

func TestRouterAppliesSendMessageAndEmitsEvent(t *testing.T) {
	view := NewView()
	router := NewRouter(view)

	var delivered []roomcore.Message
	router.OnMessage = func(m roomcore.Message) { delivered = append(delivered, m) }

	payload := EncodeSendMessage(SendMessage{ID: "m1", Content: "hi", Sender: "alice", Timestamp: 10})
	nodes := []autobase.Node{{WriterKey: []byte("w1"), Index: 0, Payload: payload}}

	err := router.Apply(context.Background(), nodes, view, noopBase{})
	require.NoError(t, err)

	require.Len(t, delivered, 1)
	require.Equal(t, "hi", delivered[0].Content)

	m, ok := view.GetMessage("m1")
	require.True(t, ok)
	require.Equal(t, "hi", m.Content)
	require.Equal(t, 1, view.MessageCount())
}

func TestRouterDeleteMessageTombstones(t *testing.T) {
	view := NewView()
	router := NewRouter(view)

	send := EncodeSendMessage(SendMessage{ID: "m1", Content: "hi", Sender: "alice", Timestamp: 10})
	del := EncodeDeleteMessage(DeleteMessage{ID: "m1"})
	nodes := []autobase.Node{
		{WriterKey: []byte("w1"), Index: 0, Payload: send},
		{WriterKey: []byte("w1"), Index: 1, Payload: del},
	}
	err := router.Apply(context.Background(), nodes, view, noopBase{})
	require.NoError(t, err)

	m, ok := view.GetMessage("m1")
	require.True(t, ok)
	require.True(t, m.Deleted)
	require.Equal(t, 0, view.MessageCount())
}

func TestRouterDuplicateSendCannotResurrectTombstone(t *testing.T) {
	view := NewView()
	router := NewRouter(view)

	send := EncodeSendMessage(SendMessage{ID: "m1", Content: "hi", Sender: "alice", Timestamp: 10})
	del := EncodeDeleteMessage(DeleteMessage{ID: "m1"})
	nodes := []autobase.Node{
		{WriterKey: []byte("w1"), Index: 0, Payload: send},
		{WriterKey: []byte("w1"), Index: 1, Payload: del},
		// a replayed duplicate of the original send, e.g. from a peer that
		// relays the same command through a second path
		{WriterKey: []byte("w2"), Index: 0, Payload: send},
	}
	err := router.Apply(context.Background(), nodes, view, noopBase{})
	require.NoError(t, err)

	m, ok := view.GetMessage("m1")
	require.True(t, ok)
	require.True(t, m.Deleted)
	require.Equal(t, 0, view.MessageCount())
}

func TestRouterAddWriterDelegatesToBase(t *testing.T) {
	view := NewView()
	router := NewRouter(view)

	var added [][]byte
	changed := 0
	router.OnWritersChanged = func() { changed++ }

	payload := EncodeAddWriter(AddWriter{Key: []byte("pubkey")})
	nodes := []autobase.Node{{WriterKey: []byte("w1"), Index: 0, Payload: payload}}

	err := router.Apply(context.Background(), nodes, view, recordingBase{added: &added})
	require.NoError(t, err)
	require.Len(t, added, 1)
	require.Equal(t, 1, changed)
}

func TestRouterSkipsUnknownKind(t *testing.T) {
	view := NewView()
	router := NewRouter(view)
	nodes := []autobase.Node{{WriterKey: []byte("w1"), Index: 0, Payload: []byte{0x7F, 1, 2, 3}}}
	err := router.Apply(context.Background(), nodes, view, noopBase{})
	require.NoError(t, err) // malformed/unknown nodes are skipped, not fatal
	require.Equal(t, 0, view.MessageCount())
}

type noopBase struct{}

func (noopBase) AddWriter([]byte)    {}
func (noopBase) RemoveWriter([]byte) {}

type recordingBase struct {
	added *[][]byte
}

func (b recordingBase) AddWriter(key []byte) { *b.added = append(*b.added, key) }
func (b recordingBase) RemoveWriter([]byte)  {}
