package room

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roomcore/roomcore"
	"github.com/roomcore/roomcore/command"
	"github.com/roomcore/roomcore/identity"
)

func newTestCoordinator(t *testing.T, name string) *Coordinator {
	t.Helper()
	id, err := identity.New(name)
	require.NoError(t, err)
	c := New(Options{BaseDir: t.TempDir(), Identity: id})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCreateRoomSendAndReadMessage(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "general")
	require.NoError(t, err)

	msgID, err := c.SendMessage(ctx, roomID, MessageOptions{Content: "hello world"})
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	require.Eventually(t, func() bool {
		n, err := c.GetMessageCount(roomID)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	it, err := c.GetMessages(roomID, command.FindOptions{})
	require.NoError(t, err)
	msgs := it.Collect()
	require.Len(t, msgs, 1)
	require.Equal(t, "hello world", msgs[0].Content)
}

func TestDeleteMessageTombstonesAndDropsFromCount(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "general")
	require.NoError(t, err)
	msgID, err := c.SendMessage(ctx, roomID, MessageOptions{Content: "temporary"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := c.GetMessageCount(roomID)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.DeleteMessage(ctx, roomID, msgID))

	require.Eventually(t, func() bool {
		n, _ := c.GetMessageCount(roomID)
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessagePaginationWithTimestampRange(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "general")
	require.NoError(t, err)
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		_, err := c.SendMessage(ctx, roomID, MessageOptions{Content: content})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct millisecond timestamps
	}
	require.Eventually(t, func() bool {
		n, _ := c.GetMessageCount(roomID)
		return n == 5
	}, 2*time.Second, 10*time.Millisecond)

	it, err := c.GetMessages(roomID, command.FindOptions{})
	require.NoError(t, err)
	all := it.Collect()
	require.Len(t, all, 5)

	// newest-first page of two, strictly older than the fourth message.
	lt := all[3].Timestamp
	it, err = c.GetMessages(roomID, command.FindOptions{
		Limit: 2, Reverse: true,
		Range: command.TimestampRange{Lt: &lt},
	})
	require.NoError(t, err)
	page := it.Collect()
	require.Len(t, page, 2)
	require.True(t, page[0].Timestamp >= page[1].Timestamp)
	for _, m := range page {
		require.Less(t, m.Timestamp, lt)
	}
}

func TestUploadDownloadFileRoundTrip(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "files")
	require.NoError(t, err)

	content := []byte("a file's worth of bytes")
	ref, err := c.UploadFile(ctx, roomID, Bytes(content), "note.txt")
	require.NoError(t, err)
	require.Equal(t, "note.txt", ref.Name)

	got, truncated, err := c.DownloadFile(ctx, roomID, ref.BlobID, 0, time.Second)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Equal(t, content, got)
}

func TestSendMessageWithAttachmentListsFile(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "files")
	require.NoError(t, err)

	ref, err := c.UploadFile(ctx, roomID, Bytes([]byte{0xDE, 0xAD, 0xBE, 0xEF}), "a.bin")
	require.NoError(t, err)
	require.EqualValues(t, 4, ref.Size)

	_, err = c.SendMessage(ctx, roomID, MessageOptions{Content: "sharing a file", Attachments: []roomcore.BlobRef{ref}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		files, err := c.ListFiles(roomID, 10)
		return err == nil && len(files) == 1 && files[0].Name == "a.bin"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteFileTombstonesReferencingMessage(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "files")
	require.NoError(t, err)

	ref, err := c.UploadFile(ctx, roomID, Bytes([]byte("ephemeral")), "temp.txt")
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, roomID, MessageOptions{Content: "sharing", Attachments: []roomcore.BlobRef{ref}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		files, err := c.ListFiles(roomID, 10)
		return err == nil && len(files) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.DeleteFile(ctx, roomID, "temp.txt"))
	require.Eventually(t, func() bool {
		files, err := c.ListFiles(roomID, 10)
		return err == nil && len(files) == 0
	}, 2*time.Second, 10*time.Millisecond)

	err = c.DeleteFile(ctx, roomID, "never-shared.txt")
	require.Error(t, err)
	require.True(t, roomcore.IsNotFound(err))
}

func TestCreateInviteIsIdempotentUntilConsumed(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "general")
	require.NoError(t, err)

	inv1, err := c.CreateInvite(roomID)
	require.NoError(t, err)
	inv2, err := c.CreateInvite(roomID)
	require.NoError(t, err)
	require.Equal(t, inv1, inv2)
}

func TestGetWritersListsLocalWriterFirst(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "general")
	require.NoError(t, err)

	writers, err := c.GetWriters(roomID)
	require.NoError(t, err)
	require.NotEmpty(t, writers)
	require.True(t, writers[0].Local)
	require.True(t, writers[0].Active)
}

// TestJoinRoomReceivesHistory runs the candidate half of pairing over an
// in-memory pipe against a founder's issuer, then replays the founder's
// bootstrap log into the joiner's remote replica by hand — the transport-free
// equivalent of what a replication stream delivers.
func TestJoinRoomReceivesHistory(t *testing.T) {
	founder := newTestCoordinator(t, "founder")
	joiner := newTestCoordinator(t, "joiner")
	ctx := context.Background()

	roomID, err := founder.CreateRoom(ctx, "history")
	require.NoError(t, err)
	for _, content := range []string{"one", "two", "three"} {
		_, err := founder.SendMessage(ctx, roomID, MessageOptions{Content: content})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct millisecond timestamps
	}
	require.Eventually(t, func() bool {
		n, _ := founder.GetMessageCount(roomID)
		return n == 3
	}, 2*time.Second, 10*time.Millisecond)

	inviteStr, err := founder.CreateInvite(roomID)
	require.NoError(t, err)

	founderConn, joinerConn := net.Pipe()
	issuerDone := make(chan error, 1)
	go func() {
		founderOR, err := founder.getRoom(roomID)
		if err != nil {
			issuerDone <- err
			return
		}
		founderOR.issuerMu.Lock()
		issuer := founderOR.issuer
		founderOR.issuerMu.Unlock()
		issuerDone <- issuer.HandleStream(founderConn)
	}()

	joinedID, err := joiner.JoinRoom(ctx, inviteStr, joinerConn)
	require.NoError(t, err)
	require.NoError(t, <-issuerDone)
	require.Equal(t, roomID, joinedID) // roomId derives from roomKey on both sides

	// Replay the founder's bootstrap log into the joiner's remote replica,
	// standing in for a live replication stream.
	founderOR, err := founder.getRoom(roomID)
	require.NoError(t, err)
	joinerOR, err := joiner.getRoom(joinedID)
	require.NoError(t, err)
	replica := joinerOR.mb.RemoteCore(founderOR.roomKey[:])
	require.NotNil(t, replica)
	for i := uint64(0); i < founderOR.cmdCore.Length(); i++ {
		index, sealed, sig, err := founderOR.cmdCore.Export(i)
		require.NoError(t, err)
		require.NoError(t, replica.Ingest(index, sealed, sig))
	}

	require.Eventually(t, func() bool {
		n, _ := joiner.GetMessageCount(joinedID)
		return n == 3
	}, 2*time.Second, 10*time.Millisecond)

	it, err := joiner.GetMessages(joinedID, command.FindOptions{Limit: 10})
	require.NoError(t, err)
	msgs := it.Collect()
	require.Len(t, msgs, 3)
	require.Equal(t, "one", msgs[0].Content)
	require.Equal(t, "three", msgs[2].Content)

	// The joiner's own admission rode in with the history; it is writable
	// now and can speak.
	require.Eventually(t, func() bool {
		return joinerOR.mb.Writable()
	}, 2*time.Second, 10*time.Millisecond)
	_, err = joiner.SendMessage(ctx, joinedID, MessageOptions{Content: "hello from the joiner"})
	require.NoError(t, err)
}

func TestLeaveRoomRemovesFromRegistry(t *testing.T) {
	c := newTestCoordinator(t, "tester")
	ctx := context.Background()

	roomID, err := c.CreateRoom(ctx, "general")
	require.NoError(t, err)
	require.NoError(t, c.LeaveRoom(roomID))

	_, err = c.GetMessageCount(roomID)
	require.Error(t, err)
}
