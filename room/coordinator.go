package room

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mr-tron/base58"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
	"github.com/roomcore/roomcore/autobase"
	"github.com/roomcore/roomcore/blobstore"
	"github.com/roomcore/roomcore/command"
	"github.com/roomcore/roomcore/identity"
	"github.com/roomcore/roomcore/logcore"
	"github.com/roomcore/roomcore/pairing"
	"github.com/roomcore/roomcore/transport"
)

var log = logging.Logger("room")

// dedupSize bounds the recent-message-id LRU per room.
const dedupSize = 1000

// pollInterval paces each room's background linearization loop; a local
// append also wakes the loop immediately via wake.
const pollInterval = 500 * time.Millisecond

// Options configures a Coordinator.
type Options struct {
	BaseDir   string // root for per-room LogCore/blob-core data
	Identity  *identity.Identity
	Transport *transport.Transport
}

// Coordinator is RoomCoordinator: the process-wide registry
// of open rooms and the public API surface the UI collaborator depends on.
// All public methods are safe for concurrent use; writes within one room
// are serialized by that room's LogCore, while different rooms proceed
// fully in parallel.
type Coordinator struct {
	baseDir   string
	identity  *identity.Identity
	transport *transport.Transport

	mu    sync.RWMutex
	rooms map[string]*openRoom

	pairingMu    sync.Mutex
	pairingWaits map[[32]byte]chan transport.Connection

	events chan Event

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

// New constructs a Coordinator. The caller owns opts.Transport's lifetime;
// Coordinator.Close does not close it, since one transport is typically
// shared across many coordinators/processes-under-test. If a transport is
// given, New also starts the connection dispatcher that routes every stream
// Transport.Connections() emits to the open room's LogCore/BlobStore its
// discovery-key topic identifies, or to a pairing session.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		baseDir:      opts.BaseDir,
		identity:     opts.Identity,
		transport:    opts.Transport,
		rooms:        make(map[string]*openRoom),
		pairingWaits: make(map[[32]byte]chan transport.Connection),
		events:       make(chan Event, 256),
	}
	if c.transport != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.dispatchCancel = cancel
		c.dispatchDone = make(chan struct{})
		go c.dispatchConnections(ctx)
	}
	return c
}

// dispatchConnections drains Transport.Connections() for the lifetime of the
// Coordinator, routing each incoming stream to the LogCore or BlobStore
// whose DiscoveryKey matches the stream's tagged Topic, then replicating
// over it — connections for a room's topics carry both its command-log and
// its blob replication. Pairing topics route to a
// waiting JoinRoomViaTransport (candidate side) or to the room's invite
// Issuer (issuer side).
func (c *Coordinator) dispatchConnections(ctx context.Context) {
	defer close(c.dispatchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-c.transport.Connections():
			if !ok {
				return
			}
			go c.routeConnection(ctx, conn)
		}
	}
}

// routeConnection hands conn to whichever session its Topic identifies: a
// pending pairing redemption, an invite issuer, or the LogCore whose
// DiscoveryKey equals the topic across every currently open room (the
// room's own cmd/blob-core, or any remote writer replica registered in it).
// A topic matching nothing means the peer dialed us for something we
// haven't heard of yet (e.g. a room we haven't joined); the stream is reset
// rather than held open indefinitely.
func (c *Coordinator) routeConnection(ctx context.Context, conn transport.Connection) {
	if ch := c.takePairingWait(conn.Topic); ch != nil {
		select {
		case ch <- conn:
		default:
			_ = conn.Stream.Reset()
		}
		return
	}
	if issuer := c.findIssuer(conn.Topic); issuer != nil {
		if err := issuer.HandleStream(conn.Stream); err != nil {
			log.Debugw("pairing session ended", "peer", conn.Peer.ID, "err", err)
		}
		_ = conn.Stream.Close()
		return
	}
	target := c.findReplicationTarget(conn.Topic)
	if target == nil {
		log.Debugw("no local core for incoming topic, dropping stream", "peer", conn.Peer.ID)
		_ = conn.Stream.Reset()
		return
	}
	if err := target.Replicate(ctx, conn.Stream); err != nil {
		log.Debugw("replication session ended", "peer", conn.Peer.ID, "err", err)
	}
}

func (c *Coordinator) takePairingWait(topic [32]byte) chan transport.Connection {
	c.pairingMu.Lock()
	defer c.pairingMu.Unlock()
	return c.pairingWaits[topic]
}

func (c *Coordinator) findIssuer(topic [32]byte) *pairing.Issuer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, or := range c.rooms {
		or.issuerMu.Lock()
		issuer := or.issuer
		or.issuerMu.Unlock()
		if issuer != nil && issuer.DiscoveryTag() == topic {
			return issuer
		}
	}
	return nil
}

func (c *Coordinator) findReplicationTarget(topic [32]byte) *logcore.LogCore {
	c.mu.RLock()
	rooms := make([]*openRoom, 0, len(c.rooms))
	for _, or := range c.rooms {
		rooms = append(rooms, or)
	}
	c.mu.RUnlock()

	for _, or := range rooms {
		if or.cmdCore.DiscoveryKey() == topic {
			return or.cmdCore
		}
		if or.blobCore.DiscoveryKey() == topic {
			return or.blobCore
		}
		if core := or.mb.RemoteByTopic(topic); core != nil {
			return core
		}
		if core := or.blobs.RemoteByTopic(topic); core != nil {
			return core
		}
	}
	return nil
}

// Events returns the coordinator-wide event stream.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warnw("event channel full, dropping", "kind", ev.Kind, "room", ev.RoomID)
	}
}

// openRoom is everything a Coordinator keeps in memory for one open room.
type openRoom struct {
	roomID        string
	roomKey       [32]byte
	encryptionKey [32]byte

	// localWriterKey owns the local cmd/blob cores: the room keypair on the
	// founding node, the process identity everywhere else. writerPriv is its
	// signing half, retained so callers can persist it via RoomSecrets.
	localWriterKey ed25519.PublicKey
	writerPriv     ed25519.PrivateKey

	cmdCore *logcore.LogCore
	mb      *autobase.MultiWriterLog[*command.View]
	router  *command.Router
	view    *command.View

	blobCore *logcore.LogCore
	blobs    *blobstore.BlobStore

	issuerMu sync.Mutex
	issuer   *pairing.Issuer

	dedup *lru.Cache[string, struct{}]

	remoteMu     sync.Mutex
	remoteKeys   map[string]bool    // b58(writer key) -> remote cmd/blob-core already opened
	remoteCores  []*logcore.LogCore // opened remote replicas, closed alongside the room
	joinedTopics [][32]byte         // topics joined on the transport, left alongside the room

	ctx    context.Context // set once startLoop runs; used by async remote-writer discovery
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

// founder reports whether this node holds the room keypair's signing half,
// i.e. whether its local log is the room's bootstrap core.
func (or *openRoom) founder() bool {
	return bytes.Equal(or.localWriterKey, or.roomKey[:])
}

// joinTransportTopics announces/discovers peers for the room's own command
// log and blob-core, so connections accepted over Coordinator.transport's
// Connections() channel carry replication traffic for this room, the blob
// store included. Remote writer replicas join their own topics
// separately, via addRemoteWriter, as they're registered. Errors are
// logged, not fatal: a room still functions locally, and without transport,
// replicates once connectivity (or a test's synthetic Ingest calls) catches
// up.
func (c *Coordinator) joinTransportTopics(ctx context.Context, or *openRoom) {
	c.joinTopic(ctx, or, or.cmdCore.DiscoveryKey())
	c.joinTopic(ctx, or, or.blobCore.DiscoveryKey())
}

// joinTopic is a no-op when no transport is configured. On success the
// topic is recorded on or so leaveTransportTopics can unwind it later.
func (c *Coordinator) joinTopic(ctx context.Context, or *openRoom, topic [32]byte) {
	if c.transport == nil {
		return
	}
	if _, err := c.transport.Join(ctx, topic, transport.JoinOptions{Server: true, Client: true}); err != nil {
		log.Warnw("joining topic failed", "roomId", or.roomID, "err", err)
		return
	}
	or.remoteMu.Lock()
	or.joinedTopics = append(or.joinedTopics, topic)
	or.remoteMu.Unlock()
}

func (c *Coordinator) leaveTransportTopics(or *openRoom) {
	if c.transport == nil {
		return
	}
	or.remoteMu.Lock()
	topics := or.joinedTopics
	or.joinedTopics = nil
	or.remoteMu.Unlock()
	for _, topic := range topics {
		c.transport.Leave(topic)
	}
}

func (c *Coordinator) roomDir(roomID string) string {
	return filepath.Join(c.baseDir, "rooms", roomID)
}

func (c *Coordinator) blobDir(roomID string) string {
	return filepath.Join(c.baseDir, "rooms", roomID, "blobs")
}

// CreateRoom generates a fresh room keypair and encryption key, opens the
// command LogCore and blob-core under the room keypair (making this node's
// log the room's bootstrap core — the one writer every replica admits from
// the start), and writes the initial set-metadata command. The
// returned roomId is derived from the room public key, so every member of
// the room computes the same id.
func (c *Coordinator) CreateRoom(ctx context.Context, name string) (string, error) {
	roomPub, roomPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", roomcore.NewError(roomcore.KindFatal, "room.CreateRoom", err)
	}
	var roomKey, encKey [32]byte
	copy(roomKey[:], roomPub)
	if _, err := rand.Read(encKey[:]); err != nil {
		return "", roomcore.NewError(roomcore.KindFatal, "room.CreateRoom", err)
	}

	roomID := base58.Encode(roomKey[:])
	or, err := c.openFresh(roomID, roomKey, encKey, roomPub, roomPriv)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.rooms[roomID] = or
	c.mu.Unlock()

	now := time.Now().UnixMilli()
	if err := c.appendLocal(ctx, or, command.EncodeSetMetadata(command.SetMetadata{
		RoomID: roomID, Name: name, CreatedAt: now, MessageCount: 0,
	})); err != nil {
		c.closeRoom(or)
		c.mu.Lock()
		delete(c.rooms, roomID)
		c.mu.Unlock()
		return "", err
	}
	driveKey := or.blobCore.DiscoveryKey()
	if err := c.appendLocal(ctx, or, command.EncodeSetDriveKey(command.SetDriveKey{
		RoomID: roomID, BlobStoreKey: driveKey[:], CreatedAt: now,
	})); err != nil {
		c.closeRoom(or)
		c.mu.Lock()
		delete(c.rooms, roomID)
		c.mu.Unlock()
		return "", err
	}

	// Apply the initial metadata/drive-key commands synchronously so the
	// view is populated before CreateRoom returns — callers that
	// immediately read metadata or send a message shouldn't observe an
	// empty view while the background loop's first tick is still pending.
	if _, err := or.mb.Poll(ctx); err != nil {
		c.closeRoom(or)
		c.mu.Lock()
		delete(c.rooms, roomID)
		c.mu.Unlock()
		return "", err
	}

	c.startLoop(or)
	log.Infow("room created", "roomId", roomID, "name", name)
	return roomID, nil
}

// openFresh opens (creating) the storage for a room. writerPub/writerPriv
// own the local cmd/blob cores: the room keypair when this node founded the
// room, the process identity when it joined via invite.
func (c *Coordinator) openFresh(roomID string, roomKey, encKey [32]byte, writerPub ed25519.PublicKey, writerPriv ed25519.PrivateKey) (*openRoom, error) {
	cmdCore, err := logcore.Open(logcore.Options{
		Dir:        filepath.Join(c.roomDir(roomID), "cmd"),
		OwnerKey:   writerPub,
		Signer:     writerPriv,
		Encryption: &encKey,
		Domain:     "cmd/" + roomID,
	})
	if err != nil {
		return nil, err
	}

	blobCmdCore, err := logcore.Open(logcore.Options{
		Dir:        filepath.Join(c.blobDir(roomID), "core"),
		OwnerKey:   writerPub,
		Signer:     writerPriv,
		Encryption: &encKey,
		Domain:     "blob/" + roomID,
	})
	if err != nil {
		_ = cmdCore.Close()
		return nil, err
	}
	blobs, err := blobstore.Open(blobstore.Options{
		IndexDir: filepath.Join(c.blobDir(roomID), "index"),
		CacheDir: filepath.Join(c.blobDir(roomID), "cache"),
		Core:     blobCmdCore,
	})
	if err != nil {
		_ = cmdCore.Close()
		_ = blobCmdCore.Close()
		return nil, err
	}

	view := command.NewView()
	router := command.NewRouter(view)
	mb := autobase.New[*command.View](writerPub, roomKey[:], cmdCore, view, router.Apply)

	dedup, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		_ = cmdCore.Close()
		_ = blobs.Close()
		_ = blobCmdCore.Close()
		return nil, roomcore.NewError(roomcore.KindFatal, "room.openFresh", err)
	}

	or := &openRoom{
		roomID: roomID, roomKey: roomKey, encryptionKey: encKey,
		localWriterKey: writerPub, writerPriv: writerPriv,
		cmdCore: cmdCore, mb: mb, router: router, view: view,
		blobCore:   blobCmdCore,
		blobs:      blobs,
		dedup:      dedup,
		remoteKeys: make(map[string]bool),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	blobs.SetFindPeers(func(ctx context.Context) error {
		if c.transport == nil {
			return nil
		}
		topic := or.blobCore.DiscoveryKey()
		c.transport.Leave(topic)
		d, err := c.transport.Join(ctx, topic, transport.JoinOptions{Server: true, Client: true})
		if err != nil {
			return err
		}
		return d.Flush(ctx)
	})

	router.OnWriterAdded = func(key []byte) {
		c.addRemoteWriter(or.ctx, or, key)
	}
	router.OnWritersChanged = func() {
		c.emit(Event{Kind: EventWritersChanged, RoomID: roomID})
	}
	router.OnMessage = func(m roomcore.Message) {
		key := roomID + "/" + m.ID
		if _, seen := or.dedup.Get(key); seen {
			return
		}
		or.dedup.Add(key, struct{}{})
		c.emit(Event{Kind: EventNewMessage, RoomID: roomID, Message: m})
	}

	return or, nil
}

// startLoop launches the room's background linearization loop — its
// independent task group, torn down with the room.
func (c *Coordinator) startLoop(or *openRoom) {
	ctx, cancel := context.WithCancel(context.Background())
	or.ctx = ctx
	or.cancel = cancel
	c.joinTransportTopics(ctx, or)
	go func() {
		defer close(or.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if n, err := or.mb.Poll(ctx); err != nil {
				c.emit(Event{Kind: EventError, RoomID: or.roomID, Err: err})
			} else if n > 0 {
				c.emit(Event{Kind: EventUpdate, RoomID: or.roomID})
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-or.wake:
			}
		}
	}()
}

// addRemoteWriter registers key's command log and blob-core as replication
// sources for or, opening fresh unsigned LogCores to ingest into — these
// are never appended to locally, only ingested, so entries from any signer
// other than key are rejected. It is idempotent per (room, key) and safe to
// call from Router.OnWriterAdded as writers are admitted transitively
// through replication, not just for the bootstrap core a JoinRoom call
// already knows about.
func (c *Coordinator) addRemoteWriter(ctx context.Context, or *openRoom, key []byte) {
	if ctx == nil {
		ctx = context.Background()
	}
	if bytes.Equal(key, or.localWriterKey) {
		return
	}
	b58 := base58.Encode(key)

	or.remoteMu.Lock()
	if or.remoteKeys[b58] {
		or.remoteMu.Unlock()
		return
	}
	or.remoteKeys[b58] = true
	or.remoteMu.Unlock()

	remoteCmd, err := logcore.Open(logcore.Options{
		Dir:        filepath.Join(c.roomDir(or.roomID), "remote", "cmd", b58),
		OwnerKey:   key,
		Encryption: &or.encryptionKey,
		Domain:     "cmd/" + or.roomID,
	})
	if err != nil {
		log.Warnw("opening remote writer cmd-core failed", "roomId", or.roomID, "writer", b58, "err", err)
		return
	}
	remoteBlob, err := logcore.Open(logcore.Options{
		Dir:        filepath.Join(c.blobDir(or.roomID), "remote", b58),
		OwnerKey:   key,
		Encryption: &or.encryptionKey,
		Domain:     "blob/" + or.roomID,
	})
	if err != nil {
		log.Warnw("opening remote writer blob-core failed", "roomId", or.roomID, "writer", b58, "err", err)
		_ = remoteCmd.Close()
		return
	}

	or.mb.AddRemote(key, remoteCmd)
	or.blobs.AddRemote(remoteBlob)

	or.remoteMu.Lock()
	or.remoteCores = append(or.remoteCores, remoteCmd, remoteBlob)
	or.remoteMu.Unlock()

	c.joinTopic(ctx, or, remoteCmd.DiscoveryKey())
	c.joinTopic(ctx, or, remoteBlob.DiscoveryKey())

	log.Infow("registered remote writer", "roomId", or.roomID, "writer", b58)
}

func (c *Coordinator) appendLocal(ctx context.Context, or *openRoom, payload []byte) error {
	if _, err := or.mb.AppendLocal(ctx, payload); err != nil {
		return err
	}
	select {
	case or.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Coordinator) getRoom(roomID string) (*openRoom, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	or, ok := c.rooms[roomID]
	if !ok {
		return nil, roomcore.NewError(roomcore.KindNotFound, "room.getRoom", xerrors.Errorf("room %q not open", roomID))
	}
	return or, nil
}

// LeaveRoom closes the room's LogCores, blob-core, and background loop, and
// removes it from the registry.
func (c *Coordinator) LeaveRoom(roomID string) error {
	c.mu.Lock()
	or, ok := c.rooms[roomID]
	if ok {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()
	if !ok {
		return roomcore.NewError(roomcore.KindNotFound, "room.LeaveRoom", xerrors.Errorf("room %q not open", roomID))
	}
	c.closeRoom(or)
	return nil
}

func (c *Coordinator) closeRoom(or *openRoom) {
	if or.cancel != nil {
		or.cancel()
		<-or.done
	}
	c.leaveTransportTopics(or)

	or.remoteMu.Lock()
	remotes := or.remoteCores
	or.remoteCores = nil
	or.remoteMu.Unlock()
	for _, core := range remotes {
		_ = core.Close()
	}

	_ = or.blobs.Close()
	_ = or.blobCore.Close()
	_ = or.cmdCore.Close()
}

// Close leaves every open room and stops the connection dispatcher.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	rooms := make([]*openRoom, 0, len(c.rooms))
	for id, or := range c.rooms {
		rooms = append(rooms, or)
		delete(c.rooms, id)
	}
	c.mu.Unlock()
	for _, or := range rooms {
		c.closeRoom(or)
	}
	if c.dispatchCancel != nil {
		c.dispatchCancel()
		<-c.dispatchDone
	}
	return nil
}

// MessageOptions is the payload shape of SendMessage.
type MessageOptions struct {
	Content     string
	System      bool
	Attachments []roomcore.BlobRef
}

// SendMessage appends a send-message command and bumps the room's message
// counter.
func (c *Coordinator) SendMessage(ctx context.Context, roomID string, msg MessageOptions) (string, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return "", err
	}
	msgID := uuid.NewString()
	now := time.Now().UnixMilli()
	payload := command.EncodeSendMessage(command.SendMessage{
		ID:        msgID,
		Content:   msg.Content,
		Sender:    c.identity.DisplayName,
		PublicKey: c.identity.PublicKey,
		Timestamp: now,
		Flags: roomcore.Flags{
			System:         msg.System,
			HasAttachments: len(msg.Attachments) > 0,
		},
		Attachments: msg.Attachments,
	})
	if err := c.appendLocal(ctx, or, payload); err != nil {
		return "", err
	}

	meta, _ := or.view.GetMetadata()
	meta.MessageCount++
	if err := c.appendLocal(ctx, or, command.EncodeSetMetadata(command.SetMetadata{
		RoomID: roomID, Name: meta.Name, CreatedAt: meta.CreatedAt,
		MessageCount: meta.MessageCount, BlobStoreKey: meta.BlobStoreKey,
	})); err != nil {
		return "", err
	}
	return msgID, nil
}

// DeleteMessage appends a tombstone for messageId.
func (c *Coordinator) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	or, err := c.getRoom(roomID)
	if err != nil {
		return err
	}
	return c.appendLocal(ctx, or, command.EncodeDeleteMessage(command.DeleteMessage{ID: messageID}))
}

// GetMessages queries the room's view, returning an iterator over
// the matching messages in the requested order.
func (c *Coordinator) GetMessages(roomID string, opts command.FindOptions) (*MessageIterator, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	return &MessageIterator{msgs: or.view.FindMessages(opts)}, nil
}

// GetMessageCount reports the number of live (non-tombstoned) messages.
func (c *Coordinator) GetMessageCount(roomID string) (int, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return 0, err
	}
	return or.view.MessageCount(), nil
}

// GetWriters returns every writer ever admitted, local writer first.
func (c *Coordinator) GetWriters(roomID string) ([]roomcore.WriterInfo, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	snapshot := or.mb.Writers()
	localB58 := base58.Encode(or.localWriterKey)

	out := make([]roomcore.WriterInfo, 0, len(snapshot)+1)
	active := snapshot[localB58]
	delete(snapshot, localB58)
	out = append(out, roomcore.WriterInfo{PublicKey: or.localWriterKey, Local: true, Active: active})
	for b58, active := range snapshot {
		key, decErr := base58.Decode(b58)
		if decErr != nil {
			continue
		}
		out = append(out, roomcore.WriterInfo{PublicKey: key, Local: false, Active: active})
	}
	return out, nil
}

// JoinRoom redeems invite over rw (a stream to the issuer, located via
// ReplicationTransport using pairing.InviteDiscoveryTag — see
// JoinRoomViaTransport for the wired-up path) and, on success, opens local
// storage under the process identity and registers the room's bootstrap
// core as the first replication source. The candidate
// transitions to WRITABLE asynchronously, once replication delivers the
// issuer's add-writer command and an apply round admits the candidate's key
// — this method only carries the synchronous ADDED half of the handshake.
func (c *Coordinator) JoinRoom(ctx context.Context, inviteStr string, rw io.ReadWriter) (string, error) {
	roomKey, encKey, state, err := pairing.Redeem(rw, inviteStr, c.identity.PublicKey)
	if err != nil {
		return "", err
	}
	if state != pairing.StateAdded {
		return "", roomcore.NewError(roomcore.KindConflict, "room.JoinRoom", xerrors.Errorf("unexpected pairing state %s", state))
	}

	roomID := base58.Encode(roomKey[:])
	c.mu.RLock()
	_, exists := c.rooms[roomID]
	c.mu.RUnlock()
	if exists {
		return "", roomcore.NewError(roomcore.KindConflict, "room.JoinRoom", xerrors.Errorf("room %q already open", roomID))
	}

	or, err := c.openFresh(roomID, roomKey, encKey, c.identity.PublicKey, c.identity.PrivateKey)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.rooms[roomID] = or
	c.mu.Unlock()
	c.startLoop(or)

	// Register the room's bootstrap core (owned by the room keypair) as the
	// first replication source, using or.ctx (the room's long-lived loop
	// context, set by startLoop above) rather than the caller's ctx, which
	// may be canceled as soon as JoinRoom returns while the topic
	// join/discovery it started needs to keep running for the life of the
	// room. Every writer the room has already admitted is
	// discovered transitively once its add-writer commands replicate in and
	// Router.OnWriterAdded fires for each.
	c.addRemoteWriter(or.ctx, or, roomKey[:])

	log.Infow("room joined", "roomId", roomID)
	return roomID, nil
}

// JoinRoomViaTransport locates the invite's issuer over the coordinator's
// transport — announcing under the discovery tag derived from the invite,
// waiting for the first matching stream — then runs JoinRoom over it.
// Callers bound the wait with ctx.
func (c *Coordinator) JoinRoomViaTransport(ctx context.Context, inviteStr string) (string, error) {
	if c.transport == nil {
		return "", roomcore.NewError(roomcore.KindTransient, "room.JoinRoomViaTransport", xerrors.New("no transport configured"))
	}
	tag, err := pairing.InviteDiscoveryTag(inviteStr)
	if err != nil {
		return "", err
	}

	ch := make(chan transport.Connection, 1)
	c.pairingMu.Lock()
	if _, busy := c.pairingWaits[tag]; busy {
		c.pairingMu.Unlock()
		return "", roomcore.NewError(roomcore.KindConflict, "room.JoinRoomViaTransport", xerrors.New("redemption already in flight for this invite"))
	}
	c.pairingWaits[tag] = ch
	c.pairingMu.Unlock()
	defer func() {
		c.pairingMu.Lock()
		delete(c.pairingWaits, tag)
		c.pairingMu.Unlock()
	}()

	if _, err := c.transport.Join(ctx, tag, transport.JoinOptions{Client: true}); err != nil {
		return "", err
	}
	defer c.transport.Leave(tag)

	select {
	case conn := <-ch:
		defer conn.Stream.Close()
		return c.JoinRoom(ctx, inviteStr, conn.Stream)
	case <-ctx.Done():
		return "", roomcore.NewError(roomcore.KindTransient, "room.JoinRoomViaTransport", ctx.Err())
	}
}

// CreateInvite issues (or returns the existing) invite for roomID,
// announces the issuer under the invite's discovery tag so candidates can
// find it, and records the invite in the view, where it stays for audit
// even after redemption.
func (c *Coordinator) CreateInvite(roomID string) (string, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return "", err
	}

	or.issuerMu.Lock()
	issuer := or.issuer
	fresh := false
	if issuer == nil {
		issuer = pairing.NewIssuer(or.roomKey, or.encryptionKey, c.identity.PublicKey, 0, func(candidateKey []byte) error {
			return c.appendLocal(context.Background(), or, command.EncodeAddWriter(command.AddWriter{Key: candidateKey}))
		})
		or.issuer = issuer
		fresh = true
	}
	or.issuerMu.Unlock()

	inv, s := issuer.CreateInvite()
	if fresh {
		c.joinTopic(or.ctx, or, issuer.DiscoveryTag())
		if err := c.appendLocal(context.Background(), or, command.EncodeAddInvite(command.AddInvite{
			ID: inv.ID, Invite: inv.Invite, IssuerPublicKey: inv.IssuerPublicKey, ExpiresAt: inv.ExpiresAt,
		})); err != nil {
			log.Warnw("recording invite in view failed", "roomId", roomID, "err", err)
		}
	}
	return s, nil
}

// RoomSecrets exposes a room's durable keys for persistence in
// room-keys.json: the room public key, the symmetric encryption key,
// and — on the founding node only — the room keypair's private half, which
// is what lets the founder reopen its bootstrap log as writable.
func (c *Coordinator) RoomSecrets(roomID string) (roomKey, encryptionKey [32]byte, roomPriv ed25519.PrivateKey, err error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return roomKey, encryptionKey, nil, err
	}
	if or.founder() {
		roomPriv = or.writerPriv
	}
	return or.roomKey, or.encryptionKey, roomPriv, nil
}

// OpenRoom reopens a previously created or joined room from its persisted
// keys (the room-keys.json shape). roomPriv is the room keypair's private half for
// a room this node founded, or nil for a room it joined (the process
// identity signs the local log in that case).
func (c *Coordinator) OpenRoom(ctx context.Context, roomKey, encKey [32]byte, roomPriv ed25519.PrivateKey) (string, error) {
	roomID := base58.Encode(roomKey[:])
	c.mu.RLock()
	_, exists := c.rooms[roomID]
	c.mu.RUnlock()
	if exists {
		return "", roomcore.NewError(roomcore.KindConflict, "room.OpenRoom", xerrors.Errorf("room %q already open", roomID))
	}

	writerPub := c.identity.PublicKey
	writerPriv := c.identity.PrivateKey
	if roomPriv != nil {
		writerPub = roomPriv.Public().(ed25519.PublicKey)
		writerPriv = roomPriv
	}

	or, err := c.openFresh(roomID, roomKey, encKey, writerPub, writerPriv)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.rooms[roomID] = or
	c.mu.Unlock()
	c.startLoop(or)

	if !or.founder() {
		c.addRemoteWriter(or.ctx, or, roomKey[:])
	}
	return roomID, nil
}

// UploadFile stores src's content in the room's blob store and returns a
// BlobRef suitable for attaching to a message.
func (c *Coordinator) UploadFile(ctx context.Context, roomID string, src Source, name string) (roomcore.BlobRef, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return roomcore.BlobRef{}, err
	}
	content, err := src.read()
	if err != nil {
		return roomcore.BlobRef{}, err
	}
	ref, err := or.blobs.Put(ctx, content, blobstore.PutOptions{})
	if err != nil {
		return roomcore.BlobRef{}, err
	}
	ref.Name = name
	return ref, nil
}

// DownloadFile fetches a previously uploaded blob, capped at maxBytes and
// bounded by timeout.
func (c *Coordinator) DownloadFile(ctx context.Context, roomID string, blobID []byte, maxBytes int64, timeout time.Duration) ([]byte, bool, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return nil, false, err
	}
	id, err := blobstore.ParseBlobID(blobID)
	if err != nil {
		return nil, false, roomcore.NewError(roomcore.KindNotFound, "room.DownloadFile", err)
	}
	res, err := or.blobs.Get(ctx, id, blobstore.GetOptions{MaxBytes: maxBytes, Timeout: timeout})
	if err != nil {
		return nil, false, err
	}
	return res.Data, res.Truncated, nil
}

// ListFiles enumerates attachments carried by the room's live messages.
// There is no drive-entry command in the wire format — set-drive-key only
// records the blob store's root key — so a file's only durable record is
// the attachment on the message that shared it; ListFiles reconstructs the
// listing from those.
func (c *Coordinator) ListFiles(roomID string, limit int) ([]roomcore.BlobEntry, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	msgs := or.view.FindMessages(command.FindOptions{Reverse: true})
	var out []roomcore.BlobEntry
	for _, m := range msgs {
		for _, a := range m.Attachments {
			out = append(out, roomcore.BlobEntry{
				Path: a.Name, Name: a.Name, Size: a.Size, BlobID: a.BlobID,
				MimeHint: a.MimeHint, CreatedAt: m.Timestamp,
			})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// DeleteFile tombstones every live message carrying an attachment named
// path, which is what removes the file from ListFiles on every node within
// one apply cycle. A file's only durable record is the attachment on the
// message that shared it — paths are message metadata, the blob key space is
// flat — so deleting the message is deleting the file; the blob's log
// entries themselves are immutable and garbage collection is out of scope.
func (c *Coordinator) DeleteFile(ctx context.Context, roomID, path string) error {
	or, err := c.getRoom(roomID)
	if err != nil {
		return err
	}
	deleted := false
	for _, m := range or.view.FindMessages(command.FindOptions{}) {
		for _, a := range m.Attachments {
			if a.Name != path {
				continue
			}
			if err := c.appendLocal(ctx, or, command.EncodeDeleteMessage(command.DeleteMessage{ID: m.ID})); err != nil {
				return err
			}
			deleted = true
			break
		}
	}
	if !deleted {
		return roomcore.NewError(roomcore.KindNotFound, "room.DeleteFile", xerrors.Errorf("no file %q in room", path))
	}
	return nil
}

// OpenFileStream returns a ranged streaming reader over a blob, for files
// too large to download in one call.
func (c *Coordinator) OpenFileStream(ctx context.Context, roomID string, blobID []byte, start, end int64, timeout time.Duration) (io.Reader, error) {
	or, err := c.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	id, err := blobstore.ParseBlobID(blobID)
	if err != nil {
		return nil, roomcore.NewError(roomcore.KindNotFound, "room.OpenFileStream", err)
	}
	return or.blobs.CreateReadStream(ctx, id, start, end, timeout)
}
