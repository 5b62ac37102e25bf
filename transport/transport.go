// Package transport implements ReplicationTransport: peer
// discovery by 32-byte topic, mutually authenticated encrypted duplex
// streams, and one physical libp2p connection multiplexing many LogCore /
// BlobStore replication sessions. Built on github.com/libp2p/go-libp2p: a
// host, a DHT for routing/discovery, and protocol-scoped stream handlers.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	routingdisc "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/roomcore/roomcore"
)

// maxConcurrentDials bounds how many peers returned from one FindPeers pass
// are dialed at once, so a large rendezvous response can't fan out into an
// unbounded number of simultaneous connection attempts.
const maxConcurrentDials = 8

var log = logging.Logger("transport")

// ProtocolID is the libp2p stream protocol carrying roomcore's multiplexed
// log/blob/pairing frames.
const ProtocolID = protocol.ID("/roomcore/replicate/1.0.0")

// PeerInfo is the information handed to a Connection subscriber about the
// peer on the other end of a new stream.
type PeerInfo struct {
	ID peer.ID
}

// Connection pairs a duplex stream with the PeerInfo describing its peer and
// the discovery-key Topic it was opened for, so a Connections() consumer can
// route the stream to the right LogCore/BlobStore without having to peek at
// replication frames itself.
type Connection struct {
	Stream network.Stream
	Peer   PeerInfo
	Topic  [32]byte
}

// topicHeaderTimeout bounds how long a side waits to write/read the topic
// tag before a fresh stream is handed to Connections().
const topicHeaderTimeout = 10 * time.Second

func writeTopicHeader(s network.Stream, topic [32]byte) error {
	if err := s.SetWriteDeadline(time.Now().Add(topicHeaderTimeout)); err != nil {
		return err
	}
	defer s.SetWriteDeadline(time.Time{})
	_, err := s.Write(topic[:])
	return err
}

func readTopicHeader(s network.Stream) ([32]byte, error) {
	var topic [32]byte
	if err := s.SetReadDeadline(time.Now().Add(topicHeaderTimeout)); err != nil {
		return topic, err
	}
	defer s.SetReadDeadline(time.Time{})
	_, err := io.ReadFull(s, topic[:])
	return topic, err
}

// Discovery is the handle returned by Join; Flush resolves after one full
// discovery cycle.
type Discovery struct {
	topic [32]byte
	done  chan struct{}
}

// Flush blocks until the discovery cycle that produced this handle has
// completed at least once.
func (d *Discovery) Flush(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinOptions controls whether Join announces this host under the topic,
// looks up other announcers, or both.
type JoinOptions struct {
	Server bool
	Client bool
}

// Transport owns one libp2p host shared across every room the process has
// open; each room multiplexes its LogCore and BlobStore replication over
// streams opened under ProtocolID. A stream's first 32 bytes carry the
// discovery-key topic it was opened for, so the Connections() consumer can
// route it without peeking at replication frames.
type Transport struct {
	host host.Host
	dht  *dht.IpfsDHT
	disc discovery.Discovery

	mu        sync.Mutex
	topics    map[[32]byte]context.CancelFunc
	conns     chan Connection
	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Transport bound to a freshly created libp2p host.
// bootstrapAddrs are multiaddr strings (e.g. "/ip4/1.2.3.4/tcp/4001/p2p/Qm...")
// for well-known peers to seed the DHT from, beyond its built-in defaults;
// a malformed entry is logged and skipped rather than failing New.
func New(ctx context.Context, listenAddrs []string, bootstrapAddrs ...string) (*Transport, error) {
	opts := []libp2p.Option{libp2p.EnableRelay()}
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, roomcore.NewError(roomcore.KindFatal, "transport.New", err)
	}

	var extra []peer.AddrInfo
	for _, raw := range bootstrapAddrs {
		ma, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			log.Warnw("skipping malformed bootstrap addr", "addr", raw, "err", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.Warnw("skipping unresolvable bootstrap addr", "addr", raw, "err", err)
			continue
		}
		extra = append(extra, *info)
	}

	kadOpts := []dht.Option{dht.Mode(dht.ModeAuto)}
	if len(extra) > 0 {
		kadOpts = append(kadOpts, dht.BootstrapPeers(extra...))
	}
	kad, err := dht.New(ctx, h, kadOpts...)
	if err != nil {
		_ = h.Close()
		return nil, roomcore.NewError(roomcore.KindFatal, "transport.New", err)
	}
	if err := kad.Bootstrap(ctx); err != nil {
		log.Warnw("dht bootstrap failed, continuing without it", "err", err)
	}

	t := &Transport{
		host:   h,
		dht:    kad,
		disc:   routingdisc.NewRoutingDiscovery(kad),
		topics: make(map[[32]byte]context.CancelFunc),
		conns:  make(chan Connection, 64),
		closed: make(chan struct{}),
	}

	h.SetStreamHandler(ProtocolID, t.handleIncoming)
	return t, nil
}

func (t *Transport) handleIncoming(s network.Stream) {
	topic, err := readTopicHeader(s)
	if err != nil {
		log.Debugw("dropping stream with unreadable topic header", "peer", s.Conn().RemotePeer(), "err", err)
		_ = s.Reset()
		return
	}
	select {
	case t.conns <- Connection{Stream: s, Peer: PeerInfo{ID: s.Conn().RemotePeer()}, Topic: topic}:
	case <-t.closed:
		_ = s.Reset()
	}
}

// Connections returns the channel new peer connections are published on,
// one per accepted or dialed stream.
func (t *Transport) Connections() <-chan Connection {
	return t.conns
}

// topicNamespace maps a 32-byte topic onto the DHT's string-keyed
// rendezvous namespace.
func topicNamespace(topic [32]byte) string {
	return fmt.Sprintf("/roomcore/%x", topic)
}

// Join announces and/or discovers peers for topic, per opts. The returned
// Discovery's Flush resolves once the first find-peers pass completes.
func (t *Transport) Join(ctx context.Context, topic [32]byte, opts JoinOptions) (*Discovery, error) {
	t.mu.Lock()
	if _, exists := t.topics[topic]; exists {
		t.mu.Unlock()
		return nil, roomcore.NewError(roomcore.KindConflict, "transport.Join", xerrors.New("topic already joined"))
	}
	joinCtx, cancel := context.WithCancel(ctx)
	t.topics[topic] = cancel
	t.mu.Unlock()

	ns := topicNamespace(topic)
	d := &Discovery{topic: topic, done: make(chan struct{})}

	if opts.Server {
		if _, err := t.disc.Advertise(joinCtx, ns); err != nil {
			cancel()
			t.mu.Lock()
			delete(t.topics, topic)
			t.mu.Unlock()
			return nil, roomcore.NewError(roomcore.KindTransient, "transport.Join", err)
		}
	}

	go func() {
		defer close(d.done)
		if !opts.Client {
			return
		}
		peers, err := t.disc.FindPeers(joinCtx, ns)
		if err != nil {
			log.Warnw("find peers failed", "topic", ns, "err", err)
			return
		}

		var eg errgroup.Group
		eg.SetLimit(maxConcurrentDials)
		for p := range peers {
			if p.ID == t.host.ID() {
				continue
			}
			p := p
			eg.Go(func() error {
				t.dialPeer(joinCtx, p, topic)
				return nil
			})
		}
		_ = eg.Wait()
	}()

	return d, nil
}

func (t *Transport) dialPeer(ctx context.Context, p peer.AddrInfo, topic [32]byte) {
	if err := t.host.Connect(ctx, p); err != nil {
		log.Debugw("connect failed", "peer", p.ID, "err", err)
		return
	}
	s, err := t.host.NewStream(ctx, p.ID, ProtocolID)
	if err != nil {
		log.Debugw("open stream failed", "peer", p.ID, "err", err)
		return
	}
	if err := writeTopicHeader(s, topic); err != nil {
		log.Debugw("writing topic header failed", "peer", p.ID, "err", err)
		_ = s.Reset()
		return
	}
	select {
	case t.conns <- Connection{Stream: s, Peer: PeerInfo{ID: p.ID}, Topic: topic}:
	case <-t.closed:
		_ = s.Reset()
	}
}

// Leave stops announcing/discovering on topic.
func (t *Transport) Leave(topic [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.topics[topic]; ok {
		cancel()
		delete(t.topics, topic)
	}
}

// Close closes every in-flight stream and shuts down the host. Per-stream
// close is idempotent and surfaces to replication sessions as end-of-stream
//.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		for topic, cancel := range t.topics {
			cancel()
			delete(t.topics, topic)
		}
		t.mu.Unlock()
		err = multierr.Combine(t.dht.Close(), t.host.Close())
	})
	if err != nil {
		return roomcore.NewError(roomcore.KindFatal, "transport.Close", err)
	}
	return nil
}

// Host exposes the underlying libp2p host for callers that need to print
// or log this node's listen addresses.
func (t *Transport) Host() host.Host { return t.host }
