// Package room implements RoomCoordinator: the public API
// the UI collaborator depends on, wiring LogCore, MultiWriterLog,
// CommandRouter/View, BlobStore, PairingService, and ReplicationTransport
// together per room.
package room

import "github.com/roomcore/roomcore"

// EventKind discriminates the coordinator's event stream: new-message,
// writers-changed, update, error.
type EventKind uint8

const (
	EventNewMessage EventKind = iota
	EventWritersChanged
	EventUpdate
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventNewMessage:
		return "new-message"
	case EventWritersChanged:
		return "writers-changed"
	case EventUpdate:
		return "update"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item on a room's (or the coordinator's) event channel.
type Event struct {
	Kind    EventKind
	RoomID  string
	Message roomcore.Message
	Err     error
}
