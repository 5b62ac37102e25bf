package command

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/roomcore/roomcore"
	"github.com/roomcore/roomcore/autobase"
)

var log = logging.Logger("command")

// Router dispatches linearized autobase.Node payloads into View mutations
// and surfaces the coordinator-facing events (new-message,
// writers-changed). It is constructed once per room and its Apply method
// is handed to autobase.New as the ApplyFunc.
type Router struct {
	View *View

	// OnMessage fires after a send-message command is applied. The room
	// package performs the (roomId, messageId) dedup before user-visible
	// delivery; Router itself delivers every applied message once.
	OnMessage func(roomcore.Message)

	// OnWritersChanged fires after any add-writer/remove-writer command is
	// applied.
	OnWritersChanged func()

	// OnWriterAdded fires with the admitted writer's key right after an
	// add-writer command is applied, before OnWritersChanged. Room wiring
	// uses this to open and register that writer's command/blob-core as
	// replication sources.
	OnWriterAdded func(key []byte)
}

// NewRouter constructs a Router over a fresh or restored View.
func NewRouter(view *View) *Router {
	return &Router{View: view}
}

// Apply implements autobase.ApplyFunc[*View]. Handlers are pure functions
// of (payload, view) plus the membership side effects routed through base;
// a decode failure skips just that node.
func (rt *Router) Apply(ctx context.Context, nodes []autobase.Node, view *View, base autobase.Base) error {
	for _, n := range nodes {
		if len(n.Payload) == 0 {
			log.Warnw("skipping empty command payload", "writer", n.WriterKey, "index", n.Index)
			continue
		}
		kind := Kind(n.Payload[0])
		payload := n.Payload[1:]

		switch kind {
		case KindRemoveWriter:
			c, err := DecodeRemoveWriter(payload)
			if err != nil {
				log.Warnw("skipping malformed remove-writer", "err", err)
				continue
			}
			base.RemoveWriter(c.Key)
			if rt.OnWritersChanged != nil {
				rt.OnWritersChanged()
			}

		case KindAddWriter:
			c, err := DecodeAddWriter(payload)
			if err != nil {
				log.Warnw("skipping malformed add-writer", "err", err)
				continue
			}
			base.AddWriter(c.Key)
			if rt.OnWriterAdded != nil {
				rt.OnWriterAdded(c.Key)
			}
			if rt.OnWritersChanged != nil {
				rt.OnWritersChanged()
			}

		case KindAddInvite:
			c, err := DecodeAddInvite(payload)
			if err != nil {
				log.Warnw("skipping malformed add-invite", "err", err)
				continue
			}
			view.setInvite(roomcore.Invite{
				ID:              c.ID,
				Invite:          c.Invite,
				IssuerPublicKey: c.IssuerPublicKey,
				ExpiresAt:       c.ExpiresAt,
			})

		case KindSendMessage:
			c, err := DecodeSendMessage(payload)
			if err != nil {
				log.Warnw("skipping malformed send-message", "err", err)
				continue
			}
			attachments := make([]roomcore.BlobRef, len(c.Attachments))
			copy(attachments, c.Attachments)
			msg := roomcore.Message{
				ID:          c.ID,
				Content:     c.Content,
				Sender:      c.Sender,
				PublicKey:   c.PublicKey,
				Timestamp:   c.Timestamp,
				Flags:       c.Flags,
				Attachments: attachments,
			}
			view.putMessage(msg)
			if rt.OnMessage != nil {
				rt.OnMessage(msg)
			}

		case KindDeleteMsg:
			c, err := DecodeDeleteMessage(payload)
			if err != nil {
				log.Warnw("skipping malformed delete-message", "err", err)
				continue
			}
			view.tombstone(c.ID)

		case KindSetMetadata:
			c, err := DecodeSetMetadata(payload)
			if err != nil {
				log.Warnw("skipping malformed set-metadata", "err", err)
				continue
			}
			view.upsertMetadata(roomcore.RoomMetadata{
				RoomID:       c.RoomID,
				Name:         c.Name,
				CreatedAt:    c.CreatedAt,
				MessageCount: c.MessageCount,
				BlobStoreKey: c.BlobStoreKey,
			})

		case KindSetDriveKey:
			c, err := DecodeSetDriveKey(payload)
			if err != nil {
				log.Warnw("skipping malformed set-drive-key", "err", err)
				continue
			}
			view.upsertDrive(roomcore.DriveMetadata{
				RoomID:       c.RoomID,
				BlobStoreKey: c.BlobStoreKey,
				CreatedAt:    c.CreatedAt,
			})

		default:
			log.Warnw("skipping unknown command kind", "kind", byte(kind))
		}
	}
	return nil
}
