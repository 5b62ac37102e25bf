// Package roomcore holds the data model and error taxonomy shared by every
// component package (logcore, autobase, command, blobstore, pairing, room).
// Keeping these types at the module root avoids import cycles between
// packages that all need to speak about a Message or a BlobRef.
package roomcore

// Flags packs the boolean attributes of a Message into a single byte on the
// wire.
type Flags struct {
	System         bool
	Received       bool
	HasAttachments bool
}

const (
	flagSystem byte = 1 << iota
	flagReceived
	flagHasAttachments
)

// Encode packs f into its wire byte.
func (f Flags) Encode() byte {
	var b byte
	if f.System {
		b |= flagSystem
	}
	if f.Received {
		b |= flagReceived
	}
	if f.HasAttachments {
		b |= flagHasAttachments
	}
	return b
}

// DecodeFlags unpacks a wire byte into a Flags value.
func DecodeFlags(b byte) Flags {
	return Flags{
		System:         b&flagSystem != 0,
		Received:       b&flagReceived != 0,
		HasAttachments: b&flagHasAttachments != 0,
	}
}

// BlobRef is a reference to file content stored in a BlobStore, embedded in
// messages that carry attachments.
type BlobRef struct {
	Name     string
	Size     int64
	BlobID   []byte
	MimeHint string
}

// Message is the user-visible chat message, materialized from a
// send-message command plus any later delete-message tombstone.
type Message struct {
	ID          string
	Content     string
	Sender      string
	PublicKey   []byte
	Timestamp   int64
	Flags       Flags
	Attachments []BlobRef
	Deleted     bool
}

// WriterInfo describes one writer admitted (or once admitted) to a room.
type WriterInfo struct {
	PublicKey []byte
	Local     bool
	Active    bool
	AddedAt   int64
	LastSeen  int64
}

// BlobEntry describes one file listed for a room, reconstructed from the
// attachments of the room's live messages. The path hierarchy is metadata
// only — BlobStore's key space stays flat.
type BlobEntry struct {
	Path      string
	Name      string
	Size      int64
	BlobID    []byte
	MimeHint  string
	CreatedAt int64
}

// ForkDiagnostic records a writer observed signing two different entries at
// the same index. MultiWriterLog keeps these (see its Faults method); the
// coordinator does not publish them on its event stream.
type ForkDiagnostic struct {
	WriterKey  []byte
	Index      uint64
	FirstHash  [32]byte
	SecondHash [32]byte
	ObservedAt int64
}

// Invite is the single-use pairing credential transferring a room's keys
// and admitting a new writer.
type Invite struct {
	ID              []byte
	Invite          []byte
	IssuerPublicKey []byte
	ExpiresAt       int64
}

// RoomMetadata is the singleton per-room record in the view's metadata
// collection.
type RoomMetadata struct {
	RoomID       string
	Name         string
	CreatedAt    int64
	MessageCount int64
	BlobStoreKey []byte
}

// DriveMetadata records a room's blob-store root key.
type DriveMetadata struct {
	RoomID       string
	BlobStoreKey []byte
	CreatedAt    int64
}
