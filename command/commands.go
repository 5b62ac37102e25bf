package command

import (
	"bytes"

	"github.com/roomcore/roomcore"
)

// RemoveWriter and AddWriter carry only the writer's raw public key.
type RemoveWriter struct{ Key []byte }
type AddWriter struct{ Key []byte }

func EncodeRemoveWriter(c RemoveWriter) []byte {
	var buf bytes.Buffer
	writeBuf(&buf, c.Key)
	return Encode(KindRemoveWriter, buf.Bytes())
}

func DecodeRemoveWriter(payload []byte) (RemoveWriter, error) {
	r := bytes.NewReader(payload)
	key, err := readBuf(r)
	if err != nil {
		return RemoveWriter{}, errDecode("command.DecodeRemoveWriter", err)
	}
	return RemoveWriter{Key: key}, nil
}

func EncodeAddWriter(c AddWriter) []byte {
	var buf bytes.Buffer
	writeBuf(&buf, c.Key)
	return Encode(KindAddWriter, buf.Bytes())
}

func DecodeAddWriter(payload []byte) (AddWriter, error) {
	r := bytes.NewReader(payload)
	key, err := readBuf(r)
	if err != nil {
		return AddWriter{}, errDecode("command.DecodeAddWriter", err)
	}
	return AddWriter{Key: key}, nil
}

// AddInvite places a pairing credential in the view for audit.
type AddInvite struct {
	ID              []byte
	Invite          []byte
	IssuerPublicKey []byte
	ExpiresAt       int64
}

func EncodeAddInvite(c AddInvite) []byte {
	var buf bytes.Buffer
	writeBuf(&buf, c.ID)
	writeBuf(&buf, c.Invite)
	writeBuf(&buf, c.IssuerPublicKey)
	writeZigzag(&buf, c.ExpiresAt)
	return Encode(KindAddInvite, buf.Bytes())
}

func DecodeAddInvite(payload []byte) (AddInvite, error) {
	r := bytes.NewReader(payload)
	id, err := readBuf(r)
	if err != nil {
		return AddInvite{}, errDecode("command.DecodeAddInvite", err)
	}
	invite, err := readBuf(r)
	if err != nil {
		return AddInvite{}, errDecode("command.DecodeAddInvite", err)
	}
	issuer, err := readBuf(r)
	if err != nil {
		return AddInvite{}, errDecode("command.DecodeAddInvite", err)
	}
	expires, err := readZigzag(r)
	if err != nil {
		return AddInvite{}, errDecode("command.DecodeAddInvite", err)
	}
	return AddInvite{ID: id, Invite: invite, IssuerPublicKey: issuer, ExpiresAt: expires}, nil
}

// SendMessage is a user-authored chat message. Attachments ride in the
// same wire tuple as the id/content/sender/publicKey/timestamp/flags core
// so a message's BlobRefs travel with it instead of needing a second round
// trip through the view.
type SendMessage struct {
	ID          string
	Content     string
	Sender      string
	PublicKey   []byte
	Timestamp   int64
	Flags       roomcore.Flags
	Attachments []roomcore.BlobRef
}

func EncodeSendMessage(c SendMessage) []byte {
	var buf bytes.Buffer
	writeString(&buf, c.ID)
	writeString(&buf, c.Content)
	writeString(&buf, c.Sender)
	writeBuf(&buf, c.PublicKey)
	writeZigzag(&buf, c.Timestamp)
	buf.WriteByte(c.Flags.Encode())
	writeUvarint(&buf, uint64(len(c.Attachments)))
	for _, a := range c.Attachments {
		writeString(&buf, a.Name)
		writeZigzag(&buf, a.Size)
		writeBuf(&buf, a.BlobID)
		writeString(&buf, a.MimeHint)
	}
	return Encode(KindSendMessage, buf.Bytes())
}

func DecodeSendMessage(payload []byte) (SendMessage, error) {
	r := bytes.NewReader(payload)
	var c SendMessage
	var err error
	if c.ID, err = readString(r); err != nil {
		return c, errDecode("command.DecodeSendMessage", err)
	}
	if c.Content, err = readString(r); err != nil {
		return c, errDecode("command.DecodeSendMessage", err)
	}
	if c.Sender, err = readString(r); err != nil {
		return c, errDecode("command.DecodeSendMessage", err)
	}
	if c.PublicKey, err = readBuf(r); err != nil {
		return c, errDecode("command.DecodeSendMessage", err)
	}
	if c.Timestamp, err = readZigzag(r); err != nil {
		return c, errDecode("command.DecodeSendMessage", err)
	}
	flagByte, err := r.ReadByte()
	if err != nil {
		return c, errDecode("command.DecodeSendMessage", err)
	}
	c.Flags = roomcore.DecodeFlags(flagByte)

	n, err := readUvarint(r)
	if err != nil {
		return c, errDecode("command.DecodeSendMessage", err)
	}
	c.Attachments = make([]roomcore.BlobRef, 0, n)
	for i := uint64(0); i < n; i++ {
		var a roomcore.BlobRef
		if a.Name, err = readString(r); err != nil {
			return c, errDecode("command.DecodeSendMessage", err)
		}
		if a.Size, err = readZigzag(r); err != nil {
			return c, errDecode("command.DecodeSendMessage", err)
		}
		if a.BlobID, err = readBuf(r); err != nil {
			return c, errDecode("command.DecodeSendMessage", err)
		}
		if a.MimeHint, err = readString(r); err != nil {
			return c, errDecode("command.DecodeSendMessage", err)
		}
		c.Attachments = append(c.Attachments, a)
	}
	return c, nil
}

// DeleteMessage tombstones a previously sent message by id.
type DeleteMessage struct{ ID string }

func EncodeDeleteMessage(c DeleteMessage) []byte {
	var buf bytes.Buffer
	writeString(&buf, c.ID)
	return Encode(KindDeleteMsg, buf.Bytes())
}

func DecodeDeleteMessage(payload []byte) (DeleteMessage, error) {
	r := bytes.NewReader(payload)
	id, err := readString(r)
	if err != nil {
		return DeleteMessage{}, errDecode("command.DecodeDeleteMessage", err)
	}
	return DeleteMessage{ID: id}, nil
}

// SetMetadata upserts the room-scope metadata singleton.
type SetMetadata struct {
	RoomID       string
	Name         string
	CreatedAt    int64
	MessageCount int64
	BlobStoreKey []byte
}

func EncodeSetMetadata(c SetMetadata) []byte {
	var buf bytes.Buffer
	writeString(&buf, c.RoomID)
	writeString(&buf, c.Name)
	writeZigzag(&buf, c.CreatedAt)
	writeZigzag(&buf, c.MessageCount)
	writeBuf(&buf, c.BlobStoreKey)
	return Encode(KindSetMetadata, buf.Bytes())
}

func DecodeSetMetadata(payload []byte) (SetMetadata, error) {
	r := bytes.NewReader(payload)
	var c SetMetadata
	var err error
	if c.RoomID, err = readString(r); err != nil {
		return c, errDecode("command.DecodeSetMetadata", err)
	}
	if c.Name, err = readString(r); err != nil {
		return c, errDecode("command.DecodeSetMetadata", err)
	}
	if c.CreatedAt, err = readZigzag(r); err != nil {
		return c, errDecode("command.DecodeSetMetadata", err)
	}
	if c.MessageCount, err = readZigzag(r); err != nil {
		return c, errDecode("command.DecodeSetMetadata", err)
	}
	if c.BlobStoreKey, err = readBuf(r); err != nil {
		return c, errDecode("command.DecodeSetMetadata", err)
	}
	return c, nil
}

// SetDriveKey records a room's blob-store root key.
type SetDriveKey struct {
	RoomID       string
	BlobStoreKey []byte
	CreatedAt    int64
}

func EncodeSetDriveKey(c SetDriveKey) []byte {
	var buf bytes.Buffer
	writeString(&buf, c.RoomID)
	writeBuf(&buf, c.BlobStoreKey)
	writeZigzag(&buf, c.CreatedAt)
	return Encode(KindSetDriveKey, buf.Bytes())
}

func DecodeSetDriveKey(payload []byte) (SetDriveKey, error) {
	r := bytes.NewReader(payload)
	var c SetDriveKey
	var err error
	if c.RoomID, err = readString(r); err != nil {
		return c, errDecode("command.DecodeSetDriveKey", err)
	}
	if c.BlobStoreKey, err = readBuf(r); err != nil {
		return c, errDecode("command.DecodeSetDriveKey", err)
	}
	if c.CreatedAt, err = readZigzag(r); err != nil {
		return c, errDecode("command.DecodeSetDriveKey", err)
	}
	return c, nil
}
