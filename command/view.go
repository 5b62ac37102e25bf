package command

import (
	"sort"
	"sync"

	"github.com/roomcore/roomcore"
)

// View is the deterministic key/value materialization of a room's
// linearized command stream. It is a pure function of the log prefix
// applied so far: given the same entries in the same order, two Views
// always hold identical content.
type View struct {
	mu sync.RWMutex

	meta     *roomcore.RoomMetadata
	invite   *roomcore.Invite
	drive    *roomcore.DriveMetadata
	messages map[string]*roomcore.Message

	generation uint64
}

// NewView returns an empty view, ready to receive applied batches.
func NewView() *View {
	return &View{messages: make(map[string]*roomcore.Message)}
}

// Flush marks the end of the batch that just finished applying, satisfying
// autobase.Flusher. The view has no separate staging buffer: each mutating
// handler below takes mu only for its own update, so a concurrent reader can
// observe a batch partway through. Flush's only job is to bump the
// generation readers can use to detect "did anything change".
func (v *View) Flush() error {
	v.mu.Lock()
	v.generation++
	v.mu.Unlock()
	return nil
}

// Generation returns the number of batches sealed so far.
func (v *View) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.generation
}

// GetMetadata returns the room's metadata singleton, if set.
func (v *View) GetMetadata() (roomcore.RoomMetadata, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.meta == nil {
		return roomcore.RoomMetadata{}, false
	}
	return *v.meta, true
}

// GetInvite returns the room's single active invite, if any.
func (v *View) GetInvite() (roomcore.Invite, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.invite == nil {
		return roomcore.Invite{}, false
	}
	return *v.invite, true
}

// GetDriveMetadata returns the room's blob-store root key record, if set.
func (v *View) GetDriveMetadata() (roomcore.DriveMetadata, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.drive == nil {
		return roomcore.DriveMetadata{}, false
	}
	return *v.drive, true
}

// GetMessage looks up one message by its primary key.
func (v *View) GetMessage(id string) (roomcore.Message, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.messages[id]
	if !ok {
		return roomcore.Message{}, false
	}
	return *m, true
}

// TimestampRange is the range predicate for queries against the messages
// collection's secondary timestamp order.
type TimestampRange struct {
	Lt, Lte, Gt, Gte *int64
}

func (r TimestampRange) matches(ts int64) bool {
	if r.Lt != nil && !(ts < *r.Lt) {
		return false
	}
	if r.Lte != nil && !(ts <= *r.Lte) {
		return false
	}
	if r.Gt != nil && !(ts > *r.Gt) {
		return false
	}
	if r.Gte != nil && !(ts >= *r.Gte) {
		return false
	}
	return true
}

// FindOptions controls ordering and pagination for FindMessages.
type FindOptions struct {
	Range   TimestampRange
	Limit   int  // 0 means unbounded
	Reverse bool // newest first when true; default is timestamp ascending
}

// FindMessages queries the messages collection, native order timestamp
// ascending unless Reverse is set.
func (v *View) FindMessages(opts FindOptions) []roomcore.Message {
	v.mu.RLock()
	out := make([]roomcore.Message, 0, len(v.messages))
	for _, m := range v.messages {
		if m.Deleted {
			continue
		}
		if !opts.Range.matches(m.Timestamp) {
			continue
		}
		out = append(out, *m)
	}
	v.mu.RUnlock()

	// Ties on timestamp break by id so the same view always yields the same
	// order, regardless of map iteration.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if opts.Reverse {
			a, b = b, a
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// MessageCount returns the number of (non-deleted) messages currently held.
func (v *View) MessageCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := 0
	for _, m := range v.messages {
		if !m.Deleted {
			n++
		}
	}
	return n
}

// --- mutators, called only from Router handlers; each locks mu for its own update only ---

func (v *View) upsertMetadata(m roomcore.RoomMetadata) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.meta = &m
}

func (v *View) upsertDrive(d roomcore.DriveMetadata) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.drive = &d
}

func (v *View) setInvite(i roomcore.Invite) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.invite = &i
}

func (v *View) putMessage(m roomcore.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	// Dedup on receive: the first occurrence of an id wins, so a replayed
	// duplicate can neither clobber content nor resurrect a tombstoned
	// message.
	if _, exists := v.messages[m.ID]; exists {
		return
	}
	v.messages[m.ID] = &m
}

func (v *View) tombstone(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.messages[id]; ok {
		tomb := *m
		tomb.Deleted = true
		tomb.Content = ""
		v.messages[id] = &tomb
	}
}
