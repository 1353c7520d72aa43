package hydration

import (
	"sync"

	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/summary"
	"golang.org/x/exp/slices"
)

// Room is the UI-facing model of a room. A *Room returned by RoomTable.Lookup stays valid until the room
// is removed: later commits update it in place.
type Room struct {
	internal.RoomSummary
	// Contacts of every user in the membership buckets, placeholders included.
	Contacts map[string]internal.Contact
}

// RoomTable is the authoritative in-memory set of hydrated rooms. Reads may run concurrently; every
// mutation takes the write lock so readers never see a half-updated room.
type RoomTable struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms: make(map[string]*Room),
	}
}

// Commit merges a hydrated summary into the table and returns a copy of the merged result. An existing
// room is mutated in place. Local state which moves independently of hydration is kept: the unread
// count (unless s carries a server override), a newer last message, and the monotonic timestamps.
func (t *RoomTable) Commit(s *internal.RoomSummary, contacts map[string]internal.Contact) (merged *internal.RoomSummary, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := s.Copy()
	room, ok := t.rooms[s.RoomID]
	if !ok {
		room = &Room{}
		t.rooms[s.RoomID] = room
		created = true
	} else {
		prev := &room.RoomSummary
		if !next.UnreadOverride {
			next.UnreadCount = prev.UnreadCount
		}
		if prev.LastServerTimestamp > next.LastServerTimestamp {
			next.LastMessage = prev.LastMessage
			next.LastServerTimestamp = prev.LastServerTimestamp
		}
		if prev.ServerTimestamp > next.ServerTimestamp {
			next.ServerTimestamp = prev.ServerTimestamp
		}
		if prev.CreatedAt != 0 {
			next.CreatedAt = prev.CreatedAt
		}
	}
	room.RoomSummary = *next
	room.Contacts = make(map[string]internal.Contact, len(contacts))
	for k, v := range contacts {
		room.Contacts[k] = v
	}
	return room.RoomSummary.Copy(), created
}

// Lookup returns the live room model, or nil. Callers must not modify it.
func (t *RoomTable) Lookup(roomID string) *Room {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rooms[roomID]
}

// Get returns a copy of the room's summary, or nil.
func (t *RoomTable) Get(roomID string) *internal.RoomSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[roomID]
	if room == nil {
		return nil
	}
	return room.RoomSummary.Copy()
}

// Rooms returns copies of every room ordered by last activity, newest first, then by room ID.
func (t *RoomTable) Rooms() []*internal.RoomSummary {
	t.mu.RLock()
	result := make([]*internal.RoomSummary, 0, len(t.rooms))
	for _, room := range t.rooms {
		result = append(result, room.RoomSummary.Copy())
	}
	t.mu.RUnlock()
	SortRooms(result)
	return result
}

// SortRooms sorts by last activity descending, tie-broken by room ID ascending.
func SortRooms(rooms []*internal.RoomSummary) {
	slices.SortFunc(rooms, func(a, b *internal.RoomSummary) int {
		la, lb := a.LastActivity(), b.LastActivity()
		if la != lb {
			if la > lb {
				return -1
			}
			return 1
		}
		if a.RoomID < b.RoomID {
			return -1
		}
		if a.RoomID > b.RoomID {
			return 1
		}
		return 0
	})
}

func (t *RoomTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

// JoinedMembers returns the joined users of a room.
func (t *RoomTable) JoinedMembers(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[roomID]
	if room == nil {
		return nil
	}
	return slices.Clone(room.Joined)
}

// UpdateLastMessage moves the room's last message forward. Returns a copy of the room if it changed.
func (t *RoomTable) UpdateLastMessage(roomID string, msg internal.LastMessage, ts int64) *internal.RoomSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil || ts < room.LastServerTimestamp {
		return nil
	}
	if room.LastMessage == msg && room.LastServerTimestamp == ts {
		return nil
	}
	room.LastMessage = msg
	room.LastServerTimestamp = ts
	if ts > room.ServerTimestamp {
		room.ServerTimestamp = ts
	}
	return room.RoomSummary.Copy()
}

// ReplaceLastMessage sets the last message even if it is older, for when the current one was redacted.
func (t *RoomTable) ReplaceLastMessage(roomID string, msg internal.LastMessage, ts int64) *internal.RoomSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		return nil
	}
	room.LastMessage = msg
	room.LastServerTimestamp = ts
	return room.RoomSummary.Copy()
}

// AddUnread adds delta to the unread count. Returns a copy of the room, or nil if it is not known.
func (t *RoomTable) AddUnread(roomID string, delta int) *internal.RoomSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		return nil
	}
	room.UnreadCount += delta
	return room.RoomSummary.Copy()
}

// ResetUnread zeroes the unread count. Returns a copy of the room if it changed.
func (t *RoomTable) ResetUnread(roomID string) *internal.RoomSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil || room.UnreadCount == 0 {
		return nil
	}
	room.UnreadCount = 0
	return room.RoomSummary.Copy()
}

// PatchContact replaces a contact in every room which references it and re-derives their display
// fields. Returns copies of the rooms which changed.
func (t *RoomTable) PatchContact(c internal.Contact, userID string) []*internal.RoomSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	var changed []*internal.RoomSummary
	for _, room := range t.rooms {
		existing, ok := room.Contacts[c.UserID]
		if !ok || existing == c {
			continue
		}
		room.Contacts[c.UserID] = c
		summary.Derive(&room.RoomSummary, userID, room.Contacts)
		changed = append(changed, room.RoomSummary.Copy())
	}
	return changed
}

func (t *RoomTable) Remove(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}
