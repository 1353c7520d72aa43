package pubsub

import (
	"github.com/matrix-org/clientsync/internal"
)

// Channel names. Each has at most one subscriber, normally the UI.
const (
	// RoomListUpdated payloads
	ChanRoomList = "rooms"
	// MessagesUpdated and Typing payloads for the observed room
	ChanMessages = "messages"
	// HydrationProgress payloads
	ChanHydration = "hydration"
	// BackfillProgress payloads
	ChanBackfill = "backfill"
	// SyncStatus payloads
	ChanSync = "sync"
)

// RoomListUpdated carries copies of the rooms which changed. The full list is available from the
// engine; subscribers re-read it or merge these in.
type RoomListUpdated struct {
	Rooms []*internal.RoomSummary
	// Removed rooms, by ID
	Removed []string
}

func (v RoomListUpdated) Type() string { return "r" }

// MessagesUpdated carries the latest page of messages of the observed room.
type MessagesUpdated struct {
	RoomID   string
	Messages []internal.ChatMessage
}

func (v MessagesUpdated) Type() string { return "m" }

type Typing struct {
	RoomID  string
	UserIDs []string
}

func (v Typing) Type() string { return "t" }

type HydrationProgress struct {
	Hydrated int
	Total    int
}

func (v HydrationProgress) Type() string { return "h" }

type BackfillProgress struct {
	RoomID string
	Done   int
	Total  int
	// Finished is set once the server has no older pages for the room.
	Finished bool
}

func (v BackfillProgress) Type() string { return "b" }

type SyncStatus struct {
	Running      bool
	Unauthorized bool
	NextBatch    string
	Err          string
}

func (v SyncStatus) Type() string { return "s" }

// StreamClosed is the last payload of a stream. Err is nil for a normal close.
type StreamClosed struct {
	Err error
}

func (v StreamClosed) Type() string { return "c" }
