package internal

import (
	"encoding/json"

	"golang.org/x/exp/slices"
)

type Receipt struct {
	RoomID    string `db:"room_id"`
	EventID   string `db:"event_id"`
	UserID    string `db:"user_id"`
	TS        int64  `db:"ts"`
	ThreadID  string `db:"thread_id"`
	IsPrivate bool   `db:"is_private"`
}

// MemberSnapshot is the winning membership of one user in one room. Seq breaks ties between events
// with the same timestamp.
type MemberSnapshot struct {
	Membership  string `cbor:"1,keyasint" json:"membership"`
	Timestamp   int64  `cbor:"2,keyasint" json:"ts"`
	Seq         uint64 `cbor:"3,keyasint" json:"seq"`
	EventID     string `cbor:"4,keyasint,omitempty" json:"event_id,omitempty"`
	DisplayName string `cbor:"5,keyasint,omitempty" json:"displayname,omitempty"`
	AvatarURL   string `cbor:"6,keyasint,omitempty" json:"avatar_url,omitempty"`
}

// Beats returns true if s should replace other as the winning membership.
func (s MemberSnapshot) Beats(other MemberSnapshot) bool {
	if s.Timestamp != other.Timestamp {
		return s.Timestamp > other.Timestamp
	}
	return s.Seq > other.Seq
}

// StateWinner records which state event currently provides a summary field, so that an older event
// arriving later cannot replace it.
type StateWinner struct {
	Value     string `cbor:"1,keyasint" json:"value"`
	Timestamp int64  `cbor:"2,keyasint" json:"ts"`
	Seq       uint64 `cbor:"3,keyasint" json:"seq"`
	Set       bool   `cbor:"4,keyasint" json:"set"`
	EventID   string `cbor:"5,keyasint,omitempty" json:"event_id,omitempty"`
}

func (w StateWinner) Loses(ts int64, seq uint64) bool {
	if !w.Set {
		return true
	}
	if ts != w.Timestamp {
		return ts > w.Timestamp
	}
	return seq > w.Seq
}

// RoomState is the resolution state behind a RoomSummary. It is persisted with the summary but never
// shown directly.
type RoomState struct {
	Members        map[string]MemberSnapshot `cbor:"1,keyasint" json:"members"`
	Name           StateWinner               `cbor:"2,keyasint" json:"name"`
	Avatar         StateWinner               `cbor:"3,keyasint" json:"avatar"`
	CanonicalAlias StateWinner               `cbor:"4,keyasint" json:"canonical_alias"`
	PowerLevels    StateWinner               `cbor:"5,keyasint" json:"power_levels"`
	// Admins as derived from PowerLevels. Only meaningful when PowerLevels.Set.
	PowerLevelAdmins []string `cbor:"6,keyasint" json:"power_level_admins"`
	Creator          string   `cbor:"7,keyasint" json:"creator"`
	// Sequence numbers of events which could still tie with a winner on timestamp, so re-delivery is
	// idempotent. Events beaten on timestamp alone are pruned.
	Seqs map[string]uint64 `cbor:"8,keyasint" json:"seqs"`
}

func (s *RoomState) Copy() RoomState {
	c := *s
	if s.Members != nil {
		c.Members = make(map[string]MemberSnapshot, len(s.Members))
		for k, v := range s.Members {
			c.Members[k] = v
		}
	}
	if s.Seqs != nil {
		c.Seqs = make(map[string]uint64, len(s.Seqs))
		for k, v := range s.Seqs {
			c.Seqs[k] = v
		}
	}
	c.PowerLevelAdmins = slices.Clone(s.PowerLevelAdmins)
	return c
}

type LastMessage struct {
	EventID string
	Body    string
	Type    string
	Sender  string
}

// RoomSummary is the display-ready aggregate for one room.
type RoomSummary struct {
	RoomID      string
	Name        string
	AvatarURL   string
	LastMessage LastMessage
	UnreadCount int
	// UnreadOverride is set when UnreadCount came from the server and should replace the local count.
	UnreadOverride    bool
	ParticipantsCount int
	// Newest event timestamp seen in the room.
	ServerTimestamp int64
	// Timestamp of LastMessage.
	LastServerTimestamp int64
	CreatedAt           int64
	Joined              []string
	Invited             []string
	Left                []string
	Banned              []string
	Admins              []string
	IsGroup             bool
	IsLeft              bool
	Opponent            string
	State               RoomState
}

// LastActivity is the sort key of the room list.
func (s *RoomSummary) LastActivity() int64 {
	if s.LastServerTimestamp > s.ServerTimestamp {
		return s.LastServerTimestamp
	}
	return s.ServerTimestamp
}

// Copy returns a deep copy which can be handed to another goroutine.
func (s *RoomSummary) Copy() *RoomSummary {
	if s == nil {
		return nil
	}
	c := *s
	c.Joined = slices.Clone(s.Joined)
	c.Invited = slices.Clone(s.Invited)
	c.Left = slices.Clone(s.Left)
	c.Banned = slices.Clone(s.Banned)
	c.Admins = slices.Clone(s.Admins)
	c.State = s.State.Copy()
	return &c
}

// UserIDs returns every user referenced by the membership buckets.
func (s *RoomSummary) UserIDs() []string {
	ids := make([]string, 0, s.ParticipantsCount)
	for _, bucket := range [][]string{s.Joined, s.Invited, s.Left, s.Banned} {
		ids = append(ids, bucket...)
	}
	return ids
}

type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindNotice   MessageKind = "notice"
	MessageKindEmote    MessageKind = "emote"
	MessageKindImage    MessageKind = "image"
	MessageKindVideo    MessageKind = "video"
	MessageKindAudio    MessageKind = "audio"
	MessageKindFile     MessageKind = "file"
	MessageKindLocation MessageKind = "location"
	MessageKindSticker  MessageKind = "sticker"
	MessageKindUnknown  MessageKind = "unknown"
)

// MessageKindFromMsgType maps an m.room.message msgtype to a MessageKind.
func MessageKindFromMsgType(evType, msgType string) MessageKind {
	if evType == EventTypeSticker {
		return MessageKindSticker
	}
	switch msgType {
	case "m.text":
		return MessageKindText
	case "m.notice":
		return MessageKindNotice
	case "m.emote":
		return MessageKindEmote
	case "m.image":
		return MessageKindImage
	case "m.video":
		return MessageKindVideo
	case "m.audio":
		return MessageKindAudio
	case "m.file":
		return MessageKindFile
	case "m.location":
		return MessageKindLocation
	}
	return MessageKindUnknown
}

func (k MessageKind) HasMedia() bool {
	switch k {
	case MessageKindImage, MessageKindVideo, MessageKindAudio, MessageKindFile, MessageKindSticker:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSent MessageStatus = "sent"
	MessageStatusRead MessageStatus = "read"
)

// RedactedBody replaces the content of redacted messages.
const RedactedBody = "Message deleted"

type Media struct {
	URL      string
	MimeType string
	Size     int64
}

type ChatMessage struct {
	EventID   string
	RoomID    string
	Sender    string
	Body      string
	Kind      MessageKind
	Timestamp int64
	Media     Media
	Redacted  bool
	Edited    bool
	ReplyTo   string
	Status    MessageStatus
	Event     []byte
	Reactions []Reaction
}

func (m *ChatMessage) HasMedia() bool {
	return m.Media.URL != ""
}

// AsLastMessage is how the message appears as a room's last message.
func (m *ChatMessage) AsLastMessage() LastMessage {
	return LastMessage{
		EventID: m.EventID,
		Body:    m.Body,
		Type:    string(m.Kind),
		Sender:  m.Sender,
	}
}

type Reaction struct {
	EventID       string `db:"event_id"`
	TargetEventID string `db:"target_event_id"`
	RoomID        string `db:"room_id"`
	UserID        string `db:"user_id"`
	Key           string `db:"reaction_key"`
	Timestamp     int64  `db:"ts"`
}

type Contact struct {
	UserID      string `db:"user_id" json:"user_id"`
	DisplayName string `db:"display_name" json:"displayname,omitempty"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url,omitempty"`
	// Placeholder contacts only know their ID; a profile fetch is pending.
	Placeholder bool `db:"-" json:"-"`
}

// Typing is the set of users currently typing in a room.
type Typing struct {
	RoomID  string
	UserIDs []string
}

// RawEvents copies a slice of events so it can safely cross goroutines.
func RawEvents(events []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(events))
	for i := range events {
		out[i] = slices.Clone(events[i])
	}
	return out
}
