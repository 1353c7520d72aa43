package internal

import (
	"github.com/tidwall/gjson"
)

// Event types the engine understands which have no constant in gomatrixserverlib/spec.
const (
	EventTypeMessage    = "m.room.message"
	EventTypeSticker    = "m.sticker"
	EventTypeRedaction  = "m.room.redaction"
	EventTypeReaction   = "m.reaction"
	EventTypeReceipt    = "m.receipt"
	EventTypeTyping     = "m.typing"
	EventTypeRoomAvatar = "m.room.avatar"

	MembershipKnock = "knock"

	RelationAnnotation = "m.annotation"
	RelationReplace    = "m.replace"
)

type EventClass int

const (
	EventClassOther EventClass = iota
	EventClassMessage
	EventClassRedaction
	EventClassReaction
	EventClassReceipt
	EventClassTyping
	EventClassState
)

func (c EventClass) String() string {
	switch c {
	case EventClassMessage:
		return "message"
	case EventClassRedaction:
		return "redaction"
	case EventClassReaction:
		return "reaction"
	case EventClassReceipt:
		return "receipt"
	case EventClassTyping:
		return "typing"
	case EventClassState:
		return "state"
	}
	return "other"
}

// ClassifyEvent decides how the ingestor treats an event. Edits (m.replace) classify as messages.
func ClassifyEvent(ev gjson.Result) EventClass {
	evType := ev.Get("type").Str
	switch evType {
	case EventTypeMessage, EventTypeSticker:
		if ev.Get("state_key").Exists() {
			return EventClassState
		}
		return EventClassMessage
	case EventTypeRedaction:
		return EventClassRedaction
	case EventTypeReaction:
		if ev.Get("content.m\\.relates_to.rel_type").Str == RelationAnnotation {
			return EventClassReaction
		}
		return EventClassOther
	case EventTypeReceipt:
		return EventClassReceipt
	case EventTypeTyping:
		return EventClassTyping
	}
	if ev.Get("state_key").Exists() {
		return EventClassState
	}
	return EventClassOther
}

// RedactsEventID returns the target of a redaction event, which lives at the top level in older room
// versions and inside content from v11 onwards.
func RedactsEventID(ev gjson.Result) string {
	if id := ev.Get("content.redacts").Str; id != "" {
		return id
	}
	return ev.Get("redacts").Str
}

// IsRedacted reports whether the server has already redacted this event.
func IsRedacted(ev gjson.Result) bool {
	return ev.Get("unsigned.redacted_because").Exists()
}
