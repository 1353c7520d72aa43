package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

var (
	eventIDCounter = 0
	eventIDMu      sync.Mutex
)

type eventMock struct {
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender"`
	Content        interface{}     `json:"content"`
	EventID        string          `json:"event_id"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

type EventModifier func(e *eventMock)

func WithTimestamp(ts int64) EventModifier {
	return func(e *eventMock) {
		e.OriginServerTS = ts
	}
}

func WithEventID(eventID string) EventModifier {
	return func(e *eventMock) {
		e.EventID = eventID
	}
}

func WithUnsigned(unsigned interface{}) EventModifier {
	return func(e *eventMock) {
		j, err := json.Marshal(unsigned)
		if err != nil {
			panic(fmt.Sprintf("WithUnsigned: failed to marshal: %s", err))
		}
		e.Unsigned = j
	}
}

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("$event_%d", eventIDCounter)
}

func NewStateEvent(t *testing.T, evType, stateKey, sender string, content interface{}, modifiers ...EventModifier) json.RawMessage {
	t.Helper()
	e := &eventMock{
		Type:           evType,
		StateKey:       &stateKey,
		Sender:         sender,
		Content:        content,
		EventID:        generateEventID(),
		OriginServerTS: time.Now().UnixMilli(),
	}
	for _, m := range modifiers {
		m(e)
	}
	j, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}

func NewEvent(t *testing.T, evType, sender string, content interface{}, modifiers ...EventModifier) json.RawMessage {
	t.Helper()
	e := &eventMock{
		Type:           evType,
		Sender:         sender,
		Content:        content,
		EventID:        generateEventID(),
		OriginServerTS: time.Now().UnixMilli(),
	}
	for _, m := range modifiers {
		m(e)
	}
	j, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}

func NewJoinEvent(t *testing.T, userID string, modifiers ...EventModifier) json.RawMessage {
	return NewMembershipEvent(t, userID, spec.Join, modifiers...)
}

func NewMembershipEvent(t *testing.T, userID, membership string, modifiers ...EventModifier) json.RawMessage {
	t.Helper()
	return NewStateEvent(t, spec.MRoomMember, userID, userID, map[string]interface{}{
		"membership": membership,
	}, modifiers...)
}

// NewMessageEvent makes an m.text message.
func NewMessageEvent(t *testing.T, sender, body string, modifiers ...EventModifier) json.RawMessage {
	t.Helper()
	return NewEvent(t, internal.EventTypeMessage, sender, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	}, modifiers...)
}

func NewRedactionEvent(t *testing.T, sender, redacts string, modifiers ...EventModifier) json.RawMessage {
	t.Helper()
	return NewEvent(t, internal.EventTypeRedaction, sender, map[string]interface{}{
		"redacts": redacts,
	}, modifiers...)
}

func NewReactionEvent(t *testing.T, sender, target, key string, modifiers ...EventModifier) json.RawMessage {
	t.Helper()
	return NewEvent(t, internal.EventTypeReaction, sender, map[string]interface{}{
		"m.relates_to": map[string]interface{}{
			"rel_type": internal.RelationAnnotation,
			"event_id": target,
			"key":      key,
		},
	}, modifiers...)
}

// NewReceiptEvent makes an ephemeral m.receipt event for a single m.read receipt.
func NewReceiptEvent(t *testing.T, userID, eventID string, ts int64) json.RawMessage {
	t.Helper()
	j, err := json.Marshal(map[string]interface{}{
		"type": internal.EventTypeReceipt,
		"content": map[string]interface{}{
			eventID: map[string]interface{}{
				"m.read": map[string]interface{}{
					userID: map[string]interface{}{
						"ts": ts,
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to make receipt JSON: %s", err)
	}
	return j
}

func NewTypingEvent(t *testing.T, userIDs ...string) json.RawMessage {
	t.Helper()
	if userIDs == nil {
		userIDs = []string{}
	}
	j, err := json.Marshal(map[string]interface{}{
		"type": internal.EventTypeTyping,
		"content": map[string]interface{}{
			"user_ids": userIDs,
		},
	})
	if err != nil {
		t.Fatalf("failed to make typing JSON: %s", err)
	}
	return j
}
