package membership

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync/atomic"

	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Delta is a single membership change for a user, as extracted from an m.room.member event.
type Delta struct {
	UserID     string
	Membership string
	Timestamp  int64
	// Seq orders deltas with the same Timestamp. 0 means "assign on arrival".
	Seq         uint64
	EventID     string
	DisplayName string
	AvatarURL   string
}

// Sequencer hands out strictly increasing numbers which record arrival order.
type Sequencer interface {
	Next() uint64
}

// CounterSequencer is a Sequencer backed by an atomic counter.
type CounterSequencer struct {
	n atomic.Uint64
}

// NewCounterSequencer returns a sequencer whose first value is start+1. Seeding it with the wall clock
// keeps sequence numbers increasing across restarts, since they are persisted with the room.
func NewCounterSequencer(start uint64) *CounterSequencer {
	var c CounterSequencer
	c.n.Store(start)
	return &c
}

func (c *CounterSequencer) Next() uint64 {
	return c.n.Add(1)
}

// Buckets are the display-facing projection of the resolved memberships. Each slice is sorted.
type Buckets struct {
	Joined  []string
	Invited []string
	Left    []string
	Banned  []string
}

// Count is the number of distinct users across all buckets.
func (b Buckets) Count() int {
	return len(b.Joined) + len(b.Invited) + len(b.Left) + len(b.Banned)
}

func ValidMembership(m string) bool {
	switch m {
	case spec.Join, spec.Invite, spec.Leave, spec.Ban, internal.MembershipKnock:
		return true
	}
	return false
}

// Resolver decides the authoritative membership of every user in one room. For each user the delta
// with the largest (Timestamp, Seq) wins, so the result does not depend on the order deltas are
// applied in. The resolver works directly on the maps of the RoomState it is given, which makes that
// state the persisted form of the resolver. It is not safe for concurrent use.
type Resolver struct {
	seq   Sequencer
	state *internal.RoomState
}

func NewResolver(seq Sequencer, state *internal.RoomState) *Resolver {
	if state.Members == nil {
		state.Members = make(map[string]internal.MemberSnapshot)
	}
	if state.Seqs == nil {
		state.Seqs = make(map[string]uint64)
	}
	return &Resolver{
		seq:   seq,
		state: state,
	}
}

// SeqFor returns the arrival sequence number of an event, assigning one if the event has not been
// seen before. Events without an ID always get a fresh number.
func (r *Resolver) SeqFor(eventID string) uint64 {
	if eventID == "" {
		return r.seq.Next()
	}
	if s, ok := r.state.Seqs[eventID]; ok {
		return s
	}
	s := r.seq.Next()
	r.state.Seqs[eventID] = s
	return s
}

// Forget drops the sequence number of an event which can never win again whatever it is re-delivered
// with: one whose timestamp is older than the current winner's.
func (r *Resolver) Forget(eventID string) {
	delete(r.state.Seqs, eventID)
}

// Apply feeds deltas into the resolver and returns how many of them changed a user's winning
// membership. Deltas with an unknown membership are dropped.
func (r *Resolver) Apply(deltas ...Delta) (accepted int) {
	for _, d := range deltas {
		if d.UserID == "" || !ValidMembership(d.Membership) {
			logger.Warn().Str("user", d.UserID).Str("membership", d.Membership).Str("event", d.EventID).Msg(
				"Resolver.Apply: dropping membership delta with invalid user or membership",
			)
			continue
		}
		seq := d.Seq
		if seq == 0 {
			seq = r.SeqFor(d.EventID)
		} else if d.EventID != "" {
			r.state.Seqs[d.EventID] = seq
		}
		snapshot := internal.MemberSnapshot{
			Membership:  d.Membership,
			Timestamp:   d.Timestamp,
			Seq:         seq,
			EventID:     d.EventID,
			DisplayName: d.DisplayName,
			AvatarURL:   d.AvatarURL,
		}
		existing, ok := r.state.Members[d.UserID]
		if ok && !snapshot.Beats(existing) {
			if snapshot.Timestamp < existing.Timestamp {
				r.Forget(d.EventID)
			}
			continue
		}
		if ok && existing.Timestamp < snapshot.Timestamp && existing.EventID != d.EventID {
			r.Forget(existing.EventID)
		}
		r.state.Members[d.UserID] = snapshot
		accepted++
	}
	return accepted
}

// Membership returns the winning membership of the user, or "" if none is known.
func (r *Resolver) Membership(userID string) string {
	return r.state.Members[userID].Membership
}

// Member returns the winning snapshot for the user.
func (r *Resolver) Member(userID string) (internal.MemberSnapshot, bool) {
	s, ok := r.state.Members[userID]
	return s, ok
}

// Buckets groups users by their winning membership. Knocking users are in no bucket.
func (r *Resolver) Buckets() Buckets {
	return BucketsOf(r.state.Members)
}

// BucketsOf groups persisted member snapshots the same way Resolver.Buckets does.
func BucketsOf(members map[string]internal.MemberSnapshot) Buckets {
	var b Buckets
	for userID, s := range members {
		switch s.Membership {
		case spec.Join:
			b.Joined = append(b.Joined, userID)
		case spec.Invite:
			b.Invited = append(b.Invited, userID)
		case spec.Leave:
			b.Left = append(b.Left, userID)
		case spec.Ban:
			b.Banned = append(b.Banned, userID)
		}
	}
	sort.Strings(b.Joined)
	sort.Strings(b.Invited)
	sort.Strings(b.Left)
	sort.Strings(b.Banned)
	return b
}

// Snapshots returns a copy of every user's winning snapshot.
func (r *Resolver) Snapshots() map[string]internal.MemberSnapshot {
	result := make(map[string]internal.MemberSnapshot, len(r.state.Members))
	for k, v := range r.state.Members {
		result[k] = v
	}
	return result
}

// DeltasFromEvents extracts membership deltas from m.room.member events. Other events are ignored.
// Member events without a state_key are malformed and dropped.
func DeltasFromEvents(events []json.RawMessage) []Delta {
	deltas := make([]Delta, 0, len(events))
	for _, ev := range events {
		parsed := gjson.ParseBytes(ev)
		if parsed.Get("type").Str != spec.MRoomMember {
			continue
		}
		stateKey := parsed.Get("state_key")
		if !stateKey.Exists() || stateKey.Str == "" {
			logger.Warn().Str("event", parsed.Get("event_id").Str).Msg(
				"DeltasFromEvents: dropping member event without state_key",
			)
			continue
		}
		deltas = append(deltas, Delta{
			UserID:      stateKey.Str,
			Membership:  parsed.Get("content.membership").Str,
			Timestamp:   parsed.Get("origin_server_ts").Int(),
			EventID:     EventKey(parsed),
			DisplayName: parsed.Get("content.displayname").Str,
			AvatarURL:   parsed.Get("content.avatar_url").Str,
		})
	}
	return deltas
}

// EventKey identifies an event for sequence number reuse. Stripped state events (as sent for
// invites) have no event_id, so they are identified by a hash of their JSON instead.
func EventKey(ev gjson.Result) string {
	if id := ev.Get("event_id").Str; id != "" {
		return id
	}
	h := fnv.New64a()
	h.Write([]byte(ev.Raw))
	return fmt.Sprintf("~%x", h.Sum64())
}
