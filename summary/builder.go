package summary

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/membership"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// AdminPowerLevel is the power level at or above which a user counts as a room admin.
const AdminPowerLevel = 50

// Builder turns raw state and timeline events into RoomSummaries for the local user UserID.
// Builders hold no per-room state: everything needed to resolve conflicts is kept in
// RoomSummary.State, so the same Builder can be used for every room.
type Builder struct {
	UserID string
	seq    membership.Sequencer
}

func NewBuilder(userID string, seq membership.Sequencer) *Builder {
	return &Builder{
		UserID: userID,
		seq:    seq,
	}
}

// Build makes a summary for a room seen for the first time.
func (b *Builder) Build(roomID string, state, timeline []json.RawMessage, unreadCount int) *internal.RoomSummary {
	return b.Update(&internal.RoomSummary{RoomID: roomID}, state, timeline, &unreadCount)
}

// Update applies new state and timeline events to prev and returns the result. prev is not modified.
// If unreadOverride is set it replaces the unread count, otherwise the previous count is kept.
// Applying the same events twice returns an equal summary.
func (b *Builder) Update(prev *internal.RoomSummary, state, timeline []json.RawMessage, unreadOverride *int) *internal.RoomSummary {
	s := prev.Copy()
	s.UnreadOverride = false
	if unreadOverride != nil {
		s.UnreadCount = *unreadOverride
		s.UnreadOverride = true
	}
	resolver := membership.NewResolver(b.seq, &s.State)

	// redactions in this timeline apply to messages earlier in the same timeline
	redacted := make(map[string]struct{})
	for _, ev := range timeline {
		parsed := gjson.ParseBytes(ev)
		if parsed.Get("type").Str == internal.EventTypeRedaction {
			if target := internal.RedactsEventID(parsed); target != "" {
				redacted[target] = struct{}{}
			}
		}
	}

	for _, ev := range state {
		b.apply(s, resolver, gjson.ParseBytes(ev), redacted)
	}
	for _, ev := range timeline {
		b.apply(s, resolver, gjson.ParseBytes(ev), redacted)
	}
	Derive(s, b.UserID, nil)
	return s
}

func (b *Builder) apply(s *internal.RoomSummary, resolver *membership.Resolver, ev gjson.Result, redacted map[string]struct{}) {
	if !ev.IsObject() {
		logger.Warn().Str("room", s.RoomID).Msg("Builder: dropping event which is not a JSON object")
		return
	}
	evType := ev.Get("type").Str
	eventID := membership.EventKey(ev)
	ts := ev.Get("origin_server_ts").Int()
	if ts > s.ServerTimestamp {
		s.ServerTimestamp = ts
	}
	stateKey := ev.Get("state_key")
	if stateKey.Exists() {
		b.applyState(s, resolver, ev, evType, stateKey.Str, eventID, ts)
		return
	}
	if evType != internal.EventTypeMessage && evType != internal.EventTypeSticker {
		return
	}
	if internal.IsRedacted(ev) {
		return
	}
	if _, ok := redacted[eventID]; ok {
		return
	}
	// edits rewrite an existing message, they are not a new last message
	if ev.Get(`content.m\.relates_to.rel_type`).Str == internal.RelationReplace {
		return
	}
	body := ev.Get("content.body")
	if !body.Exists() {
		logger.Warn().Str("room", s.RoomID).Str("event", eventID).Msg("Builder: message without a body")
		return
	}
	if ts < s.LastServerTimestamp {
		return
	}
	s.LastServerTimestamp = ts
	s.LastMessage = internal.LastMessage{
		EventID: eventID,
		Body:    body.Str,
		Type:    string(internal.MessageKindFromMsgType(evType, ev.Get("content.msgtype").Str)),
		Sender:  ev.Get("sender").Str,
	}
}

func (b *Builder) applyState(s *internal.RoomSummary, resolver *membership.Resolver, ev gjson.Result, evType, stateKey, eventID string, ts int64) {
	switch evType {
	case spec.MRoomMember:
		resolver.Apply(membership.DeltasFromEvents([]json.RawMessage{json.RawMessage(ev.Raw)})...)
		return
	case spec.MRoomCreate:
		if s.CreatedAt == 0 && ts > 0 {
			s.CreatedAt = ts
		}
		if s.State.Creator == "" {
			s.State.Creator = ev.Get("content.creator").Str
			if s.State.Creator == "" {
				s.State.Creator = ev.Get("sender").Str
			}
		}
		return
	}
	if stateKey != "" {
		return
	}
	var winner *internal.StateWinner
	var value string
	switch evType {
	case spec.MRoomName:
		winner, value = &s.State.Name, ev.Get("content.name").Str
	case internal.EventTypeRoomAvatar:
		winner, value = &s.State.Avatar, ev.Get("content.url").Str
	case spec.MRoomCanonicalAlias:
		winner, value = &s.State.CanonicalAlias, ev.Get("content.alias").Str
	case spec.MRoomPowerLevels:
		winner, value = &s.State.PowerLevels, eventID
	default:
		return
	}
	seq := resolver.SeqFor(eventID)
	if !winner.Loses(ts, seq) {
		if ts < winner.Timestamp {
			resolver.Forget(eventID)
		}
		return
	}
	if winner.Set && winner.Timestamp < ts && winner.EventID != "" && winner.EventID != eventID {
		resolver.Forget(winner.EventID)
	}
	*winner = internal.StateWinner{
		Value:     value,
		Timestamp: ts,
		Seq:       seq,
		Set:       true,
		EventID:   eventID,
	}
	if evType == spec.MRoomPowerLevels {
		s.State.PowerLevelAdmins = adminsFromPowerLevels(ev.Get("content"))
	}
}

func adminsFromPowerLevels(content gjson.Result) []string {
	var admins []string
	content.Get("users").ForEach(func(userID, level gjson.Result) bool {
		if level.Int() >= AdminPowerLevel {
			admins = append(admins, userID.Str)
		}
		return true
	})
	sort.Strings(admins)
	return admins
}

// Derive recomputes every field of the summary which is a function of its resolution state: the
// membership buckets and counts, the group and left flags, admins, the opponent, and the display
// name and avatar. contacts, if given, supplies the opponent's directory profile.
func Derive(s *internal.RoomSummary, userID string, contacts map[string]internal.Contact) {
	buckets := membership.BucketsOf(s.State.Members)
	s.Joined = buckets.Joined
	s.Invited = buckets.Invited
	s.Left = buckets.Left
	s.Banned = buckets.Banned
	s.ParticipantsCount = buckets.Count()
	s.IsGroup = s.ParticipantsCount > 2
	s.IsLeft = slices.Contains(s.Left, userID) || slices.Contains(s.Banned, userID)

	if s.State.PowerLevels.Set {
		s.Admins = slices.Clone(s.State.PowerLevelAdmins)
	} else if s.State.Creator != "" {
		s.Admins = []string{s.State.Creator}
	} else {
		s.Admins = nil
	}

	s.Opponent = ""
	if !s.IsGroup {
		s.Opponent = firstOther(s.Joined, userID)
		if s.Opponent == "" {
			s.Opponent = firstOther(s.Invited, userID)
		}
	}
	var hero *internal.Hero
	if s.Opponent != "" {
		member := s.State.Members[s.Opponent]
		hero = &internal.Hero{
			ID:          s.Opponent,
			StateName:   member.DisplayName,
			StateAvatar: member.AvatarURL,
		}
		if c, ok := contacts[s.Opponent]; ok {
			hero.ContactName = c.DisplayName
			hero.ContactAvatar = c.AvatarURL
		}
	}
	s.Name = internal.CalculateRoomName(s.State.Name.Value, s.State.CanonicalAlias.Value, s.IsGroup, hero)
	s.AvatarURL = internal.CalculateRoomAvatar(s.State.Avatar.Value, s.IsGroup, hero)
}

func firstOther(sorted []string, userID string) string {
	for _, u := range sorted {
		if u != userID {
			return u
		}
	}
	return ""
}
