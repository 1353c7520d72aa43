package handler2

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/clientsync/hydration"
	"github.com/matrix-org/clientsync/ingest"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/membership"
	"github.com/matrix-org/clientsync/pubsub"
	"github.com/matrix-org/clientsync/state"
	"github.com/matrix-org/clientsync/summary"
	"github.com/matrix-org/clientsync/sync2"
	"github.com/matrix-org/clientsync/testutils"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "@alice:localhost"
	bob   = "@bob:localhost"
)

type nopNotifier struct{}

func (n nopNotifier) Notify(chanName string, p pubsub.Payload) error { return nil }
func (n nopNotifier) Close() error                                   { return nil }

// mockHydrator keeps the latest summary enqueued per room.
type mockHydrator struct {
	mu       sync.Mutex
	latest   map[string]*internal.RoomSummary
	enqueued chan string
}

func (m *mockHydrator) Enqueue(summaries ...*internal.RoomSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range summaries {
		m.latest[s.RoomID] = s.Copy()
		select {
		case m.enqueued <- s.RoomID:
		default:
		}
	}
}

func (m *mockHydrator) get(roomID string) *internal.RoomSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest[roomID].Copy()
}

type mockStateFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	events map[string][]json.RawMessage
}

func (f *mockStateFetcher) FetchState(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[roomID]++
	events, ok := f.events[roomID]
	if !ok {
		return nil, fmt.Errorf("no state for %s", roomID)
	}
	return events, nil
}

func (f *mockStateFetcher) numCalls(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[roomID]
}

type rig struct {
	handler  *Handler
	store    *state.Storage
	v2Store  *sync2.Storage
	rooms    *hydration.RoomTable
	ingestor *ingest.Ingestor
	hydrator *mockHydrator
	fetcher  *mockStateFetcher
}

func newRig(t *testing.T) *rig {
	t.Helper()
	db := testutils.PrepareDB(t)
	r := &rig{
		store:    state.NewStorageWithDB(db, false),
		v2Store:  sync2.NewStoreWithDB(db, "secret"),
		rooms:    hydration.NewRoomTable(),
		hydrator: &mockHydrator{latest: make(map[string]*internal.RoomSummary), enqueued: make(chan string, 100)},
		fetcher:  &mockStateFetcher{calls: make(map[string]int), events: make(map[string][]json.RawMessage)},
	}
	r.ingestor = ingest.NewIngestor(ingest.Config{UserID: alice}, r.store, r.rooms, nopNotifier{})
	t.Cleanup(r.ingestor.Stop)
	builder := summary.NewBuilder(alice, membership.NewCounterSequencer(1))
	r.handler = NewHandler(Config{UserID: alice}, builder, r.store, r.v2Store.PaginationTable, r.ingestor, r.hydrator, r.rooms, r.fetcher)
	t.Cleanup(r.handler.Teardown)
	return r
}

// commit does what hydration would do with the room's latest summary.
func (r *rig) commit(t *testing.T, roomID string) *internal.RoomSummary {
	t.Helper()
	merged, _ := r.rooms.Commit(r.hydrator.get(roomID), nil)
	require.NoError(t, r.store.RoomsTable.Upsert(context.Background(), merged))
	return merged
}

func joinResponse(roomID string, room sync2.SyncV2JoinResponse) *sync2.SyncResponse {
	var res sync2.SyncResponse
	res.NextBatch = "next"
	res.Rooms.Join = map[string]sync2.SyncV2JoinResponse{roomID: room}
	return &res
}

func roomState(t *testing.T) []json.RawMessage {
	return []json.RawMessage{
		testutils.NewStateEvent(t, "m.room.create", "", alice, map[string]interface{}{"creator": alice}, testutils.WithTimestamp(1)),
		testutils.NewJoinEvent(t, alice, testutils.WithTimestamp(2)),
		testutils.NewJoinEvent(t, bob, testutils.WithTimestamp(3)),
		testutils.NewStateEvent(t, "m.room.name", "", alice, map[string]interface{}{"name": "Lunch"}, testutils.WithTimestamp(4)),
	}
}

func TestHandlerAccumulateNewRoom(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!new:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	room.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "first", testutils.WithTimestamp(10)),
		testutils.NewMessageEvent(t, bob, "second", testutils.WithTimestamp(20)),
	}
	room.Timeline.Limited = true
	room.Timeline.PrevBatch = "prev1"
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, room)))

	s := r.hydrator.get(roomID)
	require.NotNil(t, s)
	assert.Equal(t, "Lunch", s.Name)
	assert.Equal(t, 2, s.ParticipantsCount)
	assert.Equal(t, "second", s.LastMessage.Body)
	assert.Equal(t, 2, s.UnreadCount, "unread travels with the summary until the room is committed")

	count, err := r.store.MessagesTable.Count(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	cursor, err := r.v2Store.PaginationTable.Cursor(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "prev1", cursor.FirstEvent)
	assert.Equal(t, 0, r.fetcher.numCalls(roomID), "state was in the response")
}

func TestHandlerAccumulateIsIdempotent(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!again:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	room.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "hello", testutils.WithTimestamp(10)),
	}
	res := joinResponse(roomID, room)
	require.NoError(t, r.handler.Accumulate(ctx, res))
	first := r.hydrator.get(roomID)
	require.NoError(t, r.handler.Accumulate(ctx, res))
	second := r.hydrator.get(roomID)
	assert.Equal(t, first.UnreadCount, second.UnreadCount)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, first.LastMessage, second.LastMessage)
	assert.Equal(t, first.Joined, second.Joined)
}

func TestHandlerServerUnreadOverride(t *testing.T) {
	r := newRig(t)
	roomID := "!override:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	room.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "hello", testutils.WithTimestamp(10)),
	}
	five := 5
	room.UnreadNotifications.NotificationCount = &five
	require.NoError(t, r.handler.Accumulate(context.Background(), joinResponse(roomID, room)))
	s := r.hydrator.get(roomID)
	assert.Equal(t, 5, s.UnreadCount)
	assert.True(t, s.UnreadOverride)
}

func TestHandlerKeepsPendingState(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!pending:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, room)))

	// nothing has been committed, the next response only has a message
	var next sync2.SyncV2JoinResponse
	next.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "later", testutils.WithTimestamp(50)),
	}
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, next)))
	s := r.hydrator.get(roomID)
	assert.Equal(t, "Lunch", s.Name)
	assert.Equal(t, 2, s.ParticipantsCount)
	assert.Equal(t, "later", s.LastMessage.Body)
	assert.Equal(t, 1, s.UnreadCount)
	assert.Equal(t, 0, r.fetcher.numCalls(roomID))
}

func TestHandlerFallsBackToLocalCache(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!cached:localhost"
	builder := summary.NewBuilder(alice, membership.NewCounterSequencer(1000))
	cached := builder.Build(roomID, roomState(t), nil, 3)
	require.NoError(t, r.store.RoomsTable.Upsert(ctx, cached))

	var room sync2.SyncV2JoinResponse
	room.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "welcome back", testutils.WithTimestamp(60)),
	}
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, room)))
	s := r.hydrator.get(roomID)
	assert.Equal(t, "Lunch", s.Name)
	assert.Equal(t, 4, s.UnreadCount)
}

func TestHandlerCommittedRoomKeepsLocalUnread(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!committed:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, room)))
	// hydration commits it
	committed, _ := r.rooms.Commit(r.hydrator.get(roomID), nil)
	require.NoError(t, r.store.RoomsTable.Upsert(ctx, committed))

	var next sync2.SyncV2JoinResponse
	next.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "one", testutils.WithTimestamp(70)),
		testutils.NewMessageEvent(t, bob, "two", testutils.WithTimestamp(71)),
	}
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, next)))
	assert.Equal(t, 2, r.rooms.Get(roomID).UnreadCount, "the ingestor counts against the room list")
	s := r.hydrator.get(roomID)
	assert.False(t, s.UnreadOverride, "the summary must not clobber the room list's count")
}

func TestHandlerFetchesStateForUnknownRooms(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!stateless:localhost"
	r.fetcher.mu.Lock()
	r.fetcher.events[roomID] = roomState(t)
	r.fetcher.mu.Unlock()

	var room sync2.SyncV2JoinResponse
	room.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "who are you", testutils.WithTimestamp(10)),
	}
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, room)))

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := r.hydrator.get(roomID)
		if s != nil && s.ParticipantsCount == 2 {
			assert.Equal(t, "Lunch", s.Name)
			assert.Equal(t, "who are you", s.LastMessage.Body)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state was never fetched and applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, r.fetcher.numCalls(roomID))
}

func TestHandlerInvitesAndLeaves(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	invited := "!invite:localhost"
	left := "!left:localhost"

	var res sync2.SyncResponse
	res.Rooms.Invite = map[string]sync2.SyncV2InviteResponse{}
	var inv sync2.SyncV2InviteResponse
	inv.InviteState.Events = []json.RawMessage{
		testutils.NewJoinEvent(t, bob, testutils.WithTimestamp(1)),
		testutils.NewStateEvent(t, spec.MRoomMember, alice, bob, map[string]interface{}{"membership": spec.Invite}, testutils.WithTimestamp(2)),
	}
	res.Rooms.Invite[invited] = inv

	var leave sync2.SyncV2LeaveResponse
	leave.State.Events = roomState(t)
	leave.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "bye", testutils.WithTimestamp(30)),
		testutils.NewMembershipEvent(t, alice, spec.Leave, testutils.WithTimestamp(40)),
	}
	res.Rooms.Leave = map[string]sync2.SyncV2LeaveResponse{left: leave}
	require.NoError(t, r.handler.Accumulate(ctx, &res))

	s := r.hydrator.get(invited)
	require.NotNil(t, s)
	assert.Equal(t, []string{alice}, s.Invited)
	assert.Equal(t, bob, s.Opponent)

	s = r.hydrator.get(left)
	require.NotNil(t, s)
	assert.True(t, s.IsLeft)
	assert.Equal(t, 0, s.UnreadCount, "history of a left room is not unread")
	count, err := r.store.MessagesTable.Count(ctx, left)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandlerForget(t *testing.T) {
	r := newRig(t)
	roomID := "!forget:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	require.NoError(t, r.handler.Accumulate(context.Background(), joinResponse(roomID, room)))
	require.NotNil(t, r.handler.Summary(roomID))
	r.handler.Forget(roomID)
	assert.Nil(t, r.handler.Summary(roomID))
}

func TestHandlerRedactedLastMessageIsNotRestored(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!redacted:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	room.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "first", testutils.WithTimestamp(10), testutils.WithEventID("$first")),
		testutils.NewMessageEvent(t, bob, "second", testutils.WithTimestamp(20), testutils.WithEventID("$second")),
	}
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, room)))
	require.Equal(t, "$second", r.commit(t, roomID).LastMessage.EventID)

	var next sync2.SyncV2JoinResponse
	next.Timeline.Events = []json.RawMessage{
		testutils.NewRedactionEvent(t, bob, "$second", testutils.WithTimestamp(30)),
	}
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, next)))
	s := r.hydrator.get(roomID)
	assert.Equal(t, "$first", s.LastMessage.EventID)
	assert.EqualValues(t, 10, s.LastServerTimestamp)

	merged := r.commit(t, roomID)
	assert.Equal(t, "$first", merged.LastMessage.EventID)
	stored, err := r.store.RoomsTable.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "$first", stored.LastMessage.EventID)
	assert.Equal(t, "first", stored.LastMessage.Body)
}

func TestHandlerEditedLastMessageKeepsEdit(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!edited:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	room.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "helo", testutils.WithTimestamp(10), testutils.WithEventID("$orig")),
	}
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, room)))
	r.commit(t, roomID)

	var next sync2.SyncV2JoinResponse
	next.Timeline.Events = []json.RawMessage{
		testutils.NewEvent(t, internal.EventTypeMessage, bob, map[string]interface{}{
			"msgtype":       "m.text",
			"body":          "* hello",
			"m.new_content": map[string]interface{}{"msgtype": "m.text", "body": "hello"},
			"m.relates_to":  map[string]interface{}{"rel_type": internal.RelationReplace, "event_id": "$orig"},
		}, testutils.WithTimestamp(11)),
	}
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, next)))
	assert.Equal(t, "hello", r.hydrator.get(roomID).LastMessage.Body)
	assert.Equal(t, "hello", r.commit(t, roomID).LastMessage.Body)
}

func TestHandlerActiveRoomIgnoresServerUnread(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	roomID := "!open:localhost"
	var room sync2.SyncV2JoinResponse
	room.State.Events = roomState(t)
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, room)))
	r.commit(t, roomID)
	r.ingestor.SetActiveRoom(roomID)

	var next sync2.SyncV2JoinResponse
	next.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "you there?", testutils.WithTimestamp(50)),
	}
	three := 3
	next.UnreadNotifications.NotificationCount = &three
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, next)))
	assert.Equal(t, 0, r.hydrator.get(roomID).UnreadCount)
	assert.Equal(t, 0, r.commit(t, roomID).UnreadCount)

	// other rooms still take the server's count
	r.ingestor.SetActiveRoom("")
	require.NoError(t, r.handler.Accumulate(ctx, joinResponse(roomID, next)))
	assert.Equal(t, 3, r.commit(t, roomID).UnreadCount)
}
