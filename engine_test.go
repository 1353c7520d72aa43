package clientsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/pubsub"
	"github.com/matrix-org/clientsync/sync2"
	"github.com/matrix-org/clientsync/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice       = "@alice:localhost"
	bob         = "@bob:localhost"
	aliceDevice = "ALICE"
)

// mockClient serves one scripted response to the initial sync, then long polls until stopped.
type mockClient struct {
	mu        sync.Mutex
	initial   *sync2.SyncResponse
	pages     map[string]*sync2.MessagesResponse
	syncCalls int
	froms     []string
}

func (c *mockClient) DoSyncV2(ctx context.Context, accessToken, since string, isFirst bool) (*sync2.SyncResponse, int, error) {
	if accessToken != "token" {
		return nil, 401, internal.NewError(internal.KindUnauthorized, "unknown token %q", accessToken)
	}
	c.mu.Lock()
	c.syncCalls++
	initial := c.initial
	c.mu.Unlock()
	if since == "" && initial != nil {
		return initial, 200, nil
	}
	<-ctx.Done()
	return nil, 0, ctx.Err()
}

func (c *mockClient) Messages(ctx context.Context, accessToken, roomID, from string, dir sync2.Direction, limit int) (*sync2.MessagesResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.froms = append(c.froms, from)
	page, ok := c.pages[roomID+"/"+from]
	if !ok {
		return nil, internal.NewError(internal.KindTransient, "no page for %s from %q", roomID, from)
	}
	return page, nil
}

func (c *mockClient) RoomState(ctx context.Context, accessToken, roomID string) ([]json.RawMessage, error) {
	return nil, fmt.Errorf("no state for %s", roomID)
}

func (c *mockClient) Profile(ctx context.Context, accessToken, userID string) (internal.Contact, error) {
	switch userID {
	case alice:
		return internal.Contact{UserID: alice, DisplayName: "Alice"}, nil
	case bob:
		return internal.Contact{UserID: bob, DisplayName: "Bob"}, nil
	}
	return internal.Contact{}, internal.NewError(internal.KindTransient, "unknown user %s", userID)
}

func newEngine(t *testing.T, db *sqlx.DB, client sync2.Client) *Engine {
	t.Helper()
	e, err := New(Config{
		UserID:       alice,
		DeviceID:     aliceDevice,
		Secret:       "correct horse battery staple",
		PollInterval: 5 * time.Millisecond,
	}, client, db)
	require.NoError(t, err)
	t.Cleanup(e.Teardown)
	return e
}

func roomState(t *testing.T, name string) []json.RawMessage {
	return []json.RawMessage{
		testutils.NewStateEvent(t, "m.room.create", "", alice, map[string]interface{}{"creator": alice}, testutils.WithTimestamp(1)),
		testutils.NewJoinEvent(t, alice, testutils.WithTimestamp(2)),
		testutils.NewJoinEvent(t, bob, testutils.WithTimestamp(3)),
		testutils.NewStateEvent(t, "m.room.name", "", alice, map[string]interface{}{"name": name}, testutils.WithTimestamp(4)),
	}
}

// initialSync has two rooms; !lunch has the newer message.
func initialSync(t *testing.T) *sync2.SyncResponse {
	var lunch sync2.SyncV2JoinResponse
	lunch.State.Events = roomState(t, "Lunch")
	lunch.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "first", testutils.WithTimestamp(10), testutils.WithEventID("$first")),
		testutils.NewMessageEvent(t, bob, "second", testutils.WithTimestamp(20), testutils.WithEventID("$second")),
	}
	lunch.Timeline.Limited = true
	lunch.Timeline.PrevBatch = "prev1"

	var work sync2.SyncV2JoinResponse
	work.State.Events = roomState(t, "Work")
	work.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "standup?", testutils.WithTimestamp(15)),
	}

	var res sync2.SyncResponse
	res.NextBatch = "s1"
	res.Rooms.Join = map[string]sync2.SyncV2JoinResponse{
		"!lunch:localhost": lunch,
		"!work:localhost":  work,
	}
	return &res
}

// syncedEngine is an engine which has handled initialSync and committed every room.
func syncedEngine(t *testing.T, db *sqlx.DB, client *mockClient) *Engine {
	t.Helper()
	e := newEngine(t, db, client)
	ctx := context.Background()
	require.NoError(t, e.SetAccessToken(ctx, "token"))
	e.StartSync("")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitUntilInitialSync(ctx))
	e.Flush()
	return e
}

func next(t *testing.T, ch <-chan pubsub.Payload) pubsub.Payload {
	t.Helper()
	select {
	case p, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for payload")
	}
	return nil
}

func TestNewValidatesConfig(t *testing.T) {
	db := testutils.PrepareDB(t)
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{UserID: alice, DeviceID: aliceDevice, Secret: "12345678"},
		},
		{
			name:    "missing user",
			cfg:     Config{DeviceID: aliceDevice, Secret: "12345678"},
			wantErr: true,
		},
		{
			name:    "not a user ID",
			cfg:     Config{UserID: "alice", DeviceID: aliceDevice, Secret: "12345678"},
			wantErr: true,
		},
		{
			name:    "short secret",
			cfg:     Config{UserID: alice, DeviceID: aliceDevice, Secret: "123"},
			wantErr: true,
		},
		{
			name:    "negative workers",
			cfg:     Config{UserID: alice, DeviceID: aliceDevice, Secret: "12345678", BackfillWorkers: -1},
			wantErr: true,
		},
		{
			name:    "bad homeserver URL",
			cfg:     Config{UserID: alice, DeviceID: aliceDevice, Secret: "12345678", HomeserverURL: "not a url"},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := New(tc.cfg, &mockClient{}, db)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			e.Teardown()
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{UserID: alice, DeviceID: aliceDevice, Secret: "12345678"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, sync2.DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultContactTTL, cfg.ContactTTL)
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.NotZero(t, cfg.BackfillWorkers)
	assert.NotZero(t, cfg.PageSize)
}

func TestEngineSyncToRoomList(t *testing.T) {
	client := &mockClient{initial: initialSync(t)}
	e := syncedEngine(t, testutils.PrepareDB(t), client)

	rooms := e.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "!lunch:localhost", rooms[0].RoomID, "newest activity first")
	assert.Equal(t, "!work:localhost", rooms[1].RoomID)

	lunch := e.Room("!lunch:localhost")
	require.NotNil(t, lunch)
	assert.Equal(t, "Lunch", lunch.Name)
	assert.Equal(t, "second", lunch.LastMessage.Body)
	assert.Equal(t, 2, lunch.UnreadCount)
	assert.Equal(t, 2, lunch.ParticipantsCount)
	assert.Equal(t, "s1", e.SyncCursor())
	assert.True(t, e.SyncRunning())

	hydrated, total := e.HydrationProgress()
	assert.Equal(t, 2, hydrated)
	assert.Equal(t, 2, total)
	assert.Nil(t, e.Room("!unknown:localhost"))
}

func TestEngineMessageObservation(t *testing.T) {
	client := &mockClient{initial: initialSync(t)}
	e := syncedEngine(t, testutils.PrepareDB(t), client)
	ctx := context.Background()
	roomID := "!lunch:localhost"

	ch, err := e.EnableMessageObservation(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, roomID, e.ObservedRoom())
	p := next(t, ch)
	msgs, ok := p.(*pubsub.MessagesUpdated)
	require.True(t, ok, "first payload is the current page, got %T", p)
	assert.Equal(t, roomID, msgs.RoomID)
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "first", msgs.Messages[0].Body)
	assert.Equal(t, "second", msgs.Messages[1].Body)
	assert.Equal(t, 0, e.Room(roomID).UnreadCount, "observing a room reads it")

	stored, err := e.store.RoomsTable.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.UnreadCount)

	e.DisableMessageObservation()
	p = next(t, ch)
	closed, ok := p.(*pubsub.StreamClosed)
	require.True(t, ok, "got %T", p)
	assert.NoError(t, closed.Err)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, "", e.ObservedRoom())
}

func TestEngineObserveAnotherRoomClosesStream(t *testing.T) {
	client := &mockClient{initial: initialSync(t)}
	e := syncedEngine(t, testutils.PrepareDB(t), client)
	ctx := context.Background()

	first, err := e.EnableMessageObservation(ctx, "!lunch:localhost")
	require.NoError(t, err)
	second, err := e.EnableMessageObservation(ctx, "!work:localhost")
	require.NoError(t, err)

	var sawClosed bool
	for p := range first {
		if _, ok := p.(*pubsub.StreamClosed); ok {
			sawClosed = true
		}
	}
	assert.True(t, sawClosed)
	msgs, ok := next(t, second).(*pubsub.MessagesUpdated)
	require.True(t, ok)
	assert.Equal(t, "!work:localhost", msgs.RoomID)
}

func TestEngineSubscribeRejectsMessageChannel(t *testing.T) {
	e := newEngine(t, testutils.PrepareDB(t), &mockClient{})
	_, err := e.Subscribe(pubsub.ChanMessages)
	assert.Error(t, err)
}

func TestEngineFetchOlderMessages(t *testing.T) {
	roomID := "!lunch:localhost"
	client := &mockClient{
		initial: initialSync(t),
		pages: map[string]*sync2.MessagesResponse{
			roomID + "/prev1": {
				Start: "prev1",
				Chunk: []json.RawMessage{
					testutils.NewMessageEvent(t, bob, "zeroth", testutils.WithTimestamp(5)),
				},
			},
		},
	}
	e := syncedEngine(t, testutils.PrepareDB(t), client)
	ctx := context.Background()
	progress, err := e.Subscribe(pubsub.ChanBackfill)
	require.NoError(t, err)

	require.True(t, e.FetchOlderMessages(ctx, roomID, 10))
	p, ok := next(t, progress).(*pubsub.BackfillProgress)
	require.True(t, ok)
	assert.Equal(t, roomID, p.RoomID)
	assert.Equal(t, 1, p.Done)
	assert.Equal(t, 1, p.Total)
	assert.True(t, p.Finished, "no end token means no more history")

	msgs, err := e.Messages(ctx, roomID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "zeroth", msgs[0].Body)
	assert.Equal(t, 2, e.Room(roomID).UnreadCount, "history is never unread")

	client.mu.Lock()
	assert.Equal(t, []string{"prev1"}, client.froms, "paginates from the limited timeline's prev_batch")
	client.mu.Unlock()
}

func TestEngineRemoveRoom(t *testing.T) {
	client := &mockClient{initial: initialSync(t)}
	e := syncedEngine(t, testutils.PrepareDB(t), client)
	ctx := context.Background()
	roomID := "!lunch:localhost"
	updates, err := e.Subscribe(pubsub.ChanRoomList)
	require.NoError(t, err)

	require.NoError(t, e.RemoveRoom(ctx, roomID))
	assert.Nil(t, e.Room(roomID))
	require.Len(t, e.Rooms(), 1)

	var removed []string
	for removed == nil {
		if u, ok := next(t, updates).(*pubsub.RoomListUpdated); ok {
			removed = u.Removed
		}
	}
	assert.Equal(t, []string{roomID}, removed)

	msgs, err := e.Messages(ctx, roomID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	stored, err := e.store.RoomsTable.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, stored)
	cursor, err := e.v2Store.PaginationTable.Cursor(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "", cursor.FirstEvent)
}

func TestEngineLoadCache(t *testing.T) {
	db := testutils.PrepareDB(t)
	first := syncedEngine(t, db, &mockClient{initial: initialSync(t)})
	first.Teardown()

	second := newEngine(t, db, &mockClient{})
	n, err := second.LoadCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	second.Flush()
	rooms := second.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "Lunch", rooms[0].Name)
	assert.Equal(t, "second", rooms[0].LastMessage.Body)
	assert.Equal(t, 2, rooms[0].UnreadCount)

	cursor, err := second.v2Store.CursorsTable.Since(context.Background(), alice, aliceDevice)
	require.NoError(t, err)
	assert.Equal(t, "s1", cursor, "the sync cursor survives a restart")
}

func TestEngineUnauthorized(t *testing.T) {
	e := newEngine(t, testutils.PrepareDB(t), &mockClient{initial: initialSync(t)})
	ctx := context.Background()
	status, err := e.Subscribe(pubsub.ChanSync)
	require.NoError(t, err)
	require.NoError(t, e.SetAccessToken(ctx, "revoked"))

	e.StartSync("")
	for {
		s, ok := next(t, status).(pubsub.SyncStatus)
		require.True(t, ok)
		if s.Unauthorized {
			assert.False(t, s.Running)
			break
		}
	}
	assert.False(t, e.SyncRunning())
	assert.Empty(t, e.Rooms())

	// a new token lets sync start again
	require.NoError(t, e.SetAccessToken(ctx, "token"))
	e.StartSync("")
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitUntilInitialSync(waitCtx))
	e.Flush()
	assert.Len(t, e.Rooms(), 2)
}

func TestEngineLogout(t *testing.T) {
	e := syncedEngine(t, testutils.PrepareDB(t), &mockClient{initial: initialSync(t)})
	ctx := context.Background()
	require.NoError(t, e.Logout(ctx))
	assert.False(t, e.SyncRunning())
	_, err := e.session.AccessToken(ctx)
	assert.ErrorIs(t, err, internal.ErrUnauthorized)
	assert.Len(t, e.Rooms(), 2, "the local cache is kept")
}

func TestEngineAfterTeardown(t *testing.T) {
	e := newEngine(t, testutils.PrepareDB(t), &mockClient{})
	e.Teardown()
	e.Teardown()
	_, err := e.EnableMessageObservation(context.Background(), "!lunch:localhost")
	assert.Error(t, err)
	assert.Error(t, e.RemoveRoom(context.Background(), "!lunch:localhost"))
	assert.False(t, e.FetchOlderMessages(context.Background(), "!lunch:localhost", 10))
}

func lunchUpdate(room sync2.SyncV2JoinResponse) *sync2.SyncResponse {
	var res sync2.SyncResponse
	res.NextBatch = "s2"
	res.Rooms.Join = map[string]sync2.SyncV2JoinResponse{"!lunch:localhost": room}
	return &res
}

func TestEngineRedactedLastMessageStaysRedacted(t *testing.T) {
	e := syncedEngine(t, testutils.PrepareDB(t), &mockClient{initial: initialSync(t)})
	ctx := context.Background()
	roomID := "!lunch:localhost"
	require.Equal(t, "$second", e.Room(roomID).LastMessage.EventID)

	var room sync2.SyncV2JoinResponse
	room.Timeline.Events = []json.RawMessage{
		testutils.NewRedactionEvent(t, bob, "$second", testutils.WithTimestamp(30)),
	}
	require.NoError(t, e.handler.Accumulate(ctx, lunchUpdate(room)))
	e.Flush()

	assert.Equal(t, "$first", e.Room(roomID).LastMessage.EventID)
	stored, err := e.store.RoomsTable.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "$first", stored.LastMessage.EventID)
}

func TestEngineObservedRoomStaysRead(t *testing.T) {
	e := syncedEngine(t, testutils.PrepareDB(t), &mockClient{initial: initialSync(t)})
	ctx := context.Background()
	roomID := "!lunch:localhost"
	_, err := e.EnableMessageObservation(ctx, roomID)
	require.NoError(t, err)

	var room sync2.SyncV2JoinResponse
	room.Timeline.Events = []json.RawMessage{
		testutils.NewMessageEvent(t, bob, "third", testutils.WithTimestamp(40)),
	}
	three := 3
	room.UnreadNotifications.NotificationCount = &three
	require.NoError(t, e.handler.Accumulate(ctx, lunchUpdate(room)))
	e.Flush()

	assert.Equal(t, 0, e.Room(roomID).UnreadCount)
	stored, err := e.store.RoomsTable.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.UnreadCount)
}
