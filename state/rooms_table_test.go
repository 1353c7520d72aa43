package state

import (
	"context"
	"testing"

	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSummary(roomID string, serverTS int64) *internal.RoomSummary {
	return &internal.RoomSummary{
		RoomID:            roomID,
		Name:              "Room",
		ParticipantsCount: 2,
		ServerTimestamp:   serverTS,
		CreatedAt:         100,
		Joined:            []string{"@alice:localhost", "@bob:localhost"},
		Admins:            []string{"@alice:localhost"},
		Opponent:          "@bob:localhost",
		State: internal.RoomState{
			Members: map[string]internal.MemberSnapshot{
				"@alice:localhost": {Membership: spec.Join, Timestamp: 100, Seq: 1},
				"@bob:localhost":   {Membership: spec.Join, Timestamp: 110, Seq: 2, DisplayName: "Bob"},
			},
			Creator: "@alice:localhost",
		},
	}
}

func TestRoomsTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).RoomsTable
	roomID := "!roundtrip:localhost"

	want := newSummary(roomID, 200)
	want.LastMessage = internal.LastMessage{EventID: "$m1", Body: "hi", Type: "text", Sender: "@bob:localhost"}
	want.LastServerTimestamp = 200
	want.UnreadCount = 3
	want.UnreadOverride = true
	require.NoError(t, table.Upsert(ctx, want))

	got, err := table.Select(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.LastMessage, got.LastMessage)
	assert.Equal(t, 3, got.UnreadCount)
	assert.Equal(t, want.Joined, got.Joined)
	assert.Equal(t, want.Admins, got.Admins)
	assert.Equal(t, want.Opponent, got.Opponent)
	assert.Equal(t, want.State.Members, got.State.Members)
	assert.Equal(t, "@alice:localhost", got.State.Creator)

	missing, err := table.Select(ctx, "!missing:localhost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRoomsTableNeverRegresses(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).RoomsTable
	roomID := "!regress:localhost"

	newer := newSummary(roomID, 500)
	newer.Name = "Newer"
	newer.LastMessage = internal.LastMessage{EventID: "$new", Body: "new"}
	newer.LastServerTimestamp = 500
	require.NoError(t, table.Upsert(ctx, newer))

	// an older summary must not overwrite a newer one
	older := newSummary(roomID, 400)
	older.Name = "Older"
	older.LastMessage = internal.LastMessage{EventID: "$old", Body: "old"}
	older.LastServerTimestamp = 400
	require.NoError(t, table.Upsert(ctx, older))

	got, err := table.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "Newer", got.Name)
	assert.Equal(t, "$new", got.LastMessage.EventID)

	// a newer summary with an older last message keeps the newer last message
	update := newSummary(roomID, 600)
	update.Name = "Renamed"
	update.LastMessage = internal.LastMessage{EventID: "$old", Body: "old"}
	update.LastServerTimestamp = 400
	require.NoError(t, table.Upsert(ctx, update))

	got, err = table.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "$new", got.LastMessage.EventID)
	assert.EqualValues(t, 500, got.LastServerTimestamp)
	assert.EqualValues(t, 600, got.ServerTimestamp)
}

func TestRoomsTableUnread(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).RoomsTable
	roomID := "!unread:localhost"

	require.NoError(t, table.Upsert(ctx, newSummary(roomID, 100)))
	require.NoError(t, table.IncrementUnread(ctx, roomID, 2))
	require.NoError(t, table.IncrementUnread(ctx, roomID, 1))

	// without an override the local count survives an upsert
	require.NoError(t, table.Upsert(ctx, newSummary(roomID, 101)))
	got, err := table.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UnreadCount)

	// with one it is replaced
	override := newSummary(roomID, 102)
	override.UnreadCount = 7
	override.UnreadOverride = true
	require.NoError(t, table.Upsert(ctx, override))
	got, err = table.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.UnreadCount)

	require.NoError(t, table.ResetUnread(ctx, roomID))
	got, err = table.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount)
}

func TestRoomsTableUpdateLastMessage(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).RoomsTable
	roomID := "!lastmsg:localhost"
	require.NoError(t, table.Upsert(ctx, newSummary(roomID, 100)))

	testCases := []struct {
		eventID     string
		ts          int64
		wantChanged bool
		wantEventID string
	}{
		{eventID: "$5", ts: 5, wantChanged: true, wantEventID: "$5"},
		{eventID: "$3", ts: 3, wantChanged: false, wantEventID: "$5"},
		{eventID: "$9", ts: 9, wantChanged: true, wantEventID: "$9"},
		{eventID: "$7", ts: 7, wantChanged: false, wantEventID: "$9"},
		{eventID: "$9", ts: 9, wantChanged: false, wantEventID: "$9"},
	}
	for _, tc := range testCases {
		changed, err := table.UpdateLastMessage(ctx, roomID, internal.LastMessage{EventID: tc.eventID}, tc.ts)
		require.NoError(t, err)
		assert.Equal(t, tc.wantChanged, changed, tc.eventID)
		got, err := table.Select(ctx, roomID)
		require.NoError(t, err)
		assert.Equal(t, tc.wantEventID, got.LastMessage.EventID)
	}

	// redaction recompute can move it backwards
	require.NoError(t, table.ReplaceLastMessage(ctx, roomID, internal.LastMessage{EventID: "$5"}, 5))
	got, err := table.Select(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "$5", got.LastMessage.EventID)
}

func TestRoomsTableSelectAllAndRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	require.NoError(t, store.RoomsTable.Upsert(ctx, newSummary("!all1:localhost", 1)))
	require.NoError(t, store.RoomsTable.Upsert(ctx, newSummary("!all2:localhost", 2)))

	all, err := store.RoomsTable.SelectAll(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, s := range all {
		ids[s.RoomID] = true
	}
	assert.True(t, ids["!all1:localhost"])
	assert.True(t, ids["!all2:localhost"])

	require.NoError(t, store.RemoveRoom(ctx, "!all1:localhost"))
	got, err := store.RoomsTable.Select(ctx, "!all1:localhost")
	require.NoError(t, err)
	assert.Nil(t, got)
}
