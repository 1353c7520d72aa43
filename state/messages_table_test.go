package state

import (
	"context"
	"testing"

	"github.com/matrix-org/clientsync/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newMessage(roomID, eventID, body string, ts int64) *internal.ChatMessage {
	return &internal.ChatMessage{
		EventID:   eventID,
		RoomID:    roomID,
		Sender:    "@bob:localhost",
		Body:      body,
		Kind:      internal.MessageKindText,
		Timestamp: ts,
		Event:     []byte(`{"type":"m.room.message","content":{"body":"` + body + `"}}`),
	}
}

func TestMessagesTableUpsert(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).MessagesTable
	roomID := "!upsert:localhost"

	res, err := table.Upsert(ctx, newMessage(roomID, "$a", "hello", 10))
	require.NoError(t, err)
	assert.Equal(t, MessageInserted, res)

	// same body: nothing to do
	res, err = table.Upsert(ctx, newMessage(roomID, "$a", "hello", 10))
	require.NoError(t, err)
	assert.Equal(t, MessageUnchanged, res)

	// different body: updated in place
	res, err = table.Upsert(ctx, newMessage(roomID, "$a", "hello world", 10))
	require.NoError(t, err)
	assert.Equal(t, MessageUpdated, res)

	got, err := table.Select(ctx, "$a")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Body)
	assert.Equal(t, internal.MessageStatusSent, got.Status)

	count, err := table.Count(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMessagesTableRedactionIsSticky(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).MessagesTable
	roomID := "!sticky:localhost"

	original := newMessage(roomID, "$e", "secret", 10)
	original.Kind = internal.MessageKindImage
	original.Media = internal.Media{URL: "mxc://localhost/abc", MimeType: "image/png", Size: 12}
	_, err := table.Upsert(ctx, original)
	require.NoError(t, err)

	prev, err := table.Redact(ctx, roomID, "$e")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "secret", prev.Body)

	// idempotent
	prev, err = table.Redact(ctx, roomID, "$e")
	require.NoError(t, err)
	assert.Nil(t, prev)

	// re-ingesting the original leaves it redacted
	res, err := table.Upsert(ctx, original)
	require.NoError(t, err)
	assert.Equal(t, MessageUnchanged, res)

	got, err := table.Select(ctx, "$e")
	require.NoError(t, err)
	assert.True(t, got.Redacted)
	assert.Equal(t, internal.RedactedBody, got.Body)
	assert.False(t, got.HasMedia())
	assert.Equal(t, "{}", gjson.GetBytes(got.Event, "content").Raw)

	// edits do not apply either
	changed, err := table.ApplyEdit(ctx, roomID, "$e", "edited secret", 20)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMessagesTableRedactionBeforeOriginal(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).MessagesTable
	roomID := "!early:localhost"

	prev, err := table.Redact(ctx, roomID, "$late")
	require.NoError(t, err)
	assert.Nil(t, prev)

	// tombstones are not shown
	msgs, err := table.SelectLatest(ctx, roomID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	res, err := table.Upsert(ctx, newMessage(roomID, "$late", "too late", 42))
	require.NoError(t, err)
	assert.Equal(t, MessageUnchanged, res)

	got, err := table.Select(ctx, "$late")
	require.NoError(t, err)
	assert.True(t, got.Redacted)
	assert.Equal(t, internal.RedactedBody, got.Body)
	assert.EqualValues(t, 42, got.Timestamp)
	assert.Equal(t, "@bob:localhost", got.Sender)
}

func TestMessagesTableSelectLatest(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).MessagesTable
	roomID := "!latest:localhost"

	for _, m := range []*internal.ChatMessage{
		newMessage(roomID, "$1", "one", 1),
		newMessage(roomID, "$3", "three", 3),
		newMessage(roomID, "$2", "two", 2),
		newMessage("!other:localhost", "$x", "other room", 4),
	} {
		_, err := table.Upsert(ctx, m)
		require.NoError(t, err)
	}
	msgs, err := table.SelectLatest(ctx, roomID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "$2", msgs[0].EventID)
	assert.Equal(t, "$3", msgs[1].EventID)

	_, err = table.Redact(ctx, roomID, "$3")
	require.NoError(t, err)
	visible, err := table.SelectLatestVisible(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, visible)
	assert.Equal(t, "$2", visible.EventID)
}

func TestMessagesTableMarkRead(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).MessagesTable
	roomID := "!read:localhost"
	for _, m := range []*internal.ChatMessage{
		newMessage(roomID, "$r1", "one", 10),
		newMessage(roomID, "$r2", "two", 20),
		newMessage(roomID, "$r3", "three", 30),
	} {
		_, err := table.Upsert(ctx, m)
		require.NoError(t, err)
	}
	n, err := table.MarkRead(ctx, roomID, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	// idempotent
	n, err = table.MarkRead(ctx, roomID, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	got, err := table.Select(ctx, "$r3")
	require.NoError(t, err)
	assert.Equal(t, internal.MessageStatusSent, got.Status)
	got, err = table.Select(ctx, "$r2")
	require.NoError(t, err)
	assert.Equal(t, internal.MessageStatusRead, got.Status)
}

func TestMessagesTableApplyEdit(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).MessagesTable
	roomID := "!edit:localhost"
	_, err := table.Upsert(ctx, newMessage(roomID, "$edit", "typo", 1))
	require.NoError(t, err)
	changed, err := table.ApplyEdit(ctx, roomID, "$edit", "fixed", 5)
	require.NoError(t, err)
	assert.True(t, changed)

	// older and repeated edits do not apply
	changed, err = table.ApplyEdit(ctx, roomID, "$edit", "first fix", 3)
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = table.ApplyEdit(ctx, roomID, "$edit", "fixed", 5)
	require.NoError(t, err)
	assert.False(t, changed)

	// re-delivering the original does not undo the edit
	res, err := table.Upsert(ctx, newMessage(roomID, "$edit", "typo", 1))
	require.NoError(t, err)
	assert.Equal(t, MessageUnchanged, res)

	got, err := table.Select(ctx, "$edit")
	require.NoError(t, err)
	assert.Equal(t, "fixed", got.Body)
	assert.True(t, got.Edited)
}

func TestMessagesTableEditBeforeOriginal(t *testing.T) {
	ctx := context.Background()
	table := newTestStorage(t).MessagesTable
	roomID := "!early-edit:localhost"

	changed, err := table.ApplyEdit(ctx, roomID, "$orig", "edited", 10)
	require.NoError(t, err)
	assert.True(t, changed)
	// placeholders are not listed
	msgs, err := table.SelectLatest(ctx, roomID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	res, err := table.Upsert(ctx, newMessage(roomID, "$orig", "original", 5))
	require.NoError(t, err)
	assert.Equal(t, MessageInserted, res)
	got, err := table.Select(ctx, "$orig")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Body)
	assert.EqualValues(t, 5, got.Timestamp)
	assert.Equal(t, "@bob:localhost", got.Sender)

	res, err = table.Upsert(ctx, newMessage(roomID, "$orig", "original", 5))
	require.NoError(t, err)
	assert.Equal(t, MessageUnchanged, res)
}
