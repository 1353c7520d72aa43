package internal

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "clientsync_data"
)

// logging metadata for a single sync tick or backfill job
type data struct {
	userID   string
	since    string
	next     string
	numRooms int
	txnID    string
	roomID   string
}

// SyncContext prepares a context for one unit of work and gives it a fresh correlation ID.
func SyncContext(parent context.Context, userID string) context.Context {
	d := &data{
		userID:   userID,
		numRooms: -1,
		txnID:    uuid.NewString(),
	}
	return context.WithValue(parent, ctxData, d)
}

// SetSyncContextResponseInfo records what a sync response contained. Need to have called SyncContext first.
func SetSyncContextResponseInfo(ctx context.Context, since, next string, numRooms int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.since = since
	da.next = next
	da.numRooms = numRooms
}

// SetSyncContextRoomID records the room a backfill job is working on.
func SetSyncContextRoomID(ctx context.Context, roomID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).roomID = roomID
}

// TxnID returns the correlation ID of this context, or "" if there is none.
func TxnID(ctx context.Context) string {
	d := ctx.Value(ctxData)
	if d == nil {
		return ""
	}
	return d.(*data).txnID
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.since != "" {
		l = l.Str("p", da.since)
	}
	if da.next != "" {
		l = l.Str("q", da.next)
	}
	if da.txnID != "" {
		l = l.Str("t", da.txnID)
	}
	if da.numRooms >= 0 {
		l = l.Int("r", da.numRooms)
	}
	if da.roomID != "" {
		l = l.Str("room", da.roomID)
	}
	return l
}
