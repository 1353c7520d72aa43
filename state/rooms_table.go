package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/sqlutil"
)

// roomBuckets is the CBOR-encoded membership projection of a room.
type roomBuckets struct {
	Joined  []string `cbor:"1,keyasint,omitempty"`
	Invited []string `cbor:"2,keyasint,omitempty"`
	Left    []string `cbor:"3,keyasint,omitempty"`
	Banned  []string `cbor:"4,keyasint,omitempty"`
	Admins  []string `cbor:"5,keyasint,omitempty"`
}

type roomRow struct {
	RoomID              string `db:"room_id"`
	Name                string `db:"name"`
	AvatarURL           string `db:"avatar_url"`
	LastMessageEventID  string `db:"last_message_event_id"`
	LastMessageBody     string `db:"last_message_body"`
	LastMessageType     string `db:"last_message_type"`
	LastMessageSender   string `db:"last_message_sender"`
	UnreadCount         int    `db:"unread_count"`
	UnreadOverride      bool   `db:"unread_override"`
	ParticipantsCount   int    `db:"participants_count"`
	ServerTimestamp     int64  `db:"server_ts"`
	LastServerTimestamp int64  `db:"last_server_ts"`
	CreatedAt           int64  `db:"created_at"`
	IsGroup             bool   `db:"is_group"`
	IsLeft              bool   `db:"is_left"`
	Opponent            string `db:"opponent"`
	Buckets             []byte `db:"buckets"`
	RoomState           []byte `db:"room_state"`
}

func (r *roomRow) summary() (*internal.RoomSummary, error) {
	s := &internal.RoomSummary{
		RoomID:    r.RoomID,
		Name:      r.Name,
		AvatarURL: r.AvatarURL,
		LastMessage: internal.LastMessage{
			EventID: r.LastMessageEventID,
			Body:    r.LastMessageBody,
			Type:    r.LastMessageType,
			Sender:  r.LastMessageSender,
		},
		UnreadCount:         r.UnreadCount,
		ParticipantsCount:   r.ParticipantsCount,
		ServerTimestamp:     r.ServerTimestamp,
		LastServerTimestamp: r.LastServerTimestamp,
		CreatedAt:           r.CreatedAt,
		IsGroup:             r.IsGroup,
		IsLeft:              r.IsLeft,
		Opponent:            r.Opponent,
	}
	if len(r.Buckets) > 0 {
		var b roomBuckets
		if err := cbor.Unmarshal(r.Buckets, &b); err != nil {
			return nil, fmt.Errorf("room %s: failed to decode buckets: %w", r.RoomID, err)
		}
		s.Joined, s.Invited, s.Left, s.Banned, s.Admins = b.Joined, b.Invited, b.Left, b.Banned, b.Admins
	}
	if len(r.RoomState) > 0 {
		if err := cbor.Unmarshal(r.RoomState, &s.State); err != nil {
			return nil, fmt.Errorf("room %s: failed to decode room state: %w", r.RoomID, err)
		}
	}
	return s, nil
}

func newRoomRow(s *internal.RoomSummary) (*roomRow, error) {
	buckets, err := cbor.Marshal(roomBuckets{
		Joined:  s.Joined,
		Invited: s.Invited,
		Left:    s.Left,
		Banned:  s.Banned,
		Admins:  s.Admins,
	})
	if err != nil {
		return nil, err
	}
	roomState, err := cbor.Marshal(s.State)
	if err != nil {
		return nil, err
	}
	return &roomRow{
		RoomID:              s.RoomID,
		Name:                s.Name,
		AvatarURL:           s.AvatarURL,
		LastMessageEventID:  s.LastMessage.EventID,
		LastMessageBody:     s.LastMessage.Body,
		LastMessageType:     s.LastMessage.Type,
		LastMessageSender:   s.LastMessage.Sender,
		UnreadCount:         s.UnreadCount,
		UnreadOverride:      s.UnreadOverride,
		ParticipantsCount:   s.ParticipantsCount,
		ServerTimestamp:     s.ServerTimestamp,
		LastServerTimestamp: s.LastServerTimestamp,
		CreatedAt:           s.CreatedAt,
		IsGroup:             s.IsGroup,
		IsLeft:              s.IsLeft,
		Opponent:            s.Opponent,
		Buckets:             buckets,
		RoomState:           roomState,
	}, nil
}

// RoomsTable stores one RoomSummary per room.
type RoomsTable struct {
	db      *sqlx.DB
	observe func(table string, start time.Time)
}

func NewRoomsTable(db *sqlx.DB) *RoomsTable {
	// make sure tables are made
	db.MustExec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS clientsync_rooms (
		room_id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		last_message_event_id TEXT NOT NULL DEFAULT '',
		last_message_body TEXT NOT NULL DEFAULT '',
		last_message_type TEXT NOT NULL DEFAULT '',
		last_message_sender TEXT NOT NULL DEFAULT '',
		unread_count BIGINT NOT NULL DEFAULT 0,
		participants_count BIGINT NOT NULL DEFAULT 0,
		server_ts BIGINT NOT NULL DEFAULT 0,
		last_server_ts BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL DEFAULT 0,
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		is_left BOOLEAN NOT NULL DEFAULT FALSE,
		opponent TEXT NOT NULL DEFAULT '',
		buckets %[1]s,
		room_state %[1]s
	);
	`, blobType(db)))
	return &RoomsTable{db: db, observe: func(string, time.Time) {}}
}

// Upsert writes the summary. Rows are only replaced by summaries which are at least as new
// (server_ts). The last message only moves forward, and the stored unread count is kept unless the
// summary carries a server override.
func (t *RoomsTable) Upsert(ctx context.Context, s *internal.RoomSummary) error {
	defer t.observe("rooms", time.Now())
	row, err := newRoomRow(s)
	if err != nil {
		return sqlutil.StorageError("RoomsTable.Upsert", err)
	}
	_, err = t.db.NamedExecContext(ctx, `
	INSERT INTO clientsync_rooms (room_id, name, avatar_url, last_message_event_id, last_message_body,
		last_message_type, last_message_sender, unread_count, participants_count, server_ts, last_server_ts,
		created_at, is_group, is_left, opponent, buckets, room_state)
	VALUES (:room_id, :name, :avatar_url, :last_message_event_id, :last_message_body,
		:last_message_type, :last_message_sender, :unread_count, :participants_count, :server_ts, :last_server_ts,
		:created_at, :is_group, :is_left, :opponent, :buckets, :room_state)
	ON CONFLICT (room_id) DO UPDATE SET
		name = excluded.name,
		avatar_url = excluded.avatar_url,
		last_message_event_id = CASE WHEN excluded.last_server_ts >= clientsync_rooms.last_server_ts
			THEN excluded.last_message_event_id ELSE clientsync_rooms.last_message_event_id END,
		last_message_body = CASE WHEN excluded.last_server_ts >= clientsync_rooms.last_server_ts
			THEN excluded.last_message_body ELSE clientsync_rooms.last_message_body END,
		last_message_type = CASE WHEN excluded.last_server_ts >= clientsync_rooms.last_server_ts
			THEN excluded.last_message_type ELSE clientsync_rooms.last_message_type END,
		last_message_sender = CASE WHEN excluded.last_server_ts >= clientsync_rooms.last_server_ts
			THEN excluded.last_message_sender ELSE clientsync_rooms.last_message_sender END,
		last_server_ts = CASE WHEN excluded.last_server_ts >= clientsync_rooms.last_server_ts
			THEN excluded.last_server_ts ELSE clientsync_rooms.last_server_ts END,
		unread_count = CASE WHEN :unread_override
			THEN excluded.unread_count ELSE clientsync_rooms.unread_count END,
		participants_count = excluded.participants_count,
		server_ts = excluded.server_ts,
		created_at = CASE WHEN clientsync_rooms.created_at = 0
			THEN excluded.created_at ELSE clientsync_rooms.created_at END,
		is_group = excluded.is_group,
		is_left = excluded.is_left,
		opponent = excluded.opponent,
		buckets = excluded.buckets,
		room_state = excluded.room_state
	WHERE excluded.server_ts >= clientsync_rooms.server_ts`, row)
	return sqlutil.StorageError("RoomsTable.Upsert", err)
}

// UpdateLastMessage moves the last message projection forward. It is a no-op if the room already has a
// newer last message, already shows msg, or does not exist. Returns true if the row changed.
func (t *RoomsTable) UpdateLastMessage(ctx context.Context, roomID string, msg internal.LastMessage, ts int64) (bool, error) {
	defer t.observe("rooms", time.Now())
	n, err := sqlutil.ExecContext(ctx, t.db, t.db.Rebind(`
	UPDATE clientsync_rooms SET last_message_event_id = ?, last_message_body = ?, last_message_type = ?,
		last_message_sender = ?, last_server_ts = ?,
		server_ts = CASE WHEN server_ts < ? THEN ? ELSE server_ts END
	WHERE room_id = ? AND last_server_ts <= ? AND (last_server_ts < ? OR last_message_event_id <> ? OR last_message_body <> ?)`),
		msg.EventID, msg.Body, msg.Type, msg.Sender, ts, ts, ts, roomID, ts, ts, msg.EventID, msg.Body,
	)
	return n > 0, sqlutil.StorageError("RoomsTable.UpdateLastMessage", err)
}

// ReplaceLastMessage unconditionally sets the last message. Used when the current one was redacted and
// the projection is recomputed from older messages.
func (t *RoomsTable) ReplaceLastMessage(ctx context.Context, roomID string, msg internal.LastMessage, ts int64) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(`
	UPDATE clientsync_rooms SET last_message_event_id = ?, last_message_body = ?, last_message_type = ?,
		last_message_sender = ?, last_server_ts = ?
	WHERE room_id = ?`),
		msg.EventID, msg.Body, msg.Type, msg.Sender, ts, roomID,
	)
	return sqlutil.StorageError("RoomsTable.ReplaceLastMessage", err)
}

// IncrementUnread adds delta to the room's unread count.
func (t *RoomsTable) IncrementUnread(ctx context.Context, roomID string, delta int) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(
		`UPDATE clientsync_rooms SET unread_count = unread_count + ? WHERE room_id = ?`,
	), delta, roomID)
	return sqlutil.StorageError("RoomsTable.IncrementUnread", err)
}

func (t *RoomsTable) ResetUnread(ctx context.Context, roomID string) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(
		`UPDATE clientsync_rooms SET unread_count = 0 WHERE room_id = ?`,
	), roomID)
	return sqlutil.StorageError("RoomsTable.ResetUnread", err)
}

// Select a single room. Returns nil if the room is not known.
func (t *RoomsTable) Select(ctx context.Context, roomID string) (*internal.RoomSummary, error) {
	var row roomRow
	err := t.db.GetContext(ctx, &row, t.db.Rebind(`SELECT `+roomColumns+` FROM clientsync_rooms WHERE room_id = ?`), roomID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqlutil.StorageError("RoomsTable.Select", err)
	}
	return row.summary()
}

// SelectAll loads every stored room. Rows which cannot be decoded are logged and skipped.
func (t *RoomsTable) SelectAll(ctx context.Context) ([]*internal.RoomSummary, error) {
	var rows []roomRow
	err := t.db.SelectContext(ctx, &rows, `SELECT `+roomColumns+` FROM clientsync_rooms ORDER BY room_id`)
	if err != nil {
		return nil, sqlutil.StorageError("RoomsTable.SelectAll", err)
	}
	summaries := make([]*internal.RoomSummary, 0, len(rows))
	for i := range rows {
		s, err := rows[i].summary()
		if err != nil {
			logger.Err(err).Str("room", rows[i].RoomID).Msg("skipping undecodable room")
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

const roomColumns = `room_id, name, avatar_url, last_message_event_id, last_message_body, last_message_type,
	last_message_sender, unread_count, participants_count, server_ts, last_server_ts, created_at, is_group,
	is_left, opponent, buckets, room_state`
