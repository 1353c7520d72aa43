package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/sqlutil"
	"github.com/tidwall/sjson"
)

type messageRow struct {
	EventID   string `db:"event_id"`
	RoomID    string `db:"room_id"`
	Sender    string `db:"sender"`
	Body      string `db:"body"`
	Kind      string `db:"kind"`
	Timestamp int64  `db:"ts"`
	MediaURL  string `db:"media_url"`
	MediaMime string `db:"media_mimetype"`
	MediaSize int64  `db:"media_size"`
	Redacted  bool   `db:"redacted"`
	Edited    bool   `db:"edited"`
	ReplyTo   string `db:"reply_to"`
	Status    string `db:"status"`
	Event     []byte `db:"event"`
}

func (r *messageRow) message() internal.ChatMessage {
	return internal.ChatMessage{
		EventID:   r.EventID,
		RoomID:    r.RoomID,
		Sender:    r.Sender,
		Body:      r.Body,
		Kind:      internal.MessageKind(r.Kind),
		Timestamp: r.Timestamp,
		Media: internal.Media{
			URL:      r.MediaURL,
			MimeType: r.MediaMime,
			Size:     r.MediaSize,
		},
		Redacted: r.Redacted,
		Edited:   r.Edited,
		ReplyTo:  r.ReplyTo,
		Status:   internal.MessageStatus(r.Status),
		Event:    r.Event,
	}
}

func newMessageRow(m *internal.ChatMessage) messageRow {
	status := m.Status
	if status == "" {
		status = internal.MessageStatusSent
	}
	return messageRow{
		EventID:   m.EventID,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Body:      m.Body,
		Kind:      string(m.Kind),
		Timestamp: m.Timestamp,
		MediaURL:  m.Media.URL,
		MediaMime: m.Media.MimeType,
		MediaSize: m.Media.Size,
		Redacted:  m.Redacted,
		Edited:    m.Edited,
		ReplyTo:   m.ReplyTo,
		Status:    string(status),
		Event:     m.Event,
	}
}

// UpsertResult says what MessagesTable.Upsert did.
type UpsertResult int

const (
	MessageUnchanged UpsertResult = iota
	MessageInserted
	MessageUpdated
)

// MessagesTable stores ChatMessages keyed by event ID.
type MessagesTable struct {
	db      *sqlx.DB
	observe func(table string, start time.Time)
}

func NewMessagesTable(db *sqlx.DB) *MessagesTable {
	// make sure tables are made
	db.MustExec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS clientsync_messages (
		event_id TEXT NOT NULL PRIMARY KEY,
		room_id TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		ts BIGINT NOT NULL DEFAULT 0,
		media_url TEXT NOT NULL DEFAULT '',
		media_mimetype TEXT NOT NULL DEFAULT '',
		media_size BIGINT NOT NULL DEFAULT 0,
		redacted BOOLEAN NOT NULL DEFAULT FALSE,
		edited BOOLEAN NOT NULL DEFAULT FALSE,
		edit_ts BIGINT NOT NULL DEFAULT 0,
		reply_to TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'sent',
		event %s
	);
	CREATE INDEX IF NOT EXISTS clientsync_messages_room_ts_idx ON clientsync_messages(room_id, ts);
	`, blobType(db)))
	return &MessagesTable{db: db, observe: func(string, time.Time) {}}
}

// Upsert inserts the message, or updates its body in place if it is already stored with a different
// body. Redacted and edited messages keep their current body. A placeholder row written by a redaction
// or edit which arrived before its target is filled in with the rest of the message: for an edit this
// is the first time the message is seen, so it counts as inserted.
func (t *MessagesTable) Upsert(ctx context.Context, m *internal.ChatMessage) (UpsertResult, error) {
	defer t.observe("messages", time.Now())
	row := newMessageRow(m)
	res, err := t.db.NamedExecContext(ctx, `
	INSERT INTO clientsync_messages (event_id, room_id, sender, body, kind, ts, media_url, media_mimetype,
		media_size, redacted, edited, reply_to, status, event)
	VALUES (:event_id, :room_id, :sender, :body, :kind, :ts, :media_url, :media_mimetype,
		:media_size, :redacted, :edited, :reply_to, :status, :event)
	ON CONFLICT (event_id) DO NOTHING`, row)
	if err != nil {
		return MessageUnchanged, sqlutil.StorageError("MessagesTable.Upsert", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return MessageInserted, nil
	}
	// tombstone fill-in: the redaction got here first
	_, err = t.db.ExecContext(ctx, t.db.Rebind(`
	UPDATE clientsync_messages SET sender = ?, ts = ?, kind = ?, reply_to = ?
	WHERE event_id = ? AND redacted = TRUE AND ts = 0`),
		row.Sender, row.Timestamp, row.Kind, row.ReplyTo, row.EventID,
	)
	if err != nil {
		return MessageUnchanged, sqlutil.StorageError("MessagesTable.Upsert", err)
	}
	// edit placeholder fill-in: the edit got here first and its body wins
	n, err := sqlutil.ExecContext(ctx, t.db, t.db.Rebind(`
	UPDATE clientsync_messages SET sender = ?, ts = ?, kind = ?, reply_to = ?, media_url = ?, media_mimetype = ?,
		media_size = ?, event = ?
	WHERE event_id = ? AND redacted = FALSE AND ts = 0`),
		row.Sender, row.Timestamp, row.Kind, row.ReplyTo, row.MediaURL, row.MediaMime, row.MediaSize, row.Event, row.EventID,
	)
	if err != nil {
		return MessageUnchanged, sqlutil.StorageError("MessagesTable.Upsert", err)
	}
	if n > 0 {
		return MessageInserted, nil
	}
	n, err = sqlutil.ExecContext(ctx, t.db, t.db.Rebind(`
	UPDATE clientsync_messages SET body = ?, media_url = ?, media_mimetype = ?, media_size = ?, event = ?
	WHERE event_id = ? AND redacted = FALSE AND edited = FALSE AND body <> ?`),
		row.Body, row.MediaURL, row.MediaMime, row.MediaSize, row.Event, row.EventID, row.Body,
	)
	if err != nil {
		return MessageUnchanged, sqlutil.StorageError("MessagesTable.Upsert", err)
	}
	if n > 0 {
		return MessageUpdated, nil
	}
	return MessageUnchanged, nil
}

// Redact marks the event as redacted, replacing its body with a placeholder and dropping media and
// content. If the event is not stored yet a tombstone row is written so that the original stays
// redacted when it arrives. Returns the message as it was before redaction, or nil if it was unknown
// or already redacted.
func (t *MessagesTable) Redact(ctx context.Context, roomID, eventID string) (*internal.ChatMessage, error) {
	defer t.observe("messages", time.Now())
	prev, err := t.Select(ctx, eventID)
	if err != nil {
		return nil, err
	}
	var event []byte
	if prev != nil && len(prev.Event) > 0 {
		event, err = sjson.SetRawBytes(prev.Event, "content", []byte(`{}`))
		if err != nil {
			logger.Warn().Err(err).Str("event", eventID).Msg("failed to strip content of redacted event")
			event = nil
		}
	}
	_, err = t.db.ExecContext(ctx, t.db.Rebind(`
	INSERT INTO clientsync_messages (event_id, room_id, body, redacted, event) VALUES (?, ?, ?, TRUE, ?)
	ON CONFLICT (event_id) DO UPDATE SET redacted = TRUE, body = excluded.body, media_url = '',
		media_mimetype = '', media_size = 0, event = excluded.event`),
		eventID, roomID, internal.RedactedBody, event,
	)
	if err != nil {
		return nil, sqlutil.StorageError("MessagesTable.Redact", err)
	}
	if prev == nil || prev.Redacted {
		return nil, nil
	}
	return prev, nil
}

// ApplyEdit replaces the body of a non-redacted message with the body of an edit sent at editTS. Only
// newer edits apply. If the message is not stored yet a placeholder keeps the edit until it arrives.
// Returns true if a message changed.
func (t *MessagesTable) ApplyEdit(ctx context.Context, roomID, eventID, body string, editTS int64) (bool, error) {
	defer t.observe("messages", time.Now())
	n, err := sqlutil.ExecContext(ctx, t.db, t.db.Rebind(`
	INSERT INTO clientsync_messages (event_id, room_id, body, edited, edit_ts) VALUES (?, ?, ?, TRUE, ?)
	ON CONFLICT (event_id) DO UPDATE SET body = excluded.body, edited = TRUE, edit_ts = excluded.edit_ts
	WHERE clientsync_messages.redacted = FALSE AND clientsync_messages.edit_ts < excluded.edit_ts`),
		eventID, roomID, body, editTS)
	return n > 0, sqlutil.StorageError("MessagesTable.ApplyEdit", err)
}

// MarkRead sets every message in the room up to and including ts as read. Returns how many changed.
func (t *MessagesTable) MarkRead(ctx context.Context, roomID string, ts int64) (int64, error) {
	n, err := sqlutil.ExecContext(ctx, t.db, t.db.Rebind(`
	UPDATE clientsync_messages SET status = ?
	WHERE room_id = ? AND ts <= ? AND ts > 0 AND status <> ?`),
		string(internal.MessageStatusRead), roomID, ts, string(internal.MessageStatusRead),
	)
	return n, sqlutil.StorageError("MessagesTable.MarkRead", err)
}

// Select a message by event ID. Returns nil if it does not exist.
func (t *MessagesTable) Select(ctx context.Context, eventID string) (*internal.ChatMessage, error) {
	var row messageRow
	err := t.db.GetContext(ctx, &row, t.db.Rebind(`SELECT `+messageColumns+` FROM clientsync_messages WHERE event_id = ?`), eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqlutil.StorageError("MessagesTable.Select", err)
	}
	msg := row.message()
	return &msg, nil
}

// SelectLatest returns up to limit of the newest messages in the room, oldest first. Tombstones of
// events never seen are excluded.
func (t *MessagesTable) SelectLatest(ctx context.Context, roomID string, limit int) ([]internal.ChatMessage, error) {
	var rows []messageRow
	err := t.db.SelectContext(ctx, &rows, t.db.Rebind(`SELECT `+messageColumns+` FROM clientsync_messages
	WHERE room_id = ? AND ts > 0 ORDER BY ts DESC, event_id DESC LIMIT ?`), roomID, limit)
	if err != nil {
		return nil, sqlutil.StorageError("MessagesTable.SelectLatest", err)
	}
	msgs := make([]internal.ChatMessage, len(rows))
	for i := range rows {
		// reverse into ascending order
		msgs[len(rows)-1-i] = rows[i].message()
	}
	return msgs, nil
}

// SelectLatestVisible returns the newest non-redacted message in the room, or nil.
func (t *MessagesTable) SelectLatestVisible(ctx context.Context, roomID string) (*internal.ChatMessage, error) {
	var row messageRow
	err := t.db.GetContext(ctx, &row, t.db.Rebind(`SELECT `+messageColumns+` FROM clientsync_messages
	WHERE room_id = ? AND redacted = FALSE AND ts > 0 ORDER BY ts DESC, event_id DESC LIMIT 1`), roomID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqlutil.StorageError("MessagesTable.SelectLatestVisible", err)
	}
	msg := row.message()
	return &msg, nil
}

// Count returns the number of messages stored for the room, tombstones included.
func (t *MessagesTable) Count(ctx context.Context, roomID string) (count int, err error) {
	err = t.db.GetContext(ctx, &count, t.db.Rebind(`SELECT count(*) FROM clientsync_messages WHERE room_id = ?`), roomID)
	return count, sqlutil.StorageError("MessagesTable.Count", err)
}

const messageColumns = `event_id, room_id, sender, body, kind, ts, media_url, media_mimetype, media_size,
	redacted, edited, reply_to, status, event`
