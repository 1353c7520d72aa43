package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/sqlutil"
)

type receiptEDU struct {
	Type    string `json:"type"`
	Content map[string]struct {
		Read        map[string]receiptInfo `json:"m.read,omitempty"`
		ReadPrivate map[string]receiptInfo `json:"m.read.private,omitempty"`
	} `json:"content"`
}

type receiptInfo struct {
	TS       int64  `json:"ts"`
	ThreadID string `json:"thread_id,omitempty"`
}

// ReceiptsTable stores the latest receipt per (room, user, thread, visibility).
type ReceiptsTable struct {
	db *sqlx.DB
}

func NewReceiptsTable(db *sqlx.DB) *ReceiptsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS clientsync_receipts (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		is_private BOOLEAN NOT NULL,
		event_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		UNIQUE(room_id, user_id, thread_id, is_private)
	);
	-- for querying all receipts for a user in a room, need to search by user id
	CREATE INDEX IF NOT EXISTS clientsync_receipts_by_user_idx ON clientsync_receipts(room_id, user_id);
	`)
	return &ReceiptsTable{db}
}

// Insert new receipts based on a receipt EDU. Receipts only move forward in time.
// Returns newly inserted or advanced receipts, or nil if there are none.
func (t *ReceiptsTable) Insert(ctx context.Context, roomID string, ephEvent json.RawMessage) (receipts []internal.Receipt, err error) {
	readReceipts, privateReceipts, err := unpackReceiptsFromEDU(roomID, ephEvent)
	if err != nil {
		return nil, &internal.Error{Kind: internal.KindMalformed, Err: err}
	}
	all := append(readReceipts, privateReceipts...)
	if len(all) == 0 {
		return nil, nil
	}
	err = sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		receipts, err = t.bulkInsert(ctx, txn, all)
		return err
	})
	if err != nil {
		return nil, sqlutil.StorageError("ReceiptsTable.Insert", err)
	}
	return receipts, nil
}

// SelectLatestByUser returns, for every user with a receipt in the room, the timestamp of their
// newest receipt across threads.
func (t *ReceiptsTable) SelectLatestByUser(ctx context.Context, roomID string) (map[string]int64, error) {
	var rows []struct {
		UserID string `db:"user_id"`
		TS     int64  `db:"ts"`
	}
	err := t.db.SelectContext(ctx, &rows, t.db.Rebind(`SELECT user_id, MAX(ts) AS ts FROM clientsync_receipts
	WHERE room_id = ? GROUP BY user_id`), roomID)
	if err != nil {
		return nil, sqlutil.StorageError("ReceiptsTable.SelectLatestByUser", err)
	}
	result := make(map[string]int64, len(rows))
	for _, r := range rows {
		result[r.UserID] = r.TS
	}
	return result, nil
}

// Select all (including private) receipts for this user in this room.
func (t *ReceiptsTable) SelectReceiptsForUser(ctx context.Context, roomID, userID string) (receipts []internal.Receipt, err error) {
	err = t.db.SelectContext(ctx, &receipts, t.db.Rebind(`SELECT room_id, event_id, user_id, ts, thread_id, is_private
	FROM clientsync_receipts WHERE room_id = ? AND user_id = ?`), roomID, userID)
	return receipts, sqlutil.StorageError("ReceiptsTable.SelectReceiptsForUser", err)
}

func (t *ReceiptsTable) bulkInsert(ctx context.Context, txn *sqlx.Tx, receipts []internal.Receipt) (newReceipts []internal.Receipt, err error) {
	// one row at a time, so we can tell which receipts actually moved
	for _, r := range receipts {
		res, err := txn.NamedExecContext(ctx, `
		INSERT INTO clientsync_receipts (room_id, event_id, user_id, ts, thread_id, is_private)
		VALUES (:room_id, :event_id, :user_id, :ts, :thread_id, :is_private)
		ON CONFLICT (room_id, user_id, thread_id, is_private) DO UPDATE SET event_id = excluded.event_id, ts = excluded.ts
		WHERE clientsync_receipts.event_id <> excluded.event_id AND excluded.ts >= clientsync_receipts.ts`, r)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			newReceipts = append(newReceipts, r)
		}
	}
	return newReceipts, nil
}

func unpackReceiptsFromEDU(roomID string, ephEvent json.RawMessage) (readReceipts, privateReceipts []internal.Receipt, err error) {
	// unpack the receipts, of the form:
	//  {
	//		"content": {
	//		  "$1435641916114394fHBLK:matrix.org": {
	//			"m.read": {
	//			  "@rikj:jki.re": {
	//				"ts": 1436451550453,
	//  			"thread_id": "$aaabbbccc"
	//			  }
	//			},
	//			"m.read.private": {
	//			  "@self:example.org": {
	//				"ts": 1661384801651
	//			  }
	//			}
	//		  }
	//		},
	//		"type": "m.receipt"
	//  }
	var edu receiptEDU
	if err := json.Unmarshal(ephEvent, &edu); err != nil {
		return nil, nil, fmt.Errorf("unpackReceiptsFromEDU: %w", err)
	}
	if edu.Type != internal.EventTypeReceipt {
		return
	}
	for eventID, content := range edu.Content {
		for userID, val := range content.Read {
			readReceipts = append(readReceipts, internal.Receipt{
				UserID:   userID,
				RoomID:   roomID,
				EventID:  eventID,
				TS:       val.TS,
				ThreadID: val.ThreadID,
			})
		}
		for userID, val := range content.ReadPrivate {
			privateReceipts = append(privateReceipts, internal.Receipt{
				UserID:    userID,
				RoomID:    roomID,
				EventID:   eventID,
				TS:        val.TS,
				ThreadID:  val.ThreadID,
				IsPrivate: true,
			})
		}
	}
	return readReceipts, privateReceipts, nil
}
