package sync2

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/sqlutil"
)

// PaginationCursor records how far history has been fetched for a room. FirstEvent is the token to
// continue backwards from and LastEvent the token to continue forwards from.
type PaginationCursor struct {
	RoomID       string `db:"room_id"`
	FirstEvent   string `db:"first_event"`
	LastEvent    string `db:"last_event"`
	BackwardDone bool   `db:"backward_done"`
	ForwardDone  bool   `db:"forward_done"`
}

// From is the token to fetch the next page in dir from.
func (c *PaginationCursor) From(dir Direction) string {
	if dir == DirectionForward {
		return c.LastEvent
	}
	return c.FirstEvent
}

func (c *PaginationCursor) Done(dir Direction) bool {
	if dir == DirectionForward {
		return c.ForwardDone
	}
	return c.BackwardDone
}

// PaginationTable stores a PaginationCursor per room. Tokens only move by compare-and-swap so a stale
// writer can never move a cursor back.
type PaginationTable struct {
	db *sqlx.DB
}

func NewPaginationTable(db *sqlx.DB) *PaginationTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS clientsync_pagination (
		room_id TEXT NOT NULL PRIMARY KEY,
		first_event TEXT NOT NULL DEFAULT '',
		last_event TEXT NOT NULL DEFAULT '',
		backward_done BOOLEAN NOT NULL DEFAULT FALSE,
		forward_done BOOLEAN NOT NULL DEFAULT FALSE
	);`)
	return &PaginationTable{db}
}

// Cursor returns the room's cursor. A room which was never paginated has an empty cursor.
func (t *PaginationTable) Cursor(ctx context.Context, roomID string) (*PaginationCursor, error) {
	var c PaginationCursor
	err := t.db.GetContext(ctx, &c, t.db.Rebind(`SELECT room_id, first_event, last_event, backward_done, forward_done
	FROM clientsync_pagination WHERE room_id = ?`), roomID)
	if err == sql.ErrNoRows {
		return &PaginationCursor{RoomID: roomID}, nil
	}
	if err != nil {
		return nil, sqlutil.StorageError("PaginationTable.Cursor", err)
	}
	return &c, nil
}

// SeedBackward sets the backward token from a sync timeline's prev_batch, unless backward pagination
// has already started or finished. Returns true if the cursor was seeded.
func (t *PaginationTable) SeedBackward(ctx context.Context, roomID, prevBatch string) (bool, error) {
	if prevBatch == "" {
		return false, nil
	}
	n, err := sqlutil.ExecContext(ctx, t.db, t.db.Rebind(`
	INSERT INTO clientsync_pagination (room_id, first_event) VALUES (?, ?)
	ON CONFLICT (room_id) DO UPDATE SET first_event = excluded.first_event
	WHERE clientsync_pagination.first_event = '' AND clientsync_pagination.backward_done = FALSE`),
		roomID, prevBatch,
	)
	return n > 0, sqlutil.StorageError("PaginationTable.SeedBackward", err)
}

// Advance moves the token for dir from `from` to `to`. It only applies if the stored token is still
// `from`, and returns false if it was not.
func (t *PaginationTable) Advance(ctx context.Context, roomID string, dir Direction, from, to string) (bool, error) {
	col := tokenColumn(dir)
	n, err := sqlutil.ExecContext(ctx, t.db, t.db.Rebind(fmt.Sprintf(`
	INSERT INTO clientsync_pagination (room_id, %[1]s) VALUES (?, ?)
	ON CONFLICT (room_id) DO UPDATE SET %[1]s = excluded.%[1]s
	WHERE clientsync_pagination.%[1]s = ?`, col)),
		roomID, to, from,
	)
	if err != nil {
		return false, sqlutil.StorageError("PaginationTable.Advance", err)
	}
	// an insert only counts if nothing was stored, which is the same as an empty from
	return n > 0, nil
}

// MarkDone records that there is nothing more to fetch in dir.
func (t *PaginationTable) MarkDone(ctx context.Context, roomID string, dir Direction) error {
	col := "backward_done"
	if dir == DirectionForward {
		col = "forward_done"
	}
	_, err := t.db.ExecContext(ctx, t.db.Rebind(fmt.Sprintf(`
	INSERT INTO clientsync_pagination (room_id, %[1]s) VALUES (?, TRUE)
	ON CONFLICT (room_id) DO UPDATE SET %[1]s = TRUE`, col)),
		roomID,
	)
	return sqlutil.StorageError("PaginationTable.MarkDone", err)
}

func (t *PaginationTable) Delete(ctx context.Context, roomID string) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(`DELETE FROM clientsync_pagination WHERE room_id = ?`), roomID)
	return sqlutil.StorageError("PaginationTable.Delete", err)
}

func tokenColumn(dir Direction) string {
	if dir == DirectionForward {
		return "last_event"
	}
	return "first_event"
}
