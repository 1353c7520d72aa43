package sync2

import (
	"context"
	"database/sql"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/sqlutil"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// CursorsTable remembers the sync since token per session.
type CursorsTable struct {
	db *sqlx.DB
}

func NewCursorsTable(db *sqlx.DB) *CursorsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS clientsync_sync_cursors (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		since TEXT NOT NULL,
		PRIMARY KEY (user_id, device_id)
	);`)

	return &CursorsTable{
		db: db,
	}
}

// Since returns the stored since token, or "" if this session has never synced.
func (t *CursorsTable) Since(ctx context.Context, userID, deviceID string) (since string, err error) {
	err = t.db.GetContext(ctx, &since, t.db.Rebind(
		`SELECT since FROM clientsync_sync_cursors WHERE user_id = ? AND device_id = ?`,
	), userID, deviceID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return since, sqlutil.StorageError("CursorsTable.Since", err)
}

func (t *CursorsTable) UpdateSince(ctx context.Context, userID, deviceID, since string) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(`
	INSERT INTO clientsync_sync_cursors (user_id, device_id, since) VALUES (?, ?, ?)
	ON CONFLICT (user_id, device_id) DO UPDATE SET since = excluded.since`),
		userID, deviceID, since,
	)
	return sqlutil.StorageError("CursorsTable.UpdateSince", err)
}

// RemoveDevice forgets the session's since token, so the next sync starts from scratch.
func (t *CursorsTable) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(
		`DELETE FROM clientsync_sync_cursors WHERE user_id = ? AND device_id = ?`,
	), userID, deviceID)
	logger.Info().Str("user", userID).Str("device", deviceID).Msg("Deleting sync cursor")
	return sqlutil.StorageError("CursorsTable.RemoveDevice", err)
}
