package state

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/sqlutil"
)

// ReactionsTable holds at most one reaction per (target event, user).
type ReactionsTable struct {
	db *sqlx.DB
}

func NewReactionsTable(db *sqlx.DB) *ReactionsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS clientsync_reactions (
		event_id TEXT NOT NULL,
		target_event_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		reaction_key TEXT NOT NULL,
		ts BIGINT NOT NULL,
		UNIQUE(target_event_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS clientsync_reactions_event_idx ON clientsync_reactions(event_id);
	`)
	return &ReactionsTable{db}
}

// Upsert stores the reaction, replacing any older reaction by the same user on the same target.
// Returns true if the stored reaction changed.
func (t *ReactionsTable) Upsert(ctx context.Context, r internal.Reaction) (bool, error) {
	res, err := t.db.NamedExecContext(ctx, `
	INSERT INTO clientsync_reactions (event_id, target_event_id, room_id, user_id, reaction_key, ts)
	VALUES (:event_id, :target_event_id, :room_id, :user_id, :reaction_key, :ts)
	ON CONFLICT (target_event_id, user_id) DO UPDATE SET
		event_id = excluded.event_id, reaction_key = excluded.reaction_key, ts = excluded.ts
	WHERE excluded.ts >= clientsync_reactions.ts AND excluded.event_id <> clientsync_reactions.event_id`, r)
	if err != nil {
		return false, sqlutil.StorageError("ReactionsTable.Upsert", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteByEventID removes the reaction which was sent as eventID. Returns the removed reaction, or nil.
func (t *ReactionsTable) DeleteByEventID(ctx context.Context, eventID string) (*internal.Reaction, error) {
	var r internal.Reaction
	err := t.db.GetContext(ctx, &r, t.db.Rebind(`SELECT event_id, target_event_id, room_id, user_id, reaction_key, ts
	FROM clientsync_reactions WHERE event_id = ?`), eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqlutil.StorageError("ReactionsTable.DeleteByEventID", err)
	}
	_, err = t.db.ExecContext(ctx, t.db.Rebind(`DELETE FROM clientsync_reactions WHERE event_id = ?`), eventID)
	if err != nil {
		return nil, sqlutil.StorageError("ReactionsTable.DeleteByEventID", err)
	}
	return &r, nil
}

// SelectForEvents returns the reactions on each of the given events, ordered by timestamp.
func (t *ReactionsTable) SelectForEvents(ctx context.Context, eventIDs []string) (map[string][]internal.Reaction, error) {
	result := make(map[string][]internal.Reaction)
	if len(eventIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT event_id, target_event_id, room_id, user_id, reaction_key, ts
	FROM clientsync_reactions WHERE target_event_id IN (?) ORDER BY ts, user_id`, eventIDs)
	if err != nil {
		return nil, err
	}
	var reactions []internal.Reaction
	if err = t.db.SelectContext(ctx, &reactions, t.db.Rebind(query), args...); err != nil {
		return nil, sqlutil.StorageError("ReactionsTable.SelectForEvents", err)
	}
	for _, r := range reactions {
		result[r.TargetEventID] = append(result[r.TargetEventID], r)
	}
	return result, nil
}
