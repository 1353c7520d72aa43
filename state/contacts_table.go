package state

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/sqlutil"
)

type contactRow struct {
	internal.Contact
	UpdatedAt int64 `db:"updated_at"`
}

// ContactsTable is the persisted part of the contact directory: the last known profile of each user.
type ContactsTable struct {
	db *sqlx.DB
}

func NewContactsTable(db *sqlx.DB) *ContactsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS clientsync_contacts (
		user_id TEXT NOT NULL PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL DEFAULT 0
	);
	`)
	return &ContactsTable{db}
}

// Upsert stores profiles. Placeholder contacts are ignored.
func (t *ContactsTable) Upsert(ctx context.Context, contacts ...internal.Contact) error {
	now := time.Now().UnixMilli()
	rows := make(contactChunker, 0, len(contacts))
	for _, c := range contacts {
		if c.Placeholder || c.UserID == "" {
			continue
		}
		rows = append(rows, contactRow{Contact: c, UpdatedAt: now})
	}
	if len(rows) == 0 {
		return nil
	}
	chunks := sqlutil.Chunkify(4, maxParameters(t.db), rows)
	for _, chunk := range chunks {
		_, err := t.db.NamedExecContext(ctx, `
		INSERT INTO clientsync_contacts (user_id, display_name, avatar_url, updated_at)
		VALUES (:user_id, :display_name, :avatar_url, :updated_at)
		ON CONFLICT (user_id) DO UPDATE SET display_name = excluded.display_name,
			avatar_url = excluded.avatar_url, updated_at = excluded.updated_at`, []contactRow(chunk.(contactChunker)))
		if err != nil {
			return sqlutil.StorageError("ContactsTable.Upsert", err)
		}
	}
	return nil
}

// Select the stored profiles of the given users. Unknown users are absent from the result.
func (t *ContactsTable) Select(ctx context.Context, userIDs []string) (map[string]internal.Contact, error) {
	result := make(map[string]internal.Contact, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT user_id, display_name, avatar_url FROM clientsync_contacts WHERE user_id IN (?)`, userIDs)
	if err != nil {
		return nil, err
	}
	var contacts []internal.Contact
	if err = t.db.SelectContext(ctx, &contacts, t.db.Rebind(query), args...); err != nil {
		return nil, sqlutil.StorageError("ContactsTable.Select", err)
	}
	for _, c := range contacts {
		result[c.UserID] = c
	}
	return result, nil
}

type contactChunker []contactRow

func (c contactChunker) Len() int {
	return len(c)
}
func (c contactChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}
