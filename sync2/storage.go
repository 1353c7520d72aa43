package sync2

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Storage holds the sync cursors and the session. It shares the local cache's database.
type Storage struct {
	CursorsTable    *CursorsTable
	PaginationTable *PaginationTable
	TokensTable     *TokensTable
	DB              *sqlx.DB
}

func NewStoreWithDB(db *sqlx.DB, secret string) *Storage {
	return &Storage{
		CursorsTable:    NewCursorsTable(db),
		PaginationTable: NewPaginationTable(db),
		TokensTable:     NewTokensTable(db, secret),
		DB:              db,
	}
}

// RemoveRoom forgets the room's pagination progress.
func (s *Storage) RemoveRoom(ctx context.Context, roomID string) error {
	return s.PaginationTable.Delete(ctx, roomID)
}
