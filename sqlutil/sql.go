package sqlutil

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
)

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolled back
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// Execer is satisfied by *sqlx.DB and *sqlx.Tx so table methods can run in or out of a transaction.
type Execer interface {
	sqlx.ExtContext
}

// StorageError wraps a database failure as a storage error so callers can treat it as a no-op.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &internal.Error{
		Kind: internal.KindStorage,
		Err:  fmt.Errorf("%s: %w", op, err),
	}
}

// Chunker is a list of things which can be inserted in chunks.
type Chunker interface {
	Len() int
	Subslice(i, j int) Chunker
}

// Chunkify will break up things to be inserted based on the number of params in the statement.
// It is required because postgres has a limit on the number of params in a single statement (65535),
// and sqlite a much lower one (32766 since 3.32, 999 before).
func Chunkify(numParamsPerStmt, maxParamsPerCall int, entries Chunker) []Chunker {
	// common case, most things are small
	if (entries.Len() * numParamsPerStmt) <= maxParamsPerCall {
		return []Chunker{
			entries,
		}
	}
	var chunks []Chunker
	// work out how many entries we can fit in a single call
	entriesPerChunk := maxParamsPerCall / numParamsPerStmt
	if entriesPerChunk < 1 {
		entriesPerChunk = 1
	}
	for i := 0; i < entries.Len(); i += entriesPerChunk {
		endIndex := i + entriesPerChunk
		if endIndex > entries.Len() {
			endIndex = entries.Len()
		}
		chunks = append(chunks, entries.Subslice(i, endIndex))
	}
	return chunks
}

// ExecContext runs a statement and returns the number of rows it touched.
func ExecContext(ctx context.Context, e Execer, query string, args ...interface{}) (int64, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
