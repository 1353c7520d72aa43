package state

import (
	"testing"

	"github.com/matrix-org/clientsync/testutils"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	return NewStorageWithDB(testutils.PrepareDB(t), false)
}
