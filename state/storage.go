package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/sqlutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Max number of parameters in a single SQL command. sqlite is the lower of the two.
const (
	MaxPostgresParameters = 65535
	MaxSQLiteParameters   = 32766
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Storage is the local cache: the durable copy of rooms, messages, reactions, receipts and contacts.
// Every write is an upsert keyed by primary key so writers never need to coordinate.
type Storage struct {
	RoomsTable     *RoomsTable
	MessagesTable  *MessagesTable
	ReactionsTable *ReactionsTable
	ReceiptsTable  *ReceiptsTable
	ContactsTable  *ContactsTable
	DB             *sqlx.DB

	writeDuration *prometheus.HistogramVec
}

// Open the database at dsn with the given driver. sqlite databases are limited to a single
// connection.
func Open(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func NewStorageWithDB(db *sqlx.DB, addPrometheusMetrics bool) *Storage {
	s := &Storage{
		RoomsTable:     NewRoomsTable(db),
		MessagesTable:  NewMessagesTable(db),
		ReactionsTable: NewReactionsTable(db),
		ReceiptsTable:  NewReceiptsTable(db),
		ContactsTable:  NewContactsTable(db),
		DB:             db,
	}
	if addPrometheusMetrics {
		s.writeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clientsync",
			Subsystem: "storage",
			Name:      "write_duration_secs",
			Help:      "Time taken to write to the local cache",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"table"})
		prometheus.MustRegister(s.writeDuration)
	}
	s.RoomsTable.observe = s.observe
	s.MessagesTable.observe = s.observe
	return s
}

func (s *Storage) observe(table string, start time.Time) {
	if s.writeDuration == nil {
		return
	}
	s.writeDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
}

// Messages returns up to limit of the newest messages in the room, oldest first, with reactions attached.
func (s *Storage) Messages(ctx context.Context, roomID string, limit int) ([]internal.ChatMessage, error) {
	msgs, err := s.MessagesTable.SelectLatest(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}
	eventIDs := make([]string, len(msgs))
	for i := range msgs {
		eventIDs[i] = msgs[i].EventID
	}
	reactions, err := s.ReactionsTable.SelectForEvents(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Reactions = reactions[msgs[i].EventID]
	}
	return msgs, nil
}

// RemoveRoom forgets everything stored about a room.
func (s *Storage) RemoveRoom(ctx context.Context, roomID string) error {
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		for _, table := range []string{
			"clientsync_rooms", "clientsync_messages", "clientsync_reactions", "clientsync_receipts",
		} {
			_, err := txn.ExecContext(ctx, txn.Rebind(`DELETE FROM `+table+` WHERE room_id = ?`), roomID)
			if err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
		}
		return nil
	})
	return sqlutil.StorageError("RemoveRoom", err)
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
	s.UnregisterMetrics()
}

// UnregisterMetrics is for storage whose database belongs to someone else.
func (s *Storage) UnregisterMetrics() {
	if s.writeDuration != nil {
		prometheus.Unregister(s.writeDuration)
		s.writeDuration = nil
	}
}

// blobType is the binary column type for the driver in use.
func blobType(db *sqlx.DB) string {
	if db.DriverName() == DriverPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

func maxParameters(db *sqlx.DB) int {
	if db.DriverName() == DriverPostgres {
		return MaxPostgresParameters
	}
	return MaxSQLiteParameters
}
