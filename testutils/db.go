package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var sqliteCounter atomic.Int64

func createLocalDB(dbName string) string {
	fmt.Println("Note: tests require a postgres install accessible to the current user")
	dropDB := exec.Command("dropdb", "-f", dbName)
	dropDB.Stdout = os.Stdout
	dropDB.Stderr = os.Stderr
	dropDB.Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	if err := createDB.Run(); err != nil {
		fmt.Println("createdb failed: ", err)
		os.Exit(2)
	}
	return dbName
}

func currentUser() string {
	user, err := user.Current()
	if err != nil {
		fmt.Println("cannot get current user: ", err)
		os.Exit(2)
	}
	return user.Username
}

func PrepareDBConnectionString(wantDBName string) (connStr string) {
	// Required vars: user and db
	// We'll try to infer from the local env if they are missing
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = currentUser()
	}
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = createLocalDB(wantDBName)
	}
	connStr = fmt.Sprintf(
		"user=%s dbname=%s sslmode=disable",
		user, dbName,
	)
	// optional vars, used in CI
	password := os.Getenv("POSTGRES_PASSWORD")
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	host := os.Getenv("POSTGRES_HOST")
	if host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	return
}

// SQLiteMemoryDSN returns a DSN for a fresh in-memory sqlite database. The name is unique per call so
// tests do not see each other's rows.
func SQLiteMemoryDSN(name string) string {
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)
	return fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, sqliteCounter.Add(1))
}

// PrepareDB returns an empty database for a test. By default this is an in-memory sqlite database;
// set CLIENTSYNC_TEST_POSTGRES=1 to run against postgres instead, which is then shared by the whole
// package so tests must use distinct room IDs.
func PrepareDB(t testing.TB) *sqlx.DB {
	t.Helper()
	if os.Getenv("CLIENTSYNC_TEST_POSTGRES") == "1" {
		db, err := sqlx.Open("postgres", PrepareDBConnectionString("clientsync_test"))
		if err != nil {
			t.Fatalf("failed to open postgres: %s", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}
	db, err := sqlx.Open("sqlite3", SQLiteMemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("failed to open sqlite: %s", err)
	}
	// an in-memory database disappears with its last connection, and sqlite only has one writer
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
