package migrations

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Go migrations register themselves in init(); goose only needs the directory to exist.
//
//go:embed *.go
var migrationFS embed.FS

var (
	mu       sync.Mutex
	bindType = sqlx.DOLLAR
)

// rebind converts a query written with ? placeholders to the dialect being migrated.
func rebind(query string) string {
	return sqlx.Rebind(bindType, query)
}

// Up runs all pending migrations. Tables must already exist, i.e. state.NewStorageWithDB has been
// called on this database.
func Up(db *sqlx.DB) error {
	mu.Lock()
	defer mu.Unlock()
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect(db.DriverName()); err != nil {
		return fmt.Errorf("migrations.Up: %w", err)
	}
	bindType = sqlx.BindType(db.DriverName())
	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("migrations.Up: %w", err)
	}
	return nil
}

type gooseLogger struct{}

func (gooseLogger) Fatal(v ...interface{}) {
	logger.Fatal().Msg(fmt.Sprint(v...))
}
func (gooseLogger) Fatalf(format string, v ...interface{}) {
	logger.Fatal().Msgf(format, v...)
}
func (gooseLogger) Print(v ...interface{}) {
	logger.Info().Msg(fmt.Sprint(v...))
}
func (gooseLogger) Println(v ...interface{}) {
	logger.Info().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}
func (gooseLogger) Printf(format string, v ...interface{}) {
	logger.Info().Msg(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}
