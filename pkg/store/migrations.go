package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	goose "github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationMutex guards goose's package-level dialect/logger/base-FS
// globals, which are not safe for concurrent Up calls across stores.
// A single process only ever opens one store, but tests open many.
var migrationMutex sync.Mutex

// gooseZerologAdapter redirects goose's own log output through zerolog so
// migration messages land in the service's structured log stream instead
// of stdout.
type gooseZerologAdapter struct{}

func (gooseZerologAdapter) Printf(format string, v ...interface{}) {
	log.Info().Msgf(format, v...)
}

func (gooseZerologAdapter) Fatalf(format string, v ...interface{}) {
	log.Fatal().Msgf(format, v...)
}

func migrateUp(db *sql.DB) error {
	migrationMutex.Lock()
	defer migrationMutex.Unlock()

	goose.SetLogger(gooseZerologAdapter{})
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}
