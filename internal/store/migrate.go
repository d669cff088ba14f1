package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migration under dir to the database
// identified by driver ("sqlite" or "postgres") and dsn, idempotently
// (§4.1 "migrations that would duplicate a column are silently ignored" —
// golang-migrate's own version table makes re-runs a no-op, and schema
// scripts applied outside it tolerate duplicate-column errors via
// ExecuteScript). Grounded on vanducng-goclaw/cmd/migrate.go's
// golang-migrate wiring, generalized to either backend.
func Migrate(dir, driver, dsn string) error {
	var m *migrate.Migrate
	var err error

	switch driver {
	case "postgres":
		m, err = migrate.New("file://"+dir+"/postgres", dsn)
	case "sqlite":
		m, err = migrate.New("file://"+dir+"/sqlite", "sqlite://"+dsn)
	default:
		return fmt.Errorf("store: migrate: unknown driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("store: migrate: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate: up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the given number of migration steps, used by the
// `migrate down` CLI command for operator-driven rollback.
func MigrateDown(dir, driver, dsn string, steps int) error {
	var m *migrate.Migrate
	var err error

	switch driver {
	case "postgres":
		m, err = migrate.New("file://"+dir+"/postgres", dsn)
	case "sqlite":
		m, err = migrate.New("file://"+dir+"/sqlite", "sqlite://"+dsn)
	default:
		return fmt.Errorf("store: migrate: unknown driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("store: migrate: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate: down: %w", err)
	}
	return nil
}
