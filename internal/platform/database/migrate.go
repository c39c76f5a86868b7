package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ErrDirtySchema means a previous migration failed part-way and the schema
// needs manual repair before the service can start.
var ErrDirtySchema = errors.New("database schema is dirty")

// RunMigrations applies all pending up migrations found at migrationsURL
// (e.g. "file://migrations") and returns the resulting schema version.
func RunMigrations(databaseURL, migrationsURL string) (uint, error) {
	m, err := migrate.New(migrationsURL, databaseURL)
	if err != nil {
		return 0, fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()

	if _, dirty, verr := m.Version(); verr == nil && dirty {
		return 0, ErrDirtySchema
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("applying migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}
