// Package migrations owns the schema of the SQLite byte store.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// ErrSchemaAhead means the store was written by a newer capsync build.
var ErrSchemaAhead = errors.New("store schema is newer than this build")

// Schema is a store's schema version next to the newest one this build
// ships. Current is 0 for a store that was never migrated.
type Schema struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// UpToDate reports whether the store needs no migration.
func (s Schema) UpToDate() bool {
	return !s.Dirty && s.Current == s.Latest
}

// Inspect reads the schema version of db without changing it.
func Inspect(db *sql.DB) (Schema, error) {
	// m is never closed: that would close db, which the caller owns.
	m, err := newMigrate(db)
	if err != nil {
		return Schema{}, err
	}
	return inspect(m)
}

// MigrateUp brings db to the latest schema. A store left dirty by a failed
// migration, or one ahead of this build, is refused untouched.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	s, err := inspect(m)
	if err != nil {
		return err
	}
	switch {
	case s.Dirty:
		return fmt.Errorf("store schema is dirty at version %d; a previous migration failed", s.Current)
	case s.Current > s.Latest:
		return fmt.Errorf("%w: store at version %d, build at %d", ErrSchemaAhead, s.Current, s.Latest)
	case s.UpToDate():
		return nil
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating store schema from %d to %d: %w", s.Current, s.Latest, err)
	}
	return nil
}

func inspect(m *migrate.Migrate) (Schema, error) {
	latest, err := latestVersion()
	if err != nil {
		return Schema{}, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Schema{Latest: latest}, nil
	}
	if err != nil {
		return Schema{}, fmt.Errorf("reading store schema version: %w", err)
	}
	return Schema{Current: version, Latest: latest, Dirty: dirty}, nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("reading migration files: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// latestVersion is the highest migration embedded in this build.
func latestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("reading migration files: %w", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("reading first migration: %w", err)
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}
