package storage

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migration sets shipped with the binary
const (
	SQLiteMigrations     = "migrations/sqlite"
	PostgresMigrations   = "migrations/postgres"
	ClickHouseMigrations = "migrations/clickhouse"
)

// RunSQLiteMigrations brings the job store schema up to date. The migrate
// instance is not closed because that would close the shared store handle.
func RunSQLiteMigrations(store *SQLiteDB) error {
	m, err := newSQLiteMigrate(store)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RollbackSQLiteMigrations rolls back the last job store migration
func RollbackSQLiteMigrations(store *SQLiteDB) error {
	m, err := newSQLiteMigrate(store)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// SQLiteMigrationVersion returns the current job store migration version
func SQLiteMigrationVersion(store *SQLiteDB) (version uint, dirty bool, err error) {
	m, err := newSQLiteMigrate(store)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

func newSQLiteMigrate(store *SQLiteDB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, SQLiteMigrations)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(store.DB().DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunPostgresMigrations runs the candidate database migrations
func RunPostgresMigrations(databaseURL string) error {
	m, err := newPostgresMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RollbackPostgresMigrations rolls back the last candidate database migration
func RollbackPostgresMigrations(databaseURL string) error {
	m, err := newPostgresMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// PostgresMigrationVersion returns the candidate database migration version
func PostgresMigrationVersion(databaseURL string) (version uint, dirty bool, err error) {
	m, err := newPostgresMigrate(databaseURL)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	version, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

func newPostgresMigrate(databaseURL string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, PostgresMigrations)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	// the pgx/v5 driver registers the pgx5 scheme
	if strings.HasPrefix(databaseURL, "postgres://") {
		databaseURL = "pgx5://" + strings.TrimPrefix(databaseURL, "postgres://")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}
