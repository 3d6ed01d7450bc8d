package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

func newMigrator(migrationsDir, dbURL string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, db, nil
}

// ApplyMigrations runs migrations from a local migrations directory against the provided Postgres DSN.
func ApplyMigrations(log logrus.FieldLogger, migrationsDir, dbURL string) error {
	m, db, err := newMigrator(migrationsDir, dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d). Manual intervention required", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.WithField("version", version).Info("database is up to date")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	if newVersion != version {
		log.WithFields(logrus.Fields{"from": version, "to": newVersion}).Info("migrated database")
	}
	return nil
}

// RollbackMigrations reverts steps migrations, or all of them when steps is 0.
func RollbackMigrations(migrationsDir, dbURL string, steps int) error {
	m, db, err := newMigrator(migrationsDir, dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// MigrateSteps applies steps migrations upward.
func MigrateSteps(migrationsDir, dbURL string, steps int) error {
	m, db, err := newMigrator(migrationsDir, dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := m.Steps(steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// MigrationVersion returns the current migration version
func MigrationVersion(migrationsDir, dbURL string) (uint, bool, error) {
	m, db, err := newMigrator(migrationsDir, dbURL)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// ForceMigrationVersion marks the database as being at version without
// running any migration, clearing a dirty flag.
func ForceMigrationVersion(migrationsDir, dbURL string, version int) error {
	m, db, err := newMigrator(migrationsDir, dbURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return m.Force(version)
}
