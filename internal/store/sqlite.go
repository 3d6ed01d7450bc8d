package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'USER',
		is_verified INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token TEXT NOT NULL,
		type TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS tokens_lookup_idx ON tokens(token, user_id, type);`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		encrypted_token TEXT NOT NULL UNIQUE,
		iv TEXT NOT NULL,
		salt TEXT NOT NULL,
		auth_tag TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_user_idx ON refresh_tokens(user_id);`,
}

func sqliteIsUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// The driver enables extended result codes.
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// SQLiteDB is a Store backed by a SQLite file.
type SQLiteDB struct {
	*SQLStore
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// coherent across queries.
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{SQLStore: newSQLStore(d, dialect{name: "sqlite", isUnique: sqliteIsUnique}), path: path}
	if err := s.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init(ctx context.Context) error {
	for _, q := range sqliteSchema {
		if _, err := s.sqlDB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	return nil
}
