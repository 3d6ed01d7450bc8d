package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

func postgresIsUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

// PostgresDB is a Store backed by PostgreSQL. The schema is owned by the
// migrations directory.
type PostgresDB struct {
	*SQLStore
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := newPostgresDB(d)
	p.dsn = dsn
	if err := p.Ping(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func newPostgresDB(d *sql.DB) *PostgresDB {
	return &PostgresDB{SQLStore: newSQLStore(d, dialect{name: "postgres", numbered: true, isUnique: postgresIsUnique})}
}
