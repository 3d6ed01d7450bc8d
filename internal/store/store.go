// Package store persists users, single-use tokens and encrypted refresh
// tokens. Adapters exist for PostgreSQL, SQLite and process memory; all of
// them implement the same unit-of-work contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup or delete matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("store: duplicate")
)

// Queries are the operations available both directly on a Store and inside
// a unit of work.
type Queries interface {
	// User operations
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	MarkUserVerified(ctx context.Context, id string) error
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error

	// Token operations
	CreateToken(ctx context.Context, t *Token) error
	// FindToken returns the non-revoked token matching value, owner and type.
	FindToken(ctx context.Context, value, userID string, typ TokenType) (*Token, error)
	DeleteToken(ctx context.Context, id string) error

	// Refresh token operations
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	// FindRefreshToken returns the non-revoked record holding ciphertext.
	FindRefreshToken(ctx context.Context, encryptedToken string) (*RefreshToken, error)
	// DeleteRefreshToken removes the record and returns ErrNotFound when it
	// was already gone. Exactly one of several concurrent callers succeeds.
	DeleteRefreshToken(ctx context.Context, id string) error
	DeleteRefreshTokensForUser(ctx context.Context, userID string) (int64, error)
}

// Store is a credential store.
type Store interface {
	Queries
	// WithinTx runs fn as one unit of work. Writes made through q are
	// committed only if fn returns nil and are rolled back otherwise.
	WithinTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

func newID() string { return uuid.NewString() }

// prepareUser fills generated fields before an insert.
func prepareUser(u *User, now time.Time) {
	if u.ID == "" {
		u.ID = newID()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
}

func prepareToken(t *Token, now time.Time) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
}

func prepareRefreshToken(t *RefreshToken, now time.Time) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
}
