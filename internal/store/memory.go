package store

import (
	"context"
	"sync"
	"time"
)

// memState is the data held by MemDB. Its methods assume the caller holds
// the MemDB lock.
type memState struct {
	users   map[string]User // by id
	emails  map[string]string
	tokens  map[string]Token
	refresh map[string]RefreshToken
}

func newMemState() *memState {
	return &memState{
		users:   map[string]User{},
		emails:  map[string]string{},
		tokens:  map[string]Token{},
		refresh: map[string]RefreshToken{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:   make(map[string]User, len(s.users)),
		emails:  make(map[string]string, len(s.emails)),
		tokens:  make(map[string]Token, len(s.tokens)),
		refresh: make(map[string]RefreshToken, len(s.refresh)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.emails {
		c.emails[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.refresh {
		c.refresh[k] = v
	}
	return c
}

// MemDB is an in-process Store. It is safe for concurrent use; transactions
// run against a copy of the data that replaces the original on commit.
type MemDB struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

func NewMemoryDB() *MemDB {
	return &MemDB{state: newMemState(), now: time.Now}
}

func (m *MemDB) WithinTx(ctx context.Context, fn func(q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memTx{state: staged, now: m.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *MemDB) Ping(ctx context.Context) error { return nil }
func (m *MemDB) Close() error                   { return nil }

// locked runs fn against the live state under the lock.
func (m *MemDB) locked(fn func(q *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{state: m.state, now: m.now})
}

func (m *MemDB) CreateUser(ctx context.Context, u *User) error {
	return m.locked(func(q *memTx) error { return q.CreateUser(ctx, u) })
}

func (m *MemDB) GetUserByID(ctx context.Context, id string) (u *User, err error) {
	err = m.locked(func(q *memTx) error {
		u, err = q.GetUserByID(ctx, id)
		return err
	})
	return u, err
}

func (m *MemDB) GetUserByEmail(ctx context.Context, email string) (u *User, err error) {
	err = m.locked(func(q *memTx) error {
		u, err = q.GetUserByEmail(ctx, email)
		return err
	})
	return u, err
}

func (m *MemDB) MarkUserVerified(ctx context.Context, id string) error {
	return m.locked(func(q *memTx) error { return q.MarkUserVerified(ctx, id) })
}

func (m *MemDB) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	return m.locked(func(q *memTx) error { return q.UpdateUserPassword(ctx, id, passwordHash) })
}

func (m *MemDB) CreateToken(ctx context.Context, t *Token) error {
	return m.locked(func(q *memTx) error { return q.CreateToken(ctx, t) })
}

func (m *MemDB) FindToken(ctx context.Context, value, userID string, typ TokenType) (t *Token, err error) {
	err = m.locked(func(q *memTx) error {
		t, err = q.FindToken(ctx, value, userID, typ)
		return err
	})
	return t, err
}

func (m *MemDB) DeleteToken(ctx context.Context, id string) error {
	return m.locked(func(q *memTx) error { return q.DeleteToken(ctx, id) })
}

func (m *MemDB) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	return m.locked(func(q *memTx) error { return q.CreateRefreshToken(ctx, t) })
}

func (m *MemDB) FindRefreshToken(ctx context.Context, encryptedToken string) (t *RefreshToken, err error) {
	err = m.locked(func(q *memTx) error {
		t, err = q.FindRefreshToken(ctx, encryptedToken)
		return err
	})
	return t, err
}

func (m *MemDB) DeleteRefreshToken(ctx context.Context, id string) error {
	return m.locked(func(q *memTx) error { return q.DeleteRefreshToken(ctx, id) })
}

func (m *MemDB) DeleteRefreshTokensForUser(ctx context.Context, userID string) (n int64, err error) {
	err = m.locked(func(q *memTx) error {
		n, err = q.DeleteRefreshTokensForUser(ctx, userID)
		return err
	})
	return n, err
}

// memTx implements Queries directly on a memState.
type memTx struct {
	state *memState
	now   func() time.Time
}

func (q *memTx) CreateUser(ctx context.Context, u *User) error {
	if _, ok := q.state.emails[u.Email]; ok {
		return ErrDuplicate
	}
	prepareUser(u, q.now())
	q.state.users[u.ID] = *u
	q.state.emails[u.Email] = u.ID
	return nil
}

func (q *memTx) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, ok := q.state.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (q *memTx) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	id, ok := q.state.emails[email]
	if !ok {
		return nil, ErrNotFound
	}
	return q.GetUserByID(ctx, id)
}

func (q *memTx) MarkUserVerified(ctx context.Context, id string) error {
	u, ok := q.state.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsVerified = true
	u.UpdatedAt = q.now()
	q.state.users[id] = u
	return nil
}

func (q *memTx) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	u, ok := q.state.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = q.now()
	q.state.users[id] = u
	return nil
}

func (q *memTx) CreateToken(ctx context.Context, t *Token) error {
	if _, ok := q.state.users[t.UserID]; !ok {
		return ErrNotFound
	}
	prepareToken(t, q.now())
	q.state.tokens[t.ID] = *t
	return nil
}

func (q *memTx) FindToken(ctx context.Context, value, userID string, typ TokenType) (*Token, error) {
	for _, t := range q.state.tokens {
		if t.Token == value && t.UserID == userID && t.Type == typ && !t.Revoked {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (q *memTx) DeleteToken(ctx context.Context, id string) error {
	if _, ok := q.state.tokens[id]; !ok {
		return ErrNotFound
	}
	delete(q.state.tokens, id)
	return nil
}

func (q *memTx) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	if _, ok := q.state.users[t.UserID]; !ok {
		return ErrNotFound
	}
	for _, existing := range q.state.refresh {
		if existing.EncryptedToken == t.EncryptedToken {
			return ErrDuplicate
		}
	}
	prepareRefreshToken(t, q.now())
	q.state.refresh[t.ID] = *t
	return nil
}

func (q *memTx) FindRefreshToken(ctx context.Context, encryptedToken string) (*RefreshToken, error) {
	for _, t := range q.state.refresh {
		if t.EncryptedToken == encryptedToken && !t.Revoked {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (q *memTx) DeleteRefreshToken(ctx context.Context, id string) error {
	if _, ok := q.state.refresh[id]; !ok {
		return ErrNotFound
	}
	delete(q.state.refresh, id)
	return nil
}

func (q *memTx) DeleteRefreshTokensForUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	for id, t := range q.state.refresh {
		if t.UserID == userID {
			delete(q.state.refresh, id)
			n++
		}
	}
	return n, nil
}
