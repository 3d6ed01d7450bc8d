package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the differences between the SQL adapters.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	isUnique func(error) bool
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlQueries implements Queries over database/sql. Times are stored as unix
// seconds so that both adapters share one schema shape.
type sqlQueries struct {
	db      dbtx
	dialect dialect
	now     func() time.Time
}

func (q *sqlQueries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.dialect.rebind(query), args...)
}

func (q *sqlQueries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.dialect.rebind(query), args...)
}

func (q *sqlQueries) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if q.dialect.isUnique != nil && q.dialect.isUnique(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s %s: %w", q.dialect.name, op, err)
}

// affected turns a zero-row write into ErrNotFound.
func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `id,email,password_hash,role,is_verified,created_at,updated_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var role string
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.IsVerified, &created, &updated); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.CreatedAt = time.Unix(created, 0)
	u.UpdatedAt = time.Unix(updated, 0)
	return &u, nil
}

func (q *sqlQueries) CreateUser(ctx context.Context, u *User) error {
	prepareUser(u, q.now())
	_, err := q.exec(ctx, `INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, string(u.Role), u.IsVerified, u.CreatedAt.Unix(), u.UpdatedAt.Unix())
	return q.translate("create user", err)
}

func (q *sqlQueries) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	return u, q.translate("get user", err)
}

func (q *sqlQueries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	return u, q.translate("get user by email", err)
}

func (q *sqlQueries) MarkUserVerified(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `UPDATE users SET is_verified = ?, updated_at = ? WHERE id = ?`, true, q.now().Unix(), id)
	if err != nil {
		return q.translate("mark verified", err)
	}
	return affected(res)
}

func (q *sqlQueries) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	res, err := q.exec(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, passwordHash, q.now().Unix(), id)
	if err != nil {
		return q.translate("update password", err)
	}
	return affected(res)
}

func (q *sqlQueries) CreateToken(ctx context.Context, t *Token) error {
	prepareToken(t, q.now())
	_, err := q.exec(ctx, `INSERT INTO tokens(id,user_id,token,type,expires_at,revoked,created_at) VALUES(?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Token, string(t.Type), t.ExpiresAt.Unix(), t.Revoked, t.CreatedAt.Unix())
	return q.translate("create token", err)
}

func (q *sqlQueries) FindToken(ctx context.Context, value, userID string, typ TokenType) (*Token, error) {
	row := q.queryRow(ctx, `SELECT id,user_id,token,type,expires_at,revoked,created_at FROM tokens
		WHERE token = ? AND user_id = ? AND type = ? AND revoked = ?`, value, userID, string(typ), false)
	var t Token
	var typeName string
	var expires, created int64
	if err := row.Scan(&t.ID, &t.UserID, &t.Token, &typeName, &expires, &t.Revoked, &created); err != nil {
		return nil, q.translate("find token", err)
	}
	t.Type = TokenType(typeName)
	t.ExpiresAt = time.Unix(expires, 0)
	t.CreatedAt = time.Unix(created, 0)
	return &t, nil
}

func (q *sqlQueries) DeleteToken(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return q.translate("delete token", err)
	}
	return affected(res)
}

func (q *sqlQueries) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	prepareRefreshToken(t, q.now())
	_, err := q.exec(ctx, `INSERT INTO refresh_tokens(id,user_id,encrypted_token,iv,salt,auth_tag,expires_at,revoked,created_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.EncryptedToken, t.IV, t.Salt, t.AuthTag, t.ExpiresAt.Unix(), t.Revoked, t.CreatedAt.Unix())
	return q.translate("create refresh token", err)
}

func (q *sqlQueries) FindRefreshToken(ctx context.Context, encryptedToken string) (*RefreshToken, error) {
	row := q.queryRow(ctx, `SELECT id,user_id,encrypted_token,iv,salt,auth_tag,expires_at,revoked,created_at
		FROM refresh_tokens WHERE encrypted_token = ? AND revoked = ?`, encryptedToken, false)
	var t RefreshToken
	var expires, created int64
	if err := row.Scan(&t.ID, &t.UserID, &t.EncryptedToken, &t.IV, &t.Salt, &t.AuthTag, &expires, &t.Revoked, &created); err != nil {
		return nil, q.translate("find refresh token", err)
	}
	t.ExpiresAt = time.Unix(expires, 0)
	t.CreatedAt = time.Unix(created, 0)
	return &t, nil
}

func (q *sqlQueries) DeleteRefreshToken(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, id)
	if err != nil {
		return q.translate("delete refresh token", err)
	}
	return affected(res)
}

func (q *sqlQueries) DeleteRefreshTokensForUser(ctx context.Context, userID string) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return 0, q.translate("delete user refresh tokens", err)
	}
	return res.RowsAffected()
}

// SQLStore is a Store over a *sql.DB.
type SQLStore struct {
	sqlQueries
	sqlDB *sql.DB
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{
		sqlQueries: sqlQueries{db: db, dialect: d, now: time.Now},
		sqlDB:      db,
	}
}

func (s *SQLStore) WithinTx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s begin: %w", s.dialect.name, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqlQueries{db: tx, dialect: s.dialect, now: s.now}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s commit: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.sqlDB.Close() }
