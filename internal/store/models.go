package store

import "time"

// Role is the authorization role carried in token claims.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// TokenType distinguishes the purpose a signed token was issued for.
type TokenType string

const (
	TokenAccess        TokenType = "ACCESS"
	TokenRefresh       TokenType = "REFRESH"
	TokenVerification  TokenType = "VERIFICATION"
	TokenResetPassword TokenType = "RESET_PASSWORD"
)

// Valid reports whether t is one of the known token types.
func (t TokenType) Valid() bool {
	switch t {
	case TokenAccess, TokenRefresh, TokenVerification, TokenResetPassword:
		return true
	}
	return false
}

// User represents a user in the system
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	IsVerified   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Token is a persisted single-use credential (verification or password reset).
// The signed token string is stored as issued.
type Token struct {
	ID        string
	UserID    string
	Token     string
	Type      TokenType
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// RefreshToken holds an encrypted refresh credential. The plaintext token is
// never persisted; EncryptedToken, IV, Salt and AuthTag are hex encoded.
type RefreshToken struct {
	ID             string
	UserID         string
	EncryptedToken string
	IV             string
	Salt           string
	AuthTag        string
	ExpiresAt      time.Time
	Revoked        bool
	CreatedAt      time.Time
}

// Expired reports whether the refresh token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }
