// Package token mints, verifies and rotates the signed credentials issued by
// the service. Access tokens are stateless; refresh, verification and reset
// tokens are backed by a store record that is deleted when consumed.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/pulseauth/internal/encryption"
	"github.com/example/pulseauth/internal/store"
)

var (
	// ErrInvalidToken covers bad signatures, expiry, wrong type and failed
	// decryption. Callers must not learn which one occurred.
	ErrInvalidToken = errors.New("token: invalid or expired")
	// ErrTokenNotFound means no live record backs the token: it was never
	// issued, has been consumed or has been revoked.
	ErrTokenNotFound = errors.New("token: not found")
	// ErrTokenExpired is returned when a stored refresh record is past its
	// expiry.
	ErrTokenExpired = errors.New("token: expired")
)

// Claims is the signed payload of every token.
type Claims struct {
	UserID    string          `json:"subject"`
	Email     string          `json:"email,omitempty"`
	Role      store.Role      `json:"role"`
	IssueDate int64           `json:"issueDate"`
	ExpTime   int64           `json:"expTime"`
	Type      store.TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Config holds signing secrets and lifetimes.
type Config struct {
	Secret          []byte
	RefreshSecret   []byte
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// Response is a token and the instant it stops being valid.
type Response struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// AuthTokens is an issued access/refresh pair. Refresh.Token is the hex
// ciphertext of the refresh JWT, never the plaintext.
type AuthTokens struct {
	Access  Response
	Refresh Response
}

// Service issues and verifies tokens.
type Service struct {
	cfg   Config
	enc   *encryption.Engine
	store store.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewService(cfg Config, enc *encryption.Engine, st store.Store, log logrus.FieldLogger) (*Service, error) {
	if len(cfg.Secret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token: signing secrets are required")
	}
	if enc == nil || st == nil {
		return nil, errors.New("token: encryption engine and store are required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{cfg: cfg, enc: enc, store: st, log: log, now: time.Now}, nil
}

// Binding returns the identity string refresh ciphertexts are bound to.
func Binding(u *store.User) string { return u.Email + u.ID }

func (s *Service) secretFor(typ store.TokenType) []byte {
	if typ == store.TokenRefresh {
		return s.cfg.RefreshSecret
	}
	return s.cfg.Secret
}

func (s *Service) ttlFor(typ store.TokenType) time.Duration {
	switch typ {
	case store.TokenRefresh:
		return s.cfg.RefreshTTL
	case store.TokenVerification:
		return s.cfg.VerificationTTL
	case store.TokenResetPassword:
		return s.cfg.ResetTTL
	default:
		return s.cfg.AccessTTL
	}
}

// GenerateToken signs a token of type typ for u that expires at expires.
func (s *Service) GenerateToken(u *store.User, typ store.TokenType, expires time.Time) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("token: unknown type %q", typ)
	}
	now := s.now()
	claims := Claims{
		UserID:    u.ID,
		Role:      u.Role,
		IssueDate: now.Unix(),
		ExpTime:   expires.Unix(),
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	if typ == store.TokenRefresh {
		claims.Email = u.Email
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretFor(typ))
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// ParseToken checks signature, expiry and type. Every failure is
// ErrInvalidToken.
func (s *Service) ParseToken(raw string, typ store.TokenType) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secretFor(typ), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != typ || claims.UserID == "" || claims.UserID != claims.Subject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
