package token

import (
	"context"
	"fmt"

	"github.com/example/pulseauth/internal/store"
)

// GenerateAuthTokens mints an access/refresh pair for u. The refresh JWT is
// encrypted bound to u and only its ciphertext is persisted through q and
// returned.
func (s *Service) GenerateAuthTokens(ctx context.Context, q store.Queries, u *store.User) (*AuthTokens, error) {
	now := s.now()

	accessExpires := now.Add(s.cfg.AccessTTL)
	access, err := s.GenerateToken(u, store.TokenAccess, accessExpires)
	if err != nil {
		return nil, err
	}

	refreshExpires := now.Add(s.cfg.RefreshTTL)
	refresh, err := s.GenerateToken(u, store.TokenRefresh, refreshExpires)
	if err != nil {
		return nil, err
	}
	sealed, err := s.enc.Encrypt(refresh, Binding(u))
	if err != nil {
		return nil, fmt.Errorf("token: encrypt refresh: %w", err)
	}

	rec := &store.RefreshToken{
		UserID:         u.ID,
		EncryptedToken: sealed.Ciphertext,
		IV:             sealed.IV,
		Salt:           sealed.Salt,
		AuthTag:        sealed.AuthTag,
		ExpiresAt:      refreshExpires,
	}
	if err := q.CreateRefreshToken(ctx, rec); err != nil {
		return nil, fmt.Errorf("token: save refresh: %w", err)
	}

	return &AuthTokens{
		Access:  Response{Token: access, Expires: accessExpires},
		Refresh: Response{Token: sealed.Ciphertext, Expires: refreshExpires},
	}, nil
}

// GenerateVerificationToken mints and persists an email verification token.
// Call it with the Queries of the unit of work that created u.
func (s *Service) GenerateVerificationToken(ctx context.Context, q store.Queries, u *store.User) (*Response, error) {
	return s.generateStored(ctx, q, u, store.TokenVerification)
}

// GenerateResetPasswordToken mints and persists a password reset token.
func (s *Service) GenerateResetPasswordToken(ctx context.Context, q store.Queries, u *store.User) (*Response, error) {
	return s.generateStored(ctx, q, u, store.TokenResetPassword)
}

func (s *Service) generateStored(ctx context.Context, q store.Queries, u *store.User, typ store.TokenType) (*Response, error) {
	expires := s.now().Add(s.ttlFor(typ))
	raw, err := s.GenerateToken(u, typ, expires)
	if err != nil {
		return nil, err
	}
	t := &store.Token{UserID: u.ID, Token: raw, Type: typ, ExpiresAt: expires}
	if err := q.CreateToken(ctx, t); err != nil {
		return nil, fmt.Errorf("token: save %s: %w", typ, err)
	}
	return &Response{Token: raw, Expires: expires}, nil
}
