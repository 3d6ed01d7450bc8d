package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/example/pulseauth/internal/encryption"
	"github.com/example/pulseauth/internal/store"
)

// VerifyToken validates raw as a token of type typ and returns its live
// store record. The record is not consumed; callers delete it through the
// same Queries once the guarded mutation succeeds.
func (s *Service) VerifyToken(ctx context.Context, q store.Queries, raw string, typ store.TokenType) (*store.Token, error) {
	claims, err := s.ParseToken(raw, typ)
	if err != nil {
		return nil, err
	}
	t, err := q.FindToken(ctx, raw, claims.UserID, typ)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("token: find: %w", err)
	}
	if t.Expired(s.now()) {
		return nil, ErrInvalidToken
	}
	return t, nil
}

// RefreshAuthTokens exchanges the refresh ciphertext for a new pair. The old
// record is deleted before the new one is issued. When several callers
// present the same ciphertext concurrently only the one whose delete lands
// first proceeds; the others get ErrTokenNotFound. If issuing fails after the
// delete, the caller has to log in again.
func (s *Service) RefreshAuthTokens(ctx context.Context, ciphertext string) (*AuthTokens, *store.User, error) {
	if ciphertext == "" {
		return nil, nil, ErrTokenNotFound
	}
	rec, err := s.store.FindRefreshToken(ctx, ciphertext)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("token: find refresh: %w", err)
	}

	if rec.Expired(s.now()) {
		if err := s.store.DeleteRefreshToken(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).Warn("failed to delete expired refresh token")
		}
		return nil, nil, ErrTokenExpired
	}

	u, err := s.store.GetUserByID(ctx, rec.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, fmt.Errorf("token: load user: %w", err)
	}

	sealed := &encryption.Sealed{
		Ciphertext: rec.EncryptedToken,
		IV:         rec.IV,
		Salt:       rec.Salt,
		AuthTag:    rec.AuthTag,
	}
	plain, err := s.enc.Decrypt(sealed, Binding(u))
	if err != nil {
		s.log.WithFields(logrus.Fields{"user_id": u.ID, "refresh_id": rec.ID}).Warn("refresh token failed decryption")
		return nil, nil, ErrInvalidToken
	}
	claims, err := s.ParseToken(plain, store.TokenRefresh)
	if err != nil || claims.UserID != u.ID {
		return nil, nil, ErrInvalidToken
	}

	if err := s.store.DeleteRefreshToken(ctx, rec.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, fmt.Errorf("token: consume refresh: %w", err)
	}

	tokens, err := s.GenerateAuthTokens(ctx, s.store, u)
	if err != nil {
		return nil, nil, fmt.Errorf("token: reissue after rotation: %w", err)
	}
	return tokens, u, nil
}

// RevokeRefreshToken deletes the record holding ciphertext, if any.
func (s *Service) RevokeRefreshToken(ctx context.Context, ciphertext string) error {
	if ciphertext == "" {
		return nil
	}
	rec, err := s.store.FindRefreshToken(ctx, ciphertext)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("token: find refresh: %w", err)
	}
	if err := s.store.DeleteRefreshToken(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("token: revoke refresh: %w", err)
	}
	return nil
}
