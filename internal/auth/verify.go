package auth

import (
	"context"
	"errors"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/store"
)

// VerifyEmail consumes a verification token and marks its owner verified.
func (s *Service) VerifyEmail(ctx context.Context, raw string) error {
	if raw == "" {
		return apperr.Validation(MsgTokenRequired)
	}

	var userID string
	err := s.store.WithinTx(ctx, func(q store.Queries) error {
		rec, err := s.tokens.VerifyToken(ctx, q, raw, store.TokenVerification)
		if err != nil {
			return tokenError(err, apperr.BadRequest(MsgInvalidVerification))
		}
		u, err := q.GetUserByID(ctx, rec.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound(MsgUserNotFound)
		}
		if err != nil {
			return err
		}
		if u.IsVerified {
			return apperr.BadRequest(MsgAlreadyVerified)
		}
		if err := q.DeleteToken(ctx, rec.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.BadRequest(MsgInvalidVerification)
			}
			return err
		}
		userID = u.ID
		return q.MarkUserVerified(ctx, u.ID)
	})
	if err != nil {
		return apperr.From(err)
	}

	s.log.WithField("user_id", userID).Info("email verified")
	return nil
}

// ResendVerification issues a fresh verification token for an unverified
// user and emails it.
func (s *Service) ResendVerification(ctx context.Context, userID string) error {
	u, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(MsgUserNotFound)
	}
	if err != nil {
		return apperr.Internal(err)
	}
	if u.IsVerified {
		return apperr.BadRequest(MsgAlreadyVerified)
	}

	vt, err := s.tokens.GenerateVerificationToken(ctx, s.store, u)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.mailer.SendVerification(ctx, u.Email, vt.Token, s.cfg.VerificationTTL); err != nil {
		s.log.WithError(err).WithField("user_id", u.ID).Error("failed to send verification email")
		return apperr.Wrap(apperr.KindInternal, MsgVerificationEmail, err)
	}
	return nil
}

// Authenticate resolves the user behind a bearer access token.
func (s *Service) Authenticate(ctx context.Context, raw string) (*store.User, error) {
	if raw == "" {
		return nil, apperr.Unauthorized(MsgAccessRequired)
	}
	claims, err := s.tokens.ParseToken(raw, store.TokenAccess)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, MsgInvalidAccess, err)
	}
	u, err := s.store.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Unauthorized(MsgInvalidAccess)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return u, nil
}
