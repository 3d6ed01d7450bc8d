package auth

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/store"
)

// ForgotPassword emails a reset link when the account exists. The result is
// the same whether or not it does; delivery failures are only logged.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return err
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Debug("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return apperr.Internal(err)
	}

	rt, err := s.tokens.GenerateResetPasswordToken(ctx, s.store, u)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.mailer.SendPasswordReset(ctx, u.Email, rt.Token, s.cfg.ResetTTL); err != nil {
		s.log.WithError(err).WithField("user_id", u.ID).Error("failed to send password reset email")
	}
	return nil
}

// ResetPassword consumes a reset token, replaces the password and revokes
// every refresh token of the user in one unit of work.
func (s *Service) ResetPassword(ctx context.Context, raw, password, confirm string) error {
	if raw == "" {
		return apperr.Validation(MsgTokenRequired)
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}
	if password != confirm {
		return apperr.BadRequest(MsgPasswordMismatch)
	}
	if _, err := s.tokens.ParseToken(raw, store.TokenResetPassword); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, MsgInvalidReset, err)
	}

	hash, err := hashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return apperr.Internal(err)
	}

	var userID string
	var revoked int64
	err = s.store.WithinTx(ctx, func(q store.Queries) error {
		rec, err := s.tokens.VerifyToken(ctx, q, raw, store.TokenResetPassword)
		if err != nil {
			return tokenError(err, apperr.BadRequest(MsgInvalidReset))
		}
		if err := q.DeleteToken(ctx, rec.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.BadRequest(MsgInvalidReset)
			}
			return err
		}
		if err := q.UpdateUserPassword(ctx, rec.UserID, hash); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound(MsgUserNotFound)
			}
			return err
		}
		userID = rec.UserID
		revoked, err = q.DeleteRefreshTokensForUser(ctx, rec.UserID)
		return err
	})
	if err != nil {
		return apperr.From(err)
	}

	s.log.WithFields(logrus.Fields{"user_id": userID, "sessions_revoked": revoked}).Info("password reset")
	return nil
}
