// Package auth implements the account flows: signup, login, token refresh,
// email verification and password recovery.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/mail"
	"github.com/example/pulseauth/internal/store"
	"github.com/example/pulseauth/internal/token"
)

// Client-facing messages.
const (
	MsgEmailTaken          = "User with this email already exists"
	MsgInvalidCredentials  = "Incorrect email or password"
	MsgRefreshMissing      = "Refresh token not found"
	MsgPleaseAuthenticate  = "Please authenticate"
	MsgTokenRequired       = "Token is required"
	MsgInvalidVerification = "Invalid or expired verification token"
	MsgInvalidReset        = "Invalid or expired reset token"
	MsgAlreadyVerified     = "Email is already verified"
	MsgPasswordMismatch    = "Passwords do not match"
	MsgUserNotFound        = "User not found"
	MsgAccessRequired      = "Access token is required"
	MsgInvalidAccess       = "Invalid access token"
	MsgVerificationEmail   = "Error sending verification email"
)

// Mailer sends the account emails.
type Mailer interface {
	SendVerification(ctx context.Context, to, token string, ttl time.Duration) error
	SendPasswordReset(ctx context.Context, to, token string, ttl time.Duration) error
}

var _ Mailer = (*mail.Mailer)(nil)

type Config struct {
	BcryptCost      int
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// Service orchestrates the store, token service and mailer.
type Service struct {
	cfg    Config
	store  store.Store
	tokens *token.Service
	mailer Mailer
	log    logrus.FieldLogger
	// dummyHash is compared against when the email is unknown so both
	// failure paths cost one bcrypt comparison.
	dummyHash string
}

func NewService(cfg Config, st store.Store, tokens *token.Service, mailer Mailer, log logrus.FieldLogger) (*Service, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dummy, err := hashPassword("dummy-password-1!", cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: bcrypt cost %d: %w", cfg.BcryptCost, err)
	}
	return &Service{cfg: cfg, store: st, tokens: tokens, mailer: mailer, log: log, dummyHash: dummy}, nil
}

// SignupResult is returned by Signup.
type SignupResult struct {
	User              *store.User
	VerificationToken string
	Tokens            *token.AuthTokens
}

// Signup creates an unverified user together with its verification token,
// sends the verification email and issues a token pair. If the email cannot
// be sent the user is kept and an internal error is returned.
func (s *Service) Signup(ctx context.Context, email, password string) (*SignupResult, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, apperr.BadRequest(MsgEmailTaken)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal(err)
	}

	hash, err := hashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	u := &store.User{Email: email, PasswordHash: hash, Role: store.RoleUser}
	var verification *token.Response
	err = s.store.WithinTx(ctx, func(q store.Queries) error {
		if err := q.CreateUser(ctx, u); err != nil {
			return err
		}
		verification, err = s.tokens.GenerateVerificationToken(ctx, q, u)
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.BadRequest(MsgEmailTaken)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if err := s.mailer.SendVerification(ctx, u.Email, verification.Token, s.cfg.VerificationTTL); err != nil {
		s.log.WithError(err).WithField("user_id", u.ID).Error("failed to send verification email")
		return nil, apperr.Wrap(apperr.KindInternal, MsgVerificationEmail, err)
	}

	tokens, err := s.tokens.GenerateAuthTokens(ctx, s.store, u)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	s.log.WithField("user_id", u.ID).Info("user signed up")
	return &SignupResult{User: u, VerificationToken: verification.Token, Tokens: tokens}, nil
}

// LoginResult is returned by Login.
type LoginResult struct {
	User   *store.User
	Tokens *token.AuthTokens
}

// Login checks credentials and issues a token pair. Unknown email and wrong
// password fail identically.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperr.Validation("password is required")
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		comparePassword(s.dummyHash, password)
		return nil, apperr.Unauthorized(MsgInvalidCredentials)
	case err != nil:
		return nil, apperr.Internal(err)
	}
	if !comparePassword(u.PasswordHash, password) {
		return nil, apperr.Unauthorized(MsgInvalidCredentials)
	}

	tokens, err := s.tokens.GenerateAuthTokens(ctx, s.store, u)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &LoginResult{User: u, Tokens: tokens}, nil
}

// Refresh rotates the refresh token held in the cookie.
func (s *Service) Refresh(ctx context.Context, ciphertext string) (*token.AuthTokens, error) {
	if ciphertext == "" {
		return nil, apperr.Unauthorized(MsgRefreshMissing)
	}
	tokens, _, err := s.tokens.RefreshAuthTokens(ctx, ciphertext)
	if err != nil {
		return nil, tokenError(err, apperr.Unauthorized(MsgPleaseAuthenticate))
	}
	return tokens, nil
}

// Logout revokes the refresh token held in the cookie, if any.
func (s *Service) Logout(ctx context.Context, ciphertext string) error {
	if err := s.tokens.RevokeRefreshToken(ctx, ciphertext); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// tokenError maps token failures to the client error given. Anything else
// is internal.
func tokenError(err error, clientErr *apperr.Error) error {
	switch {
	case errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrTokenNotFound),
		errors.Is(err, token.ErrTokenExpired):
		clientErr.Err = err
		return clientErr
	default:
		return apperr.Internal(err)
	}
}
