package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/encryption"
	"github.com/example/pulseauth/internal/mail"
	"github.com/example/pulseauth/internal/store"
	"github.com/example/pulseauth/internal/token"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "Str0ng!pass"
)

type harness struct {
	svc    *Service
	db     *store.MemDB
	tokens *token.Service
	outbox *mail.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()

	enc, err := encryption.New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	db := store.NewMemoryDB()
	tokens, err := token.NewService(token.Config{
		Secret:          []byte("access-secret"),
		RefreshSecret:   []byte("refresh-secret"),
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      7 * 24 * time.Hour,
		VerificationTTL: 15 * time.Minute,
		ResetTTL:        10 * time.Minute,
	}, enc, db, log)
	require.NoError(t, err)

	outbox := &mail.Recorder{}
	svc, err := NewService(Config{
		BcryptCost:      bcrypt.MinCost,
		VerificationTTL: 15 * time.Minute,
		ResetTTL:        10 * time.Minute,
	}, db, tokens, mail.NewMailer(outbox, "http://localhost:8080"), log)
	require.NoError(t, err)

	return &harness{svc: svc, db: db, tokens: tokens, outbox: outbox}
}

func (h *harness) signup(t *testing.T) *SignupResult {
	t.Helper()
	res, err := h.svc.Signup(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	return res
}

func requireKind(t *testing.T, err error, kind apperr.Kind, message string) {
	t.Helper()
	require.Error(t, err)
	e := apperr.From(err)
	assert.Equal(t, kind, e.Kind, e.Error())
	if message != "" {
		assert.Equal(t, message, e.Message)
	}
}

func TestSignup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.signup(t)
	assert.False(t, res.User.IsVerified)
	assert.Equal(t, store.RoleUser, res.User.Role)
	assert.NotEqual(t, testPassword, res.User.PasswordHash)
	assert.NotEmpty(t, res.Tokens.Access.Token)
	assert.NotEmpty(t, res.Tokens.Refresh.Token)

	stored, err := h.db.GetUserByEmail(ctx, testEmail)
	require.NoError(t, err)
	assert.False(t, stored.IsVerified)

	_, err = h.db.FindToken(ctx, res.VerificationToken, stored.ID, store.TokenVerification)
	assert.NoError(t, err, "verification token is persisted with the user")

	sent := h.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testEmail, sent[0].To)
	assert.Equal(t, "verification", sent[0].Tag)
}

func TestSignupKeepsEmailCase(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Signup(context.Background(), "  Alice@Example.COM ", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "Alice@Example.COM", res.User.Email)

	_, err = h.svc.Login(context.Background(), "alice@example.com", testPassword)
	requireKind(t, err, apperr.KindUnauthorized, MsgInvalidCredentials)
}

func TestSignupDuplicateEmail(t *testing.T) {
	h := newHarness(t)
	h.signup(t)

	_, err := h.svc.Signup(context.Background(), testEmail, testPassword)
	requireKind(t, err, apperr.KindBadRequest, MsgEmailTaken)
	assert.Equal(t, http.StatusBadRequest, apperr.From(err).Status())

	_, err = h.svc.Signup(context.Background(), " "+testEmail+" ", testPassword)
	requireKind(t, err, apperr.KindBadRequest, MsgEmailTaken)

	assert.Len(t, h.outbox.Sent(), 1, "no second user, no second email")
}

func TestSignupValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string][2]string{
		"missing email":    {"", testPassword},
		"malformed email":  {"not-an-email", testPassword},
		"display name":     {"Alice <alice@example.com>", testPassword},
		"short password":   {testEmail, "Ab1!"},
		"no digit":         {testEmail, "Password!"},
		"no letter":        {testEmail, "12345678!"},
		"no special":       {testEmail, "Password1"},
		"missing password": {testEmail, ""},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Signup(context.Background(), in[0], in[1])
			requireKind(t, err, apperr.KindValidation, "")
		})
	}
	assert.Empty(t, h.outbox.Sent())
}

func TestSignupEmailFailureKeepsUser(t *testing.T) {
	h := newHarness(t)
	h.outbox.SetErr(errors.New("smtp down"))

	_, err := h.svc.Signup(context.Background(), testEmail, testPassword)
	requireKind(t, err, apperr.KindInternal, MsgVerificationEmail)

	_, err = h.db.GetUserByEmail(context.Background(), testEmail)
	assert.NoError(t, err)
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)

	res, err := h.svc.Login(context.Background(), " "+testEmail, testPassword)
	require.NoError(t, err)
	assert.Equal(t, signed.User.ID, res.User.ID)
	assert.NotEqual(t, signed.Tokens.Refresh.Token, res.Tokens.Refresh.Token)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	h.signup(t)

	_, wrongPassword := h.svc.Login(context.Background(), testEmail, "Wr0ng!pass")
	_, unknownUser := h.svc.Login(context.Background(), "nobody@example.com", testPassword)

	requireKind(t, wrongPassword, apperr.KindUnauthorized, MsgInvalidCredentials)
	requireKind(t, unknownUser, apperr.KindUnauthorized, MsgInvalidCredentials)
	assert.Equal(t, apperr.From(wrongPassword).Error(), apperr.From(unknownUser).Error())
}

func TestRefreshIsSingleUse(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	next, err := h.svc.Refresh(ctx, signed.Tokens.Refresh.Token)
	require.NoError(t, err)
	assert.NotEqual(t, signed.Tokens.Refresh.Token, next.Refresh.Token)

	_, err = h.svc.Refresh(ctx, signed.Tokens.Refresh.Token)
	requireKind(t, err, apperr.KindUnauthorized, MsgPleaseAuthenticate)

	_, err = h.svc.Refresh(ctx, next.Refresh.Token)
	assert.NoError(t, err)
}

func TestRefreshMissingCookie(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Refresh(context.Background(), "")
	requireKind(t, err, apperr.KindUnauthorized, MsgRefreshMissing)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Logout(ctx, signed.Tokens.Refresh.Token))
	require.NoError(t, h.svc.Logout(ctx, ""))

	_, err := h.svc.Refresh(ctx, signed.Tokens.Refresh.Token)
	requireKind(t, err, apperr.KindUnauthorized, "")
}

func TestVerifyEmail(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	require.NoError(t, h.svc.VerifyEmail(ctx, signed.VerificationToken))

	u, err := h.db.GetUserByID(ctx, signed.User.ID)
	require.NoError(t, err)
	assert.True(t, u.IsVerified)

	err = h.svc.VerifyEmail(ctx, signed.VerificationToken)
	requireKind(t, err, apperr.KindBadRequest, MsgInvalidVerification)

	err = h.svc.VerifyEmail(ctx, "")
	requireKind(t, err, apperr.KindValidation, MsgTokenRequired)

	err = h.svc.VerifyEmail(ctx, "garbage")
	requireKind(t, err, apperr.KindBadRequest, MsgInvalidVerification)
}

func TestVerifyEmailAlreadyVerified(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	extra, err := h.tokens.GenerateVerificationToken(ctx, h.db, signed.User)
	require.NoError(t, err)
	require.NoError(t, h.svc.VerifyEmail(ctx, signed.VerificationToken))

	err = h.svc.VerifyEmail(ctx, extra.Token)
	requireKind(t, err, apperr.KindBadRequest, MsgAlreadyVerified)
}

func TestVerifyEmailRejectsResetToken(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	rt, err := h.tokens.GenerateResetPasswordToken(ctx, h.db, signed.User)
	require.NoError(t, err)

	err = h.svc.VerifyEmail(ctx, rt.Token)
	requireKind(t, err, apperr.KindBadRequest, MsgInvalidVerification)
}

func TestResendVerification(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	require.NoError(t, h.svc.ResendVerification(ctx, signed.User.ID))
	assert.Len(t, h.outbox.Sent(), 2)

	require.NoError(t, h.svc.VerifyEmail(ctx, signed.VerificationToken))
	err := h.svc.ResendVerification(ctx, signed.User.ID)
	requireKind(t, err, apperr.KindBadRequest, MsgAlreadyVerified)

	err = h.svc.ResendVerification(ctx, "missing")
	requireKind(t, err, apperr.KindNotFound, MsgUserNotFound)
}

func TestForgotPasswordDoesNotRevealAccounts(t *testing.T) {
	h := newHarness(t)
	h.signup(t)
	ctx := context.Background()

	known := h.svc.ForgotPassword(ctx, testEmail)
	unknown := h.svc.ForgotPassword(ctx, "nobody@example.com")
	assert.NoError(t, known)
	assert.NoError(t, unknown)

	sent := h.outbox.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "password-reset", sent[1].Tag)
	assert.Equal(t, testEmail, sent[1].To)

	h.outbox.SetErr(errors.New("smtp down"))
	assert.NoError(t, h.svc.ForgotPassword(ctx, testEmail), "delivery failures are not surfaced")

	err := h.svc.ForgotPassword(ctx, "bad")
	requireKind(t, err, apperr.KindValidation, "")
}

func TestResetPassword(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	login, err := h.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	rt, err := h.tokens.GenerateResetPasswordToken(ctx, h.db, signed.User)
	require.NoError(t, err)

	const newPassword = "N3w!password"
	require.NoError(t, h.svc.ResetPassword(ctx, rt.Token, newPassword, newPassword))

	_, err = h.svc.Login(ctx, testEmail, testPassword)
	requireKind(t, err, apperr.KindUnauthorized, MsgInvalidCredentials)
	_, err = h.svc.Login(ctx, testEmail, newPassword)
	require.NoError(t, err)

	for _, old := range []string{signed.Tokens.Refresh.Token, login.Tokens.Refresh.Token} {
		_, err = h.svc.Refresh(ctx, old)
		requireKind(t, err, apperr.KindUnauthorized, "")
	}

	err = h.svc.ResetPassword(ctx, rt.Token, "An0ther!pass", "An0ther!pass")
	requireKind(t, err, apperr.KindBadRequest, MsgInvalidReset)
}

func TestResetPasswordValidation(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	rt, err := h.tokens.GenerateResetPasswordToken(ctx, h.db, signed.User)
	require.NoError(t, err)

	err = h.svc.ResetPassword(ctx, "", "N3w!password", "N3w!password")
	requireKind(t, err, apperr.KindValidation, MsgTokenRequired)

	err = h.svc.ResetPassword(ctx, rt.Token, "weak", "weak")
	requireKind(t, err, apperr.KindValidation, "")

	err = h.svc.ResetPassword(ctx, rt.Token, "N3w!password", "N3w!passwore")
	requireKind(t, err, apperr.KindBadRequest, MsgPasswordMismatch)

	err = h.svc.ResetPassword(ctx, signed.VerificationToken, "N3w!password", "N3w!password")
	requireKind(t, err, apperr.KindBadRequest, MsgInvalidReset)

	// The token survives failed attempts.
	require.NoError(t, h.svc.ResetPassword(ctx, rt.Token, "N3w!password", "N3w!password"))
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	signed := h.signup(t)
	ctx := context.Background()

	u, err := h.svc.Authenticate(ctx, signed.Tokens.Access.Token)
	require.NoError(t, err)
	assert.Equal(t, signed.User.ID, u.ID)

	_, err = h.svc.Authenticate(ctx, "")
	requireKind(t, err, apperr.KindUnauthorized, MsgAccessRequired)

	_, err = h.svc.Authenticate(ctx, signed.VerificationToken)
	requireKind(t, err, apperr.KindUnauthorized, MsgInvalidAccess)
}
