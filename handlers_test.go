package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/pulseauth/internal/config"
	"github.com/example/pulseauth/internal/mail"
	"github.com/example/pulseauth/internal/ratelimit"
	"github.com/example/pulseauth/internal/store"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "Str0ng!pass"
)

type testServer struct {
	app     *App
	handler http.Handler
	db      *store.MemDB
	outbox  *mail.Recorder
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg, err := config.FromMap(map[string]string{
		"DB_ADAPTER":            "memory",
		"JWT_SECRET":            "access-secret",
		"JWT_REFRESH_SECRET":    "refresh-secret",
		"ENCRYPTION_MASTER_KEY": "0123456789abcdef0123456789abcdef",
		"CORS_ORIGIN":           "http://localhost:3000",
	})
	require.NoError(t, err)
	cfg.BcryptCost = bcrypt.MinCost
	for _, fn := range mutate {
		fn(cfg)
	}

	log, _ := test.NewNullLogger()
	db := store.NewMemoryDB()
	outbox := &mail.Recorder{}
	app, err := NewApp(cfg, log, db, ratelimit.NewMemoryCounter(0), outbox)
	require.NoError(t, err)

	return &testServer{app: app, handler: app.Routes(), db: db, outbox: outbox}
}

type requestOption func(*http.Request)

func withCookie(value string) requestOption {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: refreshCookieName, Value: value})
	}
}

func withBearer(token string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func fromIP(ip string) requestOption {
	return func(r *http.Request) { r.RemoteAddr = ip + ":40000" }
}

func (s *testServer) do(t *testing.T, method, path string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func refreshFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", refreshCookieName)
	return nil
}

type authBody struct {
	Message           string `json:"message"`
	VerificationToken string `json:"verificationToken"`
	User              struct {
		ID         string `json:"id"`
		Email      string `json:"email"`
		IsVerified bool   `json:"isVerified"`
	} `json:"user"`
	Tokens struct {
		Access struct {
			Token string `json:"token"`
		} `json:"access"`
		Refresh map[string]any `json:"refresh"`
	} `json:"tokens"`
}

func (s *testServer) signup(t *testing.T) (authBody, *http.Cookie) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/auth/signup", map[string]string{"email": testEmail, "password": testPassword})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[authBody](t, rec), refreshFrom(t, rec)
}

var resetLink = regexp.MustCompile(`reset-password\?token=([A-Za-z0-9._-]+)`)

func TestSignupSetsCookieAndHidesRefreshToken(t *testing.T) {
	s := newTestServer(t)
	body, cookie := s.signup(t)

	assert.Equal(t, testEmail, body.User.Email)
	assert.False(t, body.User.IsVerified)
	assert.NotEmpty(t, body.VerificationToken)
	assert.NotEmpty(t, body.Tokens.Access.Token)
	assert.NotContains(t, body.Tokens.Refresh, "token")
	assert.Contains(t, body.Tokens.Refresh, "expires")

	assert.True(t, cookie.HttpOnly)
	assert.False(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.NotEmpty(t, cookie.Value)

	require.Len(t, s.outbox.Sent(), 1)
	assert.Equal(t, testEmail, s.outbox.Sent()[0].To)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/signup", map[string]string{"email": testEmail, "password": testPassword})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User with this email already exists", decode[APIError](t, rec).Message)
}

func TestSignupValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/signup", map[string]string{"email": "not-an-email", "password": testPassword})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/signup", map[string]string{"email": testEmail, "password": "weak"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signup", strings.NewReader("{"))
	out := httptest.NewRecorder()
	s.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
	apiErr := decode[APIError](t, out)
	assert.True(t, apiErr.Error)
	assert.Equal(t, http.StatusBadRequest, apiErr.Code)
	assert.Equal(t, "Invalid request body", apiErr.Message)
}

func TestRefreshRotatesCookieOnce(t *testing.T) {
	s := newTestServer(t)
	_, first := s.signup(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, withCookie(first.Value))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := refreshFrom(t, rec)
	assert.NotEqual(t, first.Value, second.Value)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, withCookie(first.Value))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, -1, refreshFrom(t, rec).MaxAge)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, withCookie(second.Value))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Refresh token not found", decode[APIError](t, rec).Message)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	s := newTestServer(t)
	s.signup(t)

	wrong := s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": testEmail, "password": "Wr0ng!pass"}, fromIP("10.0.0.1"))
	unknown := s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "bob@example.com", "password": "Wr0ng!pass"}, fromIP("10.0.0.2"))

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, wrong.Code, unknown.Code)
	assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())

	rec := s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "Alice@Example.com", "password": testPassword}, fromIP("10.0.0.3"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ok := s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": " " + testEmail + " ", "password": testPassword})
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.Equal(t, testEmail, decode[authBody](t, ok).User.Email)
}

func TestLoginBlockedAfterRepeatedFailures(t *testing.T) {
	s := newTestServer(t)
	s.signup(t)
	creds := map[string]string{"email": testEmail, "password": "Wr0ng!pass"}

	// One address: the identifier+IP layer trips first.
	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/api/v1/auth/login", creds, fromIP("10.0.1.1"))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/v1/auth/login", creds, fromIP("10.0.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Spread across addresses: the identifier layer trips on the sixth.
	s = newTestServer(t)
	s.signup(t)
	for i := 1; i <= 5; i++ {
		rec := s.do(t, http.MethodPost, "/api/v1/auth/login", creds, fromIP(fmt.Sprintf("10.0.2.%d", i)))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": testEmail, "password": testPassword}, fromIP("10.0.2.9"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "600", rec.Header().Get("Retry-After"))
	assert.True(t, decode[APIError](t, rec).Error)
}

func TestSuccessfulLoginsAreNotCounted(t *testing.T) {
	s := newTestServer(t)
	s.signup(t)

	for i := 0; i < 8; i++ {
		rec := s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": testEmail, "password": testPassword}, fromIP("10.0.3.1"))
		require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i+1)
	}
}

func TestVerifyEmailIsSingleUse(t *testing.T) {
	s := newTestServer(t)
	body, _ := s.signup(t)

	rec := s.do(t, http.MethodGet, "/api/v1/auth/verify-email?token="+body.VerificationToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u, err := s.db.GetUserByEmail(t.Context(), testEmail)
	require.NoError(t, err)
	assert.True(t, u.IsVerified)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/verify-email", map[string]string{"token": body.VerificationToken})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid or expired verification token", decode[APIError](t, rec).Message)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/verify-email", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestForgotPasswordResponsesMatch(t *testing.T) {
	s := newTestServer(t)
	s.signup(t)

	known := s.do(t, http.MethodPost, "/api/v1/auth/forgot-password", map[string]string{"email": testEmail})
	unknown := s.do(t, http.MethodPost, "/api/v1/auth/forgot-password", map[string]string{"email": "nobody@example.com"})

	assert.Equal(t, http.StatusOK, known.Code)
	assert.Equal(t, known.Code, unknown.Code)
	assert.JSONEq(t, known.Body.String(), unknown.Body.String())
	assert.Len(t, s.outbox.Sent(), 2)
}

func TestResetPasswordRevokesSessions(t *testing.T) {
	s := newTestServer(t)
	_, cookie := s.signup(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/forgot-password", map[string]string{"email": testEmail})
	require.Equal(t, http.StatusOK, rec.Code)
	sent := s.outbox.Sent()
	m := resetLink.FindStringSubmatch(sent[len(sent)-1].HTML)
	require.Len(t, m, 2)
	resetToken := m[1]

	const newPassword = "N3w!passw0rd"
	rec = s.do(t, http.MethodPost, "/api/v1/auth/reset-password", map[string]string{
		"token": resetToken, "password": newPassword, "confirmPassword": "different",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Passwords do not match", decode[APIError](t, rec).Message)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/reset-password", map[string]string{
		"token": resetToken, "password": newPassword, "confirmPassword": newPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, withCookie(cookie.Value))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/reset-password", map[string]string{
		"token": resetToken, "password": newPassword, "confirmPassword": newPassword,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid or expired reset token", decode[APIError](t, rec).Message)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": testEmail, "password": newPassword})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t)
	body, cookie := s.signup(t)
	access := body.Tokens.Access.Token

	rec := s.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/auth/me", nil, withBearer(access))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, testEmail, decode[authBody](t, rec).User.Email)

	rec = s.do(t, http.MethodGet, "/api/v1/auth/validate?token="+access, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	valid := decode[map[string]any](t, rec)
	assert.Equal(t, true, valid["valid"])
	assert.Equal(t, body.User.ID, valid["userId"])

	rec = s.do(t, http.MethodGet, "/api/v1/auth/validate?token=garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/resend-verification", nil, withBearer(access))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, s.outbox.Sent(), 2)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/logout", nil, withCookie(cookie.Value))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, -1, refreshFrom(t, rec).MaxAge)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, withCookie(cookie.Value))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProductionResponses(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Env = "production" })
	body, cookie := s.signup(t)

	assert.Empty(t, body.VerificationToken)
	assert.True(t, cookie.Secure)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, decode[APIError](t, rec).Details)
}

func TestSignupMailFailureKeepsUser(t *testing.T) {
	s := newTestServer(t)
	s.outbox.SetErr(assert.AnError)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/signup", map[string]string{"email": testEmail, "password": testPassword})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error sending verification email", decode[APIError](t, rec).Message)

	_, err := s.db.GetUserByEmail(t.Context(), testEmail)
	assert.NoError(t, err)
}

func TestHealthReadyAndNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "development", health["environment"])

	rec = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/auth/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
