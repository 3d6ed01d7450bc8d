package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/store"
	"github.com/example/pulseauth/internal/token"
)

const maxBodyBytes = 1 << 20

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Role       store.Role `json:"role"`
	IsVerified bool       `json:"isVerified"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func newUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Email:      u.Email,
		Role:       u.Role,
		IsVerified: u.IsVerified,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

type expiryResponse struct {
	Expires time.Time `json:"expires"`
}

// tokensResponse never carries the refresh token; it travels in the cookie.
type tokensResponse struct {
	Access  token.Response `json:"access"`
	Refresh expiryResponse `json:"refresh"`
}

func newTokensResponse(t *token.AuthTokens) tokensResponse {
	return tokensResponse{Access: t.Access, Refresh: expiryResponse{Expires: t.Refresh.Expires}}
}

type messageResponse struct {
	Message string `json:"message"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "Invalid request body", err)
	}
	return nil
}

// fail records a failed flow and writes the error.
func (a *App) fail(w http.ResponseWriter, r *http.Request, flow string, err error) {
	a.metrics.ObserveFlow(flow, err)
	a.writeError(w, r, err)
}

// HandleSignup creates an account.
// POST /api/v1/auth/signup
func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := decodeJSON(w, r, &in); err != nil {
		a.fail(w, r, "signup", err)
		return
	}

	res, err := a.auth.Signup(r.Context(), in.Email, in.Password)
	if err != nil {
		a.fail(w, r, "signup", err)
		return
	}
	a.metrics.ObserveFlow("signup", nil)

	a.setRefreshCookie(w, res.Tokens.Refresh.Token, res.Tokens.Refresh.Expires)
	body := struct {
		Message           string         `json:"message"`
		User              userResponse   `json:"user"`
		VerificationToken string         `json:"verificationToken,omitempty"`
		Tokens            tokensResponse `json:"tokens"`
	}{
		Message: "Sent a verification email to " + res.User.Email,
		User:    newUserResponse(res.User),
		Tokens:  newTokensResponse(res.Tokens),
	}
	if !a.cfg.IsProduction() {
		body.VerificationToken = res.VerificationToken
	}
	writeJSON(w, http.StatusCreated, body)
}

// HandleLogin exchanges credentials for a token pair.
// POST /api/v1/auth/login
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := decodeJSON(w, r, &in); err != nil {
		a.fail(w, r, "login", err)
		return
	}

	res, err := a.auth.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		a.fail(w, r, "login", err)
		return
	}
	a.metrics.ObserveFlow("login", nil)

	a.setRefreshCookie(w, res.Tokens.Refresh.Token, res.Tokens.Refresh.Expires)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   newUserResponse(res.User),
		"tokens": newTokensResponse(res.Tokens),
	})
}

// HandleRefresh rotates the refresh token held in the cookie.
// POST /api/v1/auth/refresh
func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.auth.Refresh(r.Context(), refreshCookie(r))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnauthorized {
			a.clearRefreshCookie(w)
		}
		a.fail(w, r, "refresh", err)
		return
	}
	a.metrics.ObserveFlow("refresh", nil)

	a.setRefreshCookie(w, tokens.Refresh.Token, tokens.Refresh.Expires)
	writeJSON(w, http.StatusOK, map[string]any{"tokens": newTokensResponse(tokens)})
}

// verificationToken reads the token from the query string or a JSON body.
func verificationToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	if r.Method != http.MethodPost {
		return "", nil
	}
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", err
	}
	return in.Token, nil
}

// HandleVerifyEmail consumes a verification token.
// GET|POST /api/v1/auth/verify-email
func (a *App) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	raw, err := verificationToken(w, r)
	if err == nil {
		err = a.auth.VerifyEmail(r.Context(), raw)
	}
	if err != nil {
		a.fail(w, r, "verify_email", err)
		return
	}
	a.metrics.ObserveFlow("verify_email", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Email verified successfully"})
}

// HandleForgotPassword always answers with the same message.
// POST /api/v1/auth/forgot-password
func (a *App) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	err := decodeJSON(w, r, &in)
	if err == nil {
		err = a.auth.ForgotPassword(r.Context(), in.Email)
	}
	if err != nil {
		a.fail(w, r, "forgot_password", err)
		return
	}
	a.metrics.ObserveFlow("forgot_password", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "If the email exists, a password reset link has been sent"})
}

// HandleResetPassword sets a new password using a reset token.
// POST /api/v1/auth/reset-password
func (a *App) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token           string `json:"token"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	err := decodeJSON(w, r, &in)
	if err == nil {
		err = a.auth.ResetPassword(r.Context(), in.Token, in.Password, in.ConfirmPassword)
	}
	if err != nil {
		a.fail(w, r, "reset_password", err)
		return
	}
	a.metrics.ObserveFlow("reset_password", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password reset successfully. You can now log in."})
}
