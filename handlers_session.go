package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/store"
)

type userContextKey struct{}

func userFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(userContextKey{}).(*store.User)
	return u
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// RequireAccess middleware admits requests carrying a valid access token
// and stores the user in the request context.
func (a *App) RequireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, u)))
	})
}

// HandleMe returns the authenticated user.
// GET /api/v1/auth/me
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user": newUserResponse(userFromContext(r.Context()))})
}

// HandleResendVerification sends a new verification email.
// POST /api/v1/auth/resend-verification
func (a *App) HandleResendVerification(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	if err := a.auth.ResendVerification(r.Context(), u.ID); err != nil {
		a.fail(w, r, "resend_verification", err)
		return
	}
	a.metrics.ObserveFlow("resend_verification", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Sent a verification email to " + u.Email})
}

// HandleLogout revokes the refresh token in the cookie and clears it.
// POST /api/v1/auth/logout
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logout(r.Context(), refreshCookie(r)); err != nil {
		a.fail(w, r, "logout", err)
		return
	}
	a.metrics.ObserveFlow("logout", nil)
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

// HandleTokenValidate validates an access token for other services.
// GET /api/v1/auth/validate?token=...
func (a *App) HandleTokenValidate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = bearerToken(r)
	}
	if raw == "" {
		a.writeError(w, r, apperr.BadRequest("Token is required"))
		return
	}

	claims, err := a.tokens.ParseToken(raw, store.TokenAccess)
	if err != nil {
		a.writeError(w, r, apperr.Unauthorized("Token is invalid or expired"))
		return
	}
	u, err := a.store.GetUserByID(r.Context(), claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, r, apperr.Unauthorized("Token is invalid or expired"))
		return
	}
	if err != nil {
		a.writeError(w, r, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"userId":    u.ID,
		"role":      u.Role,
		"expiresAt": time.Unix(claims.ExpTime, 0).UTC(),
	})
}
