package main

import (
	"net/http"
	"time"
)

const refreshCookieName = "refreshToken"

func (a *App) setRefreshCookie(w http.ResponseWriter, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(a.cfg.JWT.RefreshTTL / time.Second),
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *App) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	})
}

func refreshCookie(r *http.Request) string {
	c, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
