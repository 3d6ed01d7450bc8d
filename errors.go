package main

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/clientip"
)

// APIError is the error envelope returned for every failed request.
type APIError struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// writeError converts err to its client representation. Internal errors are
// logged in full and reduced to a generic message in production.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	status := e.Status()

	message := e.Message
	details := ""
	if !e.Operational() {
		a.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"ip":     clientip.FromContext(r.Context()),
		}).WithError(e.Err).Error("request failed")
		if a.cfg.IsProduction() {
			message = http.StatusText(status)
		}
	}
	if !a.cfg.IsProduction() && e.Err != nil {
		details = e.Err.Error()
	}

	writeJSON(w, status, APIError{
		Error:   true,
		Code:    status,
		Message: message,
		Details: details,
	})
}
