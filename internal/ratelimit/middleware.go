package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/clientip"
)

const maxIdentifierBody = 1 << 20

// IdentifierFunc extracts the identifier a request is counted under. body is
// the raw request body, already restored on r for the handler.
type IdentifierFunc func(r *http.Request, body []byte) string

// JSONField reads a top-level string field from a JSON body.
func JSONField(name string) IdentifierFunc {
	return func(_ *http.Request, body []byte) string {
		return jsonString(body, name)
	}
}

// EmailField is JSONField with the value trimmed and lower-cased.
func EmailField(name string) IdentifierFunc {
	return func(_ *http.Request, body []byte) string {
		return strings.ToLower(strings.TrimSpace(jsonString(body, name)))
	}
}

// QueryOrJSONField prefers the query parameter and falls back to the body.
func QueryOrJSONField(name string) IdentifierFunc {
	return func(r *http.Request, body []byte) string {
		if v := r.URL.Query().Get(name); v != "" {
			return v
		}
		return jsonString(body, name)
	}
}

func jsonString(body []byte, name string) string {
	if len(body) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(fields[name], &v); err != nil {
		return ""
	}
	return v
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Middleware guards next with the three layers for action. Responses with a
// status of 400 or above count as failures. Rejections and counter errors
// are passed to writeErr and never reach next.
func (g *Guard) Middleware(action Action, identify IdentifierFunc, writeErr func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(r.Body, maxIdentifierBody))
				_ = r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			ip := clientip.FromContext(r.Context())
			attempt, err := g.Begin(r.Context(), action, identify(r, body), ip)
			if err != nil {
				var le *LimitError
				if errors.As(err, &le) {
					w.Header().Set("Retry-After", strconv.Itoa(int(le.RetryAfter.Seconds())))
				}
				writeErr(w, r, err)
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			attempt.Done(context.WithoutCancel(r.Context()), rec.status >= http.StatusBadRequest)
		})
	}
}

// IsRejection reports whether err is a guard rejection.
func IsRejection(err error) bool {
	var le *LimitError
	return apperr.KindOf(err) == apperr.KindTooManyRequests && errors.As(err, &le)
}
