// Package clientip resolves the address a request is attributed to for rate
// limiting and logging.
package clientip

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Unknown is the shared bucket for requests whose address cannot be
// determined.
const Unknown = "unknown"

// Resolver extracts client IPs. With TrustProxy set, forwarding headers
// written by the reverse proxy take precedence over the socket address.
type Resolver struct {
	TrustProxy bool
}

// GetIP returns the client IP for r. Resolution order:
//  1. X-Forwarded-For (first valid entry), then X-Real-IP, when the proxy is trusted
//  2. RemoteAddr
//  3. X-Forwarded-For (first valid entry), when RemoteAddr is unusable
//  4. Unknown
func (res Resolver) GetIP(r *http.Request) string {
	if res.TrustProxy {
		if ip := firstForwarded(r); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	if ip := remoteIP(r.RemoteAddr); ip != "" {
		return ip
	}

	if ip := firstForwarded(r); ip != "" {
		return ip
	}
	return Unknown
}

func firstForwarded(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return ""
	}
	for ip := range strings.SplitSeq(forwarded, ",") {
		if parsed := parseIP(ip); parsed != "" {
			return parsed
		}
	}
	return ""
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return parseIP(addr)
	}
	return parseIP(host)
}

// parseIP validates and normalizes an IP address string.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

type contextKey struct{}

// WithIP stores ip in ctx.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, contextKey{}, ip)
}

// FromContext returns the IP stored by Middleware, or Unknown.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok && ip != "" {
		return ip
	}
	return Unknown
}

// Middleware resolves the client IP once per request and stores it in the
// request context.
func (res Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithIP(r.Context(), res.GetIP(r))))
	})
}
