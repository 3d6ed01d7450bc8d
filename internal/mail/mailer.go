package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	verifyPath = "/api/v1/auth/verify-email"
	resetPath  = "/api/v1/auth/reset-password"
)

type templateData struct {
	Name      string
	URL       string
	ExpiresIn string
}

// Mailer builds the verification and password reset emails.
type Mailer struct {
	sender    Sender
	publicURL string
}

// NewMailer returns a Mailer whose links point at publicURL.
func NewMailer(sender Sender, publicURL string) *Mailer {
	return &Mailer{sender: sender, publicURL: strings.TrimRight(publicURL, "/")}
}

// SendVerification emails the verification link for token.
func (m *Mailer) SendVerification(ctx context.Context, to, token string, ttl time.Duration) error {
	return m.send(ctx, to, "Email Verification - PulseAuth", "verification", "verification.html", verifyPath, token, ttl)
}

// SendPasswordReset emails the password reset link for token.
func (m *Mailer) SendPasswordReset(ctx context.Context, to, token string, ttl time.Duration) error {
	return m.send(ctx, to, "Password Reset Request - PulseAuth", "password-reset", "password_reset.html", resetPath, token, ttl)
}

func (m *Mailer) send(ctx context.Context, to, subject, tag, tmpl, path, token string, ttl time.Duration) error {
	link := m.publicURL + path + "?token=" + url.QueryEscape(token)

	var body bytes.Buffer
	err := templates.ExecuteTemplate(&body, tmpl, templateData{
		Name:      nameFromAddress(to),
		URL:       link,
		ExpiresIn: humanDuration(ttl),
	})
	if err != nil {
		return fmt.Errorf("mail: render %s: %w", tmpl, err)
	}

	if err := m.sender.Send(ctx, Message{To: to, Subject: subject, HTML: body.String(), Tag: tag}); err != nil {
		return fmt.Errorf("mail: send %s: %w", tag, err)
	}
	return nil
}

func nameFromAddress(addr string) string {
	if i := strings.IndexByte(addr, '@'); i > 0 {
		return addr[:i]
	}
	return "there"
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(d/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
