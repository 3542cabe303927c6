// Package mail delivers transactional messages such as password-reset and
// magic-link emails.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Message kinds.
const (
	KindPasswordReset = "password_reset"
	KindMagicLink     = "magic_link"
)

// Message is an outbound email.
type Message struct {
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Mailer sends messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// PasswordReset builds the message carrying a reset link for to.
func PasswordReset(from, to, baseURL, token string, expiresAt time.Time) Message {
	link := strings.TrimRight(baseURL, "/") + "/reset-password?token=" + url.QueryEscape(token)
	return Message{
		Kind:    KindPasswordReset,
		To:      to,
		From:    from,
		Subject: "Reset your password",
		Body: fmt.Sprintf(
			"Someone asked to reset the password for this account.\n\n"+
				"Open the link below to choose a new password:\n%s\n\n"+
				"The link expires at %s and can be used once. "+
				"If you did not ask for this you can ignore this email.\n",
			link, expiresAt.UTC().Format(time.RFC1123)),
		Link:      link,
		ExpiresAt: expiresAt,
	}
}

// MagicLink builds the message carrying a one-time sign-in link for to.
func MagicLink(from, to, baseURL, code string, expiresAt time.Time) Message {
	link := strings.TrimRight(baseURL, "/") + "/auth/callback?code=" + url.QueryEscape(code)
	return Message{
		Kind:    KindMagicLink,
		To:      to,
		From:    from,
		Subject: "Your sign-in link",
		Body: fmt.Sprintf(
			"Open the link below to sign in:\n%s\n\nThe link expires at %s and can be used once.\n",
			link, expiresAt.UTC().Format(time.RFC1123)),
		Link:      link,
		ExpiresAt: expiresAt,
	}
}

// LogMailer writes messages to the structured log instead of delivering them.
// Intended for development.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer returns a LogMailer writing to logger, or slog.Default if nil.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send logs msg, including its link.
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "mail",
		"kind", msg.Kind,
		"to", msg.To,
		"subject", msg.Subject,
		"link", msg.Link,
		"expires_at", msg.ExpiresAt,
	)
	return nil
}
