package api

import (
	"context"
	"log/slog"
)

// MessageKind names the templates the service sends.
type MessageKind string

const (
	MessageVerifyEmail   MessageKind = "verify_email"
	MessagePasswordReset MessageKind = "password_reset"
)

// Message carries a single-use token to the account holder.
type Message struct {
	To    string
	Kind  MessageKind
	Token string
}

// Mailer delivers verification and password reset tokens.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// logMailer writes tokens to the log instead of sending mail. It is meant
// for development only.
type logMailer struct {
	logger *slog.Logger
}

func (m logMailer) Send(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "outgoing mail",
		"to", msg.To,
		"kind", string(msg.Kind),
		"token", msg.Token,
	)
	return nil
}
