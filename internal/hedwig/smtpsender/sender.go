// Package smtpsender delivers a rendered message over implicit-TLS
// SMTP and processes ZMQSendEmailMessage bus requests end to end:
// load or create the email, build the per-recipient message, send,
// and commit delivery status. Grounded on the teacher's
// internal/email/smtp.go for the dial/auth/send idiom and on
// original_source/src/send_email/service.rs for the Mailer
// abstraction and per-recipient skip/continue policy.
package smtpsender

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/pushkind/hedwig/internal/hedwig/domain"
)

const dialTimeout = 30 * time.Second

// Mailer abstracts message delivery so the sender is testable without
// a live SMTP server.
type Mailer interface {
	Send(ctx context.Context, hub domain.Hub, from string, to []string, msg []byte) error
}

// SMTPMailer sends mail over implicit TLS (e.g. port 465), per
// SPEC_FULL.md §6's SMTP interface.
type SMTPMailer struct{}

// Send implements Mailer using net/smtp over an implicit-TLS
// connection, the same building blocks as internal/email/smtp.go's
// non-StartTLS branch.
func (SMTPMailer) Send(ctx context.Context, hub domain.Hub, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(hub.SMTPServer, fmt.Sprintf("%d", hub.SMTPPort))

	timeout := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	dialer := &net.Dialer{Timeout: timeout}
	tlsCfg := &tls.Config{ServerName: hub.SMTPServer}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("dial smtps %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, hub.SMTPServer)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create smtp client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	auth := smtp.PlainAuth("", hub.Login, hub.Password, hub.SMTPServer)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("AUTH: %w", err)
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}
