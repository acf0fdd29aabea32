// Package mail renders and delivers the notification emails produced by
// workflow steps.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// Mail is one outbound message, already rendered.
type Mail struct {
	From    string
	To      []string
	Subject string
	HTML    string
}

// Sender delivers rendered mails.
type Sender interface {
	Send(ctx context.Context, m Mail) error
}

// SMTPSender delivers mail through a plain SMTP relay.
type SMTPSender struct {
	addr string
	auth smtp.Auth
	from string
}

var _ Sender = &SMTPSender{}

func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	s := &SMTPSender{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
	}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

func (s *SMTPSender) Send(ctx context.Context, m Mail) error {
	from := m.From
	if from == "" {
		from = s.from
	}

	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + strings.Join(m.To, ", ") + "\r\n")
	msg.WriteString("Subject: " + m.Subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(m.HTML)

	if err := smtp.SendMail(s.addr, s.auth, from, m.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", strings.Join(m.To, ", "), err)
	}
	return nil
}

// NoopSender drops mail, for installations without a relay and for tests.
type NoopSender struct{}

var _ Sender = NoopSender{}

func (NoopSender) Send(ctx context.Context, m Mail) error {
	return nil
}
