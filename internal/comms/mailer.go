package comms

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"dealdesk/internal/config"
)

// Mailer sends a single plain-text email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends through a configured SMTP relay. When email is disabled
// or the recipient is not an address, sends are silently skipped: email is
// advisory.
type SMTPMailer struct {
	Config config.EmailConfig
}

func NewMailer(cfg config.EmailConfig) *SMTPMailer {
	return &SMTPMailer{Config: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if !m.Config.Enabled {
		return nil
	}
	if !strings.Contains(to, "@") {
		return nil
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.Config.From, to, subject, body)
	addr := fmt.Sprintf("%s:%d", m.Config.Host, m.Config.Port)
	var auth smtp.Auth
	if m.Config.Username != "" {
		auth = smtp.PlainAuth("", m.Config.Username, m.Config.Password, m.Config.Host)
	}
	return smtp.SendMail(addr, auth, m.Config.From, []string{to}, []byte(msg))
}
