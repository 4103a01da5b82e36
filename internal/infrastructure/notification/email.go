// Package notification sends operational email alerts.
package notification

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// EmailConfig carries SMTP settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers plain-text notifications over SMTP.
type EmailSender struct {
	cfg EmailConfig
	log logger.Interface

	// dial is swappable for tests
	dial func(m *gomail.Message) error
}

func NewEmailSender(cfg EmailConfig, log logger.Interface) *EmailSender {
	sender := &EmailSender{cfg: cfg, log: log.Named("email")}
	sender.dial = func(m *gomail.Message) error {
		dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
		return dialer.DialAndSend(m)
	}
	return sender
}

// Enabled reports whether SMTP is configured.
func (s *EmailSender) Enabled() bool {
	return s.cfg.Host != "" && s.cfg.From != ""
}

// Send delivers one message.
func (s *EmailSender) Send(to, subject, body string) error {
	if !s.Enabled() {
		return fmt.Errorf("email is not configured")
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dial(m); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	s.log.Infow("email sent", "to", to, "subject", subject)
	return nil
}
