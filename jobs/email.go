package jobs

import (
	"fmt"

	"github.com/labstack/gommon/log"
	mail "gopkg.in/mail.v2"

	"pulse/config"
	"pulse/models"
)

// Sender delivers a fully rendered email. The SMTP implementation below is
// the production one; tests substitute their own.
type Sender interface {
	Send(payload models.EmailPayload) error
}

// SMTPSender hands messages to the external delivery provider over SMTP.
type SMTPSender struct {
	config config.TomlSMTP
}

func NewSMTPSender(cfg config.TomlSMTP) *SMTPSender {
	return &SMTPSender{config: cfg}
}

func (s *SMTPSender) Send(payload models.EmailPayload) error {
	if s.config.Host == "" {
		return fmt.Errorf("no SMTP host configured")
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.config.From)
	m.SetHeader("To", payload.To)
	m.SetHeader("Subject", payload.Subject)
	m.SetBody("text/plain", payload.Text)
	if payload.HTML != "" {
		m.AddAlternative("text/html", payload.HTML)
	}

	d := mail.NewDialer(s.config.Host, s.config.Port, s.config.Username, s.config.Password)

	log.Infof("Sending email to %s via %s:%d", payload.To, s.config.Host, s.config.Port)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}
