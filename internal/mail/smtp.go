// Package mail отправляет письма через SMTP.
package mail

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	gomail "gopkg.in/mail.v2"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const defaultDialTimeout = 10 * time.Second

// Config — параметры SMTP-сервера.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS требует STARTTLS; без него соединение допускается только без шифрования.
	StartTLS bool
	Timeout  time.Duration
}

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer — domain.Mailer поверх gopkg.in/mail.v2.
type SMTPMailer struct {
	from   string
	sender sender
	logger *log.Entry
}

// NewSMTPMailer создаёт mailer. Соединение открывается на каждое письмо.
func NewSMTPMailer(cfg Config, logger *log.Entry) *SMTPMailer {
	if logger == nil {
		logger = log.WithField("component", "smtp-mailer")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDialTimeout
	}

	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.Timeout = cfg.Timeout
	if cfg.StartTLS {
		dialer.StartTLSPolicy = gomail.MandatoryStartTLS
	}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &SMTPMailer{from: from, sender: dialer, logger: logger}
}

// Send отправляет HTML-письмо.
func (m *SMTPMailer) Send(ctx context.Context, email domain.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	msg.SetBody("text/html", email.HTMLBody)

	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("send email to %s: %w", email.To, err)
	}

	m.logger.WithFields(log.Fields{"to": email.To, "subject": email.Subject}).Debug("email sent")
	return nil
}

var _ domain.Mailer = (*SMTPMailer)(nil)
