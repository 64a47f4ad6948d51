package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

// SMTPSender sends notification email over plain SMTP. When no host or
// recipients are configured it logs what it would have sent, which keeps
// local development quiet but observable.
type SMTPSender struct {
	host string
	port int
	from string
	to   []string
}

// SMTPConfig holds SMTP sender settings.
type SMTPConfig struct {
	Host string
	Port int
	From string
	To   []string
}

// NewSMTPSender creates an SMTP-backed sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{host: cfg.Host, port: cfg.Port, from: cfg.From, to: cfg.To}
}

// Send delivers the message to the configured recipients.
func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	if s.host == "" || len(s.to) == 0 {
		logger.Info("notification (smtp unconfigured, not sent)", "subject", msg.Subject)
		return nil
	}

	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		s.from, strings.Join(s.to, ","), msg.Subject, msg.Body)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := smtp.SendMail(addr, nil, s.from, s.to, []byte(raw)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
