package sender

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/pkg/errors"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// emailSender delivers over SMTP via gomail.
type emailSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailSender(cfg SMTPConfig) Sender {
	return &emailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *emailSender) Channel() model.Channel {
	return model.ChannelEmail
}

func (s *emailSender) Send(ctx context.Context, msg *model.Message, payload *model.MessagePayload) (*Outcome, error) {
	if msg.Recipient == "" {
		return nil, errors.InvalidRecipient("email recipient is empty")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", payload.Subject)
	body := payload.Body
	if payload.CTAURL != "" {
		body = fmt.Sprintf("%s\n\n%s: %s", body, payload.CTAText, payload.CTAURL)
	}
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return nil, errors.ProviderError("smtp send failed", err)
	}
	return &Outcome{ProviderMessageID: msg.ID.String()}, nil
}
