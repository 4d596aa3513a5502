package channel

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// MailSender is satisfied by *gomail.Dialer.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPAdapter delivers email over SMTP.
type SMTPAdapter struct {
	From   string
	Sender MailSender
	// Domain is used for generated Message-IDs.
	Domain string
}

func NewSMTPAdapter(host string, port int, user, password, from string) *SMTPAdapter {
	return &SMTPAdapter{
		From:   from,
		Sender: gomail.NewDialer(host, port, user, password),
		Domain: host,
	}
}

func (a *SMTPAdapter) Send(ctx context.Context, to string, msg Rendered) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := fmt.Sprintf("<%s@%s>", uuid.NewString(), a.Domain)

	m := gomail.NewMessage()
	m.SetHeader("From", a.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", ref)
	m.SetBody("text/plain", msg.Body)

	if err := a.Sender.DialAndSend(m); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return ref, nil
}
