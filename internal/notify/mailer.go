package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mail is one outgoing email.
type Mail struct {
	To      string
	ToName  string
	Subject string
	Text    string
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// SendGridMailer delivers mail through the SendGrid v3 API.
type SendGridMailer struct {
	client   *sendgrid.Client
	from     string
	fromName string
	timeout  time.Duration
}

func NewSendGridMailer(apiKey, from, fromName string) *SendGridMailer {
	return &SendGridMailer{
		client:   sendgrid.NewSendClient(apiKey),
		from:     from,
		fromName: fromName,
		timeout:  30 * time.Second,
	}
}

func (s *SendGridMailer) Send(ctx context.Context, m Mail) error {
	from := mail.NewEmail(s.fromName, s.from)
	to := mail.NewEmail(m.ToName, m.To)
	message := mail.NewSingleEmail(from, m.Subject, to, m.Text, "")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if response.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sendgrid: unexpected status %d: %s", response.StatusCode, response.Body)
	}
	return nil
}

// LogMailer writes mail to the log instead of sending it. Used when no
// SendGrid key is configured.
type LogMailer struct {
	Log *slog.Logger
}

func (l LogMailer) Send(_ context.Context, m Mail) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("mail not sent, no provider configured", "to", m.To, "subject", m.Subject)
	return nil
}
