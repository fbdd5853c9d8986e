package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/mailgun/mailgun-go/v4"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

const (
	ProviderNone     = "none"
	ProviderLog      = "log"
	ProviderMailgun  = "mailgun"
	ProviderSendGrid = "sendgrid"
)

type Message struct {
	Subject string
	Text    string
}

// Mailer delivers one message. Failures are returned as *MailError.
type Mailer interface {
	Send(ctx context.Context, to string, msg Message) error
}

type MailError struct {
	Provider string
	To       string
	Err      error
}

func (e *MailError) Error() string {
	return fmt.Sprintf("sending mail to %s through %s: %s", e.To, e.Provider, e.Err)
}

func (e *MailError) Unwrap() error {
	return e.Err
}

type MailgunMailer struct {
	mg   *mailgun.MailgunImpl
	from string
}

func NewMailgunMailer(domain, apiKey, from string) (*MailgunMailer, error) {
	if domain == "" || apiKey == "" || from == "" {
		return nil, errors.New("invalid mailgun configuration")
	}
	return &MailgunMailer{mg: mailgun.NewMailgun(domain, apiKey), from: from}, nil
}

func (m *MailgunMailer) Send(ctx context.Context, to string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	message := m.mg.NewMessage(m.from, msg.Subject, msg.Text, to)
	_, id, err := m.mg.Send(ctx, message)
	if err != nil {
		return &MailError{Provider: ProviderMailgun, To: to, Err: err}
	}
	zap.S().Named("mailer").Debugw("mail queued", "provider", ProviderMailgun, "id", id)
	return nil
}

type SendGridMailer struct {
	client *sendgrid.Client
	from   string
}

func NewSendGridMailer(apiKey, from string) (*SendGridMailer, error) {
	if apiKey == "" || from == "" {
		return nil, errors.New("invalid sendgrid configuration")
	}
	return &SendGridMailer{client: sendgrid.NewSendClient(apiKey), from: from}, nil
}

func (s *SendGridMailer) Send(ctx context.Context, to string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	message := mail.NewSingleEmail(mail.NewEmail("bot-runner", s.from), msg.Subject, mail.NewEmail("", to), msg.Text, "")
	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return &MailError{Provider: ProviderSendGrid, To: to, Err: err}
	}
	if response.StatusCode >= 300 {
		return &MailError{Provider: ProviderSendGrid, To: to, Err: fmt.Errorf("unexpected status code %d", response.StatusCode)}
	}
	return nil
}

// LogMailer only logs the message, used in dev.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, to string, msg Message) error {
	zap.S().Named("mailer").Infow("mail", "to", to, "subject", msg.Subject, "text", msg.Text)
	return nil
}

// NewMailerFromConfig returns nil when mail is disabled. Real providers are
// wrapped in a circuit breaker.
func NewMailerFromConfig(cfg *config.Config) (Mailer, error) {
	switch cfg.Mail.Provider {
	case ProviderNone, "":
		return nil, nil
	case ProviderLog:
		return LogMailer{}, nil
	case ProviderMailgun:
		m, err := NewMailgunMailer(cfg.Mail.Domain, cfg.Mail.APIKey, cfg.Mail.From)
		if err != nil {
			return nil, err
		}
		return NewBreakerMailer(ProviderMailgun, m), nil
	case ProviderSendGrid:
		m, err := NewSendGridMailer(cfg.Mail.APIKey, cfg.Mail.From)
		if err != nil {
			return nil, err
		}
		return NewBreakerMailer(ProviderSendGrid, m), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Mail.Provider)
	}
}
