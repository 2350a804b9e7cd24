package marketing

import (
	"context"
	"fmt"
	"sync"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
)

// Message is an outbound email.
type Message struct {
	To      string
	ToName  string
	ReplyTo string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SendGridMailer sends through the SendGrid v3 API.
type SendGridMailer struct {
	mu       sync.Mutex
	client   *sendgrid.Client
	fromAddr string
	fromName string
}

// NewSendGridMailer creates a mailer. An empty host uses the public API.
func NewSendGridMailer(apiKey, host, fromAddr, fromName string) *SendGridMailer {
	req := sendgrid.GetRequest(apiKey, "/v3/mail/send", host)
	req.Method = rest.Post
	return &SendGridMailer{
		client:   &sendgrid.Client{Request: req},
		fromAddr: fromAddr,
		fromName: fromName,
	}
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	email := mail.NewSingleEmail(
		mail.NewEmail(m.fromName, m.fromAddr),
		msg.Subject,
		mail.NewEmail(msg.ToName, msg.To),
		msg.Text,
		msg.HTML,
	)
	if msg.ReplyTo != "" {
		email.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}

	// The client keeps the request body on itself.
	m.mu.Lock()
	resp, err := m.client.SendWithContext(ctx, email)
	m.mu.Unlock()
	if err != nil {
		return svcerrors.Upstream("sendgrid", true, err)
	}
	if resp.StatusCode >= 300 {
		return svcerrors.Upstream("sendgrid", svcerrors.TransientStatus(resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, resp.Body))
	}
	return nil
}

// LogMailer logs messages instead of sending them.
type LogMailer struct {
	logger *logging.Logger
}

func NewLogMailer(logger *logging.Logger) *LogMailer {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("email not sent: no mail provider configured")
	return nil
}
