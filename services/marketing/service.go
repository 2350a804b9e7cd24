// Package marketing handles the VIP waitlist and the public contact form.
package marketing

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"html"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anoint-array/platform/internal/domain/marketing"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/services/accounts"
)

const (
	ServiceID = "marketing"

	maxMessageLength = 5000
	maxFieldLength   = 200
)

// ErrAlreadyJoined is wrapped by the conflict returned for a repeated
// waitlist signup.
var ErrAlreadyJoined = stderrors.New("email already on the waitlist")

// Config wires the service.
type Config struct {
	Store      storage.MarketingStore
	Outbox     *Outbox
	AdminInbox string
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// Service implements waitlist and contact operations.
type Service struct {
	store      storage.MarketingStore
	outbox     *Outbox
	adminInbox string
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// New creates the service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("marketing: store is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("marketing: outbox is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:      cfg.Store,
		outbox:     cfg.Outbox,
		adminInbox: cfg.AdminInbox,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

func clean(field, value string, required bool, max int) (string, error) {
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", svcerrors.InvalidInput(field + " is required")
	}
	if utf8.RuneCountInString(value) > max {
		return "", svcerrors.InvalidInput(fmt.Sprintf("%s must be at most %d characters", field, max))
	}
	return value, nil
}

// JoinWaitlist adds email to the VIP waitlist and queues a confirmation.
func (s *Service) JoinWaitlist(ctx context.Context, email, name, source string) (marketing.WaitlistEntry, error) {
	email, err := accounts.NormalizeEmail(email)
	if err != nil {
		return marketing.WaitlistEntry{}, err
	}
	if name, err = clean("name", name, false, maxFieldLength); err != nil {
		return marketing.WaitlistEntry{}, err
	}
	if source, err = clean("source", source, false, 64); err != nil {
		return marketing.WaitlistEntry{}, err
	}
	if source == "" {
		source = "website"
	}

	entry, err := s.store.AddWaitlist(ctx, marketing.WaitlistEntry{Email: email, Name: name, Source: source})
	if stderrors.Is(err, storage.ErrConflict) {
		se := svcerrors.Conflict("You're already on the VIP list. We'll be in touch soon!")
		se.Err = ErrAlreadyJoined
		return marketing.WaitlistEntry{}, se
	}
	if err != nil {
		return marketing.WaitlistEntry{}, svcerrors.Internal("failed to join waitlist", err)
	}

	s.metrics.RecordWaitlistSignup()
	s.logger.WithContext(ctx).WithField("source", source).Info("waitlist signup")

	greeting := "Hi"
	if name != "" {
		greeting = "Hi " + name
	}
	s.outbox.Enqueue(Message{
		To:      email,
		ToName:  name,
		Subject: "You're on the ANOINT Array VIP list",
		Text:    greeting + ",\n\nThanks for joining the ANOINT Array VIP waitlist. You'll be the first to hear about new releases.\n",
		HTML:    "<p>" + html.EscapeString(greeting) + ",</p><p>Thanks for joining the ANOINT Array VIP waitlist. You'll be the first to hear about new releases.</p>",
	})
	return entry, nil
}

// SubmitContact stores a contact form submission and notifies the admin
// inbox.
func (s *Service) SubmitContact(ctx context.Context, name, email, subject, message string) (marketing.ContactSubmission, error) {
	var err error
	if name, err = clean("name", name, true, maxFieldLength); err != nil {
		return marketing.ContactSubmission{}, err
	}
	if email, err = accounts.NormalizeEmail(email); err != nil {
		return marketing.ContactSubmission{}, err
	}
	if subject, err = clean("subject", subject, true, maxFieldLength); err != nil {
		return marketing.ContactSubmission{}, err
	}
	if message, err = clean("message", message, true, maxMessageLength); err != nil {
		return marketing.ContactSubmission{}, err
	}

	sub, err := s.store.CreateContact(ctx, marketing.ContactSubmission{
		Name:    name,
		Email:   email,
		Subject: subject,
		Message: message,
		Status:  marketing.ContactNew,
	})
	if err != nil {
		return marketing.ContactSubmission{}, svcerrors.Internal("failed to save message", err)
	}

	if s.adminInbox != "" {
		s.outbox.Enqueue(Message{
			To:      s.adminInbox,
			ReplyTo: email,
			Subject: "[Contact] " + subject,
			Text:    fmt.Sprintf("From: %s <%s>\n\n%s\n", name, email, message),
		})
	}
	s.logger.WithContext(ctx).WithField("contact_id", sub.ID).Info("contact submission received")
	return sub, nil
}

func (s *Service) ListWaitlist(ctx context.Context) ([]marketing.WaitlistEntry, error) {
	entries, err := s.store.ListWaitlist(ctx)
	if err != nil {
		return nil, svcerrors.Internal("failed to list waitlist", err)
	}
	return entries, nil
}

// ExportWaitlistCSV writes the waitlist as CSV. Cells that a spreadsheet
// would evaluate as formulas are prefixed with a quote.
func (s *Service) ExportWaitlistCSV(ctx context.Context, w io.Writer) error {
	entries, err := s.ListWaitlist(ctx)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "email", "name", "source", "confirmed", "created_at"}); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			safeCell(e.Email),
			safeCell(e.Name),
			safeCell(e.Source),
			fmt.Sprint(e.Confirmed),
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func safeCell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}

func (s *Service) ListContacts(ctx context.Context, status marketing.ContactStatus) ([]marketing.ContactSubmission, error) {
	if status != "" && !status.Valid() {
		return nil, svcerrors.InvalidInput("unknown contact status")
	}
	contacts, err := s.store.ListContacts(ctx, status)
	if err != nil {
		return nil, svcerrors.Internal("failed to list contacts", err)
	}
	return contacts, nil
}

func (s *Service) UpdateContactStatus(ctx context.Context, id string, status marketing.ContactStatus) (marketing.ContactSubmission, error) {
	if !status.Valid() {
		return marketing.ContactSubmission{}, svcerrors.InvalidInput("status must be new, read or archived")
	}
	sub, err := s.store.UpdateContactStatus(ctx, id, status)
	if stderrors.Is(err, storage.ErrNotFound) {
		return marketing.ContactSubmission{}, svcerrors.NotFound("contact", id)
	}
	if err != nil {
		return marketing.ContactSubmission{}, svcerrors.Internal("failed to update contact", err)
	}
	return sub, nil
}

// NewContactCount counts untriaged submissions.
func (s *Service) NewContactCount(ctx context.Context) (int, error) {
	contacts, err := s.ListContacts(ctx, marketing.ContactNew)
	if err != nil {
		return 0, err
	}
	return len(contacts), nil
}
