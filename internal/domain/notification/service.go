package notification

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
	"github.com/clinicdesk/clinic/internal/platform/db"
	"github.com/clinicdesk/clinic/internal/platform/mailer"
	"github.com/clinicdesk/clinic/internal/platform/telemetry"
)

// Notifier is what other domains use to reach users. In-app notifications
// are durable and their errors propagate; email is best effort.
type Notifier interface {
	Notify(ctx context.Context, recipientID uuid.UUID, message string) (*Notification, error)
	FanOut(ctx context.Context, msgs []Message) error
	Email(ctx context.Context, to, subject, body string)
	EmailTemplate(ctx context.Context, to, templateID string, data map[string]string)
}

// Mailer queues outbound email. Satisfied by *mailer.Dispatcher.
type Mailer interface {
	Enqueue(msg mailer.Message) error
}

type Service struct {
	repo      Repository
	mail      Mailer
	templates *TemplateEngine
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

func NewService(repo Repository, mail Mailer, templates *TemplateEngine, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Service{
		repo:      repo,
		mail:      mail,
		templates: templates,
		metrics:   metrics,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

func (s *Service) Notify(ctx context.Context, recipientID uuid.UUID, message string) (*Notification, error) {
	if recipientID == uuid.Nil {
		return nil, apperr.Validation("notification recipient is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, apperr.Validation("notification message is required")
	}
	n := &Notification{RecipientID: recipientID, Message: truncate(message)}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}
	db.AfterCommit(ctx, func() { s.metrics.NotificationCreated("direct") })
	return n, nil
}

// FanOut writes one notification per message. It stops at the first
// failure; run it inside the caller's transaction to get all or nothing.
func (s *Service) FanOut(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		if _, err := s.Notify(ctx, m.RecipientID, m.Text); err != nil {
			return err
		}
	}
	return nil
}

// Email queues a message for background delivery. Call it after the
// surrounding transaction has committed. Failures are logged, never returned.
func (s *Service) Email(_ context.Context, to, subject, body string) {
	if to == "" {
		return
	}
	if s.mail == nil {
		s.logger.Warn().Str("to", to).Msg("no mailer configured, email dropped")
		return
	}
	if err := s.mail.Enqueue(mailer.Message{To: to, Subject: subject, Body: body}); err != nil {
		s.logger.Warn().Err(err).Str("to", to).Str("subject", subject).Msg("email not queued")
	}
}

func (s *Service) EmailTemplate(ctx context.Context, to, templateID string, data map[string]string) {
	subject, body, err := s.templates.Render(templateID, data)
	if err != nil {
		s.logger.Error().Err(err).Str("template", templateID).Msg("render email template")
		return
	}
	s.Email(ctx, to, subject, body)
}

func (s *Service) ListForRecipient(ctx context.Context, actor auth.Actor) ([]*Notification, error) {
	if actor.ID == uuid.Nil {
		return nil, apperr.Authentication("authentication required")
	}
	return s.repo.ListByRecipient(ctx, actor.ID)
}

// MarkRead flags a notification as read. Notifications addressed to someone
// else are reported as missing.
func (s *Service) MarkRead(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.Authorize(actor, auth.OpReadNotification, &auth.Target{OwnerID: n.RecipientID}); err != nil {
		return apperr.NotFound("Notification")
	}
	return s.repo.MarkRead(ctx, id)
}

func (s *Service) UnreadCount(ctx context.Context, actor auth.Actor) (int, error) {
	if actor.ID == uuid.Nil {
		return 0, apperr.Authentication("authentication required")
	}
	return s.repo.CountUnread(ctx, actor.ID)
}

var _ Notifier = (*Service)(nil)
