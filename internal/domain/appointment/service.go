package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/domain/identity"
	"github.com/clinicdesk/clinic/internal/domain/notification"
	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
	"github.com/clinicdesk/clinic/internal/platform/db"
	"github.com/clinicdesk/clinic/internal/platform/payment"
	"github.com/clinicdesk/clinic/internal/platform/telemetry"
)

// Directory resolves the people an appointment involves. Satisfied by
// *identity.Service.
type Directory interface {
	GetByRole(ctx context.Context, id uuid.UUID, role auth.Role, label string) (*identity.User, error)
	ListByRole(ctx context.Context, role auth.Role) ([]*identity.User, error)
}

type Config struct {
	FeeCents int64
	Currency string
}

type Service struct {
	repo     Repository
	users    Directory
	notifier notification.Notifier
	tx       db.Transactor
	payments payment.Gateway
	metrics  *telemetry.Metrics
	cfg      Config
	logger   zerolog.Logger
}

func NewService(repo Repository, users Directory, notifier notification.Notifier, tx db.Transactor,
	payments payment.Gateway, metrics *telemetry.Metrics, cfg Config, logger zerolog.Logger) *Service {
	if cfg.FeeCents <= 0 {
		cfg.FeeCents = 5000
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Service{
		repo:     repo,
		users:    users,
		notifier: notifier,
		tx:       tx,
		payments: payments,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With().Str("component", "appointment").Logger(),
	}
}

// Book creates a pending appointment for the calling patient. The token
// number is assigned under a per doctor and day lock, and the doctor and
// every admin are notified in the same transaction.
func (s *Service) Book(ctx context.Context, actor auth.Actor, in BookInput) (*Appointment, error) {
	if err := auth.Authorize(actor, auth.OpBookAppointment, nil); err != nil {
		return nil, err
	}
	scheduledAt, ok := ParseSchedule(in.Date)
	if !ok {
		return nil, apperr.ValidationFields(map[string][]string{"date": {"A valid date and time is required."}})
	}
	doctorID, err := uuid.Parse(in.DoctorID)
	if err != nil {
		return nil, apperr.NotFound("Doctor")
	}
	doctor, err := s.users.GetByRole(ctx, doctorID, auth.RoleDoctor, "Doctor")
	if err != nil {
		return nil, err
	}
	patient, err := s.users.GetByRole(ctx, actor.ID, auth.RolePatient, "Patient")
	if err != nil {
		return nil, err
	}
	admins, err := s.users.ListByRole(ctx, auth.RoleAdmin)
	if err != nil {
		return nil, err
	}

	a := &Appointment{
		PatientID:     patient.ID,
		PatientName:   patient.Username,
		PatientEmail:  patient.Email,
		DoctorID:      doctor.ID,
		DoctorName:    doctor.Username,
		ScheduledAt:   scheduledAt,
		Status:        StatusPending,
		Reason:        strPtr(in.Reason),
		PaymentStatus: PaymentPending,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		token, err := s.repo.NextToken(ctx, doctor.ID, a.Day())
		if err != nil {
			return err
		}
		a.TokenNumber = token
		if err := s.repo.Create(ctx, a); err != nil {
			return err
		}

		msgs := []notification.Message{{
			RecipientID: doctor.ID,
			Text:        fmt.Sprintf("New appointment request from %s for %s.", patient.Username, displayTime(scheduledAt)),
		}}
		for _, admin := range admins {
			msgs = append(msgs, notification.Message{
				RecipientID: admin.ID,
				Text:        fmt.Sprintf("A new appointment has been booked between %s and Dr. %s.", patient.Username, doctor.Username),
			})
		}
		return s.notifier.FanOut(ctx, msgs)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AppointmentBooked(string(actor.Role))
	s.logger.Info().Str("appointment_id", a.ID.String()).Str("doctor_id", doctor.ID.String()).
		Int("token", a.TokenNumber).Msg("appointment booked")
	return a, nil
}

// UpdateStatus applies a staff edit. When a status is supplied the patient
// is notified (and emailed once the transaction has committed); a move to
// confirmed also tells the doctor the patient has checked in.
func (s *Service) UpdateStatus(ctx context.Context, actor auth.Actor, id uuid.UUID, in StatusUpdate) (*Appointment, error) {
	if err := auth.Authorize(actor, auth.OpUpdateAppointmentStatus, nil); err != nil {
		return nil, err
	}
	var to Status
	if in.Status != "" {
		st, ok := ParseStatus(in.Status)
		if !ok {
			return nil, apperr.Validation("Invalid status")
		}
		to = st
	}

	var (
		a    *Appointment
		from Status
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = a.Status
		if to != "" {
			if !CanTransition(from, to) {
				return apperr.Conflict("illegal_transition", "Cannot change appointment status from %s to %s", from, to)
			}
			a.Status = to
		}
		if in.Vitals != "" {
			a.Vitals = strPtr(in.Vitals)
		}
		if in.Diagnosis != "" {
			a.Diagnosis = strPtr(in.Diagnosis)
		}
		if in.DeclineReason != "" {
			a.DeclineReason = strPtr(in.DeclineReason)
		}
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		if to == "" {
			return nil
		}

		msg := fmt.Sprintf("Your appointment with Dr. %s has been %s.", a.DoctorName, to)
		if to == StatusCancelled && a.DeclineReason != nil {
			msg += " Reason: " + *a.DeclineReason
		}
		msgs := []notification.Message{{RecipientID: a.PatientID, Text: msg}}
		if to == StatusConfirmed {
			msgs = append(msgs, notification.Message{
				RecipientID: a.DoctorID,
				Text:        fmt.Sprintf("Patient %s has checked in and is ready.", a.PatientName),
			})
		}
		return s.notifier.FanOut(ctx, msgs)
	})
	if err != nil {
		return nil, err
	}

	if to != "" {
		s.metrics.StatusTransition(string(from), string(to))
		s.emailStatus(ctx, a, to)
	}
	return a, nil
}

func (s *Service) emailStatus(ctx context.Context, a *Appointment, to Status) {
	if a.PatientEmail == nil || *a.PatientEmail == "" {
		return
	}
	reason := ""
	if to == StatusCancelled && a.DeclineReason != nil {
		reason = "\nReason for cancellation: " + *a.DeclineReason + "\n"
	}
	s.notifier.EmailTemplate(ctx, *a.PatientEmail, notification.TemplateAppointmentStatus, map[string]string{
		"status_title": titleCase(string(to)),
		"patient":      a.PatientName,
		"doctor":       a.DoctorName,
		"date":         displayTime(a.ScheduledAt),
		"status":       string(to),
		"reason_block": reason,
	})
}

// Cancel lets the owning patient withdraw an appointment. It reports
// alreadyCancelled without touching anything when there is nothing to do.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (a *Appointment, alreadyCancelled bool, err error) {
	// Role check before the row lock; ownership is checked once the row is read.
	if err := auth.Authorize(actor, auth.OpCancelAppointment, &auth.Target{OwnerID: actor.ID}); err != nil {
		return nil, false, err
	}
	var from Status
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err = s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := auth.Authorize(actor, auth.OpCancelAppointment, &auth.Target{OwnerID: a.PatientID}); err != nil {
			return err
		}
		switch a.Status {
		case StatusCompleted:
			return apperr.Validation("Cannot cancel a completed appointment")
		case StatusCancelled:
			alreadyCancelled = true
			return nil
		}
		if !CanTransition(a.Status, StatusCancelled) {
			return apperr.Conflict("illegal_transition", "Cannot cancel an appointment that is %s", a.Status)
		}
		from = a.Status
		a.Status = StatusCancelled
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		_, err := s.notifier.Notify(ctx, a.DoctorID, fmt.Sprintf(
			"Appointment with %s (Token #%d) was cancelled by the patient.", a.PatientName, a.TokenNumber))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !alreadyCancelled {
		s.metrics.StatusTransition(string(from), string(StatusCancelled))
	}
	return a, alreadyCancelled, nil
}

// MarkPaid records payment for the owning patient. It is idempotent and
// leaves the status alone. While a gateway is configured the caller must
// name a payment intent, and that intent must have succeeded.
func (s *Service) MarkPaid(ctx context.Context, actor auth.Actor, id uuid.UUID, intentID string) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(actor, auth.OpPayAppointment, &auth.Target{OwnerID: a.PatientID}); err != nil {
		return nil, err
	}
	if a.PaymentStatus == PaymentPaid {
		return a, nil
	}
	if s.payments != nil && s.payments.Configured() {
		intentID = strings.TrimSpace(intentID)
		if intentID == "" {
			return nil, apperr.ValidationFields(map[string][]string{"payment_intent_id": {"This field is required."}})
		}
		if err := s.verifyIntent(ctx, a, intentID); err != nil {
			return nil, err
		}
	}
	if err := s.repo.MarkPaid(ctx, id); err != nil {
		return nil, err
	}
	a.PaymentStatus = PaymentPaid
	return a, nil
}

func (s *Service) verifyIntent(ctx context.Context, a *Appointment, intentID string) error {
	intent, err := s.payments.GetIntent(ctx, intentID)
	if err != nil {
		var apiErr *payment.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return apperr.Validation("Payment could not be verified")
		}
		return apperr.Dependency("Payment verification unavailable", err)
	}
	if intent.Status != payment.StatusSucceeded {
		return apperr.Validation("Payment has not succeeded")
	}
	if ref := intent.Metadata["appointment_id"]; ref != "" && ref != a.ID.String() {
		return apperr.Validation("Payment does not belong to this appointment")
	}
	return nil
}

// CreatePaymentIntent opens a card payment for the appointment fee and
// returns the client secret the browser needs to confirm it.
func (s *Service) CreatePaymentIntent(ctx context.Context, actor auth.Actor, id uuid.UUID) (string, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if err := auth.Authorize(actor, auth.OpCreatePaymentIntent, &auth.Target{OwnerID: a.PatientID}); err != nil {
		return "", err
	}
	if a.PaymentStatus == PaymentPaid {
		return "", apperr.Conflict("already_paid", "Appointment is already paid")
	}
	if s.payments == nil || !s.payments.Configured() {
		s.metrics.PaymentIntent("unconfigured")
		return "", apperr.Dependency("Payment service not configured (Missing Key)", payment.ErrNotConfigured)
	}

	intent, err := s.payments.CreateIntent(ctx, s.cfg.FeeCents, s.cfg.Currency, map[string]string{
		"appointment_id": a.ID.String(),
	})
	if err != nil {
		s.metrics.PaymentIntent("error")
		s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("create payment intent")
		var apiErr *payment.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return "", apperr.Validation("Payment provider rejected the request")
		}
		return "", apperr.Dependency("Payment service unavailable", err)
	}
	s.metrics.PaymentIntent("created")
	return intent.ClientSecret, nil
}

func (s *Service) PaymentConfig() string {
	if s.payments == nil {
		return ""
	}
	return s.payments.PublishableKey()
}

// List returns the appointments visible to actor, latest first.
func (s *Service) List(ctx context.Context, actor auth.Actor) ([]*Appointment, error) {
	var f Filter
	switch actor.Role {
	case auth.RolePatient:
		f.PatientID = &actor.ID
	case auth.RoleDoctor:
		f.DoctorID = &actor.ID
	case auth.RoleAdmin, auth.RoleStaff:
	default:
		return nil, apperr.Forbidden("list appointments: unknown role")
	}
	return s.repo.List(ctx, f)
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(actor, auth.OpViewAppointment, &auth.Target{OwnerID: a.PatientID, AssigneeID: a.DoctorID}); err != nil {
		return nil, err
	}
	return a, nil
}
