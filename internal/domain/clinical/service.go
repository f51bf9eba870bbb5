package clinical

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/domain/identity"
	"github.com/clinicdesk/clinic/internal/domain/notification"
	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
	"github.com/clinicdesk/clinic/internal/platform/db"
)

// Directory resolves users by role. Satisfied by *identity.Service.
type Directory interface {
	GetByRole(ctx context.Context, id uuid.UUID, role auth.Role, label string) (*identity.User, error)
}

type Service struct {
	labs      LabReportRepository
	referrals ReferralRepository
	scripts   PrescriptionRepository
	users     Directory
	notifier  notification.Notifier
	tx        db.Transactor
	logger    zerolog.Logger
}

func NewService(labs LabReportRepository, referrals ReferralRepository, scripts PrescriptionRepository,
	users Directory, notifier notification.Notifier, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		labs:      labs,
		referrals: referrals,
		scripts:   scripts,
		users:     users,
		notifier:  notifier,
		tx:        tx,
		logger:    logger.With().Str("component", "clinical").Logger(),
	}
}

// -- Lab Reports --

// CreateLabReports records one or more results for a patient and emails
// the patient once for the whole batch.
func (s *Service) CreateLabReports(ctx context.Context, actor auth.Actor, in LabReportBatch) ([]*LabReport, error) {
	if err := auth.Authorize(actor, auth.OpCreateLabReport, nil); err != nil {
		return nil, err
	}
	items := in.items()
	for i, item := range items {
		if strings.TrimSpace(item.TestName) == "" {
			return nil, apperr.ValidationFields(map[string][]string{
				fieldName("test_name", i, len(in.Reports) > 0): {"This field is required."},
			})
		}
		if item.Status != "" && item.Status != LabStatusPending && item.Status != LabStatusCompleted {
			return nil, apperr.ValidationFields(map[string][]string{
				fieldName("status", i, len(in.Reports) > 0): {fmt.Sprintf("\"%s\" is not a valid choice.", item.Status)},
			})
		}
		if fields := item.lengthErrors(i, len(in.Reports) > 0); len(fields) > 0 {
			return nil, apperr.ValidationFields(fields)
		}
	}

	patient, err := s.lookup(ctx, in.PatientID, auth.RolePatient, "Patient")
	if err != nil {
		return nil, err
	}
	var doctorID *uuid.UUID
	doctorName := "Unknown"
	if in.DoctorID != "" {
		doctor, err := s.lookup(ctx, in.DoctorID, auth.RoleDoctor, "Doctor")
		if err != nil {
			return nil, err
		}
		doctorID, doctorName = &doctor.ID, doctor.Username
	}

	created := make([]*LabReport, 0, len(items))
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		for _, item := range items {
			r := newLabReport(item)
			r.PatientID, r.PatientName = patient.ID, patient.Username
			r.DoctorID, r.DoctorName = doctorID, doctorName
			if err := s.labs.Create(ctx, r); err != nil {
				return err
			}
			created = append(created, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if patient.Email != nil && *patient.Email != "" {
		s.notifier.EmailTemplate(ctx, *patient.Email, notification.TemplateLabReportReady, map[string]string{
			"patient":   patient.Username,
			"test_name": items[0].TestName,
		})
	}
	s.logger.Info().Str("patient_id", patient.ID.String()).Int("count", len(created)).Msg("lab reports created")
	return created, nil
}

func newLabReport(in LabReportInput) *LabReport {
	r := &LabReport{
		TestName:               strings.TrimSpace(in.TestName),
		Result:                 in.Result,
		Status:                 in.Status,
		ObservedValue:          in.ObservedValue,
		Unit:                   in.Unit,
		ReferenceRange:         in.ReferenceRange,
		SpecimenType:           in.SpecimenType,
		TestingMethod:          in.TestingMethod,
		ClinicalInterpretation: in.ClinicalInterpretation,
		FileURL:                in.FileURL,
	}
	if r.Status == "" {
		r.Status = LabStatusCompleted
	}
	if r.SpecimenType == "" {
		r.SpecimenType = DefaultSpecimenType
	}
	if r.TestingMethod == "" {
		r.TestingMethod = DefaultTestingMethod
	}
	return r
}

func fieldName(name string, i int, batch bool) string {
	if !batch {
		return name
	}
	return fmt.Sprintf("reports[%d].%s", i, name)
}

// ListLabReports returns the caller's own reports for patients and every
// report for clinical roles.
func (s *Service) ListLabReports(ctx context.Context, actor auth.Actor) ([]*LabReport, error) {
	if err := auth.Authorize(actor, auth.OpListLabReports, nil); err != nil {
		return nil, err
	}
	switch actor.Role {
	case auth.RolePatient:
		return s.labs.List(ctx, &actor.ID)
	case auth.RoleAdmin, auth.RoleStaff, auth.RoleDoctor:
		return s.labs.List(ctx, nil)
	}
	return nil, nil
}

// -- Referrals --

// CreateReferral hands a patient over to another doctor. The referring
// doctor must already have seen the patient or authored one of their lab
// reports.
func (s *Service) CreateReferral(ctx context.Context, actor auth.Actor, in ReferralInput) (*Referral, error) {
	if err := auth.Authorize(actor, auth.OpCreateReferral, nil); err != nil {
		return nil, err
	}
	if in.PatientID == "" || in.ToDoctorID == "" {
		return nil, apperr.Validation("Patient and target doctor are required")
	}
	patient, err := s.lookup(ctx, in.PatientID, auth.RolePatient, "Patient or Doctor")
	if err != nil {
		return nil, err
	}
	toDoctor, err := s.lookup(ctx, in.ToDoctorID, auth.RoleDoctor, "Patient or Doctor")
	if err != nil {
		return nil, err
	}
	from, err := s.users.GetByRole(ctx, actor.ID, auth.RoleDoctor, "Doctor")
	if err != nil {
		return nil, err
	}

	ok, err := s.referrals.HasClinicalAccess(ctx, actor.ID, patient.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("You do not have clinical access to this patient to refer them.")
	}

	ref := &Referral{
		PatientID:    patient.ID,
		PatientName:  patient.Username,
		FromDoctorID: actor.ID,
		ToDoctorID:   toDoctor.ID,
		ToDoctorName: toDoctor.Username,
	}
	if r := strings.TrimSpace(in.Reason); r != "" {
		ref.Reason = &r
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.referrals.Create(ctx, ref); err != nil {
			return err
		}
		_, err := s.notifier.Notify(ctx, toDoctor.ID,
			fmt.Sprintf("Dr. %s has referred patient %s to you.", from.Username, patient.Username))
		return err
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// -- Prescriptions --

// CreatePrescription records a doctor's prescription. An appointment id
// that does not resolve is dropped rather than rejected.
func (s *Service) CreatePrescription(ctx context.Context, actor auth.Actor, in PrescriptionInput) (*Prescription, error) {
	if err := auth.Authorize(actor, auth.OpCreatePrescription, nil); err != nil {
		return nil, err
	}
	if in.PatientID == "" || strings.TrimSpace(in.Medicines) == "" {
		return nil, apperr.Validation("Patient and medicines are required")
	}
	patient, err := s.lookup(ctx, in.PatientID, auth.RolePatient, "Patient")
	if err != nil {
		return nil, err
	}
	doctor, err := s.users.GetByRole(ctx, actor.ID, auth.RoleDoctor, "Doctor")
	if err != nil {
		return nil, err
	}

	p := &Prescription{
		DoctorID:    doctor.ID,
		DoctorName:  doctor.Username,
		PatientID:   patient.ID,
		PatientName: patient.Username,
		Medicines:   in.Medicines,
		Notes:       in.Notes,
	}
	if id, err := uuid.Parse(in.AppointmentID); err == nil {
		exists, err := s.scripts.AppointmentExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			p.AppointmentID = &id
		}
	}
	if err := s.scripts.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPrescriptions returns authored scripts for doctors, own scripts for
// patients and the whole dispensing queue for staff. Admins get nothing.
func (s *Service) ListPrescriptions(ctx context.Context, actor auth.Actor) ([]*Prescription, error) {
	if err := auth.Authorize(actor, auth.OpListPrescriptions, nil); err != nil {
		return nil, err
	}
	var f PrescriptionFilter
	switch actor.Role {
	case auth.RoleDoctor:
		f.DoctorID = &actor.ID
	case auth.RolePatient:
		f.PatientID = &actor.ID
	case auth.RoleStaff:
		f.UndispensedFirst = true
	default:
		return nil, nil
	}
	return s.scripts.List(ctx, f)
}

func (s *Service) Dispense(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if err := auth.Authorize(actor, auth.OpDispensePrescription, nil); err != nil {
		return err
	}
	if err := s.scripts.Dispense(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("prescription_id", id.String()).Str("staff_id", actor.ID.String()).Msg("prescription dispensed")
	return nil
}

func (s *Service) lookup(ctx context.Context, rawID string, role auth.Role, label string) (*identity.User, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, apperr.NotFound(label)
	}
	return s.users.GetByRole(ctx, id, role, label)
}
