package clinical

import (
	"context"

	"github.com/google/uuid"
)

type LabReportRepository interface {
	Create(ctx context.Context, r *LabReport) error
	// List returns reports newest first. A nil patientID lists every report.
	List(ctx context.Context, patientID *uuid.UUID) ([]*LabReport, error)
}

type ReferralRepository interface {
	Create(ctx context.Context, r *Referral) error
	// HasClinicalAccess reports whether the doctor has an appointment with
	// the patient or has authored one of their lab reports.
	HasClinicalAccess(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	List(ctx context.Context, f PrescriptionFilter) ([]*Prescription, error)
	Dispense(ctx context.Context, id uuid.UUID) error
	AppointmentExists(ctx context.Context, id uuid.UUID) (bool, error)
}
