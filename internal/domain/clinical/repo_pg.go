package clinical

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/db"
)

// =========== Lab Report Repository ===========

type labReportRepoPG struct{ db db.DB }

func NewLabReportRepo(d db.DB) LabReportRepository { return &labReportRepoPG{db: d} }

func (r *labReportRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const labSelect = `SELECT l.id, l.patient_id, p.username, l.doctor_id, COALESCE(d.username, 'Unknown'),
	l.test_name, l.result, l.status, l.created_at, l.file_url, l.observed_value, l.unit,
	l.reference_range, l.specimen_type, l.testing_method, l.clinical_interpretation
	FROM lab_reports l
	JOIN users p ON p.id = l.patient_id
	LEFT JOIN users d ON d.id = l.doctor_id`

func scanLabReport(row pgx.Row) (*LabReport, error) {
	var l LabReport
	err := row.Scan(&l.ID, &l.PatientID, &l.PatientName, &l.DoctorID, &l.DoctorName,
		&l.TestName, &l.Result, &l.Status, &l.CreatedAt, &l.FileURL, &l.ObservedValue, &l.Unit,
		&l.ReferenceRange, &l.SpecimenType, &l.TestingMethod, &l.ClinicalInterpretation)
	return &l, err
}

func (r *labReportRepoPG) Create(ctx context.Context, l *LabReport) error {
	l.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_reports (id, patient_id, doctor_id, test_name, result, status, observed_value,
			unit, reference_range, specimen_type, testing_method, clinical_interpretation, file_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		l.ID, l.PatientID, l.DoctorID, l.TestName, l.Result, l.Status, l.ObservedValue,
		l.Unit, l.ReferenceRange, l.SpecimenType, l.TestingMethod, l.ClinicalInterpretation, l.FileURL,
	).Scan(&l.CreatedAt)
	if err != nil {
		return writeErr("create lab report", err)
	}
	return nil
}

func (r *labReportRepoPG) List(ctx context.Context, patientID *uuid.UUID) ([]*LabReport, error) {
	query := labSelect
	var args []interface{}
	if patientID != nil {
		query += ` WHERE l.patient_id = $1`
		args = append(args, *patientID)
	}
	query += ` ORDER BY l.created_at DESC`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("list lab reports", err)
	}
	defer rows.Close()
	var out []*LabReport
	for rows.Next() {
		l, err := scanLabReport(rows)
		if err != nil {
			return nil, apperr.Internal("scan lab report", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// =========== Referral Repository ===========

type referralRepoPG struct{ db db.DB }

func NewReferralRepo(d db.DB) ReferralRepository { return &referralRepoPG{db: d} }

func (r *referralRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

func (r *referralRepoPG) Create(ctx context.Context, ref *Referral) error {
	ref.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO referrals (id, patient_id, from_doctor_id, to_doctor_id, reason)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		ref.ID, ref.PatientID, ref.FromDoctorID, ref.ToDoctorID, ref.Reason,
	).Scan(&ref.CreatedAt)
	if err != nil {
		return writeErr("create referral", err)
	}
	return nil
}

func (r *referralRepoPG) HasClinicalAccess(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE doctor_id = $1 AND patient_id = $2)
			OR EXISTS (SELECT 1 FROM lab_reports WHERE doctor_id = $1 AND patient_id = $2)`,
		doctorID, patientID,
	).Scan(&ok)
	if err != nil {
		return false, apperr.Internal("check clinical access", err)
	}
	return ok, nil
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ db db.DB }

func NewPrescriptionRepo(d db.DB) PrescriptionRepository { return &prescriptionRepoPG{db: d} }

func (r *prescriptionRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const rxSelect = `SELECT r.id, r.doctor_id, d.username, r.patient_id, p.username, r.appointment_id,
	r.medicines, COALESCE(r.notes, ''), r.is_dispensed, r.created_at
	FROM prescriptions r
	JOIN users d ON d.id = r.doctor_id
	JOIN users p ON p.id = r.patient_id`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.DoctorID, &p.DoctorName, &p.PatientID, &p.PatientName, &p.AppointmentID,
		&p.Medicines, &p.Notes, &p.IsDispensed, &p.CreatedAt)
	return &p, err
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (id, doctor_id, patient_id, appointment_id, medicines, notes)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING is_dispensed, created_at`,
		p.ID, p.DoctorID, p.PatientID, p.AppointmentID, p.Medicines, p.Notes,
	).Scan(&p.IsDispensed, &p.CreatedAt)
	if err != nil {
		return writeErr("create prescription", err)
	}
	return nil
}

func (r *prescriptionRepoPG) List(ctx context.Context, f PrescriptionFilter) ([]*Prescription, error) {
	query := rxSelect
	var args []interface{}
	switch {
	case f.DoctorID != nil:
		query += ` WHERE r.doctor_id = $1`
		args = append(args, *f.DoctorID)
	case f.PatientID != nil:
		query += ` WHERE r.patient_id = $1`
		args = append(args, *f.PatientID)
	}
	if f.UndispensedFirst {
		query += ` ORDER BY r.is_dispensed, r.created_at DESC`
	} else {
		query += ` ORDER BY r.created_at DESC`
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("list prescriptions", err)
	}
	defer rows.Close()
	var out []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, apperr.Internal("scan prescription", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *prescriptionRepoPG) Dispense(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE prescriptions SET is_dispensed = TRUE WHERE id = $1`, id)
	if err != nil {
		return apperr.Internal("dispense prescription", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Script")
	}
	return nil
}

func (r *prescriptionRepoPG) AppointmentExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal("lookup appointment", err)
	}
	return ok, nil
}

// writeErr reports values the columns reject as a validation error.
func writeErr(op string, err error) error {
	if db.IsInvalidData(err) {
		return apperr.Validation("Invalid field value")
	}
	return apperr.Internal(op, err)
}
