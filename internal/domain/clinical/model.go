package clinical

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	LabStatusPending   = "pending"
	LabStatusCompleted = "completed"

	DefaultSpecimenType  = "Serum"
	DefaultTestingMethod = "Fully Automated Biochemistry Analyzer"
)

// LabReport is one test result recorded against a patient. DoctorName is
// "Unknown" when no ordering doctor was recorded.
type LabReport struct {
	ID                     uuid.UUID  `db:"id" json:"id"`
	PatientID              uuid.UUID  `db:"patient_id" json:"-"`
	PatientName            string     `json:"patient"`
	DoctorID               *uuid.UUID `db:"doctor_id" json:"-"`
	DoctorName             string     `json:"doctor"`
	TestName               string     `db:"test_name" json:"test_name"`
	Result                 string     `db:"result" json:"result"`
	Status                 string     `db:"status" json:"status"`
	CreatedAt              time.Time  `db:"created_at" json:"date"`
	FileURL                *string    `db:"file_url" json:"file_url"`
	ObservedValue          *string    `db:"observed_value" json:"observed_value"`
	Unit                   *string    `db:"unit" json:"unit"`
	ReferenceRange         *string    `db:"reference_range" json:"reference_range"`
	SpecimenType           string     `db:"specimen_type" json:"specimen_type"`
	TestingMethod          string     `db:"testing_method" json:"testing_method"`
	ClinicalInterpretation *string    `db:"clinical_interpretation" json:"clinical_interpretation"`
}

type LabReportInput struct {
	TestName               string  `json:"test_name"`
	Result                 string  `json:"result"`
	Status                 string  `json:"status"`
	ObservedValue          *string `json:"observed_value"`
	Unit                   *string `json:"unit"`
	ReferenceRange         *string `json:"reference_range"`
	SpecimenType           string  `json:"specimen_type"`
	TestingMethod          string  `json:"testing_method"`
	ClinicalInterpretation *string `json:"clinical_interpretation"`
	FileURL                *string `json:"file_url"`
}

// Column widths of lab_reports.
var labFieldLimits = []struct {
	name  string
	limit int
	value func(LabReportInput) string
}{
	{"test_name", 100, func(in LabReportInput) string { return strings.TrimSpace(in.TestName) }},
	{"observed_value", 50, func(in LabReportInput) string { return deref(in.ObservedValue) }},
	{"unit", 20, func(in LabReportInput) string { return deref(in.Unit) }},
	{"reference_range", 100, func(in LabReportInput) string { return deref(in.ReferenceRange) }},
	{"specimen_type", 100, func(in LabReportInput) string { return in.SpecimenType }},
	{"testing_method", 100, func(in LabReportInput) string { return in.TestingMethod }},
}

func (in LabReportInput) lengthErrors(i int, batch bool) map[string][]string {
	fields := map[string][]string{}
	for _, f := range labFieldLimits {
		if utf8.RuneCountInString(f.value(in)) > f.limit {
			fields[fieldName(f.name, i, batch)] = []string{
				fmt.Sprintf("Ensure this field has no more than %d characters.", f.limit),
			}
		}
	}
	return fields
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// LabReportBatch is the create payload. A body without "reports" is a
// single report whose fields sit next to patient_id.
type LabReportBatch struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	LabReportInput
	Reports []LabReportInput `json:"reports"`
}

func (b LabReportBatch) items() []LabReportInput {
	if len(b.Reports) > 0 {
		return b.Reports
	}
	return []LabReportInput{b.LabReportInput}
}

type Referral struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    uuid.UUID `db:"patient_id" json:"patient_id"`
	PatientName  string    `json:"patient"`
	FromDoctorID uuid.UUID `db:"from_doctor_id" json:"from_doctor_id"`
	ToDoctorID   uuid.UUID `db:"to_doctor_id" json:"to_doctor_id"`
	ToDoctorName string    `json:"to_doctor"`
	Reason       *string   `db:"reason" json:"reason"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type ReferralInput struct {
	PatientID  string `json:"patient_id"`
	ToDoctorID string `json:"to_doctor_id"`
	Reason     string `json:"reason"`
}

type Prescription struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	DoctorID      uuid.UUID  `db:"doctor_id" json:"doctor"`
	DoctorName    string     `json:"doctor_name"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient"`
	PatientName   string     `json:"patient_name"`
	AppointmentID *uuid.UUID `db:"appointment_id" json:"appointment"`
	Medicines     string     `db:"medicines" json:"medicines"`
	Notes         string     `db:"notes" json:"notes"`
	IsDispensed   bool       `db:"is_dispensed" json:"is_dispensed"`
	CreatedAt     time.Time  `db:"created_at" json:"date"`
}

type PrescriptionInput struct {
	PatientID     string `json:"patient_id"`
	Medicines     string `json:"medicines"`
	Notes         string `json:"notes"`
	AppointmentID string `json:"appointment_id"`
}

// PrescriptionFilter narrows ListPrescriptions. UndispensedFirst puts the
// dispensing queue ahead of history.
type PrescriptionFilter struct {
	DoctorID         *uuid.UUID
	PatientID        *uuid.UUID
	UndispensedFirst bool
}
