package clinical

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/domain/identity"
	"github.com/clinicdesk/clinic/internal/domain/notification"
	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
)

// -- Mock Repositories --

type mockLabRepo struct {
	mu      sync.Mutex
	reports []*LabReport
}

func (m *mockLabRepo) Create(_ context.Context, r *LabReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	m.reports = append(m.reports, r)
	return nil
}

func (m *mockLabRepo) List(_ context.Context, patientID *uuid.UUID) ([]*LabReport, error) {
	var out []*LabReport
	for _, r := range m.reports {
		if patientID == nil || r.PatientID == *patientID {
			out = append(out, r)
		}
	}
	return out, nil
}

type mockReferralRepo struct {
	referrals []*Referral
	// access holds doctor->patient pairs with clinical access.
	access map[[2]uuid.UUID]bool
}

func (m *mockReferralRepo) Create(_ context.Context, r *Referral) error {
	r.ID = uuid.New()
	m.referrals = append(m.referrals, r)
	return nil
}

func (m *mockReferralRepo) HasClinicalAccess(_ context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	return m.access[[2]uuid.UUID{doctorID, patientID}], nil
}

type mockScriptRepo struct {
	scripts      []*Prescription
	appointments map[uuid.UUID]bool
	lastFilter   PrescriptionFilter
}

func (m *mockScriptRepo) Create(_ context.Context, p *Prescription) error {
	p.ID = uuid.New()
	m.scripts = append(m.scripts, p)
	return nil
}

func (m *mockScriptRepo) List(_ context.Context, f PrescriptionFilter) ([]*Prescription, error) {
	m.lastFilter = f
	var out []*Prescription
	for _, p := range m.scripts {
		if f.DoctorID != nil && p.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && p.PatientID != *f.PatientID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *mockScriptRepo) Dispense(_ context.Context, id uuid.UUID) error {
	for _, p := range m.scripts {
		if p.ID == id {
			p.IsDispensed = true
			return nil
		}
	}
	return apperr.NotFound("Script")
}

func (m *mockScriptRepo) AppointmentExists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.appointments[id], nil
}

// -- Mock Collaborators --

type mockDirectory struct {
	users map[uuid.UUID]*identity.User
}

func (m *mockDirectory) add(username string, role auth.Role, email string) *identity.User {
	u := &identity.User{ID: uuid.New(), Username: username, Role: role}
	if email != "" {
		u.Email = &email
	}
	m.users[u.ID] = u
	return u
}

func (m *mockDirectory) GetByRole(_ context.Context, id uuid.UUID, role auth.Role, label string) (*identity.User, error) {
	u, ok := m.users[id]
	if !ok || u.Role != role {
		return nil, apperr.NotFound(label)
	}
	return u, nil
}

type queuedEmail struct {
	To       string
	Template string
	Data     map[string]string
}

type mockNotifier struct {
	notes  []notification.Message
	emails []queuedEmail
}

func (m *mockNotifier) Notify(_ context.Context, recipientID uuid.UUID, message string) (*notification.Notification, error) {
	m.notes = append(m.notes, notification.Message{RecipientID: recipientID, Text: message})
	return &notification.Notification{ID: uuid.New(), RecipientID: recipientID, Message: message}, nil
}

func (m *mockNotifier) FanOut(ctx context.Context, msgs []notification.Message) error {
	for _, msg := range msgs {
		m.Notify(ctx, msg.RecipientID, msg.Text)
	}
	return nil
}

func (m *mockNotifier) Email(_ context.Context, to, subject, body string) {
	m.emails = append(m.emails, queuedEmail{To: to, Data: map[string]string{"subject": subject, "body": body}})
}

func (m *mockNotifier) EmailTemplate(_ context.Context, to, templateID string, data map[string]string) {
	m.emails = append(m.emails, queuedEmail{To: to, Template: templateID, Data: data})
}

type mockTx struct{ calls int }

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

// -- Fixture --

type fixture struct {
	svc       *Service
	labs      *mockLabRepo
	referrals *mockReferralRepo
	scripts   *mockScriptRepo
	dir       *mockDirectory
	notifier  *mockNotifier

	doctor, cardiologist, patient, staff, admin *identity.User
}

func newFixture() *fixture {
	f := &fixture{
		labs:      &mockLabRepo{},
		referrals: &mockReferralRepo{access: map[[2]uuid.UUID]bool{}},
		scripts:   &mockScriptRepo{appointments: map[uuid.UUID]bool{}},
		dir:       &mockDirectory{users: map[uuid.UUID]*identity.User{}},
		notifier:  &mockNotifier{},
	}
	f.svc = NewService(f.labs, f.referrals, f.scripts, f.dir, f.notifier, &mockTx{}, zerolog.Nop())
	f.doctor = f.dir.add("alice", auth.RoleDoctor, "")
	f.cardiologist = f.dir.add("carol", auth.RoleDoctor, "")
	f.patient = f.dir.add("bob", auth.RolePatient, "bob@example.com")
	f.staff = f.dir.add("sam", auth.RoleStaff, "")
	f.admin = f.dir.add("root", auth.RoleAdmin, "")
	return f
}

func actorOf(u *identity.User) auth.Actor { return auth.Actor{ID: u.ID, Role: u.Role} }

// -- Lab Reports --

func TestCreateLabReports_SingleAppliesDefaults(t *testing.T) {
	f := newFixture()
	in := LabReportBatch{PatientID: f.patient.ID.String(), LabReportInput: LabReportInput{TestName: "CBC", Result: "normal"}}

	reports, err := f.svc.CreateLabReports(context.Background(), actorOf(f.staff), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	r := reports[0]
	if r.Status != LabStatusCompleted || r.SpecimenType != "Serum" || r.TestingMethod != DefaultTestingMethod {
		t.Errorf("expected defaults, got %+v", r)
	}
	if r.DoctorName != "Unknown" || r.PatientName != "bob" {
		t.Errorf("unexpected names %s/%s", r.PatientName, r.DoctorName)
	}
	if len(f.notifier.emails) != 1 || f.notifier.emails[0].Template != notification.TemplateLabReportReady {
		t.Errorf("expected one lab report email, got %+v", f.notifier.emails)
	}
}

func TestCreateLabReports_BatchSendsOneEmail(t *testing.T) {
	f := newFixture()
	in := LabReportBatch{
		PatientID: f.patient.ID.String(),
		DoctorID:  f.doctor.ID.String(),
		Reports: []LabReportInput{
			{TestName: "Glucose", SpecimenType: "Plasma"},
			{TestName: "HbA1c", Status: "pending"},
		},
	}
	reports, err := f.svc.CreateLabReports(context.Background(), actorOf(f.admin), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 2 || len(f.labs.reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].SpecimenType != "Plasma" || reports[1].Status != LabStatusPending {
		t.Errorf("expected explicit values to be kept, got %+v %+v", reports[0], reports[1])
	}
	if reports[0].DoctorID == nil || *reports[0].DoctorID != f.doctor.ID {
		t.Error("expected ordering doctor to be recorded")
	}
	if len(f.notifier.emails) != 1 || f.notifier.emails[0].Data["test_name"] != "Glucose" {
		t.Errorf("expected one email naming the first test, got %+v", f.notifier.emails)
	}
}

func TestCreateLabReports_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	valid := LabReportInput{TestName: "CBC"}

	tests := []struct {
		name  string
		actor auth.Actor
		in    LabReportBatch
		kind  apperr.Kind
	}{
		{"doctor denied", actorOf(f.doctor), LabReportBatch{PatientID: f.patient.ID.String(), LabReportInput: valid}, apperr.KindAuthorization},
		{"patient denied", actorOf(f.patient), LabReportBatch{PatientID: f.patient.ID.String(), LabReportInput: valid}, apperr.KindAuthorization},
		{"missing test name", actorOf(f.staff), LabReportBatch{PatientID: f.patient.ID.String()}, apperr.KindValidation},
		{"bad status", actorOf(f.staff), LabReportBatch{PatientID: f.patient.ID.String(), LabReportInput: LabReportInput{TestName: "x", Status: "done"}}, apperr.KindValidation},
		{"patient not a patient", actorOf(f.staff), LabReportBatch{PatientID: f.doctor.ID.String(), LabReportInput: valid}, apperr.KindNotFound},
		{"unknown patient", actorOf(f.staff), LabReportBatch{PatientID: "12", LabReportInput: valid}, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateLabReports(ctx, tt.actor, tt.in)
			if !apperr.Is(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
	if len(f.labs.reports) != 0 || len(f.notifier.emails) != 0 {
		t.Error("expected no writes after rejections")
	}
}

func TestCreateLabReports_FieldLengths(t *testing.T) {
	f := newFixture()
	long := strings.Repeat("9", 51)
	unit := "milligrams per decilitre"
	in := LabReportBatch{
		PatientID: f.patient.ID.String(),
		Reports: []LabReportInput{
			{TestName: "Glucose"},
			{TestName: strings.Repeat("T", 101), ObservedValue: &long, Unit: &unit},
		},
	}

	_, err := f.svc.CreateLabReports(context.Background(), actorOf(f.staff), in)
	ae, ok := err.(*apperr.Error)
	if !ok || ae.Kind != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"reports[1].test_name", "reports[1].observed_value", "reports[1].unit"} {
		if _, ok := ae.Fields[field]; !ok {
			t.Errorf("expected %s error, got %v", field, ae.Fields)
		}
	}
	if len(f.labs.reports) != 0 {
		t.Error("expected nothing written")
	}
}

func TestCreateLabReports_NoEmailWithoutAddress(t *testing.T) {
	f := newFixture()
	quiet := f.dir.add("quiet", auth.RolePatient, "")
	_, err := f.svc.CreateLabReports(context.Background(), actorOf(f.staff),
		LabReportBatch{PatientID: quiet.ID.String(), LabReportInput: LabReportInput{TestName: "CBC"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.notifier.emails) != 0 {
		t.Errorf("expected no email, got %d", len(f.notifier.emails))
	}
}

func TestListLabReports_Visibility(t *testing.T) {
	f := newFixture()
	other := f.dir.add("eve", auth.RolePatient, "")
	ctx := context.Background()
	f.svc.CreateLabReports(ctx, actorOf(f.staff), LabReportBatch{PatientID: f.patient.ID.String(), LabReportInput: LabReportInput{TestName: "CBC"}})
	f.svc.CreateLabReports(ctx, actorOf(f.staff), LabReportBatch{PatientID: other.ID.String(), LabReportInput: LabReportInput{TestName: "Lipids"}})

	tests := []struct {
		name  string
		actor auth.Actor
		want  int
	}{
		{"patient sees own", actorOf(f.patient), 1},
		{"doctor sees all", actorOf(f.doctor), 2},
		{"staff sees all", actorOf(f.staff), 2},
		{"admin sees all", actorOf(f.admin), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.ListLabReports(ctx, tt.actor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d, got %d", tt.want, len(got))
			}
		})
	}
}

// -- Referrals --

func TestCreateReferral(t *testing.T) {
	f := newFixture()
	f.referrals.access[[2]uuid.UUID{f.doctor.ID, f.patient.ID}] = true

	ref, err := f.svc.CreateReferral(context.Background(), actorOf(f.doctor), ReferralInput{
		PatientID: f.patient.ID.String(), ToDoctorID: f.cardiologist.ID.String(), Reason: "murmur",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.ToDoctorName != "carol" || ref.PatientName != "bob" || *ref.Reason != "murmur" {
		t.Errorf("unexpected referral %+v", ref)
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].RecipientID != f.cardiologist.ID {
		t.Fatalf("expected one notification to the target doctor, got %+v", f.notifier.notes)
	}
	want := "Dr. alice has referred patient bob to you."
	if f.notifier.notes[0].Text != want {
		t.Errorf("expected %q, got %q", want, f.notifier.notes[0].Text)
	}
}

func TestCreateReferral_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	patientID, targetID := f.patient.ID.String(), f.cardiologist.ID.String()

	if _, err := f.svc.CreateReferral(ctx, actorOf(f.staff), ReferralInput{PatientID: patientID, ToDoctorID: targetID}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected staff to be denied, got %v", err)
	}
	if _, err := f.svc.CreateReferral(ctx, actorOf(f.doctor), ReferralInput{PatientID: patientID}); err == nil || err.Error() != "Patient and target doctor are required" {
		t.Errorf("expected missing fields error, got %v", err)
	}
	if _, err := f.svc.CreateReferral(ctx, actorOf(f.doctor), ReferralInput{PatientID: patientID, ToDoctorID: f.staff.ID.String()}); err == nil || err.Error() != "Patient or Doctor not found" {
		t.Errorf("expected Patient or Doctor not found, got %v", err)
	}
	_, err := f.svc.CreateReferral(ctx, actorOf(f.doctor), ReferralInput{PatientID: patientID, ToDoctorID: targetID})
	if !apperr.Is(err, apperr.KindAuthorization) || err.Error() != "You do not have clinical access to this patient to refer them." {
		t.Errorf("expected clinical access denial, got %v", err)
	}
	if len(f.referrals.referrals) != 0 || len(f.notifier.notes) != 0 {
		t.Error("expected no writes after rejections")
	}
}

// -- Prescriptions --

func TestCreatePrescription(t *testing.T) {
	f := newFixture()
	apptID := uuid.New()
	f.scripts.appointments[apptID] = true

	p, err := f.svc.CreatePrescription(context.Background(), actorOf(f.doctor), PrescriptionInput{
		PatientID: f.patient.ID.String(), Medicines: "Amoxicillin 500mg", Notes: "3x daily", AppointmentID: apptID.String(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.AppointmentID == nil || *p.AppointmentID != apptID {
		t.Errorf("expected appointment link, got %v", p.AppointmentID)
	}
	if p.DoctorName != "alice" || p.PatientName != "bob" || p.IsDispensed {
		t.Errorf("unexpected prescription %+v", p)
	}
}

func TestCreatePrescription_UnknownAppointmentIgnored(t *testing.T) {
	f := newFixture()
	for _, apptID := range []string{uuid.NewString(), "99"} {
		p, err := f.svc.CreatePrescription(context.Background(), actorOf(f.doctor), PrescriptionInput{
			PatientID: f.patient.ID.String(), Medicines: "Ibuprofen", AppointmentID: apptID,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.AppointmentID != nil {
			t.Errorf("expected appointment %s to be dropped", apptID)
		}
	}
}

func TestCreatePrescription_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.CreatePrescription(ctx, actorOf(f.staff), PrescriptionInput{PatientID: f.patient.ID.String(), Medicines: "x"}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected staff to be denied, got %v", err)
	}
	if _, err := f.svc.CreatePrescription(ctx, actorOf(f.doctor), PrescriptionInput{PatientID: f.patient.ID.String()}); err == nil || err.Error() != "Patient and medicines are required" {
		t.Errorf("expected missing fields error, got %v", err)
	}
	if _, err := f.svc.CreatePrescription(ctx, actorOf(f.doctor), PrescriptionInput{PatientID: f.staff.ID.String(), Medicines: "x"}); err == nil || err.Error() != "Patient not found" {
		t.Errorf("expected Patient not found, got %v", err)
	}
	if len(f.scripts.scripts) != 0 {
		t.Error("expected no prescriptions to be written")
	}
}

func TestListPrescriptions_ByRole(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.CreatePrescription(ctx, actorOf(f.doctor), PrescriptionInput{PatientID: f.patient.ID.String(), Medicines: "a"})
	f.svc.CreatePrescription(ctx, actorOf(f.cardiologist), PrescriptionInput{PatientID: f.patient.ID.String(), Medicines: "b"})

	got, _ := f.svc.ListPrescriptions(ctx, actorOf(f.doctor))
	if len(got) != 1 {
		t.Errorf("expected doctor to see 1 authored script, got %d", len(got))
	}
	got, _ = f.svc.ListPrescriptions(ctx, actorOf(f.patient))
	if len(got) != 2 {
		t.Errorf("expected patient to see 2 scripts, got %d", len(got))
	}
	got, _ = f.svc.ListPrescriptions(ctx, actorOf(f.staff))
	if len(got) != 2 || !f.scripts.lastFilter.UndispensedFirst {
		t.Errorf("expected staff to see the queue undispensed first, got %d", len(got))
	}
	got, err := f.svc.ListPrescriptions(ctx, actorOf(f.admin))
	if err != nil || len(got) != 0 {
		t.Errorf("expected admin to see nothing, got %d (%v)", len(got), err)
	}
}

func TestDispense(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, _ := f.svc.CreatePrescription(ctx, actorOf(f.doctor), PrescriptionInput{PatientID: f.patient.ID.String(), Medicines: "a"})

	if err := f.svc.Dispense(ctx, actorOf(f.doctor), p.ID); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected doctor to be denied, got %v", err)
	}
	if p.IsDispensed {
		t.Fatal("expected no mutation after denial")
	}
	if err := f.svc.Dispense(ctx, actorOf(f.staff), p.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsDispensed {
		t.Error("expected prescription to be dispensed")
	}
	if err := f.svc.Dispense(ctx, actorOf(f.staff), uuid.New()); err == nil || err.Error() != "Script not found" {
		t.Errorf("expected Script not found, got %v", err)
	}
}
