package appointment

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/domain/identity"
	"github.com/clinicdesk/clinic/internal/domain/notification"
	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
	"github.com/clinicdesk/clinic/internal/platform/payment"
)

// -- Mock Repository --

type mockRepo struct {
	mu        sync.Mutex
	store     map[uuid.UUID]*Appointment
	locks     map[string]int
	forUpdate int
	users     *mockDirectory
}

func newMockRepo(users *mockDirectory) *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*Appointment), locks: make(map[string]int), users: users}
}

func (m *mockRepo) NextToken(_ context.Context, doctorID uuid.UUID, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[doctorID.String()+day.Format("2006-01-02")]++
	count := 0
	for _, a := range m.store {
		if a.DoctorID == doctorID && a.Day().Equal(DayOf(day)) {
			count++
		}
	}
	return count + 1, nil
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	cp := *a
	m.store[a.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("Appointment")
	}
	cp := *a
	if p, ok := m.users.users[a.PatientID]; ok {
		cp.PatientEmail = p.Email
	}
	return &cp, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	m.forUpdate++
	m.mu.Unlock()
	return m.GetByID(ctx, id)
}

func (m *mockRepo) List(_ context.Context, f Filter) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.store {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (m *mockRepo) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.store[a.ID]
	if !ok {
		return apperr.NotFound("Appointment")
	}
	stored.Status = a.Status
	stored.Vitals = a.Vitals
	stored.Diagnosis = a.Diagnosis
	stored.DeclineReason = a.DeclineReason
	return nil
}

func (m *mockRepo) MarkPaid(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.store[id]
	if !ok {
		return apperr.NotFound("Appointment")
	}
	a.PaymentStatus = PaymentPaid
	return nil
}

// -- Mock Directory --

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

func (m *mockDirectory) ListByRole(_ context.Context, role auth.Role) ([]*identity.User, error) {
	var out []*identity.User
	for _, u := range m.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

// -- Mock Notifier --

type queuedEmail struct {
	To       string
	Template string
	Data     map[string]string
}

type mockNotifier struct {
	mu     sync.Mutex
	notes  []notification.Message
	emails []queuedEmail

	tx          *mockTx
	emailedInTx bool
}

func (m *mockNotifier) Notify(_ context.Context, recipientID uuid.UUID, message string) (*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, notification.Message{RecipientID: recipientID, Text: message})
	return &notification.Notification{ID: uuid.New(), RecipientID: recipientID, Message: message}, nil
}

func (m *mockNotifier) FanOut(ctx context.Context, msgs []notification.Message) error {
	for _, msg := range msgs {
		if _, err := m.Notify(ctx, msg.RecipientID, msg.Text); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockNotifier) Email(_ context.Context, to, subject, body string) {
	m.EmailTemplate(context.Background(), to, "", map[string]string{"subject": subject, "body": body})
}

func (m *mockNotifier) EmailTemplate(_ context.Context, to, templateID string, data map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil && m.tx.open {
		m.emailedInTx = true
	}
	m.emails = append(m.emails, queuedEmail{To: to, Template: templateID, Data: data})
}

func (m *mockNotifier) recipients() []uuid.UUID {
	var ids []uuid.UUID
	for _, n := range m.notes {
		ids = append(ids, n.RecipientID)
	}
	return ids
}

// -- Mock Transactor --

type mockTx struct {
	open  bool
	calls int
}

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	m.open = true
	defer func() { m.open = false }()
	return fn(ctx)
}

// -- Mock Gateway --

type mockGateway struct {
	configured bool
	intents    map[string]*payment.Intent
	createErr  error
	created    []map[string]string
	amounts    []int64
}

func (g *mockGateway) CreateIntent(_ context.Context, amount int64, currency string, metadata map[string]string) (*payment.Intent, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, metadata)
	g.amounts = append(g.amounts, amount)
	return &payment.Intent{ID: "pi_1", ClientSecret: "pi_1_secret", Amount: amount, Currency: currency, Metadata: metadata}, nil
}

func (g *mockGateway) GetIntent(_ context.Context, id string) (*payment.Intent, error) {
	in, ok := g.intents[id]
	if !ok {
		return nil, &payment.APIError{StatusCode: 404, Body: "no such intent"}
	}
	return in, nil
}

func (g *mockGateway) PublishableKey() string { return "pk_test_123" }
func (g *mockGateway) Configured() bool       { return g.configured }

// -- Fixture --

type fixture struct {
	svc      *Service
	repo     *mockRepo
	dir      *mockDirectory
	notifier *mockNotifier
	tx       *mockTx
	gateway  *mockGateway

	doctor  *identity.User
	patient *identity.User
	admins  []*identity.User
}

func newFixture() *fixture {
	dir := &mockDirectory{users: make(map[uuid.UUID]*identity.User)}
	repo := newMockRepo(dir)
	tx := &mockTx{}
	notifier := &mockNotifier{tx: tx}
	gateway := &mockGateway{configured: true, intents: map[string]*payment.Intent{}}
	svc := NewService(repo, dir, notifier, tx, gateway, nil, Config{}, zerolog.Nop())

	f := &fixture{svc: svc, repo: repo, dir: dir, notifier: notifier, tx: tx, gateway: gateway}
	f.doctor = dir.add("alice", auth.RoleDoctor, "alice@clinic.test")
	f.patient = dir.add("bob", auth.RolePatient, "bob@example.com")
	f.admins = []*identity.User{dir.add("root", auth.RoleAdmin, ""), dir.add("ops", auth.RoleAdmin, "")}
	return f
}

func (f *fixture) patientActor() auth.Actor { return auth.Actor{ID: f.patient.ID, Role: auth.RolePatient} }
func (f *fixture) doctorActor() auth.Actor  { return auth.Actor{ID: f.doctor.ID, Role: auth.RoleDoctor} }
func (f *fixture) staffActor() auth.Actor   { return auth.Actor{ID: uuid.New(), Role: auth.RoleStaff} }

func (f *fixture) book(t *testing.T, date string) *Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), f.patientActor(), BookInput{
		DoctorID: f.doctor.ID.String(), Date: date, Reason: "fever and cough",
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return a
}

func (f *fixture) resetNotes() {
	f.notifier.notes = nil
	f.notifier.emails = nil
}

func TestBook_AssignsSequentialTokens(t *testing.T) {
	f := newFixture()
	first := f.book(t, "2026-03-01T09:00:00Z")
	second := f.book(t, "2026-03-01T11:00:00Z")
	otherDay := f.book(t, "2026-03-02T09:00:00Z")

	if first.TokenNumber != 1 || second.TokenNumber != 2 {
		t.Errorf("expected tokens 1 and 2, got %d and %d", first.TokenNumber, second.TokenNumber)
	}
	if otherDay.TokenNumber != 1 {
		t.Errorf("expected token 1 on a new day, got %d", otherDay.TokenNumber)
	}
	if first.Status != StatusPending || first.PaymentStatus != PaymentPending {
		t.Errorf("unexpected initial state %s/%s", first.Status, first.PaymentStatus)
	}
	if f.tx.calls != 3 {
		t.Errorf("expected one transaction per booking, got %d", f.tx.calls)
	}
}

func TestBook_TokensPerDoctor(t *testing.T) {
	f := newFixture()
	other := f.dir.add("carol", auth.RoleDoctor, "")
	f.book(t, "2026-03-01T09:00:00Z")
	a, err := f.svc.Book(context.Background(), f.patientActor(), BookInput{DoctorID: other.ID.String(), Date: "2026-03-01T09:00:00Z"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.TokenNumber != 1 {
		t.Errorf("expected token 1 for a different doctor, got %d", a.TokenNumber)
	}
}

func TestBook_NotifiesDoctorAndEveryAdmin(t *testing.T) {
	f := newFixture()
	f.book(t, "2026-03-01T09:00:00Z")

	if len(f.notifier.notes) != 1+len(f.admins) {
		t.Fatalf("expected %d notifications, got %d", 1+len(f.admins), len(f.notifier.notes))
	}
	if f.notifier.notes[0].RecipientID != f.doctor.ID {
		t.Errorf("expected first notification to the doctor")
	}
	want := "New appointment request from bob for 2026-03-01 09:00."
	if f.notifier.notes[0].Text != want {
		t.Errorf("expected %q, got %q", want, f.notifier.notes[0].Text)
	}
	adminText := "A new appointment has been booked between bob and Dr. alice."
	for _, n := range f.notifier.notes[1:] {
		if n.Text != adminText {
			t.Errorf("expected %q, got %q", adminText, n.Text)
		}
	}
}

func TestBook_Denials(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Book(ctx, f.doctorActor(), BookInput{DoctorID: f.doctor.ID.String(), Date: "2026-03-01"})
	if !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected doctor to be denied, got %v", err)
	}
	_, err = f.svc.Book(ctx, f.patientActor(), BookInput{DoctorID: f.patient.ID.String(), Date: "2026-03-01"})
	if err == nil || err.Error() != "Doctor not found" {
		t.Errorf("expected Doctor not found, got %v", err)
	}
	_, err = f.svc.Book(ctx, f.patientActor(), BookInput{DoctorID: "7", Date: "2026-03-01"})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found for malformed id, got %v", err)
	}
	_, err = f.svc.Book(ctx, f.patientActor(), BookInput{DoctorID: f.doctor.ID.String(), Date: "soon"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for bad date, got %v", err)
	}
	if len(f.repo.store) != 0 || len(f.notifier.notes) != 0 {
		t.Error("expected no writes after denials")
	}
}

func TestUpdateStatus_ConfirmNotifiesTwice(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	f.resetNotes()

	got, err := f.svc.UpdateStatus(context.Background(), f.staffActor(), a.ID, StatusUpdate{Status: "confirmed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("expected confirmed, got %s", got.Status)
	}
	ids := f.notifier.recipients()
	if len(ids) != 2 || ids[0] != f.patient.ID || ids[1] != f.doctor.ID {
		t.Fatalf("expected patient then doctor notifications, got %v", ids)
	}
	if f.notifier.notes[1].Text != "Patient bob has checked in and is ready." {
		t.Errorf("unexpected check-in text %q", f.notifier.notes[1].Text)
	}
	if len(f.notifier.emails) != 1 || f.notifier.emails[0].To != "bob@example.com" {
		t.Errorf("expected one email to the patient, got %+v", f.notifier.emails)
	}
	if f.notifier.emailedInTx {
		t.Error("expected email to be queued after commit")
	}
}

func TestUpdateStatus_OtherStatusNotifiesOnce(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	f.resetNotes()

	_, err := f.svc.UpdateStatus(context.Background(), f.doctorActor(), a.ID,
		StatusUpdate{Status: "cancelled", DeclineReason: "doctor unavailable"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.notifier.notes) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(f.notifier.notes))
	}
	want := "Your appointment with Dr. alice has been cancelled. Reason: doctor unavailable"
	if f.notifier.notes[0].Text != want {
		t.Errorf("expected %q, got %q", want, f.notifier.notes[0].Text)
	}
	email := f.notifier.emails[0]
	if email.Data["status_title"] != "Cancelled" || email.Data["reason_block"] == "" {
		t.Errorf("unexpected email data %v", email.Data)
	}
}

func TestUpdateStatus_FieldsOnlyNoNotification(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	f.resetNotes()

	got, err := f.svc.UpdateStatus(context.Background(), f.doctorActor(), a.ID, StatusUpdate{Vitals: "BP 120/80"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Vitals == nil || *got.Vitals != "BP 120/80" || got.Status != StatusPending {
		t.Errorf("unexpected appointment %+v", got)
	}
	if len(f.notifier.notes) != 0 || len(f.notifier.emails) != 0 {
		t.Error("expected no notifications without a status")
	}
}

func TestUpdateStatus_EmptyFieldsKeepValues(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	ctx := context.Background()
	f.svc.UpdateStatus(ctx, f.doctorActor(), a.ID, StatusUpdate{Diagnosis: "flu"})
	got, _ := f.svc.UpdateStatus(ctx, f.doctorActor(), a.ID, StatusUpdate{Vitals: "T 38.5"})
	if got.Diagnosis == nil || *got.Diagnosis != "flu" {
		t.Errorf("expected diagnosis to be kept, got %v", got.Diagnosis)
	}
}

func TestUpdateStatus_Rejections(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	ctx := context.Background()
	f.resetNotes()

	if _, err := f.svc.UpdateStatus(ctx, f.patientActor(), a.ID, StatusUpdate{Status: "confirmed"}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected patient to be denied, got %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, f.staffActor(), a.ID, StatusUpdate{Status: "done"}); err == nil || err.Error() != "Invalid status" {
		t.Errorf("expected Invalid status, got %v", err)
	}
	_, err := f.svc.UpdateStatus(ctx, f.staffActor(), a.ID, StatusUpdate{Status: "completed"})
	var ae *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		ae = e
	}
	if ae == nil || ae.Kind != apperr.KindConflict || ae.Code != "illegal_transition" {
		t.Errorf("expected illegal_transition conflict, got %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, f.staffActor(), uuid.New(), StatusUpdate{Status: "confirmed"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if f.repo.store[a.ID].Status != StatusPending || len(f.notifier.notes) != 0 {
		t.Error("expected no mutation after rejections")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	ctx := context.Background()
	f.resetNotes()

	_, already, err := f.svc.Cancel(ctx, f.patientActor(), a.ID)
	if err != nil || already {
		t.Fatalf("expected cancellation, got already=%v err=%v", already, err)
	}
	if f.repo.store[a.ID].Status != StatusCancelled {
		t.Error("expected appointment to be cancelled")
	}
	want := "Appointment with bob (Token #1) was cancelled by the patient."
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Text != want || f.notifier.notes[0].RecipientID != f.doctor.ID {
		t.Fatalf("expected doctor notification %q, got %+v", want, f.notifier.notes)
	}

	_, already, err = f.svc.Cancel(ctx, f.patientActor(), a.ID)
	if err != nil || !already {
		t.Errorf("expected already cancelled, got already=%v err=%v", already, err)
	}
	if len(f.notifier.notes) != 1 {
		t.Errorf("expected no duplicate notification, got %d", len(f.notifier.notes))
	}
}

func TestCancel_CompletedFails(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	f.repo.store[a.ID].Status = StatusCompleted
	f.resetNotes()

	_, _, err := f.svc.Cancel(context.Background(), f.patientActor(), a.ID)
	if err == nil || err.Error() != "Cannot cancel a completed appointment" {
		t.Fatalf("expected completed error, got %v", err)
	}
	if f.repo.store[a.ID].Status != StatusCompleted || len(f.notifier.notes) != 0 {
		t.Error("expected no mutation")
	}
}

func TestCancel_InProgressIsIllegal(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	f.repo.store[a.ID].Status = StatusInProgress

	_, _, err := f.svc.Cancel(context.Background(), f.patientActor(), a.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCancel_NotOwner(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	other := f.dir.add("eve", auth.RolePatient, "")

	_, _, err := f.svc.Cancel(context.Background(), auth.Actor{ID: other.ID, Role: auth.RolePatient}, a.ID)
	if !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected authorization error, got %v", err)
	}
	if f.repo.store[a.ID].Status != StatusPending {
		t.Error("expected no mutation")
	}
}

func TestCancel_RoleCheckedBeforeLock(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	txBefore := f.tx.calls

	for _, actor := range []auth.Actor{f.staffActor(), f.doctorActor()} {
		_, _, err := f.svc.Cancel(context.Background(), actor, a.ID)
		if !apperr.Is(err, apperr.KindAuthorization) {
			t.Errorf("%s: expected authorization error, got %v", actor.Role, err)
		}
	}
	if f.repo.forUpdate != 0 {
		t.Errorf("expected no row lock, got %d", f.repo.forUpdate)
	}
	if f.tx.calls != txBefore {
		t.Errorf("expected no transaction, got %d", f.tx.calls-txBefore)
	}
}

func TestMarkPaid_Idempotent(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	ctx := context.Background()
	f.gateway.configured = false

	for i := 0; i < 2; i++ {
		got, err := f.svc.MarkPaid(ctx, f.patientActor(), a.ID, "")
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if got.PaymentStatus != PaymentPaid || got.Status != StatusPending {
			t.Errorf("unexpected state %s/%s", got.Status, got.PaymentStatus)
		}
	}
}

func TestMarkPaid_VerifiesIntent(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	ctx := context.Background()
	f.gateway.intents["pi_ok"] = &payment.Intent{ID: "pi_ok", Status: payment.StatusSucceeded,
		Metadata: map[string]string{"appointment_id": a.ID.String()}}
	f.gateway.intents["pi_pending"] = &payment.Intent{ID: "pi_pending", Status: "requires_payment_method"}
	f.gateway.intents["pi_other"] = &payment.Intent{ID: "pi_other", Status: payment.StatusSucceeded,
		Metadata: map[string]string{"appointment_id": uuid.NewString()}}

	for _, id := range []string{"pi_pending", "pi_other", "pi_missing"} {
		if _, err := f.svc.MarkPaid(ctx, f.patientActor(), a.ID, id); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("%s: expected validation error, got %v", id, err)
		}
	}
	if f.repo.store[a.ID].PaymentStatus != PaymentPending {
		t.Fatal("expected payment to stay pending")
	}
	if _, err := f.svc.MarkPaid(ctx, f.patientActor(), a.ID, "pi_ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Already paid: no second verification needed.
	if _, err := f.svc.MarkPaid(ctx, f.patientActor(), a.ID, ""); err != nil {
		t.Errorf("expected repeat call to succeed, got %v", err)
	}
}

func TestMarkPaid_RequiresIntentWhenConfigured(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")

	for _, id := range []string{"", "   "} {
		_, err := f.svc.MarkPaid(context.Background(), f.patientActor(), a.ID, id)
		var ae *apperr.Error
		if e, ok := err.(*apperr.Error); ok {
			ae = e
		}
		if ae == nil || ae.Kind != apperr.KindValidation {
			t.Fatalf("expected validation error for %q, got %v", id, err)
		}
		if _, ok := ae.Fields["payment_intent_id"]; !ok {
			t.Errorf("expected payment_intent_id field error, got %v", ae.Fields)
		}
	}
	if f.repo.store[a.ID].PaymentStatus != PaymentPending {
		t.Error("expected payment to stay pending")
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")

	secret, err := f.svc.CreatePaymentIntent(context.Background(), f.patientActor(), a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "pi_1_secret" {
		t.Errorf("expected pi_1_secret, got %s", secret)
	}
	if f.gateway.amounts[0] != 5000 || f.gateway.created[0]["appointment_id"] != a.ID.String() {
		t.Errorf("unexpected intent request %v %v", f.gateway.amounts, f.gateway.created)
	}
}

func TestCreatePaymentIntent_Unconfigured(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	f.gateway.configured = false

	_, err := f.svc.CreatePaymentIntent(context.Background(), f.patientActor(), a.ID)
	var ae *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		ae = e
	}
	if ae == nil || ae.HTTPStatus() != 503 || ae.Message != "Payment service not configured (Missing Key)" {
		t.Errorf("expected 503 not configured, got %v", err)
	}
}

func TestCreatePaymentIntent_GatewayFailure(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	f.gateway.createErr = payment.ErrUnavailable

	_, err := f.svc.CreatePaymentIntent(context.Background(), f.patientActor(), a.ID)
	if !apperr.Is(err, apperr.KindDependency) {
		t.Errorf("expected dependency error, got %v", err)
	}
}

func TestCreatePaymentIntent_AlreadyPaid(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	f.repo.store[a.ID].PaymentStatus = PaymentPaid

	_, err := f.svc.CreatePaymentIntent(context.Background(), f.patientActor(), a.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestList_Visibility(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.book(t, "2026-03-01T09:00:00Z")
	otherPatient := f.dir.add("eve", auth.RolePatient, "")
	otherDoctor := f.dir.add("dan", auth.RoleDoctor, "")
	f.svc.Book(ctx, auth.Actor{ID: otherPatient.ID, Role: auth.RolePatient},
		BookInput{DoctorID: otherDoctor.ID.String(), Date: "2026-03-02T09:00:00Z"})

	tests := []struct {
		name  string
		actor auth.Actor
		want  int
	}{
		{"patient sees own", f.patientActor(), 1},
		{"doctor sees assigned", f.doctorActor(), 1},
		{"staff sees all", f.staffActor(), 2},
		{"admin sees all", auth.Actor{ID: f.admins[0].ID, Role: auth.RoleAdmin}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := f.svc.List(ctx, tt.actor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(items) != tt.want {
				t.Errorf("expected %d, got %d", tt.want, len(items))
			}
		})
	}
}

func TestGet_DoctorMustBeAssigned(t *testing.T) {
	f := newFixture()
	a := f.book(t, "2026-03-01T09:00:00Z")
	other := f.dir.add("dan", auth.RoleDoctor, "")

	if _, err := f.svc.Get(context.Background(), f.doctorActor(), a.ID); err != nil {
		t.Errorf("expected assigned doctor to see appointment, got %v", err)
	}
	if _, err := f.svc.Get(context.Background(), auth.Actor{ID: other.ID, Role: auth.RoleDoctor}, a.ID); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected authorization error, got %v", err)
	}
}

// Patient bob books with Dr. alice, staff confirms, the doctor completes
// the visit and bob pays.
func TestScenario_BookConfirmCompletePay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a := f.book(t, "2026-03-01T09:00:00Z")
	if a.TokenNumber != 1 {
		t.Fatalf("expected token 1, got %d", a.TokenNumber)
	}
	if _, err := f.svc.UpdateStatus(ctx, f.staffActor(), a.ID, StatusUpdate{Status: "confirmed", Vitals: "BP 120/80"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, f.doctorActor(), a.ID, StatusUpdate{Status: "in_progress"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, f.doctorActor(), a.ID, StatusUpdate{Status: "completed", Diagnosis: "flu"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	f.gateway.intents["pi_visit"] = &payment.Intent{ID: "pi_visit", Status: payment.StatusSucceeded,
		Metadata: map[string]string{"appointment_id": a.ID.String()}}
	if _, err := f.svc.MarkPaid(ctx, f.patientActor(), a.ID, "pi_visit"); err != nil {
		t.Fatalf("pay: %v", err)
	}

	got, _ := f.svc.Get(ctx, f.patientActor(), a.ID)
	if got.Status != StatusCompleted || got.PaymentStatus != PaymentPaid || *got.Diagnosis != "flu" {
		t.Errorf("unexpected final state %+v", got)
	}
	// 1 doctor + 2 admins at booking, 2 on confirm, 1 each for in_progress and completed.
	if len(f.notifier.notes) != 7 {
		t.Errorf("expected 7 notifications, got %d", len(f.notifier.notes))
	}
	if len(f.notifier.emails) != 3 {
		t.Errorf("expected 3 status emails, got %d", len(f.notifier.emails))
	}
}
