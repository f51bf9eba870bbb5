package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
)

type patient struct {
	age    *int
	gender *string
}

type appt struct {
	at     time.Time
	status string
	reason string
}

// mockRepo evaluates the aggregates over in-memory rows.
type mockRepo struct {
	patients []patient
	appts    []appt
	calls    int
}

func (m *mockRepo) PatientStats(context.Context) (int64, AgeBuckets, error) {
	m.calls++
	var a AgeBuckets
	for _, p := range m.patients {
		if p.age == nil {
			continue
		}
		switch age := *p.age; {
		case age <= 18:
			a.UpTo18++
		case age <= 35:
			a.From19++
		case age <= 50:
			a.From36++
		case age <= 65:
			a.From51++
		default:
			a.Over65++
		}
	}
	return int64(len(m.patients)), a, nil
}

func (m *mockRepo) GenderBreakdown(context.Context) ([]GenderCount, error) {
	counts := map[string]int64{}
	for _, p := range m.patients {
		if p.gender != nil {
			counts[*p.gender]++
		}
	}
	var out []GenderCount
	for g, n := range counts {
		g := g
		out = append(out, GenderCount{Gender: &g, Count: n})
	}
	return out, nil
}

func (m *mockRepo) AppointmentStats(_ context.Context, w Window, symptoms []string) (*WindowStats, error) {
	stats := &WindowStats{Symptoms: map[string]int64{}}
	statuses := map[string]int64{}
	for _, a := range m.appts {
		if a.at.Before(w.From) || !a.at.Before(w.To) {
			continue
		}
		stats.Total++
		statuses[a.status]++
		for _, s := range symptoms {
			if containsFold(a.reason, s) {
				stats.Symptoms[s]++
			}
		}
	}
	for s, n := range statuses {
		stats.Statuses = append(stats.Statuses, StatusCount{Status: s, Count: n})
	}
	return stats, nil
}

func containsFold(s, sub string) bool {
	ls, lsub := []rune(s), []rune(sub)
	for i := 0; i+len(lsub) <= len(ls); i++ {
		match := true
		for j := range lsub {
			a, b := ls[i+j], lsub[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func newTestService(repo *mockRepo) *Service {
	svc := NewService(repo, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func doctor() auth.Actor { return auth.Actor{ID: uuid.New(), Role: auth.RoleDoctor} }

func TestInsights_TotalCountsAllPatients(t *testing.T) {
	repo := &mockRepo{patients: []patient{
		{age: intPtr(18)}, {age: intPtr(19)}, {age: intPtr(35)}, {age: intPtr(36)},
		{age: intPtr(65)}, {age: intPtr(66)}, {age: nil}, {age: nil},
	}}
	out, err := newTestService(repo).Insights(context.Background(), doctor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Overview.TotalPatients != 8 {
		t.Errorf("expected 8 patients, got %d", out.Overview.TotalPatients)
	}
	want := AgeBuckets{UpTo18: 1, From19: 2, From36: 1, From51: 1, Over65: 1}
	if out.Demographics.Age != want {
		t.Errorf("expected %+v, got %+v", want, out.Demographics.Age)
	}
	if out.Demographics.Age.Total() != 6 {
		t.Errorf("expected histogram over known ages only, got %d", out.Demographics.Age.Total())
	}
}

func TestInsights_RecentWindow(t *testing.T) {
	day := func(d, h int) time.Time { return time.Date(2026, 3, d, h, 0, 0, 0, time.UTC) }
	repo := &mockRepo{appts: []appt{
		{at: day(4, 9), status: "pending", reason: "fever"},           // day -6, inside
		{at: day(3, 23), status: "pending", reason: "fever"},          // day -7, outside
		{at: day(10, 23), status: "confirmed", reason: "Severe COUGH"}, // today, inside
		{at: day(11, 0), status: "pending", reason: "cough"},          // tomorrow, outside
		{at: day(7, 12), status: "confirmed", reason: "back pain and fever"},
	}}
	out, err := newTestService(repo).Insights(context.Background(), doctor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Overview.Appointments7d != 3 {
		t.Errorf("expected 3 appointments in window, got %d", out.Overview.Appointments7d)
	}
	symptoms := out.Clinical.TopSymptoms
	if symptoms["fever"] != 2 || symptoms["cough"] != 1 || symptoms["pain"] != 1 {
		t.Errorf("unexpected symptom counts %v", symptoms)
	}
	if _, ok := symptoms["nausea"]; ok {
		t.Error("expected zero counts to be dropped")
	}
	var confirmed int64
	for _, s := range out.Operational.StatusBreakdown {
		if s.Status == "confirmed" {
			confirmed = s.Count
		}
	}
	if confirmed != 2 {
		t.Errorf("expected 2 confirmed, got %d", confirmed)
	}
}

func TestInsights_EmptyCollectionsMarshalAsArrays(t *testing.T) {
	out, err := newTestService(&mockRepo{}).Insights(context.Background(), doctor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Demographics.Gender == nil || out.Operational.StatusBreakdown == nil || out.Clinical.TopSymptoms == nil {
		t.Errorf("expected non-nil collections, got %+v", out)
	}
}

func TestInsights_Denied(t *testing.T) {
	for _, role := range []auth.Role{auth.RolePatient, auth.RoleStaff} {
		repo := &mockRepo{}
		_, err := newTestService(repo).Insights(context.Background(), auth.Actor{ID: uuid.New(), Role: role})
		if !apperr.Is(err, apperr.KindAuthorization) {
			t.Errorf("%s: expected authorization error, got %v", role, err)
		}
		if repo.calls != 0 {
			t.Errorf("%s: expected no queries after denial", role)
		}
	}
}

func TestWindowEnding(t *testing.T) {
	w := WindowEnding(fixedNow)
	if !w.From.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) || !w.To.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected window %v - %v", w.From, w.To)
	}
}
