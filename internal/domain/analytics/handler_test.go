package analytics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinic/internal/platform/auth"
)

func TestHandler_Insights(t *testing.T) {
	repo := &mockRepo{patients: []patient{{age: intPtr(40), gender: strPtr("male")}}}
	h := NewHandler(newTestService(repo))
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/ai-insights", nil)
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{Role: auth.RoleAdmin}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Insights(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, section := range []string{"overview", "demographics", "operational", "clinical"} {
		if _, ok := body[section]; !ok {
			t.Errorf("expected %s section", section)
		}
	}
	var ages map[string]int
	json.Unmarshal(body["demographics"]["age"], &ages)
	if ages["36-50"] != 1 || len(ages) != 5 {
		t.Errorf("unexpected age buckets %v", ages)
	}
}
