package notification

import (
	"fmt"
	"strings"
	"sync"
)

const (
	TemplateResetCode         = "reset-code"
	TemplateAppointmentStatus = "appointment-status"
	TemplateLabReportReady    = "lab-report-ready"
)

// Template is an email subject/body pair with {{key}} placeholders.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine renders the outbound email templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the clinic templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateResetCode,
			Subject: "Password Reset Code",
			Body:    "Your password reset code is: {{code}}",
		},
		{
			ID:      TemplateAppointmentStatus,
			Subject: "Appointment Update: {{status_title}}",
			Body: "Dear {{patient}},\n\nYour appointment with Dr. {{doctor}} on {{date}} has been {{status}}.\n" +
				"{{reason_block}}" +
				"\nPlease check your dashboard for more details.\n\nBest regards,\nHospital Team",
		},
		{
			ID:      TemplateLabReportReady,
			Subject: "New Lab Report Available",
			Body: "Dear {{patient}},\n\nA new lab report ({{test_name}}) has been added to your record.\n" +
				"Please log in to your dashboard to view the full details.\n\nBest regards,\nHospital Team",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render substitutes data into the template. Placeholders without a value
// are replaced with the empty string.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return stripPlaceholders(subject), stripPlaceholders(body), nil
}

func stripPlaceholders(s string) string {
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			return s
		}
		s = s[:start] + s[start+end+2:]
	}
}
