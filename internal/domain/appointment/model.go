package appointment

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// Appointment is one booked visit. PatientName and DoctorName are joined
// from users for display.
type Appointment struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	PatientID     uuid.UUID     `db:"patient_id" json:"patient_id"`
	PatientName   string        `json:"patient"`
	PatientEmail  *string       `json:"-"`
	DoctorID      uuid.UUID     `db:"doctor_id" json:"doctor_id"`
	DoctorName    string        `json:"doctor"`
	ScheduledAt   time.Time     `db:"scheduled_at" json:"date"`
	Status        Status        `db:"status" json:"status"`
	Reason        *string       `db:"reason" json:"reason"`
	Diagnosis     *string       `db:"diagnosis" json:"diagnosis"`
	Vitals        *string       `db:"vitals" json:"vitals"`
	TokenNumber   int           `db:"token_number" json:"token_number"`
	PaymentStatus PaymentStatus `db:"payment_status" json:"payment_status"`
	DeclineReason *string       `db:"decline_reason" json:"decline_reason"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

// Day is the UTC calendar day the appointment falls on. Tokens are numbered
// per doctor and Day.
func (a *Appointment) Day() time.Time {
	return DayOf(a.ScheduledAt)
}

func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type BookInput struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"`
	Reason   string `json:"reason"`
}

// StatusUpdate carries the fields staff may change. Empty values are left
// untouched.
type StatusUpdate struct {
	Status        string `json:"status"`
	Vitals        string `json:"vitals"`
	Diagnosis     string `json:"diagnosis"`
	DeclineReason string `json:"decline_reason"`
}

// Filter narrows List. A nil field matches every appointment.
type Filter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
}

var scheduleLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseSchedule accepts RFC 3339 timestamps and the naive forms browsers
// send from datetime-local inputs. Naive values are taken as UTC.
func ParseSchedule(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range scheduleLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func displayTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04")
}

// titleCase upper-cases the first letter of every word, where any
// non-letter separates words ("in_progress" becomes "In_Progress").
func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !prevLetter {
				r = unicode.ToUpper(r)
			} else {
				r = unicode.ToLower(r)
			}
			prevLetter = true
		} else {
			prevLetter = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
