package identity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/clinicdesk/clinic/internal/platform/auth"
)

const DefaultSpecialization = "General Practice"

// User maps to the users table. One row per account regardless of role;
// role-specific fields stay null for the other roles.
type User struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	Username           string     `db:"username" json:"username"`
	Email              *string    `db:"email" json:"email"`
	PasswordHash       string     `db:"password_hash" json:"-"`
	Role               auth.Role  `db:"role" json:"role"`
	Specialization     *string    `db:"specialization" json:"specialization"`
	IsAvailable        bool       `db:"is_available" json:"is_available"`
	PhoneNumber        *string    `db:"phone_number" json:"phone_number"`
	Address            *string    `db:"address" json:"address"`
	Age                *int       `db:"age" json:"age"`
	Gender             *string    `db:"gender" json:"gender"`
	BloodGroup         *string    `db:"blood_group" json:"blood_group"`
	MedicalHistory     *string    `db:"medical_history" json:"medical_history"`
	ResetCode          *string    `db:"reset_code" json:"-"`
	ResetCodeExpiresAt *time.Time `db:"reset_code_expires_at" json:"-"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

func (u *User) EmailAddress() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// DoctorSummary is the public doctor directory entry.
type DoctorSummary struct {
	ID             uuid.UUID `json:"id"`
	Username       string    `json:"username"`
	Specialization string    `json:"specialization"`
	IsAvailable    bool      `json:"is_available"`
}

func (u *User) DoctorSummary() DoctorSummary {
	spec := DefaultSpecialization
	if u.Specialization != nil && *u.Specialization != "" {
		spec = *u.Specialization
	}
	return DoctorSummary{ID: u.ID, Username: u.Username, Specialization: spec, IsAvailable: u.IsAvailable}
}

// UserSummary is a row of the admin user listing.
type UserSummary struct {
	ID             uuid.UUID `json:"id"`
	Username       string    `json:"username"`
	Email          *string   `json:"email"`
	Role           auth.Role `json:"role"`
	Specialization *string   `json:"specialization"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role, Specialization: u.Specialization}
}

// FlexString accepts a JSON string or number. Registration forms send age
// either way.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) Blank() bool { return strings.TrimSpace(string(f)) == "" }

// RegisterInput is the self-service sign-up payload.
type RegisterInput struct {
	Username       string     `json:"username"`
	Password       string     `json:"password"`
	Role           string     `json:"role"`
	Email          string     `json:"email"`
	PhoneNumber    string     `json:"phone_number"`
	Address        string     `json:"address"`
	Age            FlexString `json:"age"`
	Gender         string     `json:"gender"`
	BloodGroup     string     `json:"blood_group"`
	MedicalHistory string     `json:"medical_history"`
}

// ProfilePatch carries the fields a profile edit may change. Nil means
// leave as is.
type ProfilePatch struct {
	Email          *string     `json:"email"`
	Specialization *string     `json:"specialization"`
	PhoneNumber    *string     `json:"phone_number"`
	Address        *string     `json:"address"`
	Age            *FlexString `json:"age"`
	Gender         *string     `json:"gender"`
	BloodGroup     *string     `json:"blood_group"`
	MedicalHistory *string     `json:"medical_history"`
}

// changesAccount reports whether p would change anything on u beyond the
// clinical fields (age, gender, blood group, medical history).
func (p ProfilePatch) changesAccount(u *User) bool {
	differs := func(v, cur *string) bool { return v != nil && *v != valueOf(cur) }
	if p.Email != nil && !strings.EqualFold(strings.TrimSpace(*p.Email), u.EmailAddress()) {
		return true
	}
	return differs(p.Specialization, u.Specialization) || differs(p.PhoneNumber, u.PhoneNumber) ||
		differs(p.Address, u.Address)
}

func (p ProfilePatch) lengthErrors() map[string][]string {
	fields := map[string][]string{}
	values := map[string]string{}
	for name, v := range map[string]*string{
		"email":          p.Email,
		"specialization": p.Specialization,
		"phone_number":   p.PhoneNumber,
		"gender":         p.Gender,
		"blood_group":    p.BloodGroup,
	} {
		if v != nil {
			values[name] = *v
		}
	}
	checkLengths(fields, values)
	return fields
}

type CreateUserInput struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	Specialization string `json:"specialization"`
}

type UpdateUserInput struct {
	Email          *string `json:"email"`
	Role           *string `json:"role"`
	Password       *string `json:"password"`
	Specialization *string `json:"specialization"`
}

type LoginResult struct {
	Refresh  string    `json:"refresh"`
	Access   string    `json:"access"`
	Role     auth.Role `json:"role"`
	Username string    `json:"username"`
}

type UserFilter struct {
	Role   auth.Role
	Limit  int
	Offset int
}

// Column widths of the users table.
var maxLengths = map[string]int{
	"username":       150,
	"email":          254,
	"specialization": 100,
	"phone_number":   15,
	"gender":         10,
	"blood_group":    5,
}

// checkLengths adds an error to fields for every value longer than its
// column allows.
func checkLengths(fields map[string][]string, values map[string]string) {
	for name, v := range values {
		limit, ok := maxLengths[name]
		if !ok {
			continue
		}
		if utf8.RuneCountInString(v) > limit {
			fields[name] = append(fields[name], fmt.Sprintf("Ensure this field has no more than %d characters.", limit))
		}
	}
}

func parseAge(f FlexString) (*int, bool) {
	if f.Blank() {
		return nil, true
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil || n < 0 {
		return nil, false
	}
	return &n, true
}

func valueOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
