package auth

import "fmt"

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RoleStaff   Role = "staff"
	RolePatient Role = "patient"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleAdmin, RoleDoctor, RoleStaff, RolePatient}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleDoctor, RoleStaff, RolePatient:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid role: %q", s)
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

func (r Role) String() string { return string(r) }
