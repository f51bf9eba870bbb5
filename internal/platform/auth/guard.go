package auth

import (
	"github.com/google/uuid"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

func (a Actor) Is(id uuid.UUID) bool { return a.ID != uuid.Nil && a.ID == id }

// Operation names a guarded action.
type Operation int

const (
	OpRegister Operation = iota
	OpManageUsers
	OpDeleteUser
	OpChangeRole
	OpListUsers
	OpViewUser
	OpEditUser
	OpListDoctors
	OpBookAppointment
	OpUpdateAppointmentStatus
	OpCancelAppointment
	OpPayAppointment
	OpCreatePaymentIntent
	OpViewAppointment
	OpToggleAvailability
	OpCreateReferral
	OpCreateLabReport
	OpListLabReports
	OpCreatePrescription
	OpDispensePrescription
	OpListPrescriptions
	OpViewAnalytics
	OpReadNotification
)

var opNames = map[Operation]string{
	OpRegister:                "register",
	OpManageUsers:             "manage users",
	OpDeleteUser:              "delete user",
	OpChangeRole:              "change role",
	OpListUsers:               "list users",
	OpViewUser:                "view user",
	OpEditUser:                "edit user",
	OpListDoctors:             "list doctors",
	OpBookAppointment:         "book appointment",
	OpUpdateAppointmentStatus: "update appointment status",
	OpCancelAppointment:       "cancel appointment",
	OpPayAppointment:          "pay appointment",
	OpCreatePaymentIntent:     "create payment intent",
	OpViewAppointment:         "view appointment",
	OpToggleAvailability:      "toggle availability",
	OpCreateReferral:          "create referral",
	OpCreateLabReport:         "create lab report",
	OpListLabReports:          "list lab reports",
	OpCreatePrescription:      "create prescription",
	OpDispensePrescription:    "dispense prescription",
	OpListPrescriptions:       "list prescriptions",
	OpViewAnalytics:           "view analytics",
	OpReadNotification:        "read notification",
}

func (o Operation) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "unknown"
}

// Target identifies the record an operation acts on. OwnerID is the user
// the record belongs to (patient, recipient, account); AssigneeID is the
// doctor an appointment is assigned to.
type Target struct {
	OwnerID    uuid.UUID
	AssigneeID uuid.UUID
}

// Authorize decides whether actor may perform op on target. It returns nil
// on allow and an authorization error carrying the reason on deny. It never
// touches storage.
func Authorize(actor Actor, op Operation, target *Target) error {
	if op == OpRegister {
		return nil
	}
	if !actor.Role.Valid() || actor.ID == uuid.Nil {
		return deny(op, "authentication required")
	}

	switch op {
	case OpManageUsers:
		return requireRoles(actor, op, RoleAdmin)
	case OpDeleteUser:
		if err := requireRoles(actor, op, RoleAdmin); err != nil {
			return err
		}
		if target != nil && actor.Is(target.OwnerID) {
			return deny(op, "you cannot delete your own account")
		}
		return nil
	case OpChangeRole:
		if err := requireRoles(actor, op, RoleAdmin); err != nil {
			return err
		}
		if target != nil && actor.Is(target.OwnerID) {
			return deny(op, "you cannot change your own role")
		}
		return nil
	case OpListUsers:
		return requireRoles(actor, op, RoleAdmin, RoleStaff, RoleDoctor)
	case OpViewUser:
		switch actor.Role {
		case RoleAdmin, RoleStaff, RoleDoctor:
			return nil
		case RolePatient:
			return requireOwner(actor, op, target)
		}
	case OpEditUser:
		switch actor.Role {
		case RoleAdmin, RoleDoctor:
			return nil
		case RoleStaff, RolePatient:
			return requireOwner(actor, op, target)
		}
	case OpListDoctors, OpListLabReports, OpListPrescriptions:
		return nil
	case OpBookAppointment:
		return requireRoles(actor, op, RolePatient)
	case OpUpdateAppointmentStatus:
		return requireRoles(actor, op, RoleAdmin, RoleDoctor, RoleStaff)
	case OpCancelAppointment, OpPayAppointment, OpCreatePaymentIntent:
		if err := requireRoles(actor, op, RolePatient); err != nil {
			return err
		}
		return requireOwner(actor, op, target)
	case OpViewAppointment:
		switch actor.Role {
		case RoleAdmin, RoleStaff:
			return nil
		case RoleDoctor:
			if target != nil && actor.Is(target.AssigneeID) {
				return nil
			}
			return deny(op, "appointment is not assigned to you")
		case RolePatient:
			return requireOwner(actor, op, target)
		}
	case OpToggleAvailability:
		return requireRoles(actor, op, RoleDoctor)
	case OpCreateReferral:
		return requireRoles(actor, op, RoleDoctor)
	case OpCreateLabReport:
		return requireRoles(actor, op, RoleAdmin, RoleStaff)
	case OpCreatePrescription:
		return requireRoles(actor, op, RoleDoctor)
	case OpDispensePrescription:
		return requireRoles(actor, op, RoleStaff)
	case OpViewAnalytics:
		return requireRoles(actor, op, RoleDoctor, RoleAdmin)
	case OpReadNotification:
		return requireOwner(actor, op, target)
	}
	return deny(op, "operation not permitted")
}

func requireRoles(actor Actor, op Operation, roles ...Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return deny(op, "role "+string(actor.Role)+" is not allowed")
}

func requireOwner(actor Actor, op Operation, target *Target) error {
	if target != nil && actor.Is(target.OwnerID) {
		return nil
	}
	return deny(op, "not the owner")
}

func deny(op Operation, reason string) error {
	return apperr.Forbidden("%s: %s", op, reason)
}
