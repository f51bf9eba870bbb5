package identity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/clinic/internal/platform/auth"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// Update writes every mutable account column of u.
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f UserFilter) ([]*User, int, error)
	ListByRole(ctx context.Context, role auth.Role) ([]*User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	// EmailTaken ignores the account identified by except.
	EmailTaken(ctx context.Context, email string, except uuid.UUID) (bool, error)
	ToggleAvailability(ctx context.Context, id uuid.UUID) (bool, error)
	SetResetCode(ctx context.Context, id uuid.UUID, code string, expiresAt time.Time) error
	// ResetPassword stores hash and clears the pending reset code, provided
	// the code still matches and has not expired at now. Otherwise it
	// changes nothing and returns a validation error.
	ResetPassword(ctx context.Context, id uuid.UUID, code, hash string, now time.Time) error
}
