package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// NextToken serializes bookings for doctorID on day and returns the next
	// token number. It must run inside a transaction; the lock is held
	// until that transaction ends.
	NextToken(ctx context.Context, doctorID uuid.UUID, day time.Time) (int, error)
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate is GetByID with a row lock for the enclosing transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, f Filter) ([]*Appointment, error)
	// Update writes status, vitals, diagnosis and decline_reason.
	Update(ctx context.Context, a *Appointment) error
	MarkPaid(ctx context.Context, id uuid.UUID) error
}
