package notification

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByRecipient(ctx context.Context, recipientID uuid.UUID) ([]*Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error)
}
