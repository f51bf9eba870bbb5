package notification

import (
	"time"

	"github.com/google/uuid"
)

// Notification is an in-app message shown in the recipient's bell.
type Notification struct {
	ID          uuid.UUID `db:"id" json:"id"`
	RecipientID uuid.UUID `db:"recipient_id" json:"-"`
	Message     string    `db:"message" json:"message"`
	IsRead      bool      `db:"is_read" json:"is_read"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Message addresses one notification to one recipient.
type Message struct {
	RecipientID uuid.UUID
	Text        string
}

// maxMessageLen matches the notifications.message column width.
const maxMessageLen = 255

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen])
}
