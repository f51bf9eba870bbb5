package notification

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/db"
)

type repoPG struct {
	db db.DB
}

func NewRepo(d db.DB) Repository {
	return &repoPG{db: d}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

const notificationCols = `id, recipient_id, message, is_read, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.RecipientID, &n.Message, &n.IsRead, &n.CreatedAt)
	return &n, err
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notifications (id, recipient_id, message, is_read)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		n.ID, n.RecipientID, n.Message, n.IsRead,
	).Scan(&n.CreatedAt)
	if err != nil {
		return apperr.Internal("create notification", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(r.conn(ctx).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Notification")
	}
	if err != nil {
		return nil, apperr.Internal("get notification", err)
	}
	return n, nil
}

func (r *repoPG) ListByRecipient(ctx context.Context, recipientID uuid.UUID) ([]*Notification, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, apperr.Internal("list notifications", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, apperr.Internal("scan notification", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("list notifications", err)
	}
	return out, nil
}

func (r *repoPG) MarkRead(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return apperr.Internal("mark notification read", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Notification")
	}
	return nil
}

func (r *repoPG) CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT is_read`, recipientID).Scan(&n)
	if err != nil {
		return 0, apperr.Internal("count unread notifications", err)
	}
	return n, nil
}
