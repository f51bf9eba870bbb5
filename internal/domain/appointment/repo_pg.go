package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

const apptSelect = `SELECT a.id, a.patient_id, p.username, p.email, a.doctor_id, d.username,
	a.scheduled_at, a.status, a.reason, a.diagnosis, a.vitals, a.token_number,
	a.payment_status, a.decline_reason, a.created_at
	FROM appointments a
	JOIN users p ON p.id = a.patient_id
	JOIN users d ON d.id = a.doctor_id`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status, payment string
	err := row.Scan(&a.ID, &a.PatientID, &a.PatientName, &a.PatientEmail, &a.DoctorID, &a.DoctorName,
		&a.ScheduledAt, &status, &a.Reason, &a.Diagnosis, &a.Vitals, &a.TokenNumber,
		&payment, &a.DeclineReason, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.PaymentStatus = PaymentStatus(payment)
	return &a, nil
}

func (r *repoPG) NextToken(ctx context.Context, doctorID uuid.UUID, day time.Time) (int, error) {
	if db.TxFromContext(ctx) == nil {
		return 0, apperr.Internal("next token", errors.New("token assignment requires a transaction"))
	}
	day = DayOf(day)
	key := doctorID.String() + ":" + day.Format("2006-01-02")
	if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return 0, apperr.Internal("lock doctor day", err)
	}

	var count int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE doctor_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3`,
		doctorID, day, day.Add(24*time.Hour),
	).Scan(&count)
	if err != nil {
		return 0, apperr.Internal("count doctor day", err)
	}
	return count + 1, nil
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, scheduled_at, status, reason,
			token_number, payment_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		a.ID, a.PatientID, a.DoctorID, a.ScheduledAt, string(a.Status), a.Reason,
		a.TokenNumber, string(a.PaymentStatus),
	).Scan(&a.CreatedAt)
	if err != nil {
		return apperr.Internal("create appointment", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.getOne(ctx, apptSelect+` WHERE a.id = $1`, id)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.getOne(ctx, apptSelect+` WHERE a.id = $1 FOR UPDATE OF a`, id)
}

func (r *repoPG) getOne(ctx context.Context, query string, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Appointment")
	}
	if err != nil {
		return nil, apperr.Internal("get appointment", err)
	}
	return a, nil
}

func (r *repoPG) List(ctx context.Context, f Filter) ([]*Appointment, error) {
	var conds []string
	var args []interface{}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		conds = append(conds, fmt.Sprintf("a.patient_id = $%d", len(args)))
	}
	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		conds = append(conds, fmt.Sprintf("a.doctor_id = $%d", len(args)))
	}
	query := apptSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY a.scheduled_at DESC, a.token_number DESC"

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("list appointments", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, apperr.Internal("scan appointment", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("list appointments", err)
	}
	return out, nil
}

func (r *repoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status=$2, vitals=$3, diagnosis=$4, decline_reason=$5
		WHERE id = $1`,
		a.ID, string(a.Status), a.Vitals, a.Diagnosis, a.DeclineReason)
	if err != nil {
		return apperr.Internal("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Appointment")
	}
	return nil
}

func (r *repoPG) MarkPaid(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE appointments SET payment_status = 'paid' WHERE id = $1`, id)
	if err != nil {
		return apperr.Internal("mark appointment paid", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Appointment")
	}
	return nil
}
