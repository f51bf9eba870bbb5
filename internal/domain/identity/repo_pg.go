package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
	"github.com/clinicdesk/clinic/internal/platform/db"
)

type userRepoPG struct {
	db db.DB
}

func NewUserRepo(d db.DB) UserRepository {
	return &userRepoPG{db: d}
}

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

const userCols = `id, username, email, password_hash, role, specialization, is_available,
	phone_number, address, age, gender, blood_group, medical_history,
	reset_code, reset_code_expires_at, created_at`

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (
			id, username, email, password_hash, role, specialization, is_available,
			phone_number, address, age, gender, blood_group, medical_history
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.Specialization, u.IsAvailable,
		u.PhoneNumber, u.Address, u.Age, u.Gender, u.BloodGroup, u.MedicalHistory,
	).Scan(&u.CreatedAt)
	if err != nil {
		return translateWriteErr("create user", err)
	}
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.getOne(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
}

func (r *userRepoPG) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userCols+` FROM users WHERE username = $1`, username)
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, email)
}

func (r *userRepoPG) getOne(ctx context.Context, query string, arg interface{}) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("User")
	}
	if err != nil {
		return nil, apperr.Internal("get user", err)
	}
	return u, nil
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET
			email=$2, password_hash=$3, role=$4, specialization=$5, is_available=$6,
			phone_number=$7, address=$8, age=$9, gender=$10, blood_group=$11, medical_history=$12
		WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, string(u.Role), u.Specialization, u.IsAvailable,
		u.PhoneNumber, u.Address, u.Age, u.Gender, u.BloodGroup, u.MedicalHistory,
	)
	if err != nil {
		return translateWriteErr("update user", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("User")
	}
	return nil
}

func (r *userRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return apperr.Internal("delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("User")
	}
	return nil
}

func (r *userRepoPG) List(ctx context.Context, f UserFilter) ([]*User, int, error) {
	var where string
	var args []interface{}
	if f.Role != "" {
		args = append(args, string(f.Role))
		where = ` WHERE role = $1`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Internal("count users", err)
	}

	query := `SELECT ` + userCols + ` FROM users` + where + ` ORDER BY created_at, username`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
		args = append(args, f.Limit, f.Offset)
	}
	users, err := r.queryUsers(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (r *userRepoPG) ListByRole(ctx context.Context, role auth.Role) ([]*User, error) {
	return r.queryUsers(ctx, `SELECT `+userCols+` FROM users WHERE role = $1 ORDER BY username`, string(role))
}

func (r *userRepoPG) queryUsers(ctx context.Context, query string, args ...interface{}) ([]*User, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("list users", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.Internal("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("list users", err)
	}
	return users, nil
}

func (r *userRepoPG) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists)
	if err != nil {
		return false, apperr.Internal("check username", err)
	}
	return exists, nil
}

func (r *userRepoPG) EmailTaken(ctx context.Context, email string, except uuid.UUID) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1) AND id <> $2)`, email, except,
	).Scan(&taken)
	if err != nil {
		return false, apperr.Internal("check email", err)
	}
	return taken, nil
}

func (r *userRepoPG) ToggleAvailability(ctx context.Context, id uuid.UUID) (bool, error) {
	var available bool
	err := r.conn(ctx).QueryRow(ctx,
		`UPDATE users SET is_available = NOT is_available WHERE id = $1 RETURNING is_available`, id,
	).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, apperr.NotFound("User")
	}
	if err != nil {
		return false, apperr.Internal("toggle availability", err)
	}
	return available, nil
}

func (r *userRepoPG) SetResetCode(ctx context.Context, id uuid.UUID, code string, expiresAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET reset_code = $2, reset_code_expires_at = $3 WHERE id = $1`, id, code, expiresAt)
	if err != nil {
		return apperr.Internal("set reset code", err)
	}
	return nil
}

func (r *userRepoPG) ResetPassword(ctx context.Context, id uuid.UUID, code, hash string, now time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET password_hash = $3, reset_code = NULL, reset_code_expires_at = NULL
		WHERE id = $1 AND reset_code = $2 AND reset_code_expires_at > $4`, id, code, hash, now)
	if err != nil {
		return apperr.Internal("reset password", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Validation("Invalid code")
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.Specialization, &u.IsAvailable,
		&u.PhoneNumber, &u.Address, &u.Age, &u.Gender, &u.BloodGroup, &u.MedicalHistory,
		&u.ResetCode, &u.ResetCodeExpiresAt, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	return &u, nil
}

// translateWriteErr maps unique violations to field validation errors and
// values the columns reject to a plain validation error.
func translateWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "email") {
			return apperr.ValidationFields(map[string][]string{"email": {"Email already in use"}})
		}
		return apperr.ValidationFields(map[string][]string{"username": {"A user with that username already exists."}})
	}
	if db.IsInvalidData(err) {
		return apperr.Validation("Invalid field value")
	}
	return apperr.Internal(op, err)
}
