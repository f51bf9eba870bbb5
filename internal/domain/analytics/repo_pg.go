package analytics

import (
	"context"
	"fmt"
	"strings"

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

func (r *repoPG) PatientStats(ctx context.Context) (int64, AgeBuckets, error) {
	var total int64
	var a AgeBuckets
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE age <= 18),
			COUNT(*) FILTER (WHERE age > 18 AND age <= 35),
			COUNT(*) FILTER (WHERE age > 35 AND age <= 50),
			COUNT(*) FILTER (WHERE age > 50 AND age <= 65),
			COUNT(*) FILTER (WHERE age > 65)
		FROM users WHERE role = 'patient'`,
	).Scan(&total, &a.UpTo18, &a.From19, &a.From36, &a.From51, &a.Over65)
	if err != nil {
		return 0, AgeBuckets{}, apperr.Internal("patient stats", err)
	}
	return total, a, nil
}

func (r *repoPG) GenderBreakdown(ctx context.Context) ([]GenderCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT gender, COUNT(*) FROM users
		WHERE role = 'patient'
		GROUP BY gender ORDER BY gender`)
	if err != nil {
		return nil, apperr.Internal("gender breakdown", err)
	}
	defer rows.Close()

	out := []GenderCount{}
	for rows.Next() {
		var g GenderCount
		if err := rows.Scan(&g.Gender, &g.Count); err != nil {
			return nil, apperr.Internal("scan gender", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *repoPG) AppointmentStats(ctx context.Context, w Window, symptoms []string) (*WindowStats, error) {
	args := []interface{}{w.From, w.To}
	cols := []string{"COUNT(*)"}
	for _, s := range symptoms {
		args = append(args, "%"+s+"%")
		cols = append(cols, fmt.Sprintf("COUNT(*) FILTER (WHERE reason ILIKE $%d)", len(args)))
	}
	query := `SELECT ` + strings.Join(cols, ", ") + `
		FROM appointments WHERE scheduled_at >= $1 AND scheduled_at < $2`

	counts := make([]int64, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(dest...); err != nil {
		return nil, apperr.Internal("appointment stats", err)
	}

	stats := &WindowStats{Total: counts[0], Symptoms: make(map[string]int64, len(symptoms))}
	for i, s := range symptoms {
		stats.Symptoms[s] = counts[i+1]
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*) FROM appointments
		WHERE scheduled_at >= $1 AND scheduled_at < $2
		GROUP BY status ORDER BY status`, w.From, w.To)
	if err != nil {
		return nil, apperr.Internal("status breakdown", err)
	}
	defer rows.Close()
	stats.Statuses = []StatusCount{}
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, apperr.Internal("scan status", err)
		}
		stats.Statuses = append(stats.Statuses, sc)
	}
	return stats, rows.Err()
}
