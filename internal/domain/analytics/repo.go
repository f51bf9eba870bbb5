package analytics

import "context"

// Repository computes the dashboard aggregates in SQL.
type Repository interface {
	PatientStats(ctx context.Context) (total int64, ages AgeBuckets, err error)
	GenderBreakdown(ctx context.Context) ([]GenderCount, error)
	AppointmentStats(ctx context.Context, w Window, symptoms []string) (*WindowStats, error)
}
