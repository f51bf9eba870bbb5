// Package analytics builds the doctor and admin dashboard from SQL
// aggregates over patients and recent appointments.
package analytics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/platform/auth"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "analytics").Logger(),
		now:    time.Now,
	}
}

func (s *Service) Insights(ctx context.Context, actor auth.Actor) (*Insights, error) {
	if err := auth.Authorize(actor, auth.OpViewAnalytics, nil); err != nil {
		return nil, err
	}

	total, ages, err := s.repo.PatientStats(ctx)
	if err != nil {
		return nil, err
	}
	genders, err := s.repo.GenderBreakdown(ctx)
	if err != nil {
		return nil, err
	}
	window := WindowEnding(s.now())
	recent, err := s.repo.AppointmentStats(ctx, window, Symptoms)
	if err != nil {
		return nil, err
	}

	symptoms := make(map[string]int64)
	for name, n := range recent.Symptoms {
		if n > 0 {
			symptoms[name] = n
		}
	}
	if genders == nil {
		genders = []GenderCount{}
	}
	statuses := recent.Statuses
	if statuses == nil {
		statuses = []StatusCount{}
	}

	s.logger.Debug().Int64("patients", total).Int64("appointments_7d", recent.Total).Msg("insights computed")
	return &Insights{
		Overview:     Overview{TotalPatients: total, Appointments7d: recent.Total},
		Demographics: Demographics{Age: ages, Gender: genders},
		Operational:  Operational{StatusBreakdown: statuses},
		Clinical:     Clinical{TopSymptoms: symptoms},
	}, nil
}
