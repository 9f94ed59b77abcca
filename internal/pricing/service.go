package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Service resolves per-minute point rates.
//
// Contract:
// - Lookup order: otomo-specific rate, then the catalogue-wide rate, then the
//   configured default.
// - Balance sufficiency is not checked here; that belongs to the points wallet.
// - Pure calculation + repository lookups.
type Service struct {
	repo          RateRepository
	defaultPoints int64
	clock         func() time.Time
}

func NewService(repo RateRepository, defaultPointsPerMinute int64) *Service {
	return &Service{repo: repo, defaultPoints: defaultPointsPerMinute, clock: time.Now}
}

// RateRepository abstracts pricing persistence.
type RateRepository interface {
	FindMinuteRate(ctx context.Context, otomoID string, at time.Time) (MinuteRate, bool, error)
	InsertMinuteRate(ctx context.Context, rate MinuteRate) error
}

type CallEstimate struct {
	OtomoID         string `json:"otomo_id"`
	BillableMinutes int    `json:"billable_minutes"`
	PointsPerMinute int64  `json:"points_per_minute"`
	TotalPoints     int64  `json:"total_points"`
}

var (
	ErrPricingNotFound   = errors.New("pricing not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

// PointsPerMinute returns the rate for one billed minute of a call to otomoID.
func (s *Service) PointsPerMinute(ctx context.Context, otomoID string, at time.Time) (int64, error) {
	if otomoID == "" {
		return 0, ErrInvalidPricingReq
	}
	if at.IsZero() {
		at = s.clock()
	}
	at = at.UTC()

	for _, id := range []string{otomoID, ""} {
		r, ok, err := s.repo.FindMinuteRate(ctx, id, at)
		if err != nil {
			return 0, err
		}
		if ok {
			return r.PointsPerMinute, nil
		}
	}
	if s.defaultPoints > 0 {
		return s.defaultPoints, nil
	}
	return 0, ErrPricingNotFound
}

// EstimateCall prices a call of durationSeconds, charging every started minute.
func (s *Service) EstimateCall(ctx context.Context, otomoID string, durationSeconds int, at time.Time) (CallEstimate, error) {
	if durationSeconds < 0 {
		return CallEstimate{}, ErrInvalidPricingReq
	}
	rate, err := s.PointsPerMinute(ctx, otomoID, at)
	if err != nil {
		return CallEstimate{}, err
	}
	minutes := billableMinutesFromSeconds(durationSeconds)
	return CallEstimate{
		OtomoID:         otomoID,
		BillableMinutes: minutes,
		PointsPerMinute: rate,
		TotalPoints:     rate * int64(minutes),
	}, nil
}

// PutRate stores a new rate row. Existing rows are never edited; a later
// EffectiveFrom supersedes them.
func (s *Service) PutRate(ctx context.Context, rate MinuteRate) (MinuteRate, error) {
	if rate.PointsPerMinute < 0 {
		return MinuteRate{}, ErrInvalidPricingReq
	}
	now := s.clock().UTC()
	if rate.EffectiveFrom.IsZero() {
		rate.EffectiveFrom = now
	}
	if rate.EffectiveTo != nil && !rate.EffectiveTo.After(rate.EffectiveFrom) {
		return MinuteRate{}, ErrInvalidPricingReq
	}
	if rate.Status == "" {
		rate.Status = PricingStatusActive
	}
	if rate.ID == "" {
		rate.ID = uuid.NewString()
	}
	rate.CreatedAt = now
	rate.UpdatedAt = now
	if err := s.repo.InsertMinuteRate(ctx, rate); err != nil {
		return MinuteRate{}, err
	}
	return rate, nil
}

func billableMinutesFromSeconds(sec int) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}
