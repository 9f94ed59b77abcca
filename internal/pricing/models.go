package pricing

import "time"

// Rates are expressed in points per started minute.

// MinuteRate is the per-minute charge for calls to one otomo. An empty
// OtomoID is the catalogue-wide rate used when no otomo-specific row matches.
type MinuteRate struct {
	ID      string `json:"id" db:"id"`
	OtomoID string `json:"otomo_id,omitempty" db:"otomo_id"`

	PointsPerMinute int64 `json:"points_per_minute" db:"points_per_minute"`

	// Effective window for pricing.
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status PricingStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// activeAt reports whether r applies at instant at.
func (r MinuteRate) activeAt(at time.Time) bool {
	if r.Status != PricingStatusActive {
		return false
	}
	if at.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !at.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

type PricingStatus string

const (
	PricingStatusActive   PricingStatus = "active"
	PricingStatusInactive PricingStatus = "inactive"
)
