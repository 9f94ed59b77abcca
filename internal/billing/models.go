package billing

import (
	"time"

	"callmeter/internal/calls"
)

// Tick is one minute-boundary billing event reported by the metering layer.
type Tick struct {
	CallID        string `json:"call_id"`
	MinuteIndex   int    `json:"minute_index"`
	ChargedPoints int64  `json:"charged_points"`

	// DurationSeconds is the call duration as seen by the metering layer when
	// the tick fired.
	DurationSeconds int       `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// Progress is the aggregate update paired with an accepted tick.
type Progress struct {
	CallID            string    `json:"call_id"`
	BilledUnits       int       `json:"billed_units"`
	BilledPointsDelta int64     `json:"billed_points_delta"`
	DurationSeconds   int       `json:"duration_seconds"`
	EndedAt           time.Time `json:"ended_at"`
}

// TickResult is returned by RecordTick. A duplicate leaves Unit empty and
// Call unchanged.
type TickResult struct {
	Unit      calls.BillingUnit `json:"unit"`
	Call      calls.CallSession `json:"call"`
	Duplicate bool              `json:"duplicate"`
}

// Drift compares the cached aggregates of a call with its ledger.
type Drift struct {
	CallID   string             `json:"call_id"`
	Cached   calls.LedgerTotals `json:"cached"`
	Ledger   calls.LedgerTotals `json:"ledger"`
	Repaired bool               `json:"repaired"`
}

// Consistent reports whether the cached points equal the ledger sum.
func (d Drift) Consistent() bool {
	return d.Cached.Points == d.Ledger.Points
}

// UnitDrift is cached units minus ledger rows. A positive value is legal:
// progress may claim units whose rows have not been appended, and units never
// decrease, so reconcile reports it without repairing it.
func (d Drift) UnitDrift() int {
	return d.Cached.Units - d.Ledger.Units
}
