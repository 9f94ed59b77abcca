package calls

import "time"

// CallSession is one call attempt between a user (caller) and an otomo (callee).
//
// Invariants:
// - Status only moves forward along the transition graph; terminal rows never change again.
// - BilledPoints equals the sum of ChargedPoints over the call's ledger once ticks settle.
// - BilledUnits and DurationSeconds never decrease.
// - EndReason is set if and only if Status is terminal.
//
// Roles are fixed at creation: CallerID is always the user and CalleeID the otomo.
type CallSession struct {
	CallID   string `json:"call_id" db:"call_id"`
	CallerID string `json:"caller_id" db:"caller_id"`
	CalleeID string `json:"callee_id" db:"callee_id"`

	Status Status `json:"status" db:"status"`

	// RequestedAt is the original request time and is never overwritten.
	RequestedAt time.Time `json:"requested_at" db:"requested_at"`
	// StartedAt is reset to ConnectedAt on connect unless that behaviour is disabled.
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds int   `json:"duration_seconds" db:"duration_seconds"`
	BilledUnits     int   `json:"billed_units" db:"billed_units"`
	BilledPoints    int64 `json:"billed_points" db:"billed_points"`

	EndReason *EndReason `json:"end_reason,omitempty" db:"end_reason"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasParticipant reports whether id is the caller or the callee.
func (c CallSession) HasParticipant(id string) bool {
	return id != "" && (c.CallerID == id || c.CalleeID == id)
}

// Status is the lifecycle state of a call.
type Status string

const (
	StatusRequesting Status = "requesting"
	StatusRinging    Status = "ringing"
	StatusAccepted   Status = "accepted"
	StatusActive     Status = "active"
	StatusFailed     Status = "failed"
	StatusEnded      Status = "ended"
)

// IsTerminal reports whether no further mutation is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRequesting, StatusRinging, StatusAccepted, StatusActive, StatusFailed, StatusEnded:
		return true
	default:
		return false
	}
}

// EndReason explains why a call reached a terminal status. The set is closed.
type EndReason string

const (
	EndReasonUserEnd     EndReason = "user_end"
	EndReasonOtomoEnd    EndReason = "otomo_end"
	EndReasonNoPoint     EndReason = "no_point"
	EndReasonNetworkLost EndReason = "network_lost"
	EndReasonTimeout     EndReason = "timeout"
	EndReasonSystemError EndReason = "system_error"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonUserEnd, EndReasonOtomoEnd, EndReasonNoPoint, EndReasonNetworkLost, EndReasonTimeout, EndReasonSystemError:
		return true
	default:
		return false
	}
}

// BillingUnit is one billed minute of an active call. Rows are append-only and
// (CallID, MinuteIndex) is unique.
type BillingUnit struct {
	UnitID        string    `json:"unit_id" db:"unit_id"`
	CallID        string    `json:"call_id" db:"call_id"`
	MinuteIndex   int       `json:"minute_index" db:"minute_index"`
	ChargedPoints int64     `json:"charged_points" db:"charged_points"`
	Timestamp     time.Time `json:"timestamp" db:"billed_at"`
}

// LedgerTotals are aggregates computed from the ledger rows of one call.
type LedgerTotals struct {
	Units  int   `json:"units"`
	Points int64 `json:"points"`
}
