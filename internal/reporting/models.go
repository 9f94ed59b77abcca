package reporting

import "time"

// Label is the monitoring verdict for one call.
type Label string

const (
	// LabelNormal: terminal, connected, ended by a participant, no ledger gaps.
	LabelNormal Label = "normal"
	// LabelNotConnected: terminal without ever connecting.
	LabelNotConnected Label = "notConnected"
	// LabelAbnormal: network loss, system error, or a gap in the billed minutes.
	LabelAbnormal Label = "abnormal"
	// LabelSuspected: anything else, including aggregates that disagree with the ledger.
	LabelSuspected Label = "suspected"
	// LabelInProgress: the call is not terminal and shows no anomaly yet.
	LabelInProgress Label = "inProgress"
)

// Classification is the result of Classify.
type Classification struct {
	CallID string `json:"call_id"`
	Label  Label  `json:"label"`

	// Reasons lists every rule that fired, for operators.
	Reasons []string `json:"reasons,omitempty"`

	// Gaps are minute indices missing between the first and last billed minute.
	Gaps []int `json:"gaps,omitempty"`

	LedgerUnits  int   `json:"ledger_units"`
	LedgerPoints int64 `json:"ledger_points"`
	BilledUnits  int   `json:"billed_units"`
	BilledPoints int64 `json:"billed_points"`

	// LedgerMismatch is set when a terminal call's billed_points differs from
	// the ledger sum.
	LedgerMismatch bool `json:"ledger_mismatch"`
	// Unsettled is set when a live call's aggregates trail its ledger.
	Unsettled bool `json:"unsettled,omitempty"`
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type CallsSummaryRequest struct {
	Range TimeRange `json:"range"`
	// CalleeID optionally restricts the summary to one otomo.
	CalleeID string `json:"callee_id,omitempty"`
}

type CallsSummary struct {
	Range    TimeRange `json:"range"`
	CalleeID string    `json:"callee_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	RequestingCalls int `json:"requesting_calls"`
	RingingCalls    int `json:"ringing_calls"`
	AcceptedCalls   int `json:"accepted_calls"`
	ActiveCalls     int `json:"active_calls"`
	EndedCalls      int `json:"ended_calls"`
	FailedCalls     int `json:"failed_calls"`

	ByLabel map[Label]int `json:"by_label"`

	TotalBilledPoints      int64 `json:"total_billed_points"`
	TotalBilledUnits       int   `json:"total_billed_units"`
	TotalDurationSeconds   int   `json:"total_duration_seconds"`
	AverageDurationSeconds int   `json:"average_duration_seconds"`

	// AverageWaitSeconds is the mean time from request to connection over
	// connected calls.
	AverageWaitSeconds int `json:"average_wait_seconds"`
}
