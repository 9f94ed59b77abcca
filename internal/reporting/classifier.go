package reporting

import (
	"sort"

	"callmeter/internal/calls"
)

// Classify labels a call from its record and ledger. It is pure: no I/O, no
// logging. units may arrive in any order.
//
// Precedence: a ledger mismatch on a terminal call or billing without a
// connection is always suspected; then in-progress calls; then notConnected,
// abnormal and normal; anything left over is suspected.
//
// A live call may have ledger rows whose progress update has not landed yet.
// That difference is reported as Unsettled, not as a mismatch.
func Classify(call calls.CallSession, units []calls.BillingUnit) Classification {
	sorted := make([]calls.BillingUnit, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinuteIndex < sorted[j].MinuteIndex })

	out := Classification{
		CallID:       call.CallID,
		BilledUnits:  call.BilledUnits,
		BilledPoints: call.BilledPoints,
		Gaps:         minuteGaps(sorted),
	}
	for _, u := range sorted {
		out.LedgerUnits++
		out.LedgerPoints += u.ChargedPoints
	}

	if out.LedgerPoints != call.BilledPoints {
		if call.Status.IsTerminal() {
			out.LedgerMismatch = true
			out.Reasons = append(out.Reasons, "billed points differ from ledger sum")
		} else {
			out.Unsettled = true
		}
	}
	if call.ConnectedAt == nil && len(sorted) > 0 {
		out.Reasons = append(out.Reasons, "ledger rows on a call that never connected")
	}
	if call.ConnectedAt != nil && len(sorted) > 0 && sorted[0].Timestamp.Before(*call.ConnectedAt) {
		out.Reasons = append(out.Reasons, "minute billed before connection")
	}
	if len(out.Reasons) > 0 {
		out.Label = LabelSuspected
		return out
	}

	if !call.Status.IsTerminal() {
		out.Label = LabelInProgress
		if len(out.Gaps) > 0 {
			out.Label = LabelAbnormal
			out.Reasons = append(out.Reasons, "gap in billed minutes")
		}
		return out
	}

	if call.ConnectedAt == nil {
		out.Label = LabelNotConnected
		return out
	}

	reason := endReason(call)
	if reason == calls.EndReasonNetworkLost || reason == calls.EndReasonSystemError {
		out.Label = LabelAbnormal
		out.Reasons = append(out.Reasons, "ended by "+string(reason))
	}
	if len(out.Gaps) > 0 {
		out.Label = LabelAbnormal
		out.Reasons = append(out.Reasons, "gap in billed minutes")
	}
	if out.Label == LabelAbnormal {
		return out
	}

	if reason == calls.EndReasonUserEnd || reason == calls.EndReasonOtomoEnd {
		out.Label = LabelNormal
		return out
	}

	out.Label = LabelSuspected
	out.Reasons = append(out.Reasons, "connected call ended by "+string(reason))
	return out
}

// minuteGaps returns the indices missing between consecutive billed minutes.
// units must be sorted.
func minuteGaps(units []calls.BillingUnit) []int {
	var gaps []int
	for i := 1; i < len(units); i++ {
		for m := units[i-1].MinuteIndex + 1; m < units[i].MinuteIndex; m++ {
			gaps = append(gaps, m)
		}
	}
	return gaps
}

func endReason(call calls.CallSession) calls.EndReason {
	if call.EndReason == nil {
		return ""
	}
	return *call.EndReason
}
