package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callmeter/internal/calls"

	"github.com/google/uuid"
)

// Ledger is the per-minute billing ledger.
//
// Invariants:
// - A (call_id, minute_index) pair is billed at most once; the storage
//   uniqueness constraint decides, never an in-process lock.
// - Ledger rows are append-only.
// - Rows are only written while the parent call is active.
// - billed_units and duration_seconds on the call never decrease.
type Ledger struct {
	store calls.Store
	log   *slog.Logger

	clock func() time.Time
	newID func() string
}

func NewLedger(store calls.Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, log: log, clock: time.Now, newID: uuid.NewString}
}

// AppendTick inserts one ledger row. A redelivered minute returns
// calls.ErrDuplicateTick and the caller must skip the paired ApplyProgress.
func (l *Ledger) AppendTick(ctx context.Context, callID string, minuteIndex int, chargedPoints int64, ts time.Time) (calls.BillingUnit, error) {
	unit, err := l.newUnit(callID, minuteIndex, chargedPoints, ts)
	if err != nil {
		return calls.BillingUnit{}, err
	}
	err = l.store.InTx(ctx, func(ctx context.Context, tx calls.Tx) error {
		if _, err := lockActive(ctx, tx, callID); err != nil {
			return err
		}
		return tx.InsertUnit(ctx, unit)
	})
	if err != nil {
		return calls.BillingUnit{}, err
	}
	return unit, nil
}

// ApplyProgress folds an accepted tick into the call aggregates.
//
// The two policies are deliberately different. Units and duration are
// max-clamped because ticks arrive out of order and must never move them
// backwards. Points are added because the delta belongs to exactly one tick
// that AppendTick has just accepted; a duplicate never reaches here. EndedAt
// is a provisional "last billed at" until Finalize and is simply overwritten.
func (l *Ledger) ApplyProgress(ctx context.Context, p Progress) (calls.CallSession, error) {
	if p.BilledUnits < 0 || p.BilledPointsDelta < 0 || p.DurationSeconds < 0 {
		return calls.CallSession{}, fmt.Errorf("%w: negative progress", calls.ErrInvalidArgument)
	}
	endedAt := p.EndedAt
	if endedAt.IsZero() {
		endedAt = l.clock()
	}
	endedAt = endedAt.UTC()

	var out calls.CallSession
	err := l.store.InTx(ctx, func(ctx context.Context, tx calls.Tx) error {
		call, err := lockActive(ctx, tx, p.CallID)
		if err != nil {
			return err
		}
		if endedAt.Before(billableFrom(call)) {
			return fmt.Errorf("%w: ended_at precedes the start of the call", calls.ErrInvalidArgument)
		}

		call.BilledUnits = max(call.BilledUnits, p.BilledUnits)
		call.DurationSeconds = max(call.DurationSeconds, p.DurationSeconds)
		call.BilledPoints += p.BilledPointsDelta
		call.EndedAt = &endedAt
		call.UpdatedAt = l.clock().UTC()

		if err := tx.Save(ctx, call); err != nil {
			return err
		}
		out = call
		return nil
	})
	return out, err
}

// RecordTick appends a tick and updates the call in one transaction. Points
// and units are re-derived from the ledger rather than accumulated, so a crash
// between insert and update cannot leave them apart. A duplicate is reported
// through TickResult.Duplicate and changes nothing.
func (l *Ledger) RecordTick(ctx context.Context, t Tick) (TickResult, error) {
	if t.DurationSeconds < 0 {
		return TickResult{}, fmt.Errorf("%w: negative duration", calls.ErrInvalidArgument)
	}
	unit, err := l.newUnit(t.CallID, t.MinuteIndex, t.ChargedPoints, t.Timestamp)
	if err != nil {
		return TickResult{}, err
	}

	var out TickResult
	err = l.store.InTx(ctx, func(ctx context.Context, tx calls.Tx) error {
		call, err := lockActive(ctx, tx, t.CallID)
		if err != nil {
			return err
		}
		if err := tx.InsertUnit(ctx, unit); err != nil {
			if errors.Is(err, calls.ErrDuplicateTick) {
				out = TickResult{Call: call, Duplicate: true}
				return nil
			}
			return err
		}

		totals, err := tx.Totals(ctx, call.CallID)
		if err != nil {
			return err
		}
		ts := unit.Timestamp
		if from := billableFrom(call); ts.Before(from) {
			ts = from
		}
		call.BilledUnits = max(call.BilledUnits, totals.Units)
		call.BilledPoints = totals.Points
		call.DurationSeconds = max(call.DurationSeconds, t.DurationSeconds)
		call.EndedAt = &ts
		call.UpdatedAt = l.clock().UTC()

		if err := tx.Save(ctx, call); err != nil {
			return err
		}
		out = TickResult{Unit: unit, Call: call}
		return nil
	})
	if err != nil {
		return TickResult{}, err
	}

	if out.Duplicate {
		l.log.Debug("duplicate tick ignored", "call_id", t.CallID, "minute_index", t.MinuteIndex)
	}
	return out, nil
}

// UnitsFor returns the ledger of a call in ascending minute order.
func (l *Ledger) UnitsFor(ctx context.Context, callID string) ([]calls.BillingUnit, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: call id is required", calls.ErrInvalidArgument)
	}
	return l.store.Units(ctx, callID)
}

// Reconcile compares the cached aggregates of a call with its ledger. On a
// non-terminal call points are reset to the ledger sum and units raised to the
// row count; a terminal call is only reported. Units ahead of the ledger are
// reported, never lowered.
func (l *Ledger) Reconcile(ctx context.Context, callID string) (Drift, error) {
	if callID == "" {
		return Drift{}, fmt.Errorf("%w: call id is required", calls.ErrInvalidArgument)
	}

	var out Drift
	err := l.store.InTx(ctx, func(ctx context.Context, tx calls.Tx) error {
		call, err := tx.Lock(ctx, callID)
		if err != nil {
			return err
		}
		totals, err := tx.Totals(ctx, callID)
		if err != nil {
			return err
		}
		out = Drift{
			CallID: callID,
			Cached: calls.LedgerTotals{Units: call.BilledUnits, Points: call.BilledPoints},
			Ledger: totals,
		}
		if call.Status.IsTerminal() || (out.Consistent() && out.UnitDrift() >= 0) {
			return nil
		}

		call.BilledPoints = totals.Points
		call.BilledUnits = max(call.BilledUnits, totals.Units)
		call.UpdatedAt = l.clock().UTC()
		if err := tx.Save(ctx, call); err != nil {
			return err
		}
		out.Repaired = true
		return nil
	})
	if err != nil {
		return Drift{}, err
	}

	if !out.Consistent() {
		l.log.Error("ledger aggregate mismatch",
			"call_id", callID,
			"cached_units", out.Cached.Units,
			"cached_points", out.Cached.Points,
			"ledger_units", out.Ledger.Units,
			"ledger_points", out.Ledger.Points,
			"repaired", out.Repaired,
		)
	}
	if d := out.UnitDrift(); d != 0 {
		l.log.Warn("ledger unit drift",
			"call_id", callID,
			"cached_units", out.Cached.Units,
			"ledger_units", out.Ledger.Units,
			"repaired", out.Repaired && d < 0,
		)
	}
	return out, nil
}

func (l *Ledger) newUnit(callID string, minuteIndex int, chargedPoints int64, ts time.Time) (calls.BillingUnit, error) {
	if callID == "" {
		return calls.BillingUnit{}, fmt.Errorf("%w: call id is required", calls.ErrInvalidArgument)
	}
	if minuteIndex <= 0 {
		return calls.BillingUnit{}, fmt.Errorf("%w: minute index must be positive", calls.ErrInvalidArgument)
	}
	if chargedPoints < 0 {
		return calls.BillingUnit{}, fmt.Errorf("%w: charged points must not be negative", calls.ErrInvalidArgument)
	}
	if ts.IsZero() {
		ts = l.clock()
	}
	return calls.BillingUnit{
		UnitID:        l.newID(),
		CallID:        callID,
		MinuteIndex:   minuteIndex,
		ChargedPoints: chargedPoints,
		Timestamp:     ts.UTC(),
	}, nil
}

// lockActive holds the call row and rejects ticks for any call that is not
// active, terminal calls included.
func lockActive(ctx context.Context, tx calls.Tx, callID string) (calls.CallSession, error) {
	call, err := tx.Lock(ctx, callID)
	if err != nil {
		return calls.CallSession{}, err
	}
	if call.Status != calls.StatusActive {
		return calls.CallSession{}, fmt.Errorf("%w: call %s is %s, ticks need an active call", calls.ErrInvalidTransition, callID, call.Status)
	}
	return call, nil
}

// billableFrom is the earliest valid ended_at: the later of StartedAt and
// ConnectedAt. StartedAt keeps the request time when the connect reset is off.
func billableFrom(call calls.CallSession) time.Time {
	if call.ConnectedAt != nil && call.ConnectedAt.After(call.StartedAt) {
		return *call.ConnectedAt
	}
	return call.StartedAt
}
