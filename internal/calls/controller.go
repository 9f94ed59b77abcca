package calls

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Options tune the controller.
type Options struct {
	// ResetStartOnConnect overwrites StartedAt with the connection time in
	// MarkConnected, so the billing clock starts at connection. RequestedAt
	// keeps the original request time either way.
	ResetStartOnConnect bool
}

// Controller drives the call lifecycle:
//
//	requesting -> ringing -> accepted -> active -> ended
//	requesting|ringing|accepted -> failed
//
// Every operation runs in one store transaction holding the call row, so
// concurrent events for the same call are applied one at a time. Terminal
// calls are never mutated again.
type Controller struct {
	store Store
	index *ActiveCallIndex
	log   *slog.Logger
	opts  Options

	observers []Observer

	clock func() time.Time
	newID func() string
}

func NewController(store Store, log *slog.Logger, opts Options) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		store: store,
		index: NewActiveCallIndex(store),
		log:   log,
		opts:  opts,
		clock: time.Now,
		newID: uuid.NewString,
	}
}

// Observe registers o for committed status changes. Not safe to call once the
// controller is serving requests.
func (c *Controller) Observe(o Observer) {
	if o != nil {
		c.observers = append(c.observers, o)
	}
}

func (c *Controller) Index() *ActiveCallIndex { return c.index }

// RequestCall creates a call in requesting state. Both participants must be
// free; the check and the claim happen in the same transaction.
func (c *Controller) RequestCall(ctx context.Context, callerID, calleeID string) (CallSession, error) {
	if callerID == "" || calleeID == "" {
		return CallSession{}, fmt.Errorf("%w: caller and callee are required", ErrInvalidArgument)
	}
	if callerID == calleeID {
		return CallSession{}, fmt.Errorf("%w: caller and callee must differ", ErrInvalidArgument)
	}

	now := c.clock().UTC()
	call := CallSession{
		CallID:      c.newID(),
		CallerID:    callerID,
		CalleeID:    calleeID,
		Status:      StatusRequesting,
		RequestedAt: now,
		StartedAt:   now,
		UpdatedAt:   now,
	}

	err := c.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := c.index.ensureFree(ctx, tx, callerID, calleeID); err != nil {
			return err
		}
		if err := tx.Insert(ctx, call); err != nil {
			return err
		}
		// The claim table is the storage-level guard when two requests race
		// past ensureFree.
		return tx.ClaimParticipants(ctx, call.CallID, callerID, calleeID)
	})
	if err != nil {
		return CallSession{}, err
	}

	c.log.Info("call requested", "call_id", call.CallID, "caller_id", callerID, "callee_id", calleeID)
	c.notify(ctx, Event{Call: call})
	return call, nil
}

// Advance applies a pure status change: requesting -> ringing or
// ringing -> accepted. Connection and termination have their own operations
// because they carry data.
func (c *Controller) Advance(ctx context.Context, callID string, next Status) (CallSession, error) {
	if !next.Valid() {
		return CallSession{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, next)
	}
	if next != StatusRinging && next != StatusAccepted {
		return CallSession{}, fmt.Errorf("%w: %s is not reachable through advance", ErrInvalidTransition, next)
	}
	return c.mutate(ctx, callID, func(call *CallSession, _ Tx) error {
		if err := checkTransition(call.Status, next); err != nil {
			return err
		}
		call.Status = next
		return nil
	})
}

// MarkConnected moves a ringing or accepted call to active.
func (c *Controller) MarkConnected(ctx context.Context, callID string, connectedAt time.Time) (CallSession, error) {
	if connectedAt.IsZero() {
		connectedAt = c.clock()
	}
	connectedAt = connectedAt.UTC()

	return c.mutate(ctx, callID, func(call *CallSession, _ Tx) error {
		if err := checkTransition(call.Status, StatusActive); err != nil {
			return err
		}
		if connectedAt.Before(call.RequestedAt) {
			return fmt.Errorf("%w: connected_at precedes requested_at", ErrInvalidArgument)
		}
		call.Status = StatusActive
		call.ConnectedAt = &connectedAt
		if c.opts.ResetStartOnConnect {
			call.StartedAt = connectedAt
		}
		return nil
	})
}

// FinalizeRequest ends a call. BilledUnits and BilledPoints are what the
// caller believes was billed; the ledger is authoritative and a difference is
// only logged.
type FinalizeRequest struct {
	CallID          string
	EndedAt         time.Time
	DurationSeconds int
	EndReason       EndReason
	BilledUnits     *int
	BilledPoints    *int64
}

// Finalize moves any non-terminal call to ended. From a pre-connection state
// ConnectedAt stays nil.
func (c *Controller) Finalize(ctx context.Context, req FinalizeRequest) (CallSession, error) {
	if !req.EndReason.Valid() {
		return CallSession{}, fmt.Errorf("%w: unknown end reason %q", ErrInvalidArgument, req.EndReason)
	}
	return c.terminate(ctx, req, StatusEnded)
}

// FailSystem ends a call after an internal error, always with system_error.
func (c *Controller) FailSystem(ctx context.Context, callID string, endedAt time.Time, durationSeconds int, billedUnits *int, billedPoints *int64) (CallSession, error) {
	return c.terminate(ctx, FinalizeRequest{
		CallID:          callID,
		EndedAt:         endedAt,
		DurationSeconds: durationSeconds,
		EndReason:       EndReasonSystemError,
		BilledUnits:     billedUnits,
		BilledPoints:    billedPoints,
	}, StatusEnded)
}

// Fail moves a call that never connected to failed (reject, no answer,
// timeout).
func (c *Controller) Fail(ctx context.Context, callID string, reason EndReason, endedAt time.Time) (CallSession, error) {
	if !reason.Valid() {
		return CallSession{}, fmt.Errorf("%w: unknown end reason %q", ErrInvalidArgument, reason)
	}
	return c.terminate(ctx, FinalizeRequest{CallID: callID, EndedAt: endedAt, EndReason: reason}, StatusFailed)
}

func (c *Controller) terminate(ctx context.Context, req FinalizeRequest, to Status) (CallSession, error) {
	if req.DurationSeconds < 0 {
		return CallSession{}, fmt.Errorf("%w: negative duration", ErrInvalidArgument)
	}
	endedAt := req.EndedAt
	if endedAt.IsZero() {
		endedAt = c.clock()
	}
	endedAt = endedAt.UTC()

	return c.mutate(ctx, req.CallID, func(call *CallSession, tx Tx) error {
		if err := checkTransition(call.Status, to); err != nil {
			return err
		}
		if endedAt.Before(call.StartedAt) || (call.ConnectedAt != nil && endedAt.Before(*call.ConnectedAt)) {
			return fmt.Errorf("%w: ended_at precedes start of call", ErrInvalidArgument)
		}

		totals, err := tx.Totals(ctx, call.CallID)
		if err != nil {
			return err
		}
		if (req.BilledUnits != nil && *req.BilledUnits != totals.Units) ||
			(req.BilledPoints != nil && *req.BilledPoints != totals.Points) {
			c.log.Warn("finalize aggregates differ from ledger, using ledger",
				"call_id", call.CallID,
				"supplied_units", derefInt(req.BilledUnits),
				"supplied_points", derefInt64(req.BilledPoints),
				"ledger_units", totals.Units,
				"ledger_points", totals.Points,
			)
		}
		if req.DurationSeconds < call.DurationSeconds {
			c.log.Warn("finalize duration lower than billed progress, keeping current",
				"call_id", call.CallID,
				"supplied_seconds", req.DurationSeconds,
				"current_seconds", call.DurationSeconds,
			)
		}

		reason := req.EndReason
		call.Status = to
		call.EndReason = &reason
		call.EndedAt = &endedAt
		call.DurationSeconds = max(call.DurationSeconds, req.DurationSeconds)
		call.BilledUnits = max(call.BilledUnits, totals.Units)
		call.BilledPoints = totals.Points

		return tx.ReleaseParticipants(ctx, call.CallID)
	})
}

// mutate locks callID, applies fn and saves the result in one transaction,
// then notifies observers.
func (c *Controller) mutate(ctx context.Context, callID string, fn func(call *CallSession, tx Tx) error) (CallSession, error) {
	if callID == "" {
		return CallSession{}, fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	}

	var (
		out  CallSession
		from Status
	)
	err := c.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		call, err := tx.Lock(ctx, callID)
		if err != nil {
			return err
		}
		from = call.Status
		if err := fn(&call, tx); err != nil {
			return err
		}
		call.UpdatedAt = c.clock().UTC()
		if err := tx.Save(ctx, call); err != nil {
			return err
		}
		out = call
		return nil
	})
	if err != nil {
		return CallSession{}, err
	}

	attrs := []any{"call_id", out.CallID, "from", from, "to", out.Status}
	if out.EndReason != nil {
		attrs = append(attrs, "end_reason", *out.EndReason)
	}
	c.log.Info("call status changed", attrs...)
	c.notify(ctx, Event{Call: out, From: from})
	return out, nil
}

func (c *Controller) notify(ctx context.Context, e Event) {
	for _, o := range c.observers {
		o.CallChanged(ctx, e)
	}
}

func derefInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
