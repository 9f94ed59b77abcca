package calls

import (
	"context"
	"time"
)

// Store is the persistence contract for call records and their billing ledger.
//
// Mutations happen only inside InTx. Implementations must serialise
// transactions touching the same call id (row lock or equivalent) and must
// enforce (call_id, minute_index) and participant-claim uniqueness in storage,
// not with in-process locks.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Get(ctx context.Context, callID string) (CallSession, error)
	ActiveFor(ctx context.Context, participantID string) (CallSession, bool, error)
	// Units returns the ledger of a call ordered by ascending minute index.
	Units(ctx context.Context, callID string) ([]BillingUnit, error)
	// List returns calls requested within [from, to).
	List(ctx context.Context, from, to time.Time) ([]CallSession, error)
	// ListStale returns calls in one of statuses whose UpdatedAt is before cutoff.
	ListStale(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]CallSession, error)
}

// Tx is the unit of work handed to InTx callbacks.
type Tx interface {
	// Lock loads a call and holds it for the rest of the transaction.
	Lock(ctx context.Context, callID string) (CallSession, error)
	Insert(ctx context.Context, c CallSession) error
	Save(ctx context.Context, c CallSession) error

	// ClaimParticipants reserves participant ids for callID. It returns
	// ErrConcurrentActiveCall if any id is already claimed.
	ClaimParticipants(ctx context.Context, callID string, participantIDs ...string) error
	ReleaseParticipants(ctx context.Context, callID string) error
	ActiveFor(ctx context.Context, participantID string) (CallSession, bool, error)

	// InsertUnit appends one ledger row, or returns ErrDuplicateTick.
	InsertUnit(ctx context.Context, u BillingUnit) error
	Totals(ctx context.Context, callID string) (LedgerTotals, error)
}
