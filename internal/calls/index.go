package calls

import (
	"context"
	"fmt"
)

// ActiveCallIndex answers whether a participant currently has a non-terminal
// call. It reads the call table directly and is never cached.
type ActiveCallIndex struct {
	store Store
}

func NewActiveCallIndex(store Store) *ActiveCallIndex {
	return &ActiveCallIndex{store: store}
}

// ActiveCallFor returns the non-terminal call of participantID, if any.
func (i *ActiveCallIndex) ActiveCallFor(ctx context.Context, participantID string) (CallSession, bool, error) {
	if participantID == "" {
		return CallSession{}, false, ErrInvalidArgument
	}
	return i.store.ActiveFor(ctx, participantID)
}

// ensureFree checks every participant inside tx and fails with
// ErrConcurrentActiveCall on the first one that is busy.
func (i *ActiveCallIndex) ensureFree(ctx context.Context, tx Tx, participantIDs ...string) error {
	for _, p := range participantIDs {
		existing, ok, err := tx.ActiveFor(ctx, p)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s is on call %s", ErrConcurrentActiveCall, p, existing.CallID)
		}
	}
	return nil
}
