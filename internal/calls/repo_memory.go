package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
// Transactions are fully serialised. Each mutation records how to undo
// itself, and the log is replayed in reverse when the callback fails.
type MemoryStore struct {
	mu     sync.Mutex
	calls  map[string]CallSession
	units  map[string]map[int]BillingUnit // call_id -> minute_index -> unit
	claims map[string]string              // participant_id -> call_id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:  map[string]CallSession{},
		units:  map[string]map[int]BillingUnit{},
		claims: map[string]string{},
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ActiveFor(ctx context.Context, participantID string) (CallSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFor(participantID)
}

func (s *MemoryStore) Units(ctx context.Context, callID string) ([]BillingUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]BillingUnit, 0, len(s.units[callID]))
	for _, u := range s.units[callID] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinuteIndex < out[j].MinuteIndex })
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, from, to time.Time) ([]CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallSession, 0)
	for _, c := range s.calls {
		if c.RequestedAt.Before(from) || !c.RequestedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]CallSession, 0)
	for _, c := range s.calls {
		if want[c.Status] && c.UpdatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) activeFor(participantID string) (CallSession, bool, error) {
	for _, c := range s.calls {
		if !c.Status.IsTerminal() && c.HasParticipant(participantID) {
			return c, true, nil
		}
	}
	return CallSession{}, false, nil
}

// memTx runs with MemoryStore.mu held by InTx.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) rememberCall(callID string) {
	prev, existed := t.s.calls[callID]
	t.undo = append(t.undo, func() {
		if existed {
			t.s.calls[callID] = prev
		} else {
			delete(t.s.calls, callID)
		}
	})
}

func (t *memTx) rememberClaim(participantID string) {
	prev, existed := t.s.claims[participantID]
	t.undo = append(t.undo, func() {
		if existed {
			t.s.claims[participantID] = prev
		} else {
			delete(t.s.claims, participantID)
		}
	})
}

func (t *memTx) Lock(ctx context.Context, callID string) (CallSession, error) {
	c, ok := t.s.calls[callID]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return c, nil
}

func (t *memTx) Insert(ctx context.Context, c CallSession) error {
	if _, exists := t.s.calls[c.CallID]; exists {
		return ErrInvalidArgument
	}
	t.rememberCall(c.CallID)
	t.s.calls[c.CallID] = c
	return nil
}

func (t *memTx) Save(ctx context.Context, c CallSession) error {
	if _, ok := t.s.calls[c.CallID]; !ok {
		return ErrNotFound
	}
	t.rememberCall(c.CallID)
	t.s.calls[c.CallID] = c
	return nil
}

func (t *memTx) ClaimParticipants(ctx context.Context, callID string, participantIDs ...string) error {
	for _, p := range participantIDs {
		if owner, ok := t.s.claims[p]; ok && owner != callID {
			return ErrConcurrentActiveCall
		}
	}
	for _, p := range participantIDs {
		t.rememberClaim(p)
		t.s.claims[p] = callID
	}
	return nil
}

func (t *memTx) ReleaseParticipants(ctx context.Context, callID string) error {
	for p, owner := range t.s.claims {
		if owner == callID {
			t.rememberClaim(p)
			delete(t.s.claims, p)
		}
	}
	return nil
}

func (t *memTx) ActiveFor(ctx context.Context, participantID string) (CallSession, bool, error) {
	return t.s.activeFor(participantID)
}

func (t *memTx) InsertUnit(ctx context.Context, u BillingUnit) error {
	byMinute := t.s.units[u.CallID]
	if _, exists := byMinute[u.MinuteIndex]; exists {
		return ErrDuplicateTick
	}
	if byMinute == nil {
		byMinute = map[int]BillingUnit{}
		t.s.units[u.CallID] = byMinute
	}
	byMinute[u.MinuteIndex] = u
	t.undo = append(t.undo, func() {
		delete(byMinute, u.MinuteIndex)
		if len(byMinute) == 0 {
			delete(t.s.units, u.CallID)
		}
	})
	return nil
}

func (t *memTx) Totals(ctx context.Context, callID string) (LedgerTotals, error) {
	var out LedgerTotals
	for _, u := range t.s.units[callID] {
		out.Units++
		out.Points += u.ChargedPoints
	}
	return out, nil
}
