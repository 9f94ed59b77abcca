package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedCall(t *testing.T, store Store, id, caller, callee string, status Status, at time.Time) CallSession {
	t.Helper()
	c := CallSession{
		CallID:      id,
		CallerID:    caller,
		CalleeID:    callee,
		Status:      status,
		RequestedAt: at,
		StartedAt:   at,
		UpdatedAt:   at,
	}
	if status.IsTerminal() {
		r := EndReasonUserEnd
		c.EndReason = &r
		c.EndedAt = &at
	}
	err := store.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, c)
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return c
}

func TestStore_RoundTripsNullableFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		seedCall(t, store, "c1", "u1", "o1", StatusRequesting, at)

		got, err := store.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ConnectedAt != nil || got.EndedAt != nil || got.EndReason != nil {
			t.Fatalf("expected nil fields: %+v", got)
		}

		connected := at.Add(10 * time.Second)
		ended := at.Add(70 * time.Second)
		reason := EndReasonNetworkLost
		err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			c, err := tx.Lock(ctx, "c1")
			if err != nil {
				return err
			}
			c.Status = StatusEnded
			c.ConnectedAt = &connected
			c.EndedAt = &ended
			c.EndReason = &reason
			c.DurationSeconds = 60
			c.BilledPoints = 120
			return tx.Save(ctx, c)
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}

		got, _ = store.Get(ctx, "c1")
		if got.ConnectedAt == nil || !got.ConnectedAt.Equal(connected) {
			t.Fatalf("connected_at: %+v", got.ConnectedAt)
		}
		if got.EndedAt == nil || !got.EndedAt.Equal(ended) || got.EndReason == nil || *got.EndReason != reason {
			t.Fatalf("end fields: %+v", got)
		}
		if got.DurationSeconds != 60 || got.BilledPoints != 120 {
			t.Fatalf("counters: %+v", got)
		}

		if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_UnitsAreUniqueAndOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		seedCall(t, store, "c1", "u1", "o1", StatusActive, at)

		for _, idx := range []int{3, 1, 2} {
			err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.InsertUnit(ctx, BillingUnit{UnitID: "u" + string(rune('0'+idx)), CallID: "c1", MinuteIndex: idx, ChargedPoints: int64(idx * 10), Timestamp: at})
			})
			if err != nil {
				t.Fatalf("insert %d: %v", idx, err)
			}
		}
		err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertUnit(ctx, BillingUnit{UnitID: "dup", CallID: "c1", MinuteIndex: 2, ChargedPoints: 500, Timestamp: at})
		})
		if !errors.Is(err, ErrDuplicateTick) {
			t.Fatalf("expected ErrDuplicateTick, got %v", err)
		}

		units, err := store.Units(ctx, "c1")
		if err != nil {
			t.Fatalf("units: %v", err)
		}
		if len(units) != 3 {
			t.Fatalf("expected 3 units, got %d", len(units))
		}
		for i, u := range units {
			if u.MinuteIndex != i+1 {
				t.Fatalf("units not ordered: %+v", units)
			}
		}

		var totals LedgerTotals
		_ = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			totals, err = tx.Totals(ctx, "c1")
			return err
		})
		if totals.Units != 3 || totals.Points != 60 {
			t.Fatalf("unexpected totals: %+v", totals)
		}

		if _, err := store.Units(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_RollsBackOnError(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		seedCall(t, store, "c1", "u1", "o1", StatusActive, at)
		seedCall(t, store, "c2", "u1", "o2", StatusEnded, at)

		boom := errors.New("boom")
		err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			if err := tx.InsertUnit(ctx, BillingUnit{UnitID: "x", CallID: "c1", MinuteIndex: 1, ChargedPoints: 10, Timestamp: at}); err != nil {
				return err
			}
			if err := tx.ClaimParticipants(ctx, "c1", "u1"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		units, _ := store.Units(ctx, "c1")
		if len(units) != 0 {
			t.Fatalf("expected rollback of ledger insert, got %d units", len(units))
		}
		err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.ClaimParticipants(ctx, "c2", "u1")
		})
		if err != nil {
			t.Fatalf("claim should have been rolled back: %v", err)
		}
	})
}

func TestStore_ClaimsConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		seedCall(t, store, "c1", "u1", "o1", StatusRequesting, at)
		seedCall(t, store, "c2", "u2", "o1", StatusRequesting, at)

		claim := func(callID string, ids ...string) error {
			return store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.ClaimParticipants(ctx, callID, ids...)
			})
		}
		if err := claim("c1", "u1", "o1"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := claim("c2", "u2", "o1"); !errors.Is(err, ErrConcurrentActiveCall) {
			t.Fatalf("expected ErrConcurrentActiveCall, got %v", err)
		}
		if err := store.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.ReleaseParticipants(ctx, "c1") }); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := claim("c2", "u2", "o1"); err != nil {
			t.Fatalf("claim after release: %v", err)
		}
	})
}

func TestStore_ListAndListStale(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		seedCall(t, store, "c1", "u1", "o1", StatusRinging, base)
		seedCall(t, store, "c2", "u2", "o2", StatusActive, base.Add(time.Minute))
		seedCall(t, store, "c3", "u3", "o3", StatusEnded, base.Add(2*time.Minute))
		seedCall(t, store, "c4", "u4", "o4", StatusRequesting, base.Add(3*time.Minute))

		got, err := store.List(ctx, base, base.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 || got[0].CallID != "c1" || got[1].CallID != "c2" {
			t.Fatalf("unexpected list: %+v", got)
		}

		stale, err := store.ListStale(ctx, []Status{StatusRequesting, StatusRinging}, base.Add(4*time.Minute), 10)
		if err != nil {
			t.Fatalf("list stale: %v", err)
		}
		if len(stale) != 2 || stale[0].CallID != "c1" || stale[1].CallID != "c4" {
			t.Fatalf("unexpected stale: %+v", stale)
		}

		stale, _ = store.ListStale(ctx, []Status{StatusRequesting, StatusRinging}, base.Add(4*time.Minute), 1)
		if len(stale) != 1 || stale[0].CallID != "c1" {
			t.Fatalf("limit not applied: %+v", stale)
		}

		active, ok, err := store.ActiveFor(ctx, "o2")
		if err != nil || !ok || active.CallID != "c2" {
			t.Fatalf("active for o2: %+v %v %v", active, ok, err)
		}
		if _, ok, _ := store.ActiveFor(ctx, "u3"); ok {
			t.Fatalf("ended call must not be active")
		}
	})
}

func TestMemoryStore_RollbackRestoresOnlyTouchedKeys(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	before := seedCall(t, store, "c1", "u1", "o1", StatusActive, at)
	seedCall(t, store, "c2", "u2", "o2", StatusActive, at)
	err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.ClaimParticipants(ctx, "c1", "u1", "o1"); err != nil {
			return err
		}
		return tx.InsertUnit(ctx, BillingUnit{UnitID: "u-1", CallID: "c1", MinuteIndex: 1, ChargedPoints: 10, Timestamp: at})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		changed := before
		changed.Status = StatusEnded
		changed.BilledPoints = 99
		if err := tx.Save(ctx, changed); err != nil {
			return err
		}
		if err := tx.Save(ctx, changed); err != nil {
			return err
		}
		if err := tx.Insert(ctx, CallSession{CallID: "c3", CallerID: "u3", CalleeID: "o3", Status: StatusRequesting}); err != nil {
			return err
		}
		if err := tx.ReleaseParticipants(ctx, "c1"); err != nil {
			return err
		}
		if err := tx.ClaimParticipants(ctx, "c2", "u1"); err != nil {
			return err
		}
		for m := 2; m <= 3; m++ {
			if err := tx.InsertUnit(ctx, BillingUnit{UnitID: "x", CallID: "c1", MinuteIndex: m, ChargedPoints: 10, Timestamp: at}); err != nil {
				return err
			}
		}
		if err := tx.InsertUnit(ctx, BillingUnit{UnitID: "y", CallID: "c2", MinuteIndex: 1, ChargedPoints: 10, Timestamp: at}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusActive || got.BilledPoints != 0 {
		t.Fatalf("expected c1 restored, got %+v", got)
	}
	if _, err := store.Get(ctx, "c3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected c3 rolled back, got %v", err)
	}
	if len(store.claims) != 2 || store.claims["u1"] != "c1" || store.claims["o1"] != "c1" {
		t.Fatalf("expected original claims, got %v", store.claims)
	}
	if units := store.units["c1"]; len(units) != 1 || units[1].UnitID != "u-1" {
		t.Fatalf("expected only the committed unit, got %v", units)
	}
	if _, ok := store.units["c2"]; ok {
		t.Fatalf("expected no ledger entry for c2")
	}
}
