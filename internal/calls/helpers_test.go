package calls

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callmeter/pkg/utils"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := utils.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db, utils.DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// forEachStore runs fn against the memory store and the SQLite-backed SQL store.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func newTestController(store Store, clock *testClock, opts Options) *Controller {
	c := NewController(store, quietLogger(), opts)
	c.clock = clock.Now
	var (
		mu sync.Mutex
		n  int
	)
	c.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("call_%03d", n)
	}
	return c
}

func insertUnits(t *testing.T, store Store, callID string, points ...int64) {
	t.Helper()
	err := store.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		for i, p := range points {
			u := BillingUnit{
				UnitID:        fmt.Sprintf("%s_u%d", callID, i+1),
				CallID:        callID,
				MinuteIndex:   i + 1,
				ChargedPoints: p,
				Timestamp:     time.Date(2026, 3, 1, 10, i+1, 0, 0, time.UTC),
			}
			if err := tx.InsertUnit(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert units: %v", err)
	}
}
