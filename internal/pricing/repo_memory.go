package pricing

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is a simple in-memory repository useful for tests and local runs.
type MemoryRepo struct {
	mu    sync.Mutex
	Rates []MinuteRate
}

func (r *MemoryRepo) FindMinuteRate(ctx context.Context, otomoID string, at time.Time) (MinuteRate, bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	// Prefer the most recent effective row.
	var best MinuteRate
	found := false
	for _, p := range r.Rates {
		if p.OtomoID != otomoID || !p.activeAt(at) {
			continue
		}
		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}
	return best, found, nil
}

func (r *MemoryRepo) InsertMinuteRate(ctx context.Context, rate MinuteRate) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rates = append(r.Rates, rate)
	return nil
}
