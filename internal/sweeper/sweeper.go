package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callmeter/internal/audit"
	"callmeter/internal/calls"
)

// Lease guards a sweep so that one replica runs it at a time.
// utils.RedisLease satisfies it.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Lister finds calls whose record has not changed since cutoff.
type Lister interface {
	ListStale(ctx context.Context, statuses []calls.Status, cutoff time.Time, limit int) ([]calls.CallSession, error)
}

// Terminator is the part of calls.Controller the sweeper drives.
type Terminator interface {
	Fail(ctx context.Context, callID string, reason calls.EndReason, endedAt time.Time) (calls.CallSession, error)
	Finalize(ctx context.Context, req calls.FinalizeRequest) (calls.CallSession, error)
}

// AuditLogger records sweeper terminations.
type AuditLogger interface {
	LogSweep(ctx context.Context, t audit.EventType, callID, message string) error
}

type Config struct {
	Interval    time.Duration
	RingTimeout time.Duration
	IdleTimeout time.Duration
	BatchSize   int
}

// Result counts what one sweep did.
type Result struct {
	TimedOut int
	Idle     int
	Skipped  bool
}

// Sweeper ends calls the signaling and metering layers abandoned: calls
// stuck before connection fail with timeout, active calls with no progress
// end with network_lost.
type Sweeper struct {
	cfg   Config
	list  Lister
	term  Terminator
	lease Lease
	audit AuditLogger
	log   *slog.Logger

	clock func() time.Time
}

// New builds a sweeper. lease may be nil for a single replica.
func New(cfg Config, list Lister, term Terminator, lease Lease, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{cfg: cfg, list: list, term: term, lease: lease, log: log, clock: time.Now}
}

func (s *Sweeper) WithAudit(a AuditLogger) *Sweeper { s.audit = a; return s }

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.log.Warn("sweeper disabled", "interval", s.cfg.Interval)
		return
	}
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("sweep failed", "err", err)
				continue
			}
			if res.TimedOut > 0 || res.Idle > 0 {
				s.log.Info("sweep finished", "timed_out", res.TimedOut, "idle", res.Idle)
			}
		}
	}
}

// SweepOnce runs a single pass. It is skipped when another replica holds the
// lease.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !ok {
			return Result{Skipped: true}, nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release sweep lease failed", "err", err)
			}
		}()
	}

	now := s.clock().UTC()
	var res Result

	if s.cfg.RingTimeout > 0 {
		n, err := s.timeoutUnanswered(ctx, now)
		res.TimedOut = n
		if err != nil {
			return res, err
		}
	}
	if s.cfg.IdleTimeout > 0 {
		n, err := s.endIdle(ctx, now)
		res.Idle = n
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Sweeper) timeoutUnanswered(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.list.ListStale(ctx,
		[]calls.Status{calls.StatusRequesting, calls.StatusRinging, calls.StatusAccepted},
		now.Add(-s.cfg.RingTimeout), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unanswered calls: %w", err)
	}

	n := 0
	for _, c := range stale {
		if _, err := s.term.Fail(ctx, c.CallID, calls.EndReasonTimeout, now); err != nil {
			if s.raced(err) {
				continue
			}
			return n, fmt.Errorf("time out call %s: %w", c.CallID, err)
		}
		n++
		s.log.Info("call timed out", "call_id", c.CallID, "status", c.Status)
		s.record(ctx, audit.EventTypeCallTimedOut, c.CallID, fmt.Sprintf("no answer within %s while %s", s.cfg.RingTimeout, c.Status))
	}
	return n, nil
}

func (s *Sweeper) endIdle(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.list.ListStale(ctx, []calls.Status{calls.StatusActive}, now.Add(-s.cfg.IdleTimeout), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list idle calls: %w", err)
	}

	n := 0
	for _, c := range stale {
		dur := int(now.Sub(c.StartedAt) / time.Second)
		if dur < 0 {
			dur = 0
		}
		_, err := s.term.Finalize(ctx, calls.FinalizeRequest{
			CallID:          c.CallID,
			EndedAt:         now,
			DurationSeconds: dur,
			EndReason:       calls.EndReasonNetworkLost,
		})
		if err != nil {
			if s.raced(err) {
				continue
			}
			return n, fmt.Errorf("end idle call %s: %w", c.CallID, err)
		}
		n++
		s.log.Warn("idle call terminated", "call_id", c.CallID, "last_update", c.UpdatedAt)
		s.record(ctx, audit.EventTypeCallIdleTerminated, c.CallID, fmt.Sprintf("no progress for %s", s.cfg.IdleTimeout))
	}
	return n, nil
}

// raced reports whether err means the call moved on after it was listed.
func (s *Sweeper) raced(err error) bool {
	if errors.Is(err, calls.ErrInvalidTransition) || errors.Is(err, calls.ErrNotFound) {
		s.log.Debug("sweep skipped call", "err", err)
		return true
	}
	return false
}

func (s *Sweeper) record(ctx context.Context, t audit.EventType, callID, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogSweep(ctx, t, callID, msg); err != nil {
		s.log.Warn("audit sweep failed", "call_id", callID, "err", err)
	}
}
