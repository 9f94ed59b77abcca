package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"callmeter/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side this package needs. calls.Store satisfies it.
type Repository interface {
	Get(ctx context.Context, callID string) (calls.CallSession, error)
	List(ctx context.Context, from, to time.Time) ([]calls.CallSession, error)
	Units(ctx context.Context, callID string) ([]calls.BillingUnit, error)
}

// AuditLogger records ledger defects.
type AuditLogger interface {
	LogLedgerMismatch(ctx context.Context, callID, message, metadata string) error
}

// Sink receives classifications for external monitoring.
type Sink interface {
	PublishClassification(ctx context.Context, c Classification) error
}

// Service is the monitoring consumer. It never writes call or ledger data.
type Service struct {
	repo  Repository
	log   *slog.Logger
	audit AuditLogger
	sink  Sink
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log}
}

func (s *Service) WithAudit(a AuditLogger) *Service { s.audit = a; return s }
func (s *Service) WithSink(k Sink) *Service         { s.sink = k; return s }

// ClassifyCall loads a call with its ledger and classifies it. A ledger
// mismatch is a defect: it is logged at error level and audited, not only
// returned.
func (s *Service) ClassifyCall(ctx context.Context, callID string) (Classification, error) {
	if callID == "" {
		return Classification{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Classification{}, errors.New("reporting: repository not configured")
	}

	call, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Classification{}, err
	}
	units, err := s.repo.Units(ctx, callID)
	if err != nil {
		return Classification{}, err
	}

	out := Classify(call, units)
	if out.LedgerMismatch {
		s.reportMismatch(ctx, call, out)
	}
	if s.sink != nil && call.Status.IsTerminal() {
		if err := s.sink.PublishClassification(ctx, out); err != nil {
			s.log.Warn("publish classification failed", "call_id", callID, "err", err)
		}
	}
	return out, nil
}

// CallChanged classifies calls as they reach a terminal status.
func (s *Service) CallChanged(ctx context.Context, e calls.Event) {
	if !e.Call.Status.IsTerminal() {
		return
	}
	// The request context may be cancelled once the handler returns.
	ctx = context.WithoutCancel(ctx)
	if _, err := s.ClassifyCall(ctx, e.Call.CallID); err != nil {
		s.log.Warn("classify finished call failed", "call_id", e.Call.CallID, "err", err)
	}
}

func (s *Service) reportMismatch(ctx context.Context, call calls.CallSession, c Classification) {
	s.log.Error("ledger aggregate mismatch",
		"call_id", call.CallID,
		"status", call.Status,
		"billed_points", c.BilledPoints,
		"ledger_points", c.LedgerPoints,
		"billed_units", c.BilledUnits,
		"ledger_units", c.LedgerUnits,
	)
	if s.audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"status":        call.Status,
		"billed_points": c.BilledPoints,
		"ledger_points": c.LedgerPoints,
		"billed_units":  c.BilledUnits,
		"ledger_units":  c.LedgerUnits,
	})
	if err := s.audit.LogLedgerMismatch(ctx, call.CallID, "billed points differ from ledger sum", string(meta)); err != nil {
		s.log.Warn("audit ledger mismatch failed", "call_id", call.CallID, "err", err)
	}
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{Range: req.Range, CalleeID: req.CalleeID, ByLabel: map[Label]int{}}
	var (
		connected int
		waitTotal time.Duration
	)
	for _, c := range rows {
		if req.CalleeID != "" && c.CalleeID != req.CalleeID {
			continue
		}
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.TotalBilledPoints += c.BilledPoints
		out.TotalBilledUnits += c.BilledUnits
		switch c.Status {
		case calls.StatusRequesting:
			out.RequestingCalls++
		case calls.StatusRinging:
			out.RingingCalls++
		case calls.StatusAccepted:
			out.AcceptedCalls++
		case calls.StatusActive:
			out.ActiveCalls++
		case calls.StatusEnded:
			out.EndedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		}
		if c.ConnectedAt != nil {
			connected++
			waitTotal += c.ConnectedAt.Sub(c.RequestedAt)
		}

		units, err := s.repo.Units(ctx, c.CallID)
		if err != nil {
			return CallsSummary{}, err
		}
		out.ByLabel[Classify(c, units).Label]++
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	if connected > 0 {
		out.AverageWaitSeconds = int((waitTotal / time.Duration(connected)) / time.Second)
	}
	return out, nil
}
