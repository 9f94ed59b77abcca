package reporting

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"callmeter/internal/calls"
)

type recordingAudit struct{ callIDs []string }

func (a *recordingAudit) LogLedgerMismatch(_ context.Context, callID, _, _ string) error {
	a.callIDs = append(a.callIDs, callID)
	return nil
}

type recordingSink struct{ got []Classification }

func (s *recordingSink) PublishClassification(_ context.Context, c Classification) error {
	s.got = append(s.got, c)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func seed(t *testing.T, store *calls.MemoryStore, c calls.CallSession, units ...calls.BillingUnit) {
	t.Helper()
	err := store.InTx(context.Background(), func(ctx context.Context, tx calls.Tx) error {
		if err := tx.Insert(ctx, c); err != nil {
			return err
		}
		for _, u := range units {
			if err := tx.InsertUnit(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestService_ClassifyCallAuditsMismatch(t *testing.T) {
	store := calls.NewMemoryStore()
	c := terminal(calls.StatusEnded, calls.EndReasonUserEnd, true, 500)
	seed(t, store, c, unitsAt(map[int]int64{1: 100, 2: 100})...)

	audit := &recordingAudit{}
	sink := &recordingSink{}
	svc := NewService(store, quietLogger()).WithAudit(audit).WithSink(sink)

	got, err := svc.ClassifyCall(context.Background(), "c1")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Label != LabelSuspected || !got.LedgerMismatch {
		t.Fatalf("expected suspected mismatch, got %+v", got)
	}
	if len(audit.callIDs) != 1 || audit.callIDs[0] != "c1" {
		t.Fatalf("expected one audit record, got %v", audit.callIDs)
	}
	if len(sink.got) != 1 || sink.got[0].Label != LabelSuspected {
		t.Fatalf("expected published classification, got %+v", sink.got)
	}
}

func TestService_ClassifyCallErrors(t *testing.T) {
	svc := NewService(calls.NewMemoryStore(), quietLogger())
	if _, err := svc.ClassifyCall(context.Background(), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.ClassifyCall(context.Background(), "missing"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ClassifiesFinishedCallsFromEvents(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	sink := &recordingSink{}
	svc := NewService(store, quietLogger()).WithSink(sink)

	ctrl := calls.NewController(store, quietLogger(), calls.Options{})
	ctrl.Observe(svc)

	call, err := ctrl.RequestCall(ctx, "user_1", "otomo_1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := ctrl.Fail(ctx, call.CallID, calls.EndReasonTimeout, time.Time{}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if len(sink.got) != 1 || sink.got[0].Label != LabelNotConnected {
		t.Fatalf("expected one notConnected classification, got %+v", sink.got)
	}
}

func TestService_CallsSummary(t *testing.T) {
	store := calls.NewMemoryStore()

	normal := terminal(calls.StatusEnded, calls.EndReasonUserEnd, true, 200)
	normal.DurationSeconds = 130
	normal.BilledUnits = 2
	connectedAt := t0.Add(10 * time.Second)
	normal.ConnectedAt = &connectedAt
	seed(t, store, normal, unitsAt(map[int]int64{1: 100, 2: 100})...)

	failed := terminal(calls.StatusFailed, calls.EndReasonTimeout, false, 0)
	failed.CallID, failed.CallerID, failed.CalleeID = "c2", "user_2", "otomo_2"
	failed.RequestedAt = t0.Add(time.Minute)
	seed(t, store, failed)

	outside := terminal(calls.StatusEnded, calls.EndReasonUserEnd, true, 0)
	outside.CallID = "c3"
	outside.RequestedAt = t0.Add(48 * time.Hour)
	seed(t, store, outside)

	svc := NewService(store, quietLogger())
	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: TimeRange{From: t0.Add(-time.Hour), To: t0.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if out.TotalCalls != 2 || out.EndedCalls != 1 || out.FailedCalls != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.TotalBilledPoints != 200 || out.TotalBilledUnits != 2 || out.AverageDurationSeconds != 65 {
		t.Fatalf("unexpected totals: %+v", out)
	}
	if out.ByLabel[LabelNormal] != 1 || out.ByLabel[LabelNotConnected] != 1 {
		t.Fatalf("unexpected labels: %+v", out.ByLabel)
	}
	if out.AverageWaitSeconds != 10 {
		t.Fatalf("expected 10s wait, got %d", out.AverageWaitSeconds)
	}

	byCallee, _ := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: TimeRange{From: t0.Add(-time.Hour), To: t0.Add(time.Hour)}, CalleeID: "otomo_2"})
	if byCallee.TotalCalls != 1 || byCallee.FailedCalls != 1 {
		t.Fatalf("callee filter not applied: %+v", byCallee)
	}

	if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestService_ClassifyCallLiveTickIsNotADefect(t *testing.T) {
	store := calls.NewMemoryStore()
	c := calls.CallSession{
		CallID:       "c1",
		CallerID:     "user_1",
		CalleeID:     "otomo_1",
		Status:       calls.StatusActive,
		RequestedAt:  t0,
		StartedAt:    t0,
		ConnectedAt:  &t0,
		BilledUnits:  1,
		BilledPoints: 100,
	}
	seed(t, store, c, unitsAt(map[int]int64{1: 100, 2: 100})...)

	var buf bytes.Buffer
	audit := &recordingAudit{}
	sink := &recordingSink{}
	svc := NewService(store, slog.New(slog.NewJSONHandler(&buf, nil))).WithAudit(audit).WithSink(sink)

	got, err := svc.ClassifyCall(context.Background(), "c1")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Label != LabelInProgress || got.LedgerMismatch || !got.Unsettled {
		t.Fatalf("expected unsettled in-progress, got %+v", got)
	}
	if len(audit.callIDs) != 0 {
		t.Fatalf("expected no audit record, got %v", audit.callIDs)
	}
	if strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Fatalf("expected no error log, got %s", buf.String())
	}
	if len(sink.got) != 0 {
		t.Fatalf("live calls are not published, got %+v", sink.got)
	}
}
