package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callmeter/internal/audit"
	"callmeter/internal/auth"
	"callmeter/internal/billing"
	"callmeter/internal/calls"
	"callmeter/internal/pricing"
	"callmeter/internal/reporting"

	"github.com/gin-gonic/gin"
)

type fixture struct {
	router *gin.Engine
	store  *calls.MemoryStore
	audit  *audit.MemoryRepo
}

func newFixture(t *testing.T, role string) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := calls.NewMemoryStore()
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	h := Handlers{
		Calls:   calls.NewController(store, log, calls.Options{ResetStartOnConnect: true}),
		Store:   store,
		Ledger:  billing.NewLedger(store, log),
		Reports: reporting.NewService(store, log).WithAudit(auditSvc),
		Pricing: pricing.NewService(&pricing.MemoryRepo{}, 100),
		Audit:   auditSvc,
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "test-svc", role))
		c.Next()
	})
	r.POST("/calls", h.RequestCall)
	r.GET("/calls/:call_id", h.GetCall)
	r.POST("/calls/:call_id/advance", h.Advance)
	r.POST("/calls/:call_id/connect", h.MarkConnected)
	r.POST("/calls/:call_id/finalize", h.Finalize)
	r.POST("/calls/:call_id/fail", h.Fail)
	r.POST("/calls/:call_id/fail-system", h.FailSystem)
	r.POST("/calls/:call_id/ticks", h.RecordTick)
	r.POST("/calls/:call_id/units", h.AppendUnit)
	r.GET("/calls/:call_id/units", h.Units)
	r.POST("/calls/:call_id/progress", h.ApplyProgress)
	r.GET("/calls/:call_id/classification", h.Classify)
	r.GET("/calls/:call_id/audit", h.CallAudit)
	r.POST("/calls/:call_id/reconcile", h.Reconcile)
	r.GET("/participants/:participant_id/active-call", h.ActiveCallFor)
	r.GET("/reports/calls-summary", h.CallsSummary)
	r.GET("/rates/estimate", h.EstimateCall)
	r.POST("/rates", h.PutRate)

	return fixture{router: r, store: store, audit: auditRepo}
}

func (f fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func TestCallFlowOverHTTP(t *testing.T) {
	f := newFixture(t, "admin")

	w := f.do(t, http.MethodPost, "/calls", gin.H{"caller_id": "user_1", "callee_id": "otomo_1"})
	expectStatus(t, w, http.StatusCreated)
	call := decode[calls.CallSession](t, w)
	if call.Status != calls.StatusRequesting {
		t.Fatalf("expected requesting, got %s", call.Status)
	}
	base := "/calls/" + call.CallID

	w = f.do(t, http.MethodPost, "/calls", gin.H{"caller_id": "otomo_1", "callee_id": "otomo_2"})
	expectStatus(t, w, http.StatusConflict)

	w = f.do(t, http.MethodGet, "/participants/otomo_1/active-call", nil)
	expectStatus(t, w, http.StatusOK)

	expectStatus(t, f.do(t, http.MethodPost, base+"/advance", gin.H{"status": "ringing"}), http.StatusOK)
	w = f.do(t, http.MethodPost, base+"/connect", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[calls.CallSession](t, w); got.Status != calls.StatusActive || got.ConnectedAt == nil {
		t.Fatalf("expected active with connected_at, got %+v", got)
	}

	// Minute 1 through the single-call protocol, priced from the rate card.
	w = f.do(t, http.MethodPost, base+"/ticks", gin.H{"minute_index": 1, "duration_seconds": 60})
	expectStatus(t, w, http.StatusCreated)
	res := decode[billing.TickResult](t, w)
	if res.Unit.ChargedPoints != 100 || res.Call.BilledPoints != 100 || res.Call.BilledUnits != 1 {
		t.Fatalf("unexpected tick result: %+v", res)
	}
	w = f.do(t, http.MethodPost, base+"/ticks", gin.H{"minute_index": 1, "charged_points": 100, "duration_seconds": 60})
	expectStatus(t, w, http.StatusOK)
	if dup := decode[map[string]bool](t, w); !dup["duplicate"] {
		t.Fatalf("expected duplicate marker, got %s", w.Body.String())
	}

	// Minute 2 through the two-call protocol.
	expectStatus(t, f.do(t, http.MethodPost, base+"/units", gin.H{"minute_index": 2, "charged_points": 100}), http.StatusCreated)
	w = f.do(t, http.MethodPost, base+"/units", gin.H{"minute_index": 2, "charged_points": 100})
	expectStatus(t, w, http.StatusOK)
	if dup := decode[map[string]bool](t, w); !dup["duplicate"] {
		t.Fatalf("expected duplicate marker, got %s", w.Body.String())
	}
	w = f.do(t, http.MethodPost, base+"/progress", gin.H{"billed_units": 2, "billed_points_delta": 100, "duration_seconds": 120})
	expectStatus(t, w, http.StatusOK)
	if got := decode[calls.CallSession](t, w); got.BilledPoints != 200 || got.BilledUnits != 2 || got.DurationSeconds != 120 {
		t.Fatalf("unexpected progress result: %+v", got)
	}

	w = f.do(t, http.MethodGet, base+"/units", nil)
	expectStatus(t, w, http.StatusOK)
	units := decode[struct {
		Units []calls.BillingUnit `json:"units"`
	}](t, w)
	if len(units.Units) != 2 || units.Units[0].MinuteIndex != 1 || units.Units[1].MinuteIndex != 2 {
		t.Fatalf("unexpected units: %+v", units.Units)
	}

	w = f.do(t, http.MethodPost, base+"/finalize", gin.H{"duration_seconds": 125, "end_reason": "user_end"})
	expectStatus(t, w, http.StatusOK)
	final := decode[calls.CallSession](t, w)
	if final.Status != calls.StatusEnded || final.DurationSeconds != 125 || final.BilledPoints != 200 {
		t.Fatalf("unexpected final call: %+v", final)
	}

	w = f.do(t, http.MethodGet, base+"/classification", nil)
	expectStatus(t, w, http.StatusOK)
	if cls := decode[reporting.Classification](t, w); cls.Label != reporting.LabelNormal {
		t.Fatalf("expected normal, got %+v", cls)
	}

	// Terminal calls reject ticks and further transitions.
	expectStatus(t, f.do(t, http.MethodPost, base+"/ticks", gin.H{"minute_index": 3, "charged_points": 100}), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, base+"/fail", gin.H{"end_reason": "timeout"}), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodGet, "/participants/otomo_1/active-call", nil), http.StatusNotFound)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, "admin")

	expectStatus(t, f.do(t, http.MethodGet, "/calls/missing", nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/calls", gin.H{"caller_id": "u1"}), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodPost, "/calls", gin.H{"caller_id": "u1", "callee_id": "u1"}), http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/calls", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusBadRequest)

	call := decode[calls.CallSession](t, f.do(t, http.MethodPost, "/calls", gin.H{"caller_id": "u1", "callee_id": "o1"}))
	expectStatus(t, f.do(t, http.MethodPost, "/calls/"+call.CallID+"/ticks", gin.H{"minute_index": 1, "charged_points": 10}), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, "/calls/"+call.CallID+"/finalize", gin.H{"end_reason": "bogus"}), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodGet, "/reports/calls-summary?from=yesterday", nil), http.StatusBadRequest)
}

func TestFailSystemAndReconcileAreAudited(t *testing.T) {
	f := newFixture(t, "admin")

	call := decode[calls.CallSession](t, f.do(t, http.MethodPost, "/calls", gin.H{"caller_id": "u1", "callee_id": "o1"}))
	base := "/calls/" + call.CallID

	expectStatus(t, f.do(t, http.MethodPost, base+"/reconcile", nil), http.StatusOK)

	w := f.do(t, http.MethodPost, base+"/fail-system", gin.H{"message": "media server crashed"})
	expectStatus(t, w, http.StatusOK)
	got := decode[calls.CallSession](t, w)
	if got.Status != calls.StatusEnded || got.EndReason == nil || *got.EndReason != calls.EndReasonSystemError {
		t.Fatalf("unexpected call: %+v", got)
	}

	w = f.do(t, http.MethodGet, base+"/audit", nil)
	expectStatus(t, w, http.StatusOK)
	events := decode[struct {
		Events []audit.Event `json:"events"`
	}](t, w).Events
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %+v", events)
	}
	if events[0].Type != audit.EventTypeAdminAction || events[0].Actor != "test-svc" || events[0].ActorRole != "admin" {
		t.Fatalf("unexpected reconcile event: %+v", events[0])
	}
	if events[1].Type != audit.EventTypeSystemFailure || events[1].Message != "media server crashed" {
		t.Fatalf("unexpected failure event: %+v", events[1])
	}
}

func TestRatesAndSummary(t *testing.T) {
	f := newFixture(t, "admin")

	w := f.do(t, http.MethodPost, "/rates", gin.H{"otomo_id": "o1", "points_per_minute": 250, "effective_from": time.Now().Add(-time.Hour)})
	expectStatus(t, w, http.StatusCreated)

	w = f.do(t, http.MethodGet, "/rates/estimate?otomo_id=o1&duration_seconds=61", nil)
	expectStatus(t, w, http.StatusOK)
	est := decode[pricing.CallEstimate](t, w)
	if est.BillableMinutes != 2 || est.TotalPoints != 500 {
		t.Fatalf("unexpected estimate: %+v", est)
	}

	call := decode[calls.CallSession](t, f.do(t, http.MethodPost, "/calls", gin.H{"caller_id": "u1", "callee_id": "o1"}))
	expectStatus(t, f.do(t, http.MethodPost, "/calls/"+call.CallID+"/fail", gin.H{"end_reason": "timeout"}), http.StatusOK)

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w = f.do(t, http.MethodGet, "/reports/calls-summary?from="+from+"&to="+to, nil)
	expectStatus(t, w, http.StatusOK)
	sum := decode[reporting.CallsSummary](t, w)
	if sum.TotalCalls != 1 || sum.FailedCalls != 1 || sum.ByLabel[reporting.LabelNotConnected] != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}
