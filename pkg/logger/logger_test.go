package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestForCallTagsCallID(t *testing.T) {
	var buf bytes.Buffer
	ctx := With(context.Background(), NewWithWriter(&buf, "production"))

	ForCall(ctx, "call-1").Info("tick recorded", "minute_index", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["call_id"] != "call-1" || rec["service"] != "callmeter" || rec["msg"] != "tick recorded" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewLevelFollowsEnv(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "production").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug must be off in production")
	}
	NewWithWriter(&buf, "local").Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug must be on locally")
	}
}

func TestMiddlewareRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer

	r := gin.New()
	r.Use(Middleware(NewWithWriter(&buf, "production")))
	r.GET("/calls/:call_id", func(c *gin.Context) {
		From(c.Request.Context()).Info("inside")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/calls/c9", nil)
	req.Header.Set(headerRequestID, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get(headerRequestID) != "rid-1" {
		t.Fatalf("expected request id echoed")
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, `"request_id":"rid-1"`) {
			t.Fatalf("missing request id in %s", line)
		}
	}
	if !strings.Contains(lines[1], `"call_id":"c9"`) {
		t.Fatalf("missing call id in summary %s", lines[1])
	}
}
