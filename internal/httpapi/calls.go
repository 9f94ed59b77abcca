package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"callmeter/internal/auth"
	"callmeter/internal/calls"

	"github.com/gin-gonic/gin"
)

// --- Signaling ---

type requestCallRequest struct {
	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`
}

type advanceRequest struct {
	Status calls.Status `json:"status"`
}

type connectRequest struct {
	ConnectedAt time.Time `json:"connected_at"`
}

type finalizeRequest struct {
	EndedAt         time.Time       `json:"ended_at"`
	DurationSeconds int             `json:"duration_seconds"`
	EndReason       calls.EndReason `json:"end_reason"`
	BilledUnits     *int            `json:"billed_units,omitempty"`
	BilledPoints    *int64          `json:"billed_points,omitempty"`
}

type failRequest struct {
	EndReason calls.EndReason `json:"end_reason"`
	EndedAt   time.Time       `json:"ended_at"`
}

type failSystemRequest struct {
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
	BilledUnits     *int      `json:"billed_units,omitempty"`
	BilledPoints    *int64    `json:"billed_points,omitempty"`
	Message         string    `json:"message,omitempty"`
}

func (h Handlers) RequestCall(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	var req requestCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	call, err := h.Calls.RequestCall(c.Request.Context(), req.CallerID, req.CalleeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) Advance(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	call, err := h.Calls.Advance(c.Request.Context(), c.Param("call_id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// MarkConnected accepts an empty body; the connection time then defaults to now.
func (h Handlers) MarkConnected(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	var req connectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c)
			return
		}
	}
	call, err := h.Calls.MarkConnected(c.Request.Context(), c.Param("call_id"), req.ConnectedAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Finalize(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	call, err := h.Calls.Finalize(c.Request.Context(), calls.FinalizeRequest{
		CallID:          c.Param("call_id"),
		EndedAt:         req.EndedAt,
		DurationSeconds: req.DurationSeconds,
		EndReason:       req.EndReason,
		BilledUnits:     req.BilledUnits,
		BilledPoints:    req.BilledPoints,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Fail(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	call, err := h.Calls.Fail(c.Request.Context(), c.Param("call_id"), req.EndReason, req.EndedAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// FailSystem ends a call after an internal error in the calling service. The
// failure is audited.
func (h Handlers) FailSystem(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	var req failSystemRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c)
			return
		}
	}
	callID := c.Param("call_id")
	call, err := h.Calls.FailSystem(c.Request.Context(), callID, req.EndedAt, req.DurationSeconds, req.BilledUnits, req.BilledPoints)
	if err != nil {
		writeError(c, err)
		return
	}

	if h.Audit != nil {
		actor, _ := auth.Service(c.Request.Context())
		msg := req.Message
		if msg == "" {
			msg = "call ended by system error"
		}
		if err := h.Audit.LogSystemFailure(c.Request.Context(), actor, callID, msg); err != nil {
			_ = c.Error(fmt.Errorf("audit system failure: %w", err))
		}
	}
	c.JSON(http.StatusOK, call)
}

// --- Reads ---

func (h Handlers) GetCall(c *gin.Context) {
	if h.Store == nil {
		notConfigured(c, "store")
		return
	}
	call, err := h.Store.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) ActiveCallFor(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	call, ok, err := h.Calls.Index().ActiveCallFor(c.Request.Context(), c.Param("participant_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active call"})
		return
	}
	c.JSON(http.StatusOK, call)
}
