package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"callmeter/internal/auth"
	"callmeter/internal/billing"
	"callmeter/internal/calls"
	"callmeter/pkg/logger"

	"github.com/gin-gonic/gin"
)

// --- Metering ---

type tickRequest struct {
	MinuteIndex int `json:"minute_index"`
	// ChargedPoints may be omitted; the rate card for the callee applies then.
	ChargedPoints   *int64    `json:"charged_points,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

type appendUnitRequest struct {
	MinuteIndex   int       `json:"minute_index"`
	ChargedPoints int64     `json:"charged_points"`
	Timestamp     time.Time `json:"timestamp"`
}

type progressRequest struct {
	BilledUnits       int       `json:"billed_units"`
	BilledPointsDelta int64     `json:"billed_points_delta"`
	DurationSeconds   int       `json:"duration_seconds"`
	EndedAt           time.Time `json:"ended_at"`
}

// RecordTick is the single-call form of the per-minute protocol.
func (h Handlers) RecordTick(c *gin.Context) {
	if h.Ledger == nil {
		notConfigured(c, "ledger")
		return
	}
	var req tickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	callID := c.Param("call_id")

	var points int64
	if req.ChargedPoints != nil {
		points = *req.ChargedPoints
	} else {
		p, err := h.ratedPoints(c, callID, req.Timestamp)
		if err != nil {
			writeError(c, err)
			return
		}
		points = p
	}

	res, err := h.Ledger.RecordTick(c.Request.Context(), billing.Tick{
		CallID:          callID,
		MinuteIndex:     req.MinuteIndex,
		ChargedPoints:   points,
		DurationSeconds: req.DurationSeconds,
		Timestamp:       req.Timestamp,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Duplicate {
		c.JSON(http.StatusOK, gin.H{"duplicate": true})
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h Handlers) ratedPoints(c *gin.Context, callID string, at time.Time) (int64, error) {
	if h.Pricing == nil || h.Store == nil {
		return 0, fmt.Errorf("%w: charged_points is required without a rate card", calls.ErrInvalidArgument)
	}
	call, err := h.Store.Get(c.Request.Context(), callID)
	if err != nil {
		return 0, err
	}
	p, err := h.Pricing.PointsPerMinute(c.Request.Context(), call.CalleeID, at)
	if err != nil {
		return 0, err
	}
	logger.ForCall(c.Request.Context(), callID).Debug("tick priced from rate card", "callee_id", call.CalleeID, "points", p)
	return p, nil
}

// AppendUnit is the first half of the two-call protocol. A duplicate answers
// 200 {"duplicate":true} and the caller skips ApplyProgress.
func (h Handlers) AppendUnit(c *gin.Context) {
	if h.Ledger == nil {
		notConfigured(c, "ledger")
		return
	}
	var req appendUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	unit, err := h.Ledger.AppendTick(c.Request.Context(), c.Param("call_id"), req.MinuteIndex, req.ChargedPoints, req.Timestamp)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, unit)
}

func (h Handlers) ApplyProgress(c *gin.Context) {
	if h.Ledger == nil {
		notConfigured(c, "ledger")
		return
	}
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	call, err := h.Ledger.ApplyProgress(c.Request.Context(), billing.Progress{
		CallID:            c.Param("call_id"),
		BilledUnits:       req.BilledUnits,
		BilledPointsDelta: req.BilledPointsDelta,
		DurationSeconds:   req.DurationSeconds,
		EndedAt:           req.EndedAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Units(c *gin.Context) {
	if h.Ledger == nil {
		notConfigured(c, "ledger")
		return
	}
	units, err := h.Ledger.UnitsFor(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": c.Param("call_id"), "units": units})
}

// --- Admin ---

// Reconcile repairs a drifted non-terminal call. Every run is audited.
func (h Handlers) Reconcile(c *gin.Context) {
	if h.Ledger == nil {
		notConfigured(c, "ledger")
		return
	}
	callID := c.Param("call_id")
	drift, err := h.Ledger.Reconcile(c.Request.Context(), callID)
	if err != nil {
		writeError(c, err)
		return
	}

	if h.Audit != nil {
		ctx := c.Request.Context()
		actor, _ := auth.Service(ctx)
		role, _ := auth.Role(ctx)
		meta, _ := json.Marshal(drift)
		if err := h.Audit.LogAdminAction(ctx, actor, role, c.ClientIP(), "ledger reconcile", callID, string(meta)); err != nil {
			_ = c.Error(fmt.Errorf("audit reconcile: %w", err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"drift": drift, "consistent": drift.Consistent()})
}
