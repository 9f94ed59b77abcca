package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"callmeter/internal/auth"
	"callmeter/internal/pricing"
	"callmeter/internal/reporting"

	"github.com/gin-gonic/gin"
)

// --- Monitoring ---

func (h Handlers) Classify(c *gin.Context) {
	if h.Reports == nil {
		notConfigured(c, "reporting")
		return
	}
	out, err := h.Reports.ClassifyCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// CallsSummary takes RFC 3339 from/to query parameters and an optional callee_id.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		notConfigured(c, "reporting")
		return
	}
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:    reporting.TimeRange{From: from, To: to},
		CalleeID: c.Query("callee_id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) CallAudit(c *gin.Context) {
	if h.Audit == nil {
		notConfigured(c, "audit")
		return
	}
	callID := c.Param("call_id")
	events, err := h.Audit.ListByCall(c.Request.Context(), callID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "events": events})
}

// --- Rate card ---

type putRateRequest struct {
	OtomoID         string     `json:"otomo_id"`
	PointsPerMinute int64      `json:"points_per_minute"`
	EffectiveFrom   time.Time  `json:"effective_from"`
	EffectiveTo     *time.Time `json:"effective_to,omitempty"`
}

func (h Handlers) EstimateCall(c *gin.Context) {
	if h.Pricing == nil {
		notConfigured(c, "pricing")
		return
	}
	secs, err := strconv.Atoi(c.DefaultQuery("duration_seconds", "0"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "duration_seconds must be an integer"})
		return
	}
	out, err := h.Pricing.EstimateCall(c.Request.Context(), c.Query("otomo_id"), secs, time.Time{})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// PutRate stores a rate row. An empty otomo_id sets the catalogue-wide rate.
func (h Handlers) PutRate(c *gin.Context) {
	if h.Pricing == nil {
		notConfigured(c, "pricing")
		return
	}
	var req putRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	ctx := c.Request.Context()
	rate, err := h.Pricing.PutRate(ctx, pricing.MinuteRate{
		OtomoID:         req.OtomoID,
		PointsPerMinute: req.PointsPerMinute,
		EffectiveFrom:   req.EffectiveFrom,
		EffectiveTo:     req.EffectiveTo,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if h.Audit != nil {
		actor, _ := auth.Service(ctx)
		role, _ := auth.Role(ctx)
		msg := "minute rate set for " + rate.OtomoID
		if rate.OtomoID == "" {
			msg = "catalogue minute rate set"
		}
		meta, _ := json.Marshal(rate)
		if err := h.Audit.LogAdminAction(ctx, actor, role, c.ClientIP(), msg, "", string(meta)); err != nil {
			_ = c.Error(err)
		}
	}
	c.JSON(http.StatusCreated, rate)
}
