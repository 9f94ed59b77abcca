package httpapi

import (
	"errors"
	"net/http"

	"callmeter/internal/audit"
	"callmeter/internal/billing"
	"callmeter/internal/calls"
	"callmeter/internal/pricing"
	"callmeter/internal/reporting"
	"callmeter/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls   *calls.Controller
	Store   calls.Store
	Ledger  *billing.Ledger
	Reports *reporting.Service
	Pricing *pricing.Service
	Audit   *audit.Service
}

// writeError maps domain errors to HTTP statuses. Anything unrecognised is a
// persistence or internal failure and is logged.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrDuplicateTick):
		c.JSON(http.StatusOK, gin.H{"duplicate": true})
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, pricing.ErrInvalidPricingReq):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotFound),
		errors.Is(err, pricing.ErrPricingNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "invalid_transition"})
	case errors.Is(err, calls.ErrConcurrentActiveCall):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "concurrent_active_call"})
	default:
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badJSON(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
}

func notConfigured(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": what + " not configured"})
}
