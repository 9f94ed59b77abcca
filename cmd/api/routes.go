package main

import (
	"context"
	"net/http"

	"callmeter/internal/auth"
	"callmeter/internal/httpapi"
	"callmeter/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers, ready func(context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.Use(authMW)
	v1.Use(rbac.RequireService())

	v1.GET("/me", func(c *gin.Context) {
		svc, _ := auth.Service(c.Request.Context())
		role, _ := auth.Role(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"service": svc, "role": role})
	})

	// SIGNALING routes: call lifecycle.
	signaling := v1.Group("/calls")
	signaling.Use(rbac.RequireAnyRole(rbac.RoleSignaling))
	{
		signaling.POST("", h.RequestCall)
		signaling.POST("/:call_id/advance", h.Advance)
		signaling.POST("/:call_id/connect", h.MarkConnected)
		signaling.POST("/:call_id/finalize", h.Finalize)
		signaling.POST("/:call_id/fail", h.Fail)
		signaling.POST("/:call_id/fail-system", h.FailSystem)
	}

	// METERING routes: per-minute ticks.
	metering := v1.Group("/calls")
	metering.Use(rbac.RequireAnyRole(rbac.RoleMetering))
	{
		metering.POST("/:call_id/ticks", h.RecordTick)
		metering.POST("/:call_id/units", h.AppendUnit)
		metering.POST("/:call_id/progress", h.ApplyProgress)
	}

	// READ routes: every service may read call state and the ledger.
	reads := v1.Group("")
	reads.Use(rbac.RequireAnyRole(rbac.RoleSignaling, rbac.RoleMetering, rbac.RoleMonitor))
	{
		reads.GET("/calls/:call_id", h.GetCall)
		reads.GET("/calls/:call_id/units", h.Units)
		reads.GET("/participants/:participant_id/active-call", h.ActiveCallFor)
		reads.GET("/rates/estimate", h.EstimateCall)
	}

	// MONITOR routes: classification and reports.
	monitor := v1.Group("")
	monitor.Use(rbac.RequireAnyRole(rbac.RoleMonitor))
	{
		monitor.GET("/calls/:call_id/classification", h.Classify)
		monitor.GET("/calls/:call_id/audit", h.CallAudit)
		monitor.GET("/reports/calls-summary", h.CallsSummary)
	}

	// ADMIN routes. Every write here is audited by the handler.
	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.POST("/calls/:call_id/reconcile", h.Reconcile)
		admin.POST("/rates", h.PutRate)
	}
}
