package main

import (
	"net/http"

	"workstation-guard/internal/auth"
	"workstation-guard/internal/httpapi"
	"workstation-guard/internal/rbac"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	auth       *auth.Manager
	stationKey string
	metrics    http.Handler
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, d routeDeps) {
	// public
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(d.metrics))

	r.POST("/authenticate", h.Authenticate)
	r.GET("/user/:token_id", h.GetUser)

	// Session routes authenticate with the session token in the body or path.
	sess := r.Group("/session")
	{
		sess.POST("/start", h.StartSession)
		sess.POST("/activity", h.RecordActivity)
		sess.POST("/logout", h.Logout)
		sess.GET("/check/:session_token", h.CheckSession)
	}

	// Reader agents on the workstations.
	station := r.Group("/station")
	station.Use(httpapi.RequireStationKey(d.stationKey))
	{
		station.POST("/presence", h.Heartbeat)
		station.GET("/:station_id/uid", h.StationUID)
	}

	admin := r.Group("/admin")
	admin.Use(auth.RequireAccessToken(d.auth))
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.POST("/register-card", h.RegisterCard)

		admin.GET("/users", h.ListUsers)
		admin.POST("/users/:token_id/secret", h.RotateSecret)
		admin.POST("/users/:token_id/promote", h.Promote)
		admin.POST("/users/:token_id/deactivate", h.Deactivate)

		admin.GET("/logs", h.AdmissionLog)
		admin.GET("/stations", h.Stations)

		admin.GET("/sessions/:session_id", h.GetSession)
		admin.GET("/sessions/:session_id/activities", h.SessionActivities)
		admin.GET("/sessions/:session_id/alerts", h.SessionAlerts)

		admin.GET("/ledger/scan", h.ScanLedger)
		admin.GET("/ledger/audit", h.AuditLedger)
		admin.GET("/ledger/:receipt_id/verify", h.VerifyReceipt)

		admin.GET("/reports/admissions", h.AdmissionReport)
		admin.GET("/reports/alerts", h.AlertReport)
	}
}
