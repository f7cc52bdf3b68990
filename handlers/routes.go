package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"aquaguardian/middleware"
)

// RouteOptions configure the middleware around the API
type RouteOptions struct {
	SubmitRateLimit    int
	SubmitRateWindow   time.Duration
	InternalAdminToken string
	MaxImageBytes      int64
}

// RegisterRoutes mounts the report API on router
func RegisterRoutes(router *gin.Engine, h *Handlers, opts RouteOptions) {
	router.MaxMultipartMemory = opts.MaxImageBytes + multipartOverhead

	api := router.Group("/api/v1")
	{
		api.POST("/reports", middleware.RateLimit(opts.SubmitRateLimit, opts.SubmitRateWindow), h.SubmitReport)
		api.GET("/reports", h.ListReports)
		api.GET("/reports/:id", h.GetReport)
		api.GET("/reports/:id/anchor", h.GetAnchor)
		api.GET("/reports/:id/history", h.GetHistory)
	}

	internal := router.Group("/internal", middleware.InternalAdminToken(opts.InternalAdminToken))
	{
		internal.POST("/reports/:id/verify", h.VerifyReport)
		internal.GET("/anchors/failed", h.ListAnchorFailed)
		internal.POST("/anchors/:id/requeue", h.RequeueAnchor)
		internal.POST("/anchors/sweep", h.Sweep)
	}

	router.GET("/health", h.HealthCheck)
}
