package routes

import (
	"github.com/gin-gonic/gin"

	"signalcore/internal/handlers"
	"signalcore/internal/middleware"
)

// SetupSchedulerRoutes configures the scheduler status routes
func SetupSchedulerRoutes(r *gin.Engine, h *handlers.Handler) {
	r.GET("/schedulers", h.ListSchedulers)
}

// SetupSignalRoutes configures the read-only signal routes
func SetupSignalRoutes(r *gin.Engine, h *handlers.Handler) {
	signals := r.Group("/signals")
	{
		signals.GET("/:id", h.GetSignal)
		signals.GET("/tenant/:tenant_id", h.ListTenantSignals)
		signals.GET("/tenant/:tenant_id/open", h.GetOpenSignal)
	}
}

// SetupJobRoutes configures the failed-job routes
func SetupJobRoutes(r *gin.Engine, h *handlers.Handler) {
	jobs := r.Group("/jobs")
	jobs.Use(middleware.RateLimiterMiddleware(middleware.RateLimiterConfig{
		RequestsPerSecond: 2,
		Burst:             5,
	}))
	{
		jobs.GET("/failed", h.ListFailedJobs)
		jobs.POST("/:id/retry", h.RetryJob)
	}
}
