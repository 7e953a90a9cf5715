package management

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meridian/internal/logger"
	"meridian/pkg/health"
	"meridian/pkg/middleware"
	"meridian/pkg/ratelimit"
	"meridian/pkg/tracing"
)

type RouterOptions struct {
	ServiceName string
	Health      *health.CheckerRegistry
	// Limiter is nil when rate limiting is disabled.
	Limiter *ratelimit.Limiter
}

// NewRouter builds the gin engine shared by both services. A nil handler
// serves only /health and /metrics.
func NewRouter(h *Handler, log logger.Logger, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		tracing.GinMiddleware(opts.ServiceName),
		middleware.LoggerMiddleware(log),
	)

	if opts.Health != nil {
		router.GET("/health", opts.Health.Handler())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if h == nil {
		return router
	}
	api := router.Group("")
	if opts.Limiter != nil {
		api.Use(opts.Limiter.Middleware())
	}
	h.RegisterRoutes(api)
	return router
}
