package http

import (
	"context"
	"net/http"
	"time"

	"voicebox/internal/core/ports"
	"voicebox/internal/core/services"
	"voicebox/internal/infrastructure/middleware"
	"voicebox/internal/infrastructure/monitoring"
	"voicebox/pkg/config"
	"voicebox/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterOptions collects what the control API serves. Auth and Metrics
// are optional.
type RouterOptions struct {
	Config  *config.Config
	Node    ports.NodeService
	Events  *EventHub
	Health  *monitoring.HealthChecker
	Auth    services.AuthService
	Metrics http.Handler
	Logger  *zap.SugaredLogger
}

// NewRouter builds the control API: health checks and metrics at the root, the
// node commands under /api/v1.
func NewRouter(opts RouterOptions) *gin.Engine {
	startTime := time.Now()

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(opts.Logger))
	router.Use(middleware.TracingMiddleware(opts.Config.Node.Username))
	router.Use(middleware.RequestLoggingMiddleware(logger.NewContextLogger(opts.Logger.Desugar())))
	router.Use(middleware.ErrorHandlerMiddleware(opts.Logger))
	router.Use(middleware.NewHTTPRateLimitMiddleware(opts.Config))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := opts.Health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := router.Group("/api/v1")
	if opts.Auth != nil {
		api.Use(middleware.AuthMiddleware(opts.Auth))
		NewAuthHandler(opts.Auth, opts.Config.API.Auth.TokenTTL).SetupRoutes(api)
	}
	api.Use(middleware.NewCallRateLimitMiddleware(opts.Config))
	NewControlHandler(opts.Node).SetupRoutes(api)
	if opts.Events != nil {
		api.GET("/events", opts.Events.HandleWebSocket)
	}

	return router
}
