package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ksred/klear-netting/internal/auth"
	"github.com/ksred/klear-netting/internal/config"
	"github.com/ksred/klear-netting/internal/netting"
	"github.com/ksred/klear-netting/internal/offset"
	"github.com/ksred/klear-netting/pkg/middleware"
)

type routerDeps struct {
	cfg         *config.Config
	registry    *prometheus.Registry
	authService *auth.Service
	netting     *netting.GinHandlers
	offsets     *offset.GinHandlers
	rateLimiter *middleware.RateLimiter
}

// newRouter wires the HTTP surface. The token endpoint is limited per IP;
// everything behind JWTAuth is limited per authenticated client.
func newRouter(d routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.NewHTTPMetrics(d.registry).Middleware())
	if d.cfg.Server.Debug {
		router.Use(gin.Logger())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET(d.cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(d.rateLimiter.Middleware())
		{
			authRoutes.POST("/token", auth.NewGinHandlers(d.authService).GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(
			middleware.JWTAuth(d.authService),
			d.rateLimiter.Middleware(),
			middleware.RequirePermission(netting.PermissionOperate),
		)
		d.netting.RegisterRoutes(protected)
		d.offsets.RegisterRoutes(protected)
	}

	return router
}
