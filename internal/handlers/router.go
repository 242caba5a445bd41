// Package handlers exposes checkout, order and payment operations over HTTP.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/boutique/orderpay/internal/observability"
)

// NewRouter builds the API engine with health, metrics and every business route.
func NewRouter(service string, cfg HandlerConfig) *gin.Engine {
	cfg = cfg.withDefaults()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(service))
	r.Use(observability.LoggerMiddleware(cfg.Logger))
	r.Use(observability.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", observability.PrometheusHandler())

	RegisterOrdersRoutes(r, cfg)
	RegisterPaymentRoutes(r, cfg)
	return r
}
