package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retry-proxy-go/internal/config"
	"retry-proxy-go/internal/metrics"
)

// RegisterRoutes makes the proxy listener a catch-all: every method on every
// path goes to the proxy handler. The handler is installed as the innermost
// Pre middleware so echo's router, which only knows a fixed set of methods,
// never answers 404 or 405 in its place. Listener middleware must be added
// with e.Pre before this call.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Pre(func(echo.HandlerFunc) echo.HandlerFunc {
		return proxy.Handle
	})
}

// RegisterAdminRoutes wires health, status and, when enabled, the Prometheus
// endpoint onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
