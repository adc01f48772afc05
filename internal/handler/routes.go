package handler

import (
	"github.com/labstack/echo/v4"

	"robot-gateway/internal/auth"
	"robot-gateway/internal/config"
	"robot-gateway/internal/middleware"
)

// Handlers groups the route handlers for injection.
type Handlers struct {
	Proxy   *ProxyHandler
	Signed  *SignedURLHandler
	Devices *DeviceHandler
	Health  *HealthHandler
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, g *auth.Gatekeeper, h Handlers) {
	e.GET("/healthz", h.Health.Healthz)
	e.GET("/gateway/status", h.Health.Status)

	e.Any("/proxy/:id", h.Proxy.RedirectToBase)
	e.Any("/proxy/:id/*", h.Proxy.Handle)

	if cfg.Open.Enabled {
		e.Any("/open/:id", h.Proxy.RedirectToBase)
		e.Any("/open/:id/*", h.Proxy.HandleOpen)
	}

	session := middleware.RequireSession(g)
	e.GET("/signed-url", h.Signed.Issue, session)

	api := e.Group("/api/devices", session)
	api.GET("", h.Devices.List)
	api.POST("", h.Devices.Create)
	api.PUT("/:id", h.Devices.Put)
	api.DELETE("/:id", h.Devices.Delete)
}
