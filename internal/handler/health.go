package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"robot-gateway/internal/config"
	"robot-gateway/internal/registry"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	registry *registry.Registry
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, reg *registry.Registry, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, registry: reg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Devices     int    `json:"devices"`
	OpenEnabled bool   `json:"open_enabled"`
	Rewrite     bool   `json:"rewrite_enabled"`
}

// Status returns gateway status information. Device addresses are never
// included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		Devices:     h.registry.Len(),
		OpenEnabled: h.cfg.Open.Enabled,
		Rewrite:     !h.cfg.Rewrite.Disabled,
	})
}
