package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"robot-gateway/internal/registry"
)

// DeviceHandler manages device registrations over the session-protected API.
type DeviceHandler struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewDeviceHandler creates a DeviceHandler.
func NewDeviceHandler(reg *registry.Registry, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		registry: reg,
		logger:   logger.With("component", "device_handler"),
	}
}

type deviceRequest struct {
	Address string `json:"address"`
}

// deviceResponse never carries the device address.
type deviceResponse struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// List returns every registered device with its gateway path.
func (h *DeviceHandler) List(c echo.Context) error {
	devices := h.registry.List()
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{
			ID:   d.ID,
			Path: registry.BasePath(registry.ProxyPrefix, d.ID) + "/",
		})
	}
	return c.JSON(http.StatusOK, out)
}

// Create registers a device under a freshly generated opaque id.
func (h *DeviceHandler) Create(c echo.Context) error {
	return h.register(c, uuid.NewString(), http.StatusCreated)
}

// Put registers or replaces the device with the id from the path.
func (h *DeviceHandler) Put(c echo.Context) error {
	return h.register(c, c.Param("id"), http.StatusOK)
}

// Delete removes a registration.
func (h *DeviceHandler) Delete(c echo.Context) error {
	if !h.registry.Unregister(c.Param("id")) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "device not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *DeviceHandler) register(c echo.Context, id string, status int) error {
	var req deviceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	path, err := h.registry.Register(id, req.Address)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidDevice) {
			h.logger.Info("rejected device registration", "device_id", id, "err", err)
			return c.JSON(http.StatusBadRequest, map[string]string{"error": registry.ErrInvalidDevice.Error()})
		}
		return err
	}
	return c.JSON(status, deviceResponse{ID: id, Path: path})
}
