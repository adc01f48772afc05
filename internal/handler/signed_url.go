package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"robot-gateway/internal/auth"
	"robot-gateway/internal/registry"
)

// SignedURLHandler mints short-lived links for scoped device paths, for
// clients such as <img> and <video> tags that cannot send a bearer token.
type SignedURLHandler struct {
	registry   *registry.Registry
	gatekeeper *auth.Gatekeeper
	logger     *slog.Logger
}

// NewSignedURLHandler creates a SignedURLHandler.
func NewSignedURLHandler(reg *registry.Registry, g *auth.Gatekeeper, logger *slog.Logger) *SignedURLHandler {
	return &SignedURLHandler{
		registry:   reg,
		gatekeeper: g,
		logger:     logger.With("component", "signed_url_handler"),
	}
}

type signedURLResponse struct {
	SignedURL        string `json:"signed_url"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
	DeviceID         string `json:"device_id"`
}

// Issue handles GET /signed-url?id=<device>[&path=<subpath>]. Without a path
// the link targets the first scoped grant path (the live stream by default).
// The caller must hold a session; the route is mounted behind RequireSession.
func (h *SignedURLHandler) Issue(c echo.Context) error {
	id := c.QueryParam("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}
	subpath := strings.TrimPrefix(c.QueryParam("path"), "/")
	if subpath == "" {
		subpath = h.gatekeeper.DefaultGrantPath()
	}
	if subpath == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path is required"})
	}

	if _, err := h.registry.Resolve(id); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "device not found"})
		}
		return err
	}
	if !h.gatekeeper.Grantable(subpath) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": auth.ErrPathNotGrantable.Error()})
	}

	grant := h.gatekeeper.IssueGrant(registry.BasePath(registry.ProxyPrefix, id)+"/"+subpath, 0)
	h.logger.Info("signed url issued", "device_id", id, "expires", grant.Expires)

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, signedURLResponse{
		SignedURL:        auth.SignedURL(grant),
		ExpiresInSeconds: int64(h.gatekeeper.GrantTTL().Seconds()),
		DeviceID:         id,
	})
}
