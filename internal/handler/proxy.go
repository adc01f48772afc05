package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"robot-gateway/internal/auth"
	"robot-gateway/internal/client"
	"robot-gateway/internal/headers"
	"robot-gateway/internal/model"
	"robot-gateway/internal/registry"
	"robot-gateway/internal/service"
	"robot-gateway/internal/stream"
)

// ProxyHandler forwards browser traffic to registered devices.
type ProxyHandler struct {
	service    *service.ProxyService
	gatekeeper *auth.Gatekeeper
	relay      *stream.Relay
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, g *auth.Gatekeeper, relay *stream.Relay, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:    svc,
		gatekeeper: g,
		relay:      relay,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle serves /proxy/:id/*. The caller needs a session or, on scoped
// paths, a valid signed grant.
func (h *ProxyHandler) Handle(c echo.Context) error {
	return h.serve(c, registry.ProxyPrefix, true)
}

// HandleOpen serves /open/:id/* without any authorization. It is only
// routed when the open entry point is enabled in the config.
func (h *ProxyHandler) HandleOpen(c echo.Context) error {
	return h.serve(c, registry.OpenPrefix, false)
}

// RedirectToBase sends /proxy/:id to /proxy/:id/ so that relative URLs in
// the device index page resolve under the device base path.
func (h *ProxyHandler) RedirectToBase(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.service.Resolve(id); err != nil {
		return h.mapError(c, id, err)
	}
	target := c.Request().URL.Path + "/"
	if q := c.Request().URL.RawQuery; q != "" {
		target += "?" + q
	}
	return c.Redirect(http.StatusPermanentRedirect, target)
}

func (h *ProxyHandler) serve(c echo.Context, prefix string, authorize bool) error {
	req := c.Request()
	id := c.Param("id")
	subpath := c.Param("*")

	// Unknown devices are 404 whatever the credentials.
	if _, err := h.service.Resolve(id); err != nil {
		return h.mapError(c, id, err)
	}
	if authorize && !h.gatekeeper.Authorize(req, subpath).Allowed() {
		return h.mapError(c, id, auth.ErrUnauthorized)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		DeviceID:      id,
		Method:        req.Method,
		Path:          "/" + subpath,
		Query:         req.URL.Query(),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		BasePath:      registry.BasePath(prefix, id),
		Host:          req.Host,
		Secure:        c.Scheme() == "https",
	}

	if service.IsSocketUpgrade(req) {
		if err := h.service.RelaySocket(c.Response(), req, pr); err != nil {
			return h.mapError(c, id, err)
		}
		return nil
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, id, err)
	}

	if resp.Class == model.ClassStream {
		if err := h.relay.Relay(req.Context(), c.Response(), resp); err != nil {
			h.logger.Warn("stream interrupted",
				"err", err,
				"device_id", id,
				"method", req.Method,
				"path", pr.Path,
			)
		}
		return nil
	}

	defer func() { _ = resp.Body.Close() }()
	headers.CopyResponse(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a failed copy only truncates the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil && req.Context().Err() == nil {
		h.logger.Error("copying device response",
			"err", err,
			"device_id", id,
			"path", pr.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, deviceID string, err error) error {
	req := c.Request()
	status, msg := http.StatusBadGateway, "device request failed"
	level := slog.LevelError

	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		status, msg, level = http.StatusNotFound, "device not found", slog.LevelInfo
	case errors.Is(err, auth.ErrUnauthorized):
		status, msg, level = http.StatusUnauthorized, "unauthorized", slog.LevelInfo
	case errors.Is(err, client.ErrUpstreamTimeout):
		status, msg = http.StatusGatewayTimeout, "device request timed out"
	case errors.Is(err, client.ErrUpstreamUnreachable):
		status, msg = http.StatusBadGateway, "device unreachable"
	case errors.Is(err, context.Canceled):
		msg, level = "client disconnected", slog.LevelDebug
	}

	h.logger.Log(req.Context(), level, "proxy error",
		"err", err,
		"device_id", deviceID,
		"method", req.Method,
		"path", req.URL.Path,
	)
	return c.JSON(status, map[string]string{"error": msg})
}
