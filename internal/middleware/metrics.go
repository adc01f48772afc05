package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"robot-gateway/internal/content"
	"robot-gateway/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Path labels are the gateway route prefixes, never
// device ids.
//
// Stream relays and websocket sessions are counted but not observed in the
// latency histogram.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError has not been written yet; the central
			// error handler writes it later, so take the code from the error.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			if !longLived(c) {
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}

// longLived reports whether the response was a stream relay or a websocket
// session.
func longLived(c echo.Context) bool {
	if websocket.IsWebSocketUpgrade(c.Request()) {
		return true
	}
	h := c.Response().Header()
	return content.IsStream(h.Get(echo.HeaderContentType), h.Values("Transfer-Encoding"))
}
