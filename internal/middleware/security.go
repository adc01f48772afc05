package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds security headers to
// every response. frameOptions is an X-Frame-Options value; "NONE" omits the
// header so device UIs can be framed by other origins.
//
// Headers are set before the handler runs because streamed responses commit
// their headers early.
func SecurityHeaders(frameOptions string) echo.MiddlewareFunc {
	frameOptions = strings.ToUpper(frameOptions)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "same-origin")
			if frameOptions != "" && frameOptions != "NONE" {
				h.Set("X-Frame-Options", frameOptions)
			}
			return next(c)
		}
	}
}
