package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"robot-gateway/internal/auth"
)

// RequireSession rejects requests without a valid session token. Signed
// grants are not accepted here.
func RequireSession(g *auth.Gatekeeper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := g.VerifySession(c.Request()); err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "unauthorized",
				})
			}
			return next(c)
		}
	}
}
