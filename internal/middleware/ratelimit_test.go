package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"robot-gateway/internal/config"
	"robot-gateway/internal/middleware"
)

func TestRateLimit_Enabled(t *testing.T) {
	e := echo.New()

	// 1 request per second, burst of 1: the second request should be rejected.
	e.Use(middleware.RateLimit(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1}))
	e.GET("/proxy/cam/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy/cam/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	got429 := false
	for range 10 {
		req = httptest.NewRequest(http.MethodGet, "/proxy/cam/", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}

	for range 5 {
		req = httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz status = %d, want %d", rec.Code, http.StatusOK)
		}
	}
}
