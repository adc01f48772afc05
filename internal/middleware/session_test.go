package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"robot-gateway/internal/auth"
	"robot-gateway/internal/config"
)

func TestRequireSession(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{
		SessionSecret: "middleware-test-secret",
		SessionCookie: "gateway_session",
		GrantSecret:   "grant",
		GrantPaths:    []string{"stream"},
	}}
	g, err := auth.NewGatekeeper(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}
	token, err := g.IssueSessionToken("tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	e.GET("/private", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, RequireSession(g))

	grant := g.IssueGrant("/private", time.Minute)

	tests := []struct {
		name       string
		target     string
		header     http.Header
		wantStatus int
	}{
		{"bearer", "/private", http.Header{"Authorization": {"Bearer " + token}}, http.StatusOK},
		{"cookie", "/private", http.Header{"Cookie": {"gateway_session=" + token}}, http.StatusOK},
		{"missing", "/private", nil, http.StatusUnauthorized},
		{"signed grant is not a session", auth.SignedURL(grant), nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			for k, v := range tt.header {
				req.Header[k] = v
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
