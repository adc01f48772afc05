package handler

import (
	"net/http"
	"testing"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	gw := newTestGateway(t, testConfig())
	gw.addDevice(t, "cam", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	tests := []struct {
		name       string
		method     string
		path       string
		session    bool
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", false, http.StatusOK},
		{"GET /gateway/status", http.MethodGet, "/gateway/status", false, http.StatusOK},
		{"GET /proxy/cam/", http.MethodGet, "/proxy/cam/api/status", true, http.StatusOK},
		{"POST /proxy/cam/", http.MethodPost, "/proxy/cam/api/control", true, http.StatusOK},
		{"GET /proxy/cam redirects", http.MethodGet, "/proxy/cam", false, http.StatusPermanentRedirect},
		{"GET /api/devices", http.MethodGet, "/api/devices", true, http.StatusOK},
		{"GET /api/devices without session", http.MethodGet, "/api/devices", false, http.StatusUnauthorized},
		{"GET /open disabled", http.MethodGet, "/open/cam/", false, http.StatusNotFound},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", false, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var header http.Header
			if tt.session {
				header = gw.bearer()
			}
			rec := gw.do(tt.method, tt.path, header)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
