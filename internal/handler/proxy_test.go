package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"robot-gateway/internal/auth"
	"robot-gateway/internal/client"
	"robot-gateway/internal/config"
	"robot-gateway/internal/content"
	"robot-gateway/internal/metrics"
	"robot-gateway/internal/registry"
	"robot-gateway/internal/service"
	"robot-gateway/internal/stream"
)

const testSessionSecret = "handler-test-session-secret"

type testGateway struct {
	e        *echo.Echo
	registry *registry.Registry
	gate     *auth.Gatekeeper
	token    string
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, DialTimeoutSeconds: 2},
		Auth: config.AuthConfig{
			SessionSecret:   testSessionSecret,
			SessionCookie:   "gateway_session",
			GrantSecret:     "handler-test-grant-secret",
			GrantTTLSeconds: 300,
			GrantPaths:      []string{"stream"},
		},
		Stream:  config.StreamConfig{Paths: []string{"stream"}, ChunkBytes: 1024},
		Rewrite: config.RewriteConfig{MaxBytes: 1 << 20, APIPrefixes: []string{"/api/"}},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(nil)
	reg := registry.New(logger)

	g, err := auth.NewGatekeeper(cfg, logger, m)
	if err != nil {
		t.Fatalf("NewGatekeeper: %v", err)
	}
	token, err := g.IssueSessionToken("tester", time.Hour)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}

	svc := service.NewProxyService(reg, client.NewDeviceClient(cfg, logger, m), content.NewRewriter(cfg.Rewrite), cfg, logger, m)
	e := echo.New()
	RegisterRoutes(e, cfg, g, Handlers{
		Proxy:   NewProxyHandler(svc, g, stream.NewRelay(cfg, logger, m), logger),
		Signed:  NewSignedURLHandler(reg, g, logger),
		Devices: NewDeviceHandler(reg, logger),
		Health:  NewHealthHandler(cfg, reg, "test"),
	})
	return &testGateway{e: e, registry: reg, gate: g, token: token}
}

// addDevice starts a device web server and registers it under id.
func (gw *testGateway) addDevice(t *testing.T, id string, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	if _, err := gw.registry.Register(id, strings.TrimPrefix(srv.URL, "http://")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func (gw *testGateway) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	gw.e.ServeHTTP(rec, req)
	return rec
}

func (gw *testGateway) bearer() http.Header {
	return http.Header{"Authorization": {"Bearer " + gw.token}}
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestProxy_UnknownDeviceIsNotFoundWithoutCredentials(t *testing.T) {
	gw := newTestGateway(t, testConfig())

	rec := gw.do(http.MethodGet, "/proxy/nope/index.html", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := errorBody(t, rec); got != "device not found" {
		t.Errorf("error = %q, want %q", got, "device not found")
	}
}

func TestProxy_RequiresAuthorization(t *testing.T) {
	gw := newTestGateway(t, testConfig())
	gw.addDevice(t, "cam", func(w http.ResponseWriter, _ *http.Request) {
		t.Error("device must not be contacted")
	})

	tests := []struct {
		name   string
		header http.Header
	}{
		{"no credentials", nil},
		{"garbage bearer", http.Header{"Authorization": {"Bearer nope"}}},
		{"garbage cookie", http.Header{"Cookie": {"gateway_session=nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := gw.do(http.MethodGet, "/proxy/cam/", tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestProxy_SessionForwardsAndRewrites(t *testing.T) {
	gw := newTestGateway(t, testConfig())
	gw.addDevice(t, "cam", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settings" {
			t.Errorf("device path = %q, want /settings", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header reached the device")
		}
		if strings.Contains(r.Header.Get("Cookie"), "gateway_session") {
			t.Error("session cookie reached the device")
		}
		if r.URL.Query().Get("mode") != "full" {
			t.Errorf("query = %q, want mode=full", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/api/status">s</a></body></html>`))
	})

	for _, header := range []http.Header{
		gw.bearer(),
		{"Cookie": {"gateway_session=" + gw.token + "; lang=en"}},
	} {
		rec := gw.do(http.MethodGet, "/proxy/cam/settings?mode=full", header)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		body := rec.Body.String()
		if !strings.Contains(body, `href="/proxy/cam/api/status"`) {
			t.Errorf("body not rewritten: %s", body)
		}
		if !strings.Contains(body, "data-gateway-shim") {
			t.Errorf("shim not injected: %s", body)
		}
	}
}

func TestProxy_RedirectsToBasePath(t *testing.T) {
	gw := newTestGateway(t, testConfig())
	gw.addDevice(t, "cam", func(w http.ResponseWriter, _ *http.Request) {})

	rec := gw.do(http.MethodGet, "/proxy/cam?x=1", nil)
	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPermanentRedirect)
	}
	if got := rec.Header().Get("Location"); got != "/proxy/cam/?x=1" {
		t.Errorf("Location = %q, want %q", got, "/proxy/cam/?x=1")
	}

	rec = gw.do(http.MethodGet, "/proxy/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestProxy_DeviceUnreachable(t *testing.T) {
	gw := newTestGateway(t, testConfig())
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()
	if _, err := gw.registry.Register("cam", addr); err != nil {
		t.Fatal(err)
	}

	rec := gw.do(http.MethodGet, "/proxy/cam/", gw.bearer())
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := errorBody(t, rec); got != "device unreachable" {
		t.Errorf("error = %q, want %q", got, "device unreachable")
	}
}

func TestProxy_SignedURLGrantsStreamOnly(t *testing.T) {
	gw := newTestGateway(t, testConfig())
	frames := "--frame\r\nContent-Type: image/jpeg\r\n\r\nJPEG\r\n"
	for _, id := range []string{"cam", "arm"} {
		gw.addDevice(t, id, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get(auth.SignatureParam) != "" || r.URL.Query().Get(auth.ExpiryParam) != "" {
				t.Error("grant parameters reached the device")
			}
			w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
			_, _ = w.Write([]byte(frames))
		})
	}

	rec := gw.do(http.MethodGet, "/signed-url?id=cam&path=stream", gw.bearer())
	if rec.Code != http.StatusOK {
		t.Fatalf("signed-url status = %d: %s", rec.Code, rec.Body.String())
	}
	var issued signedURLResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatal(err)
	}

	rec = gw.do(http.MethodGet, issued.SignedURL, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed stream status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != frames {
		t.Errorf("stream body = %q, want %q", rec.Body.String(), frames)
	}

	query := issued.SignedURL[strings.Index(issued.SignedURL, "?"):]
	for _, target := range []string{
		"/proxy/cam/settings" + query,
		"/proxy/arm/stream" + query,
		"/proxy/cam/stream",
	} {
		if rec := gw.do(http.MethodGet, target, nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want %d", target, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestProxy_OpenEntryPoint(t *testing.T) {
	device := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<img src="/snapshot.jpg">`))
	}

	closed := newTestGateway(t, testConfig())
	closed.addDevice(t, "cam", device)
	if rec := closed.do(http.MethodGet, "/open/cam/", nil); rec.Code != http.StatusNotFound {
		t.Errorf("disabled open status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	cfg := testConfig()
	cfg.Open.Enabled = true
	open := newTestGateway(t, cfg)
	open.addDevice(t, "cam", device)

	rec := open.do(http.MethodGet, "/open/cam/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `src="/open/cam/snapshot.jpg"`) {
		t.Errorf("open body not rewritten under /open: %s", rec.Body.String())
	}
}

func TestProxy_CopiesDeviceStatusAndHeaders(t *testing.T) {
	gw := newTestGateway(t, testConfig())
	gw.addDevice(t, "cam", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Device", "yes")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n"))
	})

	rec := gw.do(http.MethodGet, "/proxy/cam/snap.png", gw.bearer())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if got := rec.Header().Get("X-Device"); got != "yes" {
		t.Errorf("X-Device = %q, want %q", got, "yes")
	}
	if rec.Body.String() != "\x89PNG\r\n\x1a\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
