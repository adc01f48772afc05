package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New(func() int { return 3 })

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.RequestsTotal.WithLabelValues("GET", "200", "/proxy").Inc()
	m.StreamsClosed.WithLabelValues("eof").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{}
	for _, name := range []string{
		"robot_gateway_http_requests_total",
		"robot_gateway_http_requests_in_flight",
		"robot_gateway_streams_closed_total",
		"robot_gateway_streams_active",
		"robot_gateway_stream_bytes_total",
		"robot_gateway_devices_registered",
	} {
		want[name] = false
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
		if f.GetName() == "robot_gateway_devices_registered" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 3 {
				t.Errorf("devices_registered = %v, want 3", v)
			}
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNew_NilDeviceCount(t *testing.T) {
	m := New(nil)
	if _, err := m.Registry.Gather(); err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/proxy/robot1/stream", "/proxy"},
		{"/proxy", "/proxy"},
		{"/open/robot1/", "/open"},
		{"/signed-url", "/signed-url"},
		{"/api/devices/robot1", "/api/devices"},
		{"/healthz", "/healthz"},
		{"/gateway/status", "/gateway/status"},
		{"/metrics", "/metrics"},
		{"/proxyx", "other"},
		{"/unknown", "other"},
		{"/", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
