// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	StreamsActive prometheus.Gauge
	StreamBytes   prometheus.Counter
	StreamsClosed *prometheus.CounterVec

	Rewrites      *prometheus.CounterVec
	Authorization *prometheus.CounterVec
	Devices       prometheus.GaugeFunc
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. deviceCount, when non-nil, backs the registered devices gauge.
func New(deviceCount func() int) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if deviceCount == nil {
		deviceCount = func() int { return 0 }
	}

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robot_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "robot_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robot_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "robot_gateway_upstream_request_duration_seconds",
			Help:    "Time until the device returned response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robot_gateway_upstream_responses_total",
			Help: "Total device responses by method, status code and content class.",
		}, []string{"method", "status_code", "class"}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robot_gateway_streams_active",
			Help: "Number of stream relays currently open.",
		}),

		StreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robot_gateway_stream_bytes_total",
			Help: "Total bytes relayed to clients by stream relays.",
		}),

		StreamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robot_gateway_streams_closed_total",
			Help: "Stream relays closed, by reason.",
		}, []string{"reason"}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robot_gateway_rewrites_total",
			Help: "Textual responses processed by the rewriter, by outcome.",
		}, []string{"outcome"}),

		Authorization: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robot_gateway_authorization_total",
			Help: "Gatekeeper decisions, by result.",
		}, []string{"result"}),

		Devices: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "robot_gateway_devices_registered",
			Help: "Number of registered devices.",
		}, func() float64 { return float64(deviceCount()) }),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.StreamsActive,
		m.StreamBytes,
		m.StreamsClosed,
		m.Rewrites,
		m.Authorization,
		m.Devices,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Device ids never appear in labels.
var knownPrefixes = []string{"/proxy", "/open", "/signed-url", "/api/devices", "/healthz", "/gateway/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
