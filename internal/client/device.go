// Package client provides the outbound HTTP client that talks to devices.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"robot-gateway/internal/config"
	"robot-gateway/internal/content"
	"robot-gateway/internal/metrics"
	"robot-gateway/internal/model"
)

var (
	// ErrUpstreamUnreachable is returned when the device refuses or drops the connection.
	ErrUpstreamUnreachable = errors.New("device unreachable")
	// ErrUpstreamTimeout is returned when the device does not answer within the request timeout.
	ErrUpstreamTimeout = errors.New("device request timed out")
)

// DeviceClient sends requests to registered devices.
type DeviceClient struct {
	httpClient    *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
	streamPaths   []string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewDeviceClient creates a DeviceClient. Keep-alives are disabled so every
// outbound connection belongs to exactly one inbound request or relay.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewDeviceClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *DeviceClient {
	dialTimeout := time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	transport := &http.Transport{
		DisableKeepAlives:  true,
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &DeviceClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are rewritten and handed to the browser, never followed here.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:       cfg.Upstream.Timeout(),
		streamTimeout: cfg.Upstream.StreamTimeout(),
		streamPaths:   cfg.Stream.Paths,
		logger:        logger.With("component", "device_client"),
		metrics:       m,
	}
}

// IsStreamPath reports whether a device path names a streaming endpoint, by
// path segment (with or without a file extension).
func (c *DeviceClient) IsStreamPath(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		base := strings.TrimSuffix(seg, path.Ext(seg))
		for _, sp := range c.streamPaths {
			if seg == sp || base == sp {
				return true
			}
		}
	}
	return false
}

// Forward sends pr to the device at address and returns the response with
// its body still open. The caller must close the body; closing it also
// releases the outbound connection.
//
// Ordinary paths get the bounded request timeout, covering headers and body.
// Streaming paths get the stream timeout (none by default). A response that
// turns out to be a stream disarms the bounded timeout once headers arrive;
// from then on only the caller's context ends it.
func (c *DeviceClient) Forward(pr *model.ProxyRequest, address string) (*model.UpstreamResponse, error) {
	target := url.URL{
		Scheme:   "http",
		Host:     address,
		Path:     pr.Path,
		RawQuery: pr.Query.Encode(),
	}

	timeout := c.timeout
	if c.IsStreamPath(pr.Path) {
		timeout = c.streamTimeout
	}

	ctx, cancel := context.WithCancelCause(pr.Ctx)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { cancel(ErrUpstreamTimeout) })
	}
	release := func() {
		if timer != nil {
			timer.Stop()
		}
		cancel(nil)
	}

	var body io.Reader
	if pr.Body != nil && pr.Body != http.NoBody {
		body = pr.Body
	}
	req, err := http.NewRequestWithContext(ctx, pr.Method, target.String(), body)
	if err != nil {
		release()
		return nil, fmt.Errorf("build device request: %w", err)
	}
	req.Header = pr.Header
	if body != nil {
		req.ContentLength = pr.ContentLength
	}

	c.logger.Debug("device request",
		"device_id", pr.DeviceID,
		"method", pr.Method,
		"path", pr.Path,
		"timeout", timeout,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(metrics.NormalizeMethod(pr.Method)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		cause := context.Cause(ctx)
		release()
		return nil, classifyError(err, cause)
	}

	if timer != nil && content.IsStream(resp.Header.Get("Content-Type"), resp.TransferEncoding) {
		timer.Stop()
	}

	return &model.UpstreamResponse{
		StatusCode:       resp.StatusCode,
		Header:           resp.Header,
		ContentType:      resp.Header.Get("Content-Type"),
		TransferEncoding: resp.TransferEncoding,
		Body: &boundBody{
			ReadCloser: resp.Body,
			ctx:        ctx,
			release:    release,
		},
	}, nil
}

// classifyError maps a transport failure onto the gateway's upstream errors.
// A canceled caller context is passed through unchanged.
func classifyError(err, cause error) error {
	if errors.Is(cause, ErrUpstreamTimeout) {
		return fmt.Errorf("device request: %w", ErrUpstreamTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("device request: %w: %w", ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("device request: %w: %w", ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("device request: %w", err)
	}
	return fmt.Errorf("device request: %w: %w", ErrUpstreamUnreachable, err)
}

// boundBody ties the outbound request context to the response body: reads
// that fail because the timeout fired report ErrUpstreamTimeout, and Close
// tears the connection down.
type boundBody struct {
	io.ReadCloser
	ctx     context.Context
	release func()
	once    sync.Once
}

func (b *boundBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && errors.Is(context.Cause(b.ctx), ErrUpstreamTimeout) {
		return n, fmt.Errorf("read device body: %w", ErrUpstreamTimeout)
	}
	return n, err
}

func (b *boundBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
