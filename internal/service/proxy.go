// Package service implements the core proxy forwarding logic: device lookup,
// request forwarding, content classification and rewriting.
package service

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"robot-gateway/internal/auth"
	"robot-gateway/internal/client"
	"robot-gateway/internal/config"
	"robot-gateway/internal/content"
	"robot-gateway/internal/headers"
	"robot-gateway/internal/metrics"
	"robot-gateway/internal/model"
	"robot-gateway/internal/registry"
)

// Rewrite outcomes, used as metric labels.
const (
	outcomeRewritten    = "rewritten"
	outcomeDecodeFailed = "decode_failed"
	outcomeTooLarge     = "too_large"
	outcomeDisabled     = "disabled"
)

// strippedRequestHeaders never reach a device: gateway credentials and
// headers the transport sets itself.
var strippedRequestHeaders = []string{
	"Host",
	"Authorization",
}

// ProxyService forwards client requests to registered devices and prepares
// device responses for delivery.
type ProxyService struct {
	registry      *registry.Registry
	client        *client.DeviceClient
	rewriter      *content.Rewriter
	sessionCookie string
	dialTimeout   int
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(
	reg *registry.Registry,
	c *client.DeviceClient,
	rw *content.Rewriter,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		registry:      reg,
		client:        c,
		rewriter:      rw,
		sessionCookie: cfg.Auth.SessionCookie,
		dialTimeout:   cfg.Upstream.DialTimeoutSeconds,
		logger:        logger.With("component", "proxy_service"),
		metrics:       m,
	}
}

// Resolve returns the address of a registered device.
func (s *ProxyService) Resolve(deviceID string) (string, error) {
	return s.registry.Resolve(deviceID)
}

// Forward sends pr to its device and returns the response ready for
// delivery: classified, hop-by-hop headers removed, redirects and cookies
// scoped to the device base path, and text bodies rewritten. The caller must
// close the returned body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	address, err := s.registry.Resolve(pr.DeviceID)
	if err != nil {
		return nil, err
	}

	out := *pr
	out.Header = s.filterRequestHeaders(pr.Header)
	out.Query = filterQuery(pr.Query)

	s.logger.Debug("forwarding request",
		"device_id", pr.DeviceID,
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Forward(&out, address)
	if err != nil {
		return nil, fmt.Errorf("forward to device %s: %w", pr.DeviceID, err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header, address, pr.BasePath)
	contentType := resp.ContentType
	resp.Class = content.Classify(contentType, resp.TransferEncoding, nil)

	if resp.Class != model.ClassStream && contentType == "" && hasBody(pr.Method, resp.StatusCode) {
		br := bufio.NewReaderSize(resp.Body, content.SniffLen)
		sniff, _ := br.Peek(content.SniffLen)
		resp.Class = content.Classify("", nil, sniff)
		if len(sniff) > 0 {
			contentType = content.DetectType(sniff)
		} else {
			resp.Class = model.ClassBinary
		}
		resp.Body = &readCloser{Reader: br, Closer: resp.Body}
	}

	if resp.Class == model.ClassText {
		if !hasBody(pr.Method, resp.StatusCode) {
			resp.Class = model.ClassBinary
		} else if err := s.rewrite(resp, contentType, address, pr); err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("read device %s body: %w", pr.DeviceID, err)
		}
	}

	if s.metrics != nil {
		s.metrics.UpstreamResponses.WithLabelValues(
			metrics.NormalizeMethod(pr.Method),
			strconv.Itoa(resp.StatusCode),
			resp.Class.String(),
		).Inc()
	}
	return resp, nil
}

// rewrite buffers a text body and replaces it with the rewritten UTF-8
// version. Bodies that are too large or cannot be decoded are handed back
// unchanged as binary passthrough. Only read errors are returned.
func (s *ProxyService) rewrite(resp *model.UpstreamResponse, contentType, address string, pr *model.ProxyRequest) error {
	if !s.rewriter.Enabled() {
		resp.Class = model.ClassBinary
		s.recordRewrite(outcomeDisabled)
		return nil
	}

	limit := s.rewriter.MaxBytes()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		resp.Class = model.ClassBinary
		resp.Body = &readCloser{Reader: bytes.NewReader(nil), Closer: resp.Body}
		return nil
	}
	if int64(len(raw)) > limit {
		resp.Class = model.ClassBinary
		resp.Body = &readCloser{Reader: io.MultiReader(bytes.NewReader(raw), resp.Body), Closer: resp.Body}
		s.recordRewrite(outcomeTooLarge)
		return nil
	}
	_ = resp.Body.Close()

	target := content.Target{
		DeviceAddress: address,
		BasePath:      pr.BasePath,
		Host:          pr.Host,
		Secure:        pr.Secure,
	}
	decoded, err := content.DecodeContentEncoding(raw, resp.Header.Get("Content-Encoding"), limit)
	var rewritten []byte
	if err == nil {
		rewritten, err = s.rewriter.Rewrite(decoded, contentType, target)
	}
	if err != nil {
		s.logger.Warn("rewrite skipped, passing body through",
			"device_id", pr.DeviceID,
			"path", pr.Path,
			"content_type", contentType,
			"err", err,
		)
		resp.Class = model.ClassBinary
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		s.recordRewrite(outcomeDecodeFailed)
		return nil
	}

	mt := content.MediaType(contentType)
	if mt == "" {
		mt = "text/html"
	}
	resp.ContentType = mime.FormatMediaType(mt, map[string]string{"charset": "utf-8"})
	resp.Header.Set("Content-Type", resp.ContentType)
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-MD5")
	resp.Header.Del("ETag")
	resp.Body = io.NopCloser(bytes.NewReader(rewritten))
	s.recordRewrite(outcomeRewritten)
	return nil
}

func (s *ProxyService) recordRewrite(outcome string) {
	if s.metrics != nil {
		s.metrics.Rewrites.WithLabelValues(outcome).Inc()
	}
}

// filterRequestHeaders copies the client headers a device may see: no
// hop-by-hop headers, no gateway credentials. Everything else passes through.
func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	headers.StripHopByHop(dst)
	for _, key := range strippedRequestHeaders {
		dst.Del(key)
	}
	headers.StripCookie(dst, s.sessionCookie)
	return dst
}

// filterResponseHeaders drops hop-by-hop headers, routes redirects back
// through the gateway and scopes device cookies to the device base path.
func (s *ProxyService) filterResponseHeaders(src http.Header, address, basePath string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	headers.StripHopByHop(dst)

	for _, key := range []string{"Location", "Content-Location"} {
		if loc := dst.Get(key); loc != "" {
			dst.Set(key, content.RewriteLocation(loc, address, basePath))
		}
	}

	if cookies := dst.Values("Set-Cookie"); len(cookies) > 0 {
		dst.Del("Set-Cookie")
		for _, line := range cookies {
			if scoped, ok := s.scopeCookie(line, basePath); ok {
				dst.Add("Set-Cookie", scoped)
			}
		}
	}
	return dst
}

// scopeCookie confines a device cookie to basePath. Cookies that would shadow
// the gateway session cookie are dropped.
func (s *ProxyService) scopeCookie(line, basePath string) (string, bool) {
	c, err := http.ParseSetCookie(line)
	if err != nil {
		return "", false
	}
	if c.Name == s.sessionCookie {
		s.logger.Warn("dropping device cookie named like the session cookie", "cookie", c.Name)
		return "", false
	}
	c.Domain = ""
	switch {
	case c.Path == "" || c.Path == "/":
		c.Path = basePath + "/"
	case strings.HasPrefix(c.Path, "/") && c.Path != basePath && !strings.HasPrefix(c.Path, basePath+"/"):
		c.Path = basePath + c.Path
	}
	return c.String(), true
}

// filterQuery removes signed-grant parameters; they authorize the gateway
// request and mean nothing to the device.
func filterQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = v
	}
	auth.StripGrantParams(out)
	return out
}

func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

type readCloser struct {
	io.Reader
	io.Closer
}
