// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Device is a registered robot: an opaque id routed to a device address.
type Device struct {
	ID      string
	Address string // host:port, never exposed to clients
}

// ProxyRequest represents a client request to be forwarded to a device.
type ProxyRequest struct {
	Ctx      context.Context
	DeviceID string
	Method   string
	Path     string // device-side path, always rooted at "/"
	Query    url.Values
	Header   http.Header
	Body     io.ReadCloser

	// ContentLength is the inbound body length, -1 when unknown.
	ContentLength int64

	// BasePath is the gateway prefix for this device, e.g. "/proxy/robot1".
	BasePath string
	// Host is the gateway host as seen by the client.
	Host string
	// Secure reports whether the client reached the gateway over TLS.
	Secure bool
}

// ContentClass selects how an upstream body is delivered to the client.
type ContentClass int

const (
	// ClassText bodies are read fully and rewritten.
	ClassText ContentClass = iota
	// ClassBinary bodies are passed through byte for byte.
	ClassBinary
	// ClassStream bodies are relayed incrementally.
	ClassStream
)

func (c ContentClass) String() string {
	switch c {
	case ClassText:
		return "text"
	case ClassBinary:
		return "binary"
	case ClassStream:
		return "stream"
	default:
		return "unknown"
	}
}

// UpstreamResponse represents the device response to be delivered back.
type UpstreamResponse struct {
	StatusCode       int
	Header           http.Header
	ContentType      string
	TransferEncoding []string
	Class            ContentClass
	Body             io.ReadCloser
}

// SignedGrant is a self-verifying, time-limited authorization for one path.
type SignedGrant struct {
	Path      string
	Expires   time.Time
	Signature string
}
