// Package stream relays long-lived device responses (MJPEG, event streams,
// chunked bodies) to the client as bytes arrive.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"robot-gateway/internal/config"
	"robot-gateway/internal/headers"
	"robot-gateway/internal/metrics"
	"robot-gateway/internal/model"
)

// ErrStreamInterrupted is returned when the device fails mid-stream. Headers
// have already been sent at that point, so it is only logged.
var ErrStreamInterrupted = errors.New("stream interrupted")

const defaultChunkBytes = 16 << 10

// State is the lifecycle of a single relay.
type State int

const (
	Opened State = iota
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case Opened:
		return "opened"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons, used as metric labels.
const (
	reasonEOF        = "eof"
	reasonClientGone = "client_gone"
	reasonUpstream   = "upstream_error"
	reasonIdle       = "idle"
)

// Relay copies streaming device responses to clients without buffering the
// body.
type Relay struct {
	chunkBytes  int
	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRelay creates a Relay. The metrics parameter is optional.
func NewRelay(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	chunk := cfg.Stream.ChunkBytes
	if chunk <= 0 {
		chunk = defaultChunkBytes
	}
	return &Relay{
		chunkBytes:  chunk,
		idleTimeout: cfg.Stream.IdleTimeout(),
		logger:      logger.With("component", "stream_relay"),
		metrics:     m,
	}
}

// Relay writes resp to w: headers first, then the body in fixed-size chunks
// with a flush after each one. It returns when the device ends the body, the
// client goes away (ctx done) or the device fails. The upstream body is
// always closed on return, and closed early as soon as ctx is done so a
// blocked read is released promptly. A client disconnect is not an error.
func (r *Relay) Relay(ctx context.Context, w http.ResponseWriter, resp *model.UpstreamResponse) error {
	defer func() { _ = resp.Body.Close() }()

	r.logger.Debug("stream opened", "state", Opened)
	if ctx.Err() != nil {
		r.closed(reasonClientGone, 0)
		return nil
	}

	var idled atomic.Bool
	stop := context.AfterFunc(ctx, func() { _ = resp.Body.Close() })
	defer stop()

	var idle *time.Timer
	if r.idleTimeout > 0 {
		idle = time.AfterFunc(r.idleTimeout, func() {
			idled.Store(true)
			_ = resp.Body.Close()
		})
		defer idle.Stop()
	}

	headers.CopyResponse(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	if r.metrics != nil {
		r.metrics.StreamsActive.Inc()
		defer r.metrics.StreamsActive.Dec()
	}
	r.logger.Debug("stream relaying", "state", Relaying, "status", resp.StatusCode, "content_type", resp.ContentType)

	buf := make([]byte, r.chunkBytes)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if idle != nil {
				idle.Reset(r.idleTimeout)
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				r.closed(reasonClientGone, total)
				return nil
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				r.closed(reasonClientGone, total)
				return nil
			}
			total += int64(n)
			if r.metrics != nil {
				r.metrics.StreamBytes.Add(float64(n))
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			r.closed(reasonEOF, total)
			return nil
		case ctx.Err() != nil:
			r.closed(reasonClientGone, total)
			return nil
		case idled.Load():
			r.logger.Info("stream idle, closing", "idle_timeout", r.idleTimeout, "bytes", total)
			r.closed(reasonIdle, total)
			return nil
		default:
			r.closed(reasonUpstream, total)
			return fmt.Errorf("%w after %d bytes: %w", ErrStreamInterrupted, total, err)
		}
	}
}

func (r *Relay) closed(reason string, total int64) {
	r.logger.Debug("stream closed", "state", Closed, "reason", reason, "bytes", total)
	if r.metrics != nil {
		r.metrics.StreamsClosed.WithLabelValues(reason).Inc()
	}
}
