package service

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"robot-gateway/internal/client"
	"robot-gateway/internal/model"
)

// socketHandshakeHeaders are set by the websocket dialer itself and must not
// be copied from the client handshake.
var socketHandshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

const closeGrace = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// IsSocketUpgrade reports whether r asks to switch to the websocket protocol.
func IsSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// RelaySocket dials the device websocket for pr, upgrades the client
// connection and pumps messages both ways until either side closes. Errors
// before the client upgrade are returned for the caller to map; once
// upgraded, failures only end the relay.
func (s *ProxyService) RelaySocket(w http.ResponseWriter, r *http.Request, pr *model.ProxyRequest) error {
	address, err := s.registry.Resolve(pr.DeviceID)
	if err != nil {
		return err
	}

	target := url.URL{
		Scheme:   "ws",
		Host:     address,
		Path:     pr.Path,
		RawQuery: filterQuery(pr.Query).Encode(),
	}

	header := s.filterRequestHeaders(pr.Header)
	for _, key := range socketHandshakeHeaders {
		header.Del(key)
	}
	if header.Get("Origin") != "" {
		header.Set("Origin", "http://"+address)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(s.dialTimeout) * time.Second,
		Subprotocols:     websocket.Subprotocols(r),
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 5 * time.Second
	}

	deviceConn, resp, err := dialer.DialContext(pr.Ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial device %s websocket: %w: %w", pr.DeviceID, client.ErrUpstreamUnreachable, err)
	}
	defer func() { _ = deviceConn.Close() }()

	var respHeader http.Header
	if proto := deviceConn.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	clientConn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// The upgrader has already answered the client.
		s.logger.Warn("client websocket upgrade failed", "device_id", pr.DeviceID, "err", err)
		return nil
	}
	defer func() { _ = clientConn.Close() }()

	s.logger.Debug("websocket relay opened", "device_id", pr.DeviceID, "path", pr.Path)
	if s.metrics != nil {
		s.metrics.StreamsActive.Inc()
		defer s.metrics.StreamsActive.Dec()
	}

	errc := make(chan error, 2)
	go pumpMessages(clientConn, deviceConn, errc)
	go pumpMessages(deviceConn, clientConn, errc)

	first := <-errc
	_ = clientConn.Close()
	_ = deviceConn.Close()
	<-errc

	reason := "websocket_closed"
	if !websocket.IsCloseError(first, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		reason = "websocket_error"
		s.logger.Debug("websocket relay ended", "device_id", pr.DeviceID, "err", first)
	}
	if s.metrics != nil {
		s.metrics.StreamsClosed.WithLabelValues(reason).Inc()
	}
	return nil
}

// pumpMessages copies messages from src to dst. A close frame from src is
// passed on to dst before returning.
func pumpMessages(dst, src *websocket.Conn, errc chan<- error) {
	for {
		kind, msg, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code := ce.Code
				if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
					code = websocket.CloseNormalClosure
				}
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ce.Text), time.Now().Add(closeGrace))
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(kind, msg); err != nil {
			errc <- err
			return
		}
	}
}
