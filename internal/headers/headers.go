// Package headers holds the header filtering rules shared by the forwarder
// and the stream relay.
package headers

import (
	"net/http"
	"strings"
)

// hopByHop are headers that should not be forwarded by proxies.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h, including any listed in
// its Connection header.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// CopyResponse copies src into dst without hop-by-hop headers. A key present
// in both is replaced by the values from src.
func CopyResponse(dst, src http.Header) {
	clean := src.Clone()
	StripHopByHop(clean)
	for key, vals := range clean {
		dst[key] = vals
	}
}

// StripCookie removes the named cookie from the Cookie header(s) of h and
// keeps every other cookie.
func StripCookie(h http.Header, name string) {
	vals := h.Values("Cookie")
	if len(vals) == 0 || name == "" {
		return
	}
	h.Del("Cookie")

	var kept []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if k, _, _ := strings.Cut(part, "="); strings.TrimSpace(k) == name {
				continue
			}
			kept = append(kept, part)
		}
	}
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}
