package content

import (
	"net"
	"net/url"
	"strings"
)

// Target describes where rewritten URLs must point.
type Target struct {
	// DeviceAddress is the device host:port whose absolute URLs are captured.
	DeviceAddress string
	// BasePath is the gateway prefix for the device, without trailing slash.
	BasePath string
	// Host is the gateway host the client used; socket URLs are rebuilt on it.
	Host string
	// Secure upgrades rebuilt socket URLs to wss.
	Secure bool
}

// rooted reports whether u is already under the base path.
func (t Target) rooted(u string) bool {
	return u == t.BasePath || strings.HasPrefix(u, t.BasePath+"/") || strings.HasPrefix(u, t.BasePath+"?")
}

// mapURL routes a device URL through the gateway. Root-relative and
// device-absolute URLs become base-path URLs; anything else, including URLs
// already under the base path, is returned unchanged with ok false.
func (t Target) mapURL(raw string) (string, bool) {
	switch {
	case raw == "" || t.BasePath == "":
		return raw, false
	case strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//"):
		if t.rooted(raw) {
			return raw, false
		}
		return t.BasePath + raw, true
	}

	rest, ok := t.stripDeviceAuthority(raw, "http", "https")
	if !ok {
		return raw, false
	}
	return t.BasePath + rest, true
}

// mapSocketURL is mapURL for WebSocket endpoints. Device-absolute socket URLs
// are rebuilt on the gateway host so the browser opens them through us.
func (t Target) mapSocketURL(raw string) (string, bool) {
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return t.mapURL(raw)
	}
	rest, ok := t.stripDeviceAuthority(raw, "ws", "wss", "http", "https")
	if !ok || t.Host == "" {
		return raw, false
	}
	scheme := "ws"
	if t.Secure {
		scheme = "wss"
	}
	return scheme + "://" + t.Host + t.BasePath + rest, true
}

// stripDeviceAuthority returns the path, query and fragment of raw when raw is
// an absolute or scheme-relative URL on the device address.
func (t Target) stripDeviceAuthority(raw string, schemes ...string) (string, bool) {
	var scheme, hostAndRest string
	switch {
	case strings.HasPrefix(raw, "//"):
		hostAndRest = raw[2:]
	default:
		var after string
		var found bool
		scheme, after, found = strings.Cut(raw, "://")
		if !found || !containsFold(schemes, scheme) {
			return "", false
		}
		hostAndRest = after
	}

	end := strings.IndexAny(hostAndRest, "/?#")
	authority, rest := hostAndRest, ""
	if end >= 0 {
		authority, rest = hostAndRest[:end], hostAndRest[end:]
	}
	if !matchesDevice(scheme, authority, t.DeviceAddress) {
		return "", false
	}
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest, true
}

// matchesDevice compares a URL authority with the device host:port. A missing
// port is the scheme default: 443 for https and wss, 80 otherwise.
func matchesDevice(scheme, authority, deviceAddress string) bool {
	if authority == "" || deviceAddress == "" {
		return false
	}
	if i := strings.LastIndex(authority, "@"); i >= 0 {
		authority = authority[i+1:]
	}
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host, port = strings.Trim(authority, "[]"), defaultPort(scheme)
	}
	dHost, dPort, err := net.SplitHostPort(deviceAddress)
	if err != nil {
		dHost, dPort = deviceAddress, "80"
	}
	return strings.EqualFold(host, dHost) && port == dPort
}

// RewriteLocation rewrites a redirect target that points back at the device
// so the client stays under basePath. Locations without an authority are
// treated as device locations; relative locations without a leading slash and
// genuinely external locations are returned unchanged.
func RewriteLocation(location, deviceAddress, basePath string) string {
	if location == "" {
		return location
	}
	u, err := url.Parse(location)
	if err != nil {
		return location
	}

	t := Target{DeviceAddress: deviceAddress, BasePath: basePath}
	if u.Scheme == "" && u.Host == "" {
		if mapped, ok := t.mapURL(location); ok {
			return mapped
		}
		return location
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return location
	}
	if !matchesDevice(u.Scheme, u.Host, deviceAddress) {
		return location
	}

	out := u.EscapedPath()
	if out == "" {
		out = "/"
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return basePath + out
}

func defaultPort(scheme string) string {
	if strings.EqualFold(scheme, "https") || strings.EqualFold(scheme, "wss") {
		return "443"
	}
	return "80"
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
