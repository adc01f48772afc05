// Package registry maps opaque device ids to device network addresses.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"

	"robot-gateway/internal/model"
)

// ErrDeviceNotFound is returned when an id has no registration.
var ErrDeviceNotFound = errors.New("device not found")

// ErrInvalidDevice is returned when an id or address cannot be registered.
var ErrInvalidDevice = errors.New("invalid device registration")

// ProxyPrefix is the route prefix under which every device is reachable.
const ProxyPrefix = "/proxy"

// OpenPrefix is the unauthenticated route prefix, served only when enabled.
const OpenPrefix = "/open"

// Registry is a read-mostly, lock-guarded device table shared by all handlers.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]string
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		devices: make(map[string]string),
		logger:  logger.With("component", "registry"),
	}
}

// Register adds or replaces the address for id and returns the routable path
// for the device. Re-registering an id replaces its address.
func (r *Registry) Register(id, address string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	addr, err := NormalizeAddress(address)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	_, replaced := r.devices[id]
	r.devices[id] = addr
	r.mu.Unlock()

	r.logger.Info("device registered", "device_id", id, "replaced", replaced)
	return BasePath(ProxyPrefix, id) + "/", nil
}

// Unregister removes id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()

	if ok {
		r.logger.Info("device unregistered", "device_id", id)
	}
	return ok
}

// Resolve returns the address registered for id.
func (r *Registry) Resolve(id string) (string, error) {
	r.mu.RLock()
	addr, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", id, ErrDeviceNotFound)
	}
	return addr, nil
}

// List returns a snapshot of all registrations sorted by id.
func (r *Registry) List() []model.Device {
	r.mu.RLock()
	out := make([]model.Device, 0, len(r.devices))
	for id, addr := range r.devices {
		out = append(out, model.Device{ID: id, Address: addr})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Device) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// BasePath returns the gateway path prefix for a device under the given route
// prefix, without a trailing slash.
func BasePath(prefix, id string) string {
	return prefix + "/" + url.PathEscape(id)
}

// NormalizeAddress validates a device address and returns it as host:port.
// A bare host gets port 80.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidDevice)
	}
	if strings.Contains(address, "://") || strings.ContainsAny(address, "/?#@ ") {
		return "", fmt.Errorf("%w: address %q must be host or host:port", ErrInvalidDevice, address)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// No port: treat the whole value as a host.
		host, port = strings.Trim(address, "[]"), "80"
	}
	if host == "" {
		return "", fmt.Errorf("%w: address %q has no host", ErrInvalidDevice, address)
	}
	if port == "" {
		port = "80"
	}
	return net.JoinHostPort(host, port), nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("%w: id %q", ErrInvalidDevice, id)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: id too long", ErrInvalidDevice)
	}
	// Ids appear verbatim in gateway paths and signed grants.
	for _, c := range id {
		if !isUnreserved(c) {
			return fmt.Errorf("%w: id %q", ErrInvalidDevice, id)
		}
	}
	return nil
}

func isUnreserved(c rune) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
