// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/robot-gateway/config.toml",
	"configs/config.toml",
}

// maxGrantTTLSeconds caps how long a signed link may stay valid.
const maxGrantTTLSeconds = 3600

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	SessionSecret string `kong:"help='HMAC secret for session tokens (overrides config).',env='GATEWAY_SESSION_SECRET'"`
	GrantSecret   string `kong:"help='HMAC secret for signed URLs (overrides config).',env='GATEWAY_GRANT_SECRET'"`

	Serve ServeCmd `kong:"cmd,default='1',help='Run the gateway (default).'"`
	Token TokenCmd `kong:"cmd,help='Mint a session token for the gateway API.'"`
}

// ServeCmd runs the HTTP gateway.
type ServeCmd struct{}

// TokenCmd prints a signed session token to stdout.
type TokenCmd struct {
	Subject string        `kong:"default='operator',help='Token subject.'"`
	TTL     time.Duration `kong:"default='24h',help='Token lifetime.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Auth     AuthConfig     `toml:"auth"`
	Stream   StreamConfig   `toml:"stream"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Open     OpenConfig     `toml:"open"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Devices  []DeviceConfig `toml:"devices"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	FrameOptions string          `toml:"frame_options"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds device connection settings.
type UpstreamConfig struct {
	TimeoutSeconds       int `toml:"timeout_seconds"`
	StreamTimeoutSeconds int `toml:"stream_timeout_seconds"` // 0 disables the timeout for streaming paths
	DialTimeoutSeconds   int `toml:"dial_timeout_seconds"`
}

// AuthConfig holds session and signed-URL settings.
type AuthConfig struct {
	SessionSecret   string   `toml:"session_secret"`
	SessionCookie   string   `toml:"session_cookie"`
	GrantSecret     string   `toml:"grant_secret"` // empty: random per process
	GrantTTLSeconds int      `toml:"grant_ttl_seconds"`
	GrantPaths      []string `toml:"grant_paths"`
}

// StreamConfig holds stream relay settings.
type StreamConfig struct {
	Paths              []string `toml:"paths"`
	ChunkBytes         int      `toml:"chunk_bytes"`
	IdleTimeoutSeconds int      `toml:"idle_timeout_seconds"`
}

// RewriteConfig controls content rewriting of textual device responses.
type RewriteConfig struct {
	Disabled    bool     `toml:"disabled"`
	MaxBytes    int64    `toml:"max_bytes"`
	APIPrefixes []string `toml:"api_prefixes"`
	SkipShim    bool     `toml:"skip_shim"`
}

// OpenConfig controls the unauthenticated entry point. It is a separate trust
// boundary: anyone who can reach the gateway can reach every registered device
// through it.
type OpenConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DeviceConfig is a statically configured device registered at startup.
type DeviceConfig struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// reservedPrefixes are routes owned by the gateway itself.
var reservedPrefixes = []string{"/proxy", "/open", "/signed-url", "/api/devices", "/healthz", "/gateway/status"}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/robot-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.SessionSecret != "" {
		c.Auth.SessionSecret = cli.SessionSecret
	}
	if cli.GrantSecret != "" {
		c.Auth.GrantSecret = cli.GrantSecret
	}
}

func (c *Config) validate() error {
	// Session secret: required, the gateway never runs open by accident.
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret is required")
	}
	if c.Auth.SessionSecret == "CHANGE_ME" || c.Auth.GrantSecret == "CHANGE_ME" {
		return fmt.Errorf("auth secrets contain placeholder value; set real secrets")
	}
	if len(c.Auth.SessionSecret) < 16 {
		return fmt.Errorf("auth.session_secret must be at least 16 bytes; got %d", len(c.Auth.SessionSecret))
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.StreamTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.stream_timeout_seconds must be non-negative; got %d", c.Upstream.StreamTimeoutSeconds)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Auth.GrantTTLSeconds < 0 || c.Auth.GrantTTLSeconds > maxGrantTTLSeconds {
		return fmt.Errorf("auth.grant_ttl_seconds must be 0–%d; got %d", maxGrantTTLSeconds, c.Auth.GrantTTLSeconds)
	}
	if c.Stream.ChunkBytes < 0 {
		return fmt.Errorf("stream.chunk_bytes must be non-negative; got %d", c.Stream.ChunkBytes)
	}
	if c.Stream.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("stream.idle_timeout_seconds must be non-negative; got %d", c.Stream.IdleTimeoutSeconds)
	}
	if c.Rewrite.MaxBytes < 0 {
		return fmt.Errorf("rewrite.max_bytes must be non-negative; got %d", c.Rewrite.MaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToUpper(c.Server.FrameOptions) {
	case "", "DENY", "SAMEORIGIN", "NONE":
		// valid
	default:
		return fmt.Errorf("server.frame_options must be one of: DENY, SAMEORIGIN, NONE; got %q", c.Server.FrameOptions)
	}

	for _, p := range c.Auth.GrantPaths {
		if p == "" || strings.HasPrefix(p, "/") {
			return fmt.Errorf("auth.grant_paths entries must be non-empty and relative; got %q", p)
		}
	}
	for _, p := range c.Rewrite.APIPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("rewrite.api_prefixes entries must start with '/'; got %q", p)
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" || d.Address == "" {
			return fmt.Errorf("devices[%d]: id and address are required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPrefixes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. The exception is
// upstream.stream_timeout_seconds and stream.idle_timeout_seconds, where 0
// means "no timeout".
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.FrameOptions == "" {
		c.Server.FrameOptions = "SAMEORIGIN"
	}
	c.Server.FrameOptions = strings.ToUpper(c.Server.FrameOptions)
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 10
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 5
	}
	if c.Auth.SessionCookie == "" {
		c.Auth.SessionCookie = "gateway_session"
	}
	if c.Auth.GrantTTLSeconds == 0 {
		c.Auth.GrantTTLSeconds = 300
	}
	if len(c.Auth.GrantPaths) == 0 {
		c.Auth.GrantPaths = []string{"stream"}
	}
	if len(c.Stream.Paths) == 0 {
		c.Stream.Paths = []string{"stream", "mjpeg", "video", "events"}
	}
	if c.Stream.ChunkBytes == 0 {
		c.Stream.ChunkBytes = 16 * 1024
	}
	if c.Rewrite.MaxBytes == 0 {
		c.Rewrite.MaxBytes = 8 * 1024 * 1024 // 8 MB
	}
	if len(c.Rewrite.APIPrefixes) == 0 {
		c.Rewrite.APIPrefixes = []string{"/api/", "/control", "/stream", "/status", "/bt/", "/capture"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the bounded timeout for ordinary device requests.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StreamTimeout returns the timeout for streaming paths; zero means none.
func (c *UpstreamConfig) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSeconds) * time.Second
}

// GrantTTL returns the lifetime of issued signed URLs.
func (c *AuthConfig) GrantTTL() time.Duration {
	return time.Duration(c.GrantTTLSeconds) * time.Second
}

// IdleTimeout returns the stream idle timeout; zero means none.
func (c *StreamConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; it holds secrets, consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
