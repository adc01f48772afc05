package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"robot-gateway/internal/auth"
	"robot-gateway/internal/client"
	"robot-gateway/internal/config"
	"robot-gateway/internal/content"
	"robot-gateway/internal/handler"
	"robot-gateway/internal/metrics"
	"robot-gateway/internal/middleware"
	"robot-gateway/internal/registry"
	"robot-gateway/internal/service"
	"robot-gateway/internal/stream"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("robot-gateway"),
		kong.Description("Authenticated HTTP gateway for robot and IoT device web interfaces."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	if kctx.Command() == "token" {
		if err := printToken(&cli); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			registry.New,
			newMetrics,
			newEcho,
			newRewriter,
			auth.NewGatekeeper,
			client.NewDeviceClient,
			stream.NewRelay,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewSignedURLHandler,
			handler.NewDeviceHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			warnConfigPermissions,
			registerDevices,
			registerRoutes,
			registerMetrics,
			startServer,
		),
	).Run()
}

// printToken mints a session token for operators and scripts.
func printToken(cli *config.CLI) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return err
	}
	g, err := auth.NewGatekeeper(cfg, newLogger(cfg), nil)
	if err != nil {
		return err
	}
	token, err := g.IssueSessionToken(cli.Token.Subject, cli.Token.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		h = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

func newMetrics(reg *registry.Registry) *metrics.Metrics {
	return metrics.New(reg.Len)
}

func newRewriter(cfg *config.Config) *content.Rewriter {
	return content.NewRewriter(cfg.Rewrite)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: camera streams and websockets are open-ended.
	// Stalled devices are cut by the stream idle timeout instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders(cfg.Server.FrameOptions))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	if cfg.Open.Enabled {
		logger.Warn("open entry point enabled: every registered device is reachable without credentials under " + registry.OpenPrefix)
	}
}

func registerDevices(cfg *config.Config, reg *registry.Registry) error {
	for _, d := range cfg.Devices {
		if _, err := reg.Register(d.ID, d.Address); err != nil {
			return fmt.Errorf("register device %q: %w", d.ID, err)
		}
	}
	return nil
}

func registerRoutes(
	e *echo.Echo,
	cfg *config.Config,
	g *auth.Gatekeeper,
	proxy *handler.ProxyHandler,
	signed *handler.SignedURLHandler,
	devices *handler.DeviceHandler,
	health *handler.HealthHandler,
) {
	handler.RegisterRoutes(e, cfg, g, handler.Handlers{
		Proxy:   proxy,
		Signed:  signed,
		Devices: devices,
		Health:  health,
	})
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting gateway", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down gateway")
			return e.Shutdown(ctx)
		},
	})
}
