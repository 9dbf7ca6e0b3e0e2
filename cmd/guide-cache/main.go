// Command guide-cache serves a cached XMLTV programme guide over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/guide-cache/server"
	"github.com/wolfeidau/guide-cache/telemetry"
)

var version = "dev"

var cli struct {
	Address         string        `help:"Address to listen on." default:":8000"`
	SourceURL       string        `help:"Upstream XMLTV guide document URL." default:"https://raw.githubusercontent.com/MPAndrew/EpgGratis/master/guide.xml.gz"`
	RefreshInterval time.Duration `help:"Background refresh interval." default:"3h"`
	EnableBgRefresh string        `help:"Enable the periodic background refresh loop. Only \"1\" enables it; any other value disables." env:"ENABLE_BG_REFRESH" default:"0"`
	UpstreamTimeout time.Duration `help:"Timeout for upstream guide fetches." default:"20s"`
	MaxProgrammes   int           `help:"Maximum programmes returned per channel." default:"24"`
	MinChannels     int           `help:"Minimum channel count for a refresh to be accepted." default:"1"`
	SnapshotPath    string        `help:"Directory for the on-disk guide snapshot. Empty disables snapshotting."`
	RestoreSnapshot bool          `help:"Restore the last saved snapshot on startup."`

	OtlpEndpoint     string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." name:"otlp-endpoint"`
	EnablePrometheus bool   `help:"Expose Prometheus metrics on /metrics."`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("guide-cache"),
		kong.Description("Cached XMLTV programme guide server."),
	)

	if err := run(); err != nil {
		kctx.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics before the server so every instrument is live
	// from the first request.
	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "guide-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OtlpEndpoint,
		EnablePrometheus: cli.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:           cli.Address,
		SourceURL:         cli.SourceURL,
		RefreshInterval:   cli.RefreshInterval,
		BackgroundRefresh: backgroundRefreshEnabled(cli.EnableBgRefresh),
		UpstreamTimeout:   cli.UpstreamTimeout,
		MaxProgrammes:     cli.MaxProgrammes,
		MinChannels:       cli.MinChannels,
		SnapshotPath:      cli.SnapshotPath,
		RestoreSnapshot:   cli.RestoreSnapshot,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"source_url", cli.SourceURL,
		"background_refresh", backgroundRefreshEnabled(cli.EnableBgRefresh),
		"refresh_interval", cli.RefreshInterval,
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// backgroundRefreshEnabled interprets the ENABLE_BG_REFRESH value. Only "1"
// enables the loop; any other value, including "true", "yes" or unset,
// leaves it disabled rather than failing startup.
func backgroundRefreshEnabled(v string) bool {
	return strings.TrimSpace(v) == "1"
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}

	return slog.New(handler), nil
}
