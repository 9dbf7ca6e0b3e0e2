// Package server provides the HTTP server for the guide cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/guide-cache/backend"
	"github.com/wolfeidau/guide-cache/refresh"
	"github.com/wolfeidau/guide-cache/store/snapshot"
	"github.com/wolfeidau/guide-cache/telemetry"
	"github.com/wolfeidau/guide-cache/xmltv"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8000")
	Address string

	// SourceURL is the upstream XMLTV guide document URL
	SourceURL string

	// RefreshInterval is the period of the background refresh loop.
	// Default: 3 hours.
	RefreshInterval time.Duration

	// BackgroundRefresh enables the periodic refresh loop. When false the
	// guide only refreshes on explicit POST /refresh.
	BackgroundRefresh bool

	// UpstreamTimeout is the timeout for upstream fetches.
	// Default: 20 seconds.
	UpstreamTimeout time.Duration

	// MaxProgrammes caps the schedule length returned per channel.
	// Default: 24.
	MaxProgrammes int

	// MinChannels is the minimum channel count for a refresh to be accepted.
	MinChannels int

	// SnapshotPath is the directory for the on-disk snapshot store.
	// Empty disables snapshotting.
	SnapshotPath string

	// RestoreSnapshot restores the last saved snapshot on startup, so a
	// restart serves the previous guide without waiting for a refresh.
	RestoreSnapshot bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the guide cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	upstream    *xmltv.Upstream
	coordinator *refresh.Coordinator
	snapshots   *snapshot.Store
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8000"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 3 * time.Hour
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = xmltv.DefaultTimeout
	}
	if cfg.MaxProgrammes == 0 {
		cfg.MaxProgrammes = 24
	}

	// Initialize upstream guide client
	upstream := xmltv.NewUpstream(
		xmltv.WithSourceURL(cfg.SourceURL),
		xmltv.WithHTTPClient(&http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		}),
	)

	// Initialize snapshot store if a path is configured
	var snapshots *snapshot.Store
	if cfg.SnapshotPath != "" {
		fsBackend, err := backend.NewFilesystem(cfg.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("creating snapshot backend: %w", err)
		}

		snapshots = snapshot.New(
			backend.NewInstrumentedBackend(fsBackend, "filesystem"),
			snapshot.WithLogger(cfg.Logger.With("component", "snapshot")),
		)
		if err := snapshots.Open(filepath.Join(cfg.SnapshotPath, "snapshot.db")); err != nil {
			return nil, fmt.Errorf("opening snapshot store: %w", err)
		}
	}

	// Initialize the refresh coordinator
	coordCfg := refresh.Config{
		Interval:    cfg.RefreshInterval,
		MinChannels: cfg.MinChannels,
		Logger:      cfg.Logger.With("component", "refresh"),
	}
	if snapshots != nil {
		coordCfg.Snapshotter = snapshots
	}
	coordinator := refresh.New(upstream, coordCfg)

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		upstream:    upstream,
		coordinator: coordinator,
		snapshots:   snapshots,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // refresh handler waits on the upstream fetch
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Manual refresh trigger
	mux.HandleFunc("POST /refresh", s.handleRefresh)

	// Guide views
	mux.HandleFunc("GET /catalog/channels", s.handleCatalog)
	mux.HandleFunc("GET /meta/{id}", s.handleMeta)
	mux.HandleFunc("GET /guide.xml", s.handleGuideXML)

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Result != "" {
			attrs = append(attrs, "result", string(tags.Result))
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server. It restores the last snapshot when configured and
// launches the background refresh loop when enabled. The guide is never
// fetched from upstream during startup.
func (s *Server) Start() error {
	if s.config.RestoreSnapshot && s.snapshots != nil {
		s.restoreSnapshot(context.Background())
	}

	if s.config.BackgroundRefresh {
		if err := s.coordinator.Start(context.Background()); err != nil {
			return fmt.Errorf("starting refresh loop: %w", err)
		}
	} else {
		s.logger.Info("background refresh disabled, guide refreshes on POST /refresh only")
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// restoreSnapshot loads the stored artifact, if any, and publishes it. A
// missing or unreadable snapshot is logged and skipped; the server starts
// with the guide unset, exactly as on first deploy.
func (s *Server) restoreSnapshot(ctx context.Context) {
	art, err := s.snapshots.Load(ctx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			s.logger.Info("no snapshot to restore")
		} else {
			s.logger.Warn("failed to restore snapshot", "error", err)
		}
		return
	}

	if err := s.coordinator.Restore(art); err != nil {
		s.logger.Warn("failed to publish restored snapshot", "error", err)
		return
	}

	telemetry.UpdateArtifactState(ctx,
		art.Version,
		art.Guide.ChannelCount(),
		art.Guide.ProgrammeCount(),
		int64(len(art.Raw)),
		art.RefreshedAt,
	)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.coordinator.Stop()

	err := s.httpServer.Shutdown(ctx)

	if s.snapshots != nil {
		if cerr := s.snapshots.Close(); cerr != nil {
			s.logger.Warn("failed to close snapshot store", "error", cerr)
		}
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
