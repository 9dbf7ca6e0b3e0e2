// Package refresh owns the cached guide artifact and serializes refresh
// operations. Reads always return the last published artifact; at most one
// refresh computation runs at a time, and overlapping triggers are answered
// immediately rather than queued.
package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	guidecache "github.com/wolfeidau/guide-cache"
	"github.com/wolfeidau/guide-cache/telemetry"
	"github.com/wolfeidau/guide-cache/xmltv"
)

var (
	// ErrNotReady is returned by Artifact before the first successful refresh.
	ErrNotReady = errors.New("guide not yet available")

	// ErrRefreshInProgress is returned when a refresh is already running.
	ErrRefreshInProgress = errors.New("refresh already in progress")

	// ErrEmptyGuide is returned when a refresh produced fewer channels than
	// the configured minimum. The previous artifact is kept.
	ErrEmptyGuide = errors.New("refreshed guide is empty or corrupt")

	// ErrAlreadyPopulated is returned by Restore after an artifact exists.
	ErrAlreadyPopulated = errors.New("artifact already populated")
)

// Source fetches the raw XMLTV document. Implemented by xmltv.Upstream.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Snapshotter persists a successfully refreshed artifact. Save failures are
// logged but never fail the refresh.
type Snapshotter interface {
	Save(ctx context.Context, a *Artifact) error
}

// Artifact is an immutable, versioned parsed guide. A new Artifact replaces
// the previous one atomically on each successful refresh.
type Artifact struct {
	Guide       *xmltv.Guide
	Raw         []byte
	Hash        guidecache.Hash
	Version     uint64
	RefreshedAt time.Time
}

// Config holds coordinator configuration.
type Config struct {
	// Interval between background refreshes. Only used when the background
	// loop is started. Default 3 hours.
	Interval time.Duration

	// MinChannels is the minimum channel count for a refresh to be accepted.
	// Default 1: a guide with zero channels never replaces a good artifact.
	MinChannels int

	// Snapshotter persists the artifact after each successful refresh.
	// Nil disables snapshotting.
	Snapshotter Snapshotter

	// Logger for refresh events.
	Logger *slog.Logger
}

// Coordinator maintains the single cached artifact and serializes refreshes.
type Coordinator struct {
	config Config
	source Source
	logger *slog.Logger
	now    func() time.Time

	current  atomic.Pointer[Artifact]
	inFlight atomic.Bool

	refreshes atomic.Uint64
	failures  atomic.Uint64

	// last failure, for /stats
	errMu       sync.Mutex
	lastErr     string
	lastAttempt time.Time

	// background loop lifecycle
	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a coordinator. The artifact starts unset; nothing is fetched
// until TriggerRefresh is called or the background loop ticks.
func New(source Source, cfg Config) *Coordinator {
	if cfg.Interval == 0 {
		cfg.Interval = 3 * time.Hour
	}
	if cfg.MinChannels == 0 {
		cfg.MinChannels = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		config: cfg,
		source: source,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Artifact returns the current artifact, or ErrNotReady before the first
// successful refresh. Never blocks on a refresh in progress.
func (c *Coordinator) Artifact() (*Artifact, error) {
	a := c.current.Load()
	if a == nil {
		return nil, ErrNotReady
	}
	return a, nil
}

// TriggerRefresh fetches, parses and publishes a new artifact.
//
// If a refresh is already running it returns ErrRefreshInProgress
// immediately; overlapping triggers are coalesced, not queued. On failure
// the previous artifact remains published.
func (c *Coordinator) TriggerRefresh(ctx context.Context) (*Artifact, error) {
	return c.refresh(ctx, "manual")
}

func (c *Coordinator) refresh(ctx context.Context, trigger string) (*Artifact, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		telemetry.RecordRefreshCoalesced(ctx, trigger)
		return nil, ErrRefreshInProgress
	}
	defer c.inFlight.Store(false)

	start := c.now()
	logger := c.logger.With("trigger", trigger)
	logger.Info("refreshing guide")

	artifact, err := c.compute(ctx)
	duration := c.now().Sub(start)

	if err != nil {
		c.failures.Add(1)
		c.recordFailure(err)
		telemetry.RecordRefresh(ctx, trigger, "failure", duration)
		logger.Error("refresh failed, keeping previous artifact", "error", err, "duration", duration)
		return nil, err
	}

	c.current.Store(artifact)
	c.refreshes.Add(1)
	c.recordSuccess()
	telemetry.RecordRefresh(ctx, trigger, "success", duration)
	telemetry.UpdateArtifactState(ctx,
		artifact.Version,
		artifact.Guide.ChannelCount(),
		artifact.Guide.ProgrammeCount(),
		int64(len(artifact.Raw)),
		artifact.RefreshedAt,
	)

	logger.Info("guide refreshed",
		"version", artifact.Version,
		"channels", artifact.Guide.ChannelCount(),
		"programmes", artifact.Guide.ProgrammeCount(),
		"bytes", len(artifact.Raw),
		"hash", artifact.Hash.ShortString(),
		"duration", duration,
	)

	if c.config.Snapshotter != nil {
		// Detached from the request so a client disconnect mid-save does not
		// abort persistence of an already published artifact.
		if err := c.config.Snapshotter.Save(context.WithoutCancel(ctx), artifact); err != nil {
			logger.Warn("failed to save snapshot", "error", err)
		}
	}

	return artifact, nil
}

// compute fetches and parses a candidate artifact without publishing it.
func (c *Coordinator) compute(ctx context.Context) (*Artifact, error) {
	raw, err := c.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching guide: %w", err)
	}

	guide, err := xmltv.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing guide: %w", err)
	}

	if guide.ChannelCount() < c.config.MinChannels {
		return nil, fmt.Errorf("%w: %d channels, need at least %d",
			ErrEmptyGuide, guide.ChannelCount(), c.config.MinChannels)
	}

	var version uint64 = 1
	if prev := c.current.Load(); prev != nil {
		version = prev.Version + 1
	}

	return &Artifact{
		Guide:       guide,
		Raw:         raw,
		Hash:        guidecache.HashBytes(raw),
		Version:     version,
		RefreshedAt: c.now(),
	}, nil
}

// Restore publishes a snapshot-restored artifact. Only valid while the
// artifact is unset; a restore never counts as a refresh and keeps the
// stored version so the counter stays monotonic across restarts.
func (c *Coordinator) Restore(a *Artifact) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrRefreshInProgress
	}
	defer c.inFlight.Store(false)

	if c.current.Load() != nil {
		return ErrAlreadyPopulated
	}

	c.current.Store(a)
	c.logger.Info("restored guide from snapshot",
		"version", a.Version,
		"channels", a.Guide.ChannelCount(),
		"refreshed_at", a.RefreshedAt,
	)
	return nil
}

func (c *Coordinator) recordFailure(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastErr = err.Error()
	c.lastAttempt = c.now()
}

func (c *Coordinator) recordSuccess() {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastErr = ""
	c.lastAttempt = c.now()
}

// Stats describes the coordinator's current state for the stats endpoint.
type Stats struct {
	Version       uint64    `json:"version"`
	RefreshedAt   time.Time `json:"refreshed_at,omitzero"`
	Hash          string    `json:"hash,omitempty"`
	Channels      int       `json:"channels"`
	Programmes    int       `json:"programmes"`
	PayloadBytes  int       `json:"payload_bytes"`
	Refreshes     uint64    `json:"refreshes"`
	Failures      uint64    `json:"failures"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	InFlight      bool      `json:"refresh_in_flight"`
}

// Stats returns a point-in-time view of the coordinator.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Refreshes: c.refreshes.Load(),
		Failures:  c.failures.Load(),
		InFlight:  c.inFlight.Load(),
	}

	if a := c.current.Load(); a != nil {
		s.Version = a.Version
		s.RefreshedAt = a.RefreshedAt
		s.Hash = a.Hash.String()
		s.Channels = a.Guide.ChannelCount()
		s.Programmes = a.Guide.ProgrammeCount()
		s.PayloadBytes = len(a.Raw)
	}

	c.errMu.Lock()
	s.LastError = c.lastErr
	s.LastAttemptAt = c.lastAttempt
	c.errMu.Unlock()

	return s
}
