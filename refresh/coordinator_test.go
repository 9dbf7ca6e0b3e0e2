package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	guidecache "github.com/wolfeidau/guide-cache"
)

const sampleGuide = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="la1">
    <display-name>La 1</display-name>
  </channel>
  <programme start="20260101120000 +0100" stop="20260101130000 +0100" channel="la1">
    <title>Noticias</title>
  </programme>
</tv>`

const emptyGuide = `<?xml version="1.0" encoding="UTF-8"?>
<tv></tv>`

// fakeSource serves canned responses and can block to hold a refresh open.
type fakeSource struct {
	mu      sync.Mutex
	payload []byte
	err     error
	fetches atomic.Int64

	// when set, Fetch blocks until released
	gate chan struct{}
}

func (s *fakeSource) Fetch(ctx context.Context) ([]byte, error) {
	s.fetches.Add(1)

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

func (s *fakeSource) set(payload []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = payload
	s.err = err
}

func TestArtifactUnsetBeforeFirstRefresh(t *testing.T) {
	c := New(&fakeSource{payload: []byte(sampleGuide)}, Config{})

	_, err := c.Artifact()
	require.ErrorIs(t, err, ErrNotReady)

	// Constructing the coordinator never fetches.
	require.Equal(t, int64(0), c.source.(*fakeSource).fetches.Load())
}

func TestTriggerRefreshPublishesArtifact(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{})

	art, err := c.TriggerRefresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), art.Version)
	require.Equal(t, 1, art.Guide.ChannelCount())
	require.Equal(t, guidecache.HashBytes([]byte(sampleGuide)), art.Hash)
	require.False(t, art.RefreshedAt.IsZero())

	got, err := c.Artifact()
	require.NoError(t, err)
	require.Same(t, art, got)
}

func TestVersionIncrementsPerSuccess(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{})

	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		art, err := c.TriggerRefresh(ctx)
		require.NoError(t, err)
		require.Equal(t, want, art.Version)
	}
}

func TestFailedRefreshKeepsPreviousArtifact(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{})

	ctx := context.Background()

	good, err := c.TriggerRefresh(ctx)
	require.NoError(t, err)

	src.set(nil, errors.New("upstream down"))

	_, err = c.TriggerRefresh(ctx)
	require.Error(t, err)

	// Previous artifact still served, version unchanged.
	got, err := c.Artifact()
	require.NoError(t, err)
	require.Same(t, good, got)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Refreshes)
	require.Equal(t, uint64(1), stats.Failures)
	require.Contains(t, stats.LastError, "upstream down")
}

func TestFailedFirstRefreshLeavesArtifactUnset(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	c := New(src, Config{})

	_, err := c.TriggerRefresh(context.Background())
	require.Error(t, err)

	_, err = c.Artifact()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestEmptyGuideRejected(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{})

	ctx := context.Background()

	good, err := c.TriggerRefresh(ctx)
	require.NoError(t, err)

	src.set([]byte(emptyGuide), nil)

	_, err = c.TriggerRefresh(ctx)
	require.Error(t, err)

	got, err := c.Artifact()
	require.NoError(t, err)
	require.Same(t, good, got)
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	src := &fakeSource{
		payload: []byte(sampleGuide),
		gate:    make(chan struct{}),
	}
	c := New(src, Config{})

	ctx := context.Background()

	const n = 16
	results := make(chan error, n)

	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.TriggerRefresh(ctx)
			results <- err
		}()
	}

	// Wait until exactly one trigger reaches the source, then let it finish.
	require.Eventually(t, func() bool {
		return src.fetches.Load() == 1
	}, 2*time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(results)

	var succeeded, coalesced int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrRefreshInProgress):
			coalesced++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require.Equal(t, 1, succeeded)
	require.Equal(t, n-1, coalesced)
	require.Equal(t, int64(1), src.fetches.Load())

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Refreshes)
	require.Equal(t, uint64(1), stats.Version)
}

func TestArtifactReadableDuringRefresh(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{})

	ctx := context.Background()

	first, err := c.TriggerRefresh(ctx)
	require.NoError(t, err)

	src.gate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.TriggerRefresh(ctx)
	}()

	require.Eventually(t, func() bool {
		return c.Stats().InFlight
	}, 2*time.Second, time.Millisecond)

	// Reads never block on the in-flight refresh.
	got, err := c.Artifact()
	require.NoError(t, err)
	require.Same(t, first, got)

	close(src.gate)
	<-done
}

func TestRestore(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{})

	art, err := New(src, Config{}).TriggerRefresh(context.Background())
	require.NoError(t, err)
	art.Version = 42

	require.NoError(t, c.Restore(art))

	got, err := c.Artifact()
	require.NoError(t, err)
	require.Equal(t, uint64(42), got.Version)

	// Restore never counts as a refresh.
	require.Equal(t, uint64(0), c.Stats().Refreshes)

	// Second restore is rejected.
	require.ErrorIs(t, c.Restore(art), ErrAlreadyPopulated)

	// The next refresh continues the restored version sequence.
	next, err := c.TriggerRefresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(43), next.Version)
}

type fakeSnapshotter struct {
	mu    sync.Mutex
	saved []*Artifact
	err   error
}

func (s *fakeSnapshotter) Save(_ context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, a)
	return nil
}

func (s *fakeSnapshotter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestSnapshotSavedAfterSuccess(t *testing.T) {
	snap := &fakeSnapshotter{}
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{Snapshotter: snap})

	art, err := c.TriggerRefresh(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, snap.count())
	require.Same(t, art, snap.saved[0])
}

func TestSnapshotFailureDoesNotFailRefresh(t *testing.T) {
	snap := &fakeSnapshotter{err: errors.New("disk full")}
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{Snapshotter: snap})

	art, err := c.TriggerRefresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), art.Version)

	got, err := c.Artifact()
	require.NoError(t, err)
	require.Same(t, art, got)
}

func TestSnapshotNotSavedOnFailure(t *testing.T) {
	snap := &fakeSnapshotter{}
	src := &fakeSource{err: errors.New("boom")}
	c := New(src, Config{Snapshotter: snap})

	_, err := c.TriggerRefresh(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, snap.count())
}

func TestStatsUnset(t *testing.T) {
	c := New(&fakeSource{}, Config{})

	stats := c.Stats()
	require.Equal(t, uint64(0), stats.Version)
	require.Empty(t, stats.Hash)
	require.Zero(t, stats.Channels)
	require.False(t, stats.InFlight)
}
