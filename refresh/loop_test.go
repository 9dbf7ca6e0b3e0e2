package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopDisabledNeverFetches(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	New(src, Config{Interval: 10 * time.Millisecond})

	// Loop never started, so nothing fetches on its own.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), src.fetches.Load())
}

func TestLoopDoesNotFireAtStart(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{Interval: time.Hour})

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// With an hour interval, nothing happens right after Start.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), src.fetches.Load())

	_, err := c.Artifact()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestLoopRefreshesOnTick(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{Interval: 10 * time.Millisecond})

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool {
		a, err := c.Artifact()
		return err == nil && a.Version >= 1
	}, 2*time.Second, time.Millisecond)
}

func TestLoopStopIsIdempotent(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{Interval: time.Hour})

	require.NoError(t, c.Start(context.Background()))

	c.Stop()
	c.Stop()

	// Start after Stop is a no-op.
	require.NoError(t, c.Start(context.Background()))
}

func TestLoopStopWithoutStart(t *testing.T) {
	c := New(&fakeSource{}, Config{})
	c.Stop()
}

func TestLoopSkipsWhileManualRefreshInFlight(t *testing.T) {
	src := &fakeSource{
		payload: []byte(sampleGuide),
		gate:    make(chan struct{}),
	}
	c := New(src, Config{Interval: 10 * time.Millisecond})

	ctx := context.Background()

	// Hold a manual refresh open across several ticks.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.TriggerRefresh(ctx)
	}()

	require.Eventually(t, func() bool {
		return src.fetches.Load() == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	time.Sleep(60 * time.Millisecond)

	// Ticks while in flight coalesce instead of stacking fetches.
	require.Equal(t, int64(1), src.fetches.Load())

	close(src.gate)
	<-done
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	src := &fakeSource{payload: []byte(sampleGuide)}
	c := New(src, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))

	cancel()

	select {
	case <-c.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after context cancel")
	}
}
