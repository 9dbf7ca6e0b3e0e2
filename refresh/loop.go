package refresh

import (
	"context"
	"errors"
	"time"
)

// Start begins the background refresh loop. The caller gates this on the
// ENABLE_BG_REFRESH configuration; when the loop is never started, the
// coordinator performs zero self-triggered refreshes.
//
// The loop does not fire at start: the first background refresh happens one
// full interval after Start, so a fresh deploy stays unset until either the
// first tick or an explicit manual trigger. This keeps startup memory flat
// on constrained hosting tiers.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop stops the background loop and waits for it to exit. Idempotent, and
// a no-op when the loop was never started.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.logger.Info("background refresh enabled", "interval", c.config.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if _, err := c.refresh(ctx, "background"); err != nil {
				if errors.Is(err, ErrRefreshInProgress) {
					c.logger.Debug("background refresh skipped, refresh already running")
					continue
				}
				// Already logged by refresh; the next tick retries.
			}
		}
	}
}
