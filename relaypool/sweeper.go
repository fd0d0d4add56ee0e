package relaypool

import (
	"context"
	"time"

	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/metrics"
)

// Sweeper periodically purges deprecated relay records that have aged
// past the retention window. It is an owned worker with an explicit
// start/stop lifecycle rather than a free-running timer.
type Sweeper struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	stopCh    chan struct{}
}

// NewSweeper creates a retention sweep worker.
func NewSweeper(store Store, retention, interval time.Duration) *Sweeper {
	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warnf("[SWEEP] configured interval %v is less than minimum allowed %v, using minimum", interval, minAllowedInterval)
		interval = minAllowedInterval
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	logger.Infof("[SWEEP] worker starting with interval %v, retention %v", w.interval, w.retention)

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("[SWEEP] worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("[SWEEP] worker stopped")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (w *Sweeper) Stop() {
	close(w.stopCh)
}

// RunOnce performs a single sweep pass. An empty deprecated set sweeps
// zero rows without error.
func (w *Sweeper) RunOnce(ctx context.Context) {
	deleted, err := w.store.SweepExpiredDeprecated(ctx, w.retention)
	if err != nil {
		logger.Errorf("[SWEEP] sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		metrics.SweptDeprecatedTotal.Add(float64(deleted))
		logger.Infof("[SWEEP] purged %d expired deprecated relays", deleted)
	}
}
