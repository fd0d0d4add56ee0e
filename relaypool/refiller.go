package relaypool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/metrics"
	"github.com/Kirky-X/xRelay/relay"
)

// CandidateSource produces raw relay candidates; implemented by
// sources.Aggregator.
type CandidateSource interface {
	FetchCandidates(ctx context.Context) []relay.RawCandidate
}

// BatchValidator filters candidates down to the reachable ones;
// implemented by validator.Validator.
type BatchValidator interface {
	ValidateBatch(ctx context.Context, candidates []relay.RawCandidate) []relay.RawCandidate
}

// RefillerOptions tunes the refill policy.
type RefillerOptions struct {
	// MinAvailable is the pool size below which a refill triggers.
	MinAvailable int

	// RefreshInterval re-triggers a refill when the pool snapshot is
	// older than this. Only honored by the volatile store; the durable
	// store refills purely on count.
	RefreshInterval time.Duration

	// Validate candidates before inserting. The volatile store validates
	// eagerly; the durable store inserts directly and validates lazily
	// at dispatch time.
	Validate bool

	// CheckInterval is the background check cadence.
	CheckInterval time.Duration
}

// Refiller keeps the pool topped up. It has two states, sufficient and
// refilling; the transition into refilling is guarded by an in-flight
// latch so concurrent dispatch calls never duplicate a refill, and the
// controller returns to sufficient regardless of the refill outcome.
type Refiller struct {
	store     Store
	source    CandidateSource
	validator BatchValidator
	opts      RefillerOptions

	refilling atomic.Bool
	stopCh    chan struct{}
}

// NewRefiller wires a refill controller. validator may be nil when
// opts.Validate is false.
func NewRefiller(store Store, source CandidateSource, validator BatchValidator, opts RefillerOptions) *Refiller {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	return &Refiller{
		store:     store,
		source:    source,
		validator: validator,
		opts:      opts,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the background refill check loop. An immediate check runs
// first so a cold pool is populated before the first tick.
func (r *Refiller) Start(ctx context.Context) {
	go func() {
		r.MaybeRefill(ctx)

		ticker := time.NewTicker(r.opts.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("[POOL] refill controller stopped")
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.MaybeRefill(ctx)
			}
		}
	}()
}

// Stop terminates the background loop.
func (r *Refiller) Stop() {
	close(r.stopCh)
}

// MaybeRefill checks the refill conditions and, when they hold, runs one
// refill pass. The caller that loses the latch race returns immediately;
// the refill already in flight covers it.
func (r *Refiller) MaybeRefill(ctx context.Context) {
	needed, reason := r.needsRefill(ctx)
	if !needed {
		return
	}

	if !r.refilling.CompareAndSwap(false, true) {
		return
	}
	defer r.refilling.Store(false)

	logger.Infof("[POOL] refilling (%s)", reason)
	if err := r.refill(ctx); err != nil {
		// A failed refill is logged, not retried inline; the next
		// dispatch or tick re-triggers the check.
		logger.Errorf("[POOL] refill failed: %v", err)
		metrics.RefillRunsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.RefillRunsTotal.WithLabelValues("ok").Inc()
}

// ForceRefill runs a refill pass regardless of the pool level, still
// honoring the in-flight latch. Used by the refresh API endpoint.
func (r *Refiller) ForceRefill(ctx context.Context) bool {
	if !r.refilling.CompareAndSwap(false, true) {
		return false
	}
	defer r.refilling.Store(false)

	logger.Info("[POOL] forced refill")
	if err := r.refill(ctx); err != nil {
		logger.Errorf("[POOL] forced refill failed: %v", err)
		metrics.RefillRunsTotal.WithLabelValues("error").Inc()
		return true
	}
	metrics.RefillRunsTotal.WithLabelValues("ok").Inc()
	return true
}

func (r *Refiller) needsRefill(ctx context.Context) (bool, string) {
	count, err := r.store.Count(ctx)
	if err != nil {
		logger.Errorf("[POOL] failed to count available relays: %v", err)
		return false, ""
	}

	if r.store.LastRefresh().IsZero() {
		return true, "pool never populated"
	}
	if count < r.opts.MinAvailable {
		return true, "pool below minimum"
	}
	if r.opts.RefreshInterval > 0 && time.Since(r.store.LastRefresh()) > r.opts.RefreshInterval {
		return true, "pool snapshot stale"
	}
	return false, ""
}

func (r *Refiller) refill(ctx context.Context) error {
	candidates := r.source.FetchCandidates(ctx)
	if len(candidates) == 0 {
		logger.Warn("[POOL] refill produced no candidates")
		r.store.SetLastRefresh(time.Now().UTC())
		return nil
	}

	fresh, err := r.store.FilterDeprecated(ctx, candidates)
	if err != nil {
		return err
	}
	if dropped := len(candidates) - len(fresh); dropped > 0 {
		logger.Debugf("[POOL] refill dropped %d previously deprecated candidates", dropped)
	}

	if r.opts.Validate && r.validator != nil {
		fresh = r.validator.ValidateBatch(ctx, fresh)
	}

	inserted, err := r.store.UpsertMany(ctx, fresh)
	if err != nil {
		return err
	}

	r.store.SetLastRefresh(time.Now().UTC())
	logger.Infof("[POOL] refill complete: %d candidates, %d inserted", len(candidates), inserted)
	return nil
}
