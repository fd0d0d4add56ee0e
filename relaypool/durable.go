package relaypool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/Kirky-X/xRelay/db"
	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/metrics"
	"github.com/Kirky-X/xRelay/pkg/retry"
	"github.com/Kirky-X/xRelay/relay"
)

// DurableStore is the PostgreSQL-backed Store variant. Counter mutations
// use atomic increment statements and the deprecation transition is a
// single transaction, so multiple process instances can share the store
// without application-level locks.
type DurableStore struct {
	db               *db.Database
	failureThreshold int

	mu          sync.Mutex
	lastRefresh time.Time
	rng         *rand.Rand
}

// NewDurableStore wraps an established database connection.
func NewDurableStore(database *db.Database, failureThreshold int) *DurableStore {
	return &DurableStore{
		db:               database,
		failureThreshold: failureThreshold,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *DurableStore) Mode() string { return "durable" }

func (s *DurableStore) UpsertMany(ctx context.Context, candidates []relay.RawCandidate) (int, error) {
	// Refill batches are worth retrying; a transient database hiccup
	// should not discard an entire validated batch.
	var inserted int
	err := retry.WithRetry(ctx, func() error {
		var uerr error
		inserted, uerr = s.db.UpsertRelays(ctx, candidates)
		return uerr
	}, retry.DefaultBackoffConfig())
	if err != nil {
		return inserted, err
	}
	if count, cerr := s.db.CountAvailable(ctx); cerr == nil {
		metrics.PoolAvailable.WithLabelValues("durable").Set(float64(count))
	}
	return inserted, nil
}

func (s *DurableStore) WeightedSample(ctx context.Context, n int) ([]relay.Relay, error) {
	relays, err := s.db.GetAvailableRelays(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return weightedSampleWithoutReplacement(s.rng, relays, n), nil
}

func (s *DurableStore) ReportSuccess(ctx context.Context, address string, port int) error {
	err := s.db.IncrementSuccess(ctx, address, port)
	if errors.Is(err, db.ErrRelayNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *DurableStore) ReportFailure(ctx context.Context, address string, port int) (bool, error) {
	count, err := s.db.IncrementFailure(ctx, address, port)
	if err != nil {
		if errors.Is(err, db.ErrRelayNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}

	if count < s.failureThreshold {
		return false, nil
	}

	// Concurrent failure reports can both cross the threshold; the
	// transaction makes the transition exactly once and the loser sees
	// the relay already gone.
	if err := s.db.DeprecateRelay(ctx, address, port, "http"); err != nil {
		if errors.Is(err, db.ErrRelayNotFound) {
			return true, nil
		}
		return false, err
	}

	metrics.DeprecationsTotal.Inc()
	if avail, cerr := s.db.CountAvailable(ctx); cerr == nil {
		metrics.PoolAvailable.WithLabelValues("durable").Set(float64(avail))
	}
	logger.Infof("[POOL] relay %s:%d deprecated after %d failures", address, port, count)
	return true, nil
}

func (s *DurableStore) Deprecate(ctx context.Context, address string, port int, protocol string) error {
	err := s.db.DeprecateRelay(ctx, address, port, protocol)
	if errors.Is(err, db.ErrRelayNotFound) {
		return ErrNotFound
	}
	if err == nil {
		metrics.DeprecationsTotal.Inc()
	}
	return err
}

func (s *DurableStore) Count(ctx context.Context) (int, error) {
	return s.db.CountAvailable(ctx)
}

func (s *DurableStore) FilterDeprecated(ctx context.Context, candidates []relay.RawCandidate) ([]relay.RawCandidate, error) {
	return s.db.FilterDeprecated(ctx, candidates)
}

func (s *DurableStore) SweepExpiredDeprecated(ctx context.Context, retention time.Duration) (int64, error) {
	var removed int64
	err := retry.WithRetry(ctx, func() error {
		var serr error
		removed, serr = s.db.SweepExpiredDeprecated(ctx, retention)
		return serr
	}, retry.DefaultBackoffConfig())
	return removed, err
}

func (s *DurableStore) ListAvailable(ctx context.Context) ([]relay.Relay, error) {
	return s.db.GetAvailableRelays(ctx)
}

func (s *DurableStore) ListDeprecated(ctx context.Context) ([]relay.Deprecated, error) {
	return s.db.ListDeprecated(ctx)
}

func (s *DurableStore) LastRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}

func (s *DurableStore) SetLastRefresh(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = t
}
