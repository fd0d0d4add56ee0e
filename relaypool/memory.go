package relaypool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/metrics"
	"github.com/Kirky-X/xRelay/relay"
)

// MemoryStore is the volatile Store variant: a mutex-guarded map, used
// when no database is configured or the database is unreachable at
// startup. State does not survive a restart.
type MemoryStore struct {
	mu               sync.Mutex
	available        map[string]*relay.Relay
	deprecated       map[string]*relay.Deprecated
	failureThreshold int
	lastRefresh      time.Time
	rng              *rand.Rand
}

// NewMemoryStore creates an empty volatile store.
func NewMemoryStore(failureThreshold int) *MemoryStore {
	return &MemoryStore{
		available:        make(map[string]*relay.Relay),
		deprecated:       make(map[string]*relay.Deprecated),
		failureThreshold: failureThreshold,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// newMemoryStoreWithSeed is used by tests that need deterministic sampling.
func newMemoryStoreWithSeed(failureThreshold int, seed int64) *MemoryStore {
	s := NewMemoryStore(failureThreshold)
	s.rng = rand.New(rand.NewSource(seed))
	return s
}

func key(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

func (s *MemoryStore) Mode() string { return "volatile" }

func (s *MemoryStore) UpsertMany(_ context.Context, candidates []relay.RawCandidate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	inserted := 0
	for _, c := range candidates {
		k := key(c.Address, c.Port)
		if _, dead := s.deprecated[k]; dead {
			continue
		}
		if _, exists := s.available[k]; exists {
			continue
		}
		s.available[k] = &relay.Relay{
			Address:   c.Address,
			Port:      c.Port,
			Source:    c.Source,
			CreatedAt: now,
			UpdatedAt: now,
		}
		inserted++
	}

	metrics.PoolAvailable.WithLabelValues("volatile").Set(float64(len(s.available)))
	return inserted, nil
}

func (s *MemoryStore) WeightedSample(_ context.Context, n int) ([]relay.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	relays := make([]relay.Relay, 0, len(s.available))
	for _, r := range s.available {
		relays = append(relays, *r)
	}
	return weightedSampleWithoutReplacement(s.rng, relays, n), nil
}

func (s *MemoryStore) ReportSuccess(_ context.Context, address string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.available[key(address, port)]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	r.SuccessCount++
	r.LastUsedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReportFailure(_ context.Context, address string, port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(address, port)
	r, ok := s.available[k]
	if !ok {
		return false, ErrNotFound
	}
	now := time.Now().UTC()
	r.FailureCount++
	r.LastUsedAt = &now
	r.UpdatedAt = now

	if r.FailureCount < s.failureThreshold {
		return false, nil
	}

	s.deprecateLocked(r, "http", now)
	logger.Infof("[POOL] relay %s deprecated after %d failures", k, r.FailureCount)
	return true, nil
}

func (s *MemoryStore) Deprecate(_ context.Context, address string, port int, protocol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(address, port)
	r, ok := s.available[k]
	if !ok {
		return ErrNotFound
	}
	s.deprecateLocked(r, protocol, time.Now().UTC())
	return nil
}

// deprecateLocked performs the atomic move between the two sets. Both map
// mutations happen under the same lock acquisition, so the record can
// never be observed in both sets or in neither.
func (s *MemoryStore) deprecateLocked(r *relay.Relay, protocol string, now time.Time) {
	k := key(r.Address, r.Port)
	s.deprecated[k] = &relay.Deprecated{
		Address:      r.Address,
		Port:         r.Port,
		Source:       r.Source,
		Protocol:     protocol,
		FailureCount: r.FailureCount,
		CreatedAt:    r.CreatedAt,
		DeprecatedAt: now,
	}
	delete(s.available, k)

	metrics.DeprecationsTotal.Inc()
	metrics.PoolAvailable.WithLabelValues("volatile").Set(float64(len(s.available)))
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.available), nil
}

func (s *MemoryStore) FilterDeprecated(_ context.Context, candidates []relay.RawCandidate) ([]relay.RawCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]relay.RawCandidate, 0, len(candidates))
	for _, c := range candidates {
		if _, dead := s.deprecated[key(c.Address, c.Port)]; !dead {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (s *MemoryStore) SweepExpiredDeprecated(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var deleted int64
	for k, d := range s.deprecated {
		if d.DeprecatedAt.Before(cutoff) {
			delete(s.deprecated, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) ListAvailable(_ context.Context) ([]relay.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	relays := make([]relay.Relay, 0, len(s.available))
	for _, r := range s.available {
		relays = append(relays, *r)
	}
	return relays, nil
}

func (s *MemoryStore) ListDeprecated(_ context.Context) ([]relay.Deprecated, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deprecated := make([]relay.Deprecated, 0, len(s.deprecated))
	for _, d := range s.deprecated {
		deprecated = append(deprecated, *d)
	}
	return deprecated, nil
}

func (s *MemoryStore) LastRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}

func (s *MemoryStore) SetLastRefresh(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = t
}
