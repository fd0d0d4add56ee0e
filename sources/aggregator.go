// Package sources pulls raw relay candidates from multiple independent
// feeds. A failing feed contributes zero candidates and never fails the
// overall aggregation; partial results are always returned.
package sources

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kirky-X/xRelay/config"
	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/circuitbreaker"
	"github.com/Kirky-X/xRelay/pkg/metrics"
	"github.com/Kirky-X/xRelay/relay"
)

// FeedStats is the per-feed bookkeeping exposed by the status endpoint.
type FeedStats struct {
	Name                string    `json:"name"`
	LastFetch           time.Time `json:"lastFetch"`
	LastCandidates      int       `json:"lastCandidates"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	BreakerState        string    `json:"breakerState"`
}

type feed struct {
	cfg     config.FeedConfig
	fetcher *fetcher
	breaker *circuitbreaker.Breaker

	mu    sync.Mutex
	stats FeedStats
}

// Aggregator fetches and merges candidates from all configured feeds,
// caching the merged snapshot for a refresh interval so pool checks do
// not hammer the feeds.
type Aggregator struct {
	feeds           []*feed
	refreshInterval time.Duration

	mu          sync.Mutex
	snapshot    []relay.RawCandidate
	snapshotAge time.Time
}

// New builds an aggregator from the configured feed list.
func New(cfg config.SourcesConfig) (*Aggregator, error) {
	refreshInterval, err := cfg.GetRefreshInterval()
	if err != nil {
		return nil, err
	}

	a := &Aggregator{refreshInterval: refreshInterval}
	for _, fc := range cfg.Feeds {
		timeout, err := fc.GetTimeout()
		if err != nil {
			return nil, err
		}

		breaker := circuitbreaker.New(circuitbreaker.Options{
			Name: fc.Name,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warnf("[SOURCES] feed '%s' breaker %s -> %s", name, from, to)
			},
		})

		a.feeds = append(a.feeds, &feed{
			cfg:     fc,
			fetcher: newFetcher(fc, timeout),
			breaker: breaker,
			stats:   FeedStats{Name: fc.Name},
		})
	}
	return a, nil
}

// FetchCandidates returns the de-duplicated union of all feeds' current
// candidates. A snapshot younger than the refresh interval is returned
// as-is without any network calls.
func (a *Aggregator) FetchCandidates(ctx context.Context) []relay.RawCandidate {
	a.mu.Lock()
	if !a.snapshotAge.IsZero() && time.Since(a.snapshotAge) < a.refreshInterval {
		snapshot := a.snapshot
		a.mu.Unlock()
		logger.Debugf("[SOURCES] returning cached snapshot of %d candidates", len(snapshot))
		return snapshot
	}
	a.mu.Unlock()

	merged := a.fetchAll(ctx)

	a.mu.Lock()
	a.snapshot = merged
	a.snapshotAge = time.Now()
	a.mu.Unlock()

	return merged
}

// Invalidate drops the cached snapshot so the next FetchCandidates hits
// the feeds again. Used by forced refills.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.snapshotAge = time.Time{}
	a.mu.Unlock()
}

func (a *Aggregator) fetchAll(ctx context.Context) []relay.RawCandidate {
	type result struct {
		feed       *feed
		candidates []relay.RawCandidate
		err        error
	}

	results := make(chan result, len(a.feeds))
	for _, f := range a.feeds {
		go func(f *feed) {
			var candidates []relay.RawCandidate
			err := f.breaker.Execute(ctx, func(ctx context.Context) error {
				var ferr error
				candidates, ferr = f.fetcher.fetch(ctx)
				return ferr
			})
			results <- result{feed: f, candidates: candidates, err: err}
		}(f)
	}

	seen := make(map[string]struct{})
	var merged []relay.RawCandidate
	for range a.feeds {
		res := <-results
		f := res.feed

		f.mu.Lock()
		f.stats.LastFetch = time.Now()
		f.stats.BreakerState = f.breaker.State().String()
		if res.err != nil {
			f.stats.ConsecutiveFailures++
			f.stats.LastCandidates = 0
			f.mu.Unlock()

			if errors.Is(res.err, circuitbreaker.ErrOpen) || errors.Is(res.err, circuitbreaker.ErrProbing) {
				metrics.FeedFetchesTotal.WithLabelValues(f.cfg.Name, "skipped").Inc()
				logger.Debugf("[SOURCES] feed '%s' skipped: breaker open", f.cfg.Name)
			} else {
				metrics.FeedFetchesTotal.WithLabelValues(f.cfg.Name, "error").Inc()
				logger.Warnf("[SOURCES] feed '%s' failed: %v", f.cfg.Name, res.err)
			}
			continue
		}

		f.stats.ConsecutiveFailures = 0
		f.stats.LastCandidates = len(res.candidates)
		f.mu.Unlock()

		metrics.FeedFetchesTotal.WithLabelValues(f.cfg.Name, "ok").Inc()
		metrics.FeedCandidates.WithLabelValues(f.cfg.Name).Set(float64(len(res.candidates)))

		// First-seen source attribution wins on duplicates.
		for _, c := range res.candidates {
			if _, dup := seen[c.HostPort()]; dup {
				continue
			}
			seen[c.HostPort()] = struct{}{}
			merged = append(merged, c)
		}
	}

	logger.Infof("[SOURCES] aggregated %d unique candidates from %d feeds", len(merged), len(a.feeds))
	return merged
}

// Stats returns a snapshot of per-feed statistics.
func (a *Aggregator) Stats() []FeedStats {
	stats := make([]FeedStats, 0, len(a.feeds))
	for _, f := range a.feeds {
		f.mu.Lock()
		s := f.stats
		s.BreakerState = f.breaker.State().String()
		f.mu.Unlock()
		stats = append(stats, s)
	}
	return stats
}

// LastSnapshotAge reports how old the cached candidate snapshot is; zero
// when no snapshot exists yet.
func (a *Aggregator) LastSnapshotAge() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshotAge.IsZero() {
		return 0
	}
	return time.Since(a.snapshotAge)
}
