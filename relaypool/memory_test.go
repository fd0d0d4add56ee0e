package relaypool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirky-X/xRelay/relay"
)

func candidates(hosts ...string) []relay.RawCandidate {
	out := make([]relay.RawCandidate, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, relay.RawCandidate{Address: h, Port: 8080, Source: "test"})
	}
	return out
}

func TestMemoryStoreUpsertSkipsDuplicatesAndDeprecated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	inserted, err := s.UpsertMany(ctx, candidates("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Re-inserting the same addresses is a no-op.
	inserted, err = s.UpsertMany(ctx, candidates("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	require.NoError(t, s.Deprecate(ctx, "c", 8080, "http"))

	// A deprecated address never re-enters through upsert.
	inserted, err = s.UpsertMany(ctx, candidates("c"))
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemoryStoreFailureThresholdDeprecates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	_, err := s.UpsertMany(ctx, candidates("a"))
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		deprecated, err := s.ReportFailure(ctx, "a", 8080)
		require.NoError(t, err)
		assert.False(t, deprecated, "failure %d must not deprecate", i+1)
	}

	deprecated, err := s.ReportFailure(ctx, "a", 8080)
	require.NoError(t, err)
	assert.True(t, deprecated, "tenth failure must deprecate")

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	dead, err := s.ListDeprecated(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 10, dead[0].FailureCount)

	// Reporting against the gone relay is a not-found, not a crash.
	_, err = s.ReportFailure(ctx, "a", 8080)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSuccessNeverResetsFailures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	_, err := s.UpsertMany(ctx, candidates("a"))
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		_, err := s.ReportFailure(ctx, "a", 8080)
		require.NoError(t, err)
	}
	require.NoError(t, s.ReportSuccess(ctx, "a", 8080))

	// Still one failure away from deprecation.
	deprecated, err := s.ReportFailure(ctx, "a", 8080)
	require.NoError(t, err)
	assert.True(t, deprecated)
}

func TestMemoryStoreConcurrentFailureReports(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	_, err := s.UpsertMany(ctx, candidates("a"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	deprecations := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deprecated, err := s.ReportFailure(ctx, "a", 8080)
			if err == nil && deprecated {
				deprecations <- true
			}
		}()
	}
	wg.Wait()
	close(deprecations)

	// Exactly one reporter observes the transition.
	transitions := 0
	for range deprecations {
		transitions++
	}
	assert.Equal(t, 1, transitions)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	dead, err := s.ListDeprecated(ctx)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestMemoryStoreFilterDeprecated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	_, err := s.UpsertMany(ctx, candidates("a", "b"))
	require.NoError(t, err)
	require.NoError(t, s.Deprecate(ctx, "b", 8080, "http"))

	filtered, err := s.FilterDeprecated(ctx, candidates("a", "b", "c"))
	require.NoError(t, err)

	hosts := make([]string, 0, len(filtered))
	for _, c := range filtered {
		hosts = append(hosts, c.Address)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, hosts)
}

func TestMemoryStoreSweepRetentionBoundary(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	_, err := s.UpsertMany(ctx, candidates("old", "recent"))
	require.NoError(t, err)
	require.NoError(t, s.Deprecate(ctx, "old", 8080, "http"))
	require.NoError(t, s.Deprecate(ctx, "recent", 8080, "http"))

	// Backdate one record past the window, one just inside it.
	s.mu.Lock()
	s.deprecated[key("old", 8080)].DeprecatedAt = time.Now().UTC().Add(-31 * 24 * time.Hour)
	s.deprecated[key("recent", 8080)].DeprecatedAt = time.Now().UTC().Add(-29 * 24 * time.Hour)
	s.mu.Unlock()

	deleted, err := s.SweepExpiredDeprecated(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	dead, err := s.ListDeprecated(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "recent", dead[0].Address)
}

func TestMemoryStoreSweepEmptySet(t *testing.T) {
	s := NewMemoryStore(10)
	deleted, err := s.SweepExpiredDeprecated(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestMemoryStoreWeightedSampleFewerThanRequested(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStoreWithSeed(10, 1)

	_, err := s.UpsertMany(ctx, candidates("a", "b"))
	require.NoError(t, err)

	sampled, err := s.WeightedSample(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, sampled, 2)

	sampled, err = s.WeightedSample(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, sampled)
}
