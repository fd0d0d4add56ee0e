package relaypool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirky-X/xRelay/relay"
)

type fakeSource struct {
	mu         sync.Mutex
	fetches    int
	candidates []relay.RawCandidate
	block      chan struct{} // when set, FetchCandidates blocks until closed
}

func (f *fakeSource) FetchCandidates(_ context.Context) []relay.RawCandidate {
	f.mu.Lock()
	f.fetches++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.candidates
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeValidator struct {
	calls int32
}

func (f *fakeValidator) ValidateBatch(_ context.Context, cs []relay.RawCandidate) []relay.RawCandidate {
	atomic.AddInt32(&f.calls, 1)
	// Pretend the first candidate is the only reachable one.
	if len(cs) > 1 {
		return cs[:1]
	}
	return cs
}

func TestRefillerPopulatesColdPool(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	source := &fakeSource{candidates: candidates("a", "b", "c")}

	r := NewRefiller(store, source, nil, RefillerOptions{MinAvailable: 2})
	r.MaybeRefill(ctx)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.False(t, store.LastRefresh().IsZero())
	assert.Equal(t, 1, source.fetchCount())
}

func TestRefillerSkipsWhenSufficient(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	source := &fakeSource{candidates: candidates("a", "b", "c")}

	r := NewRefiller(store, source, nil, RefillerOptions{MinAvailable: 2})
	r.MaybeRefill(ctx)
	require.Equal(t, 1, source.fetchCount())

	// Pool is above the minimum and fresh; no further fetch.
	r.MaybeRefill(ctx)
	assert.Equal(t, 1, source.fetchCount())
}

func TestRefillerRefillsBelowMinimum(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	source := &fakeSource{candidates: candidates("a", "b", "c")}

	r := NewRefiller(store, source, nil, RefillerOptions{MinAvailable: 2})
	r.MaybeRefill(ctx)

	// Deprecations drain the pool below the minimum.
	require.NoError(t, store.Deprecate(ctx, "a", 8080, "http"))
	require.NoError(t, store.Deprecate(ctx, "b", 8080, "http"))

	r.MaybeRefill(ctx)
	assert.Equal(t, 2, source.fetchCount())

	// Deprecated candidates must not re-enter on the refill.
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRefillerStalenessTrigger(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	source := &fakeSource{candidates: candidates("a", "b", "c")}

	r := NewRefiller(store, source, nil, RefillerOptions{
		MinAvailable:    1,
		RefreshInterval: 50 * time.Millisecond,
	})
	r.MaybeRefill(ctx)
	require.Equal(t, 1, source.fetchCount())

	store.SetLastRefresh(time.Now().Add(-time.Minute))
	r.MaybeRefill(ctx)
	assert.Equal(t, 2, source.fetchCount())
}

func TestRefillerLatchPreventsConcurrentRefills(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	block := make(chan struct{})
	source := &fakeSource{candidates: candidates("a"), block: block}

	r := NewRefiller(store, source, nil, RefillerOptions{MinAvailable: 5})

	done := make(chan struct{})
	go func() {
		r.MaybeRefill(ctx) // wins the latch, blocks in fetch
		close(done)
	}()

	// Wait for the first refill to be in flight.
	require.Eventually(t, func() bool { return source.fetchCount() == 1 }, time.Second, time.Millisecond)

	// Latch losers return immediately without fetching.
	r.MaybeRefill(ctx)
	r.MaybeRefill(ctx)
	assert.Equal(t, 1, source.fetchCount())

	close(block)
	<-done
}

func TestRefillerValidatesWhenConfigured(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	source := &fakeSource{candidates: candidates("a", "b", "c")}
	validator := &fakeValidator{}

	r := NewRefiller(store, source, validator, RefillerOptions{MinAvailable: 2, Validate: true})
	r.MaybeRefill(ctx)

	assert.Equal(t, int32(1), atomic.LoadInt32(&validator.calls))

	// Only the validator-approved candidate lands in the pool.
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRefillerEmptyFetchStillStampsRefresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	source := &fakeSource{}

	r := NewRefiller(store, source, nil, RefillerOptions{MinAvailable: 2})
	r.MaybeRefill(ctx)

	// A fruitless refill must not leave the controller thinking the pool
	// was never populated, or every dispatch would re-trigger it.
	assert.False(t, store.LastRefresh().IsZero())
}

func TestForceRefillHonorsLatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	block := make(chan struct{})
	source := &fakeSource{candidates: candidates("a"), block: block}

	r := NewRefiller(store, source, nil, RefillerOptions{MinAvailable: 1})

	done := make(chan struct{})
	go func() {
		r.ForceRefill(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return source.fetchCount() == 1 }, time.Second, time.Millisecond)

	assert.False(t, r.ForceRefill(ctx), "second force must lose the latch")

	close(block)
	<-done
}
