package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration, capacity, maxObjectSize int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), ttl, capacity, maxObjectSize, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCachePutGetRoundtrip(t *testing.T) {
	c := newTestCache(t, time.Minute, 1<<20, 1<<16)

	key := Key(http.MethodGet, "https://example.com/page")
	entry := &Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>hello</html>"),
	}
	require.NoError(t, c.Put(key, entry))

	got, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, entry.Status, got.Status)
	assert.Equal(t, entry.Header, got.Header)
	assert.Equal(t, entry.Body, got.Body)
}

func TestCacheMiss(t *testing.T) {
	c := newTestCache(t, time.Minute, 1<<20, 1<<16)
	_, err := c.Get(Key(http.MethodGet, "https://example.com/never-stored"))
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestCacheKeyDistinguishesMethodAndURL(t *testing.T) {
	assert.NotEqual(t,
		Key(http.MethodGet, "https://example.com/a"),
		Key(http.MethodGet, "https://example.com/b"))
	assert.NotEqual(t,
		Key(http.MethodGet, "https://example.com/a"),
		Key(http.MethodHead, "https://example.com/a"))
}

func TestCacheExpiredEntryIsMiss(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond, 1<<20, 1<<16)

	key := Key(http.MethodGet, "https://example.com/short-lived")
	require.NoError(t, c.Put(key, &Entry{Status: 200, Body: []byte("x")}))

	_, err := c.Get(key)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = c.Get(key)
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestCacheOversizedEntryNotStored(t *testing.T) {
	c := newTestCache(t, time.Minute, 1<<20, 64)

	key := Key(http.MethodGet, "https://example.com/huge")
	big := &Entry{Status: 200, Body: make([]byte, 1024)}

	// Over-limit entries are skipped, not errors.
	require.NoError(t, c.Put(key, big))
	_, err := c.Get(key)
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestCachePurgeExpired(t *testing.T) {
	c := newTestCache(t, 10*time.Millisecond, 1<<20, 1<<16)

	key := Key(http.MethodGet, "https://example.com/purged")
	require.NoError(t, c.Put(key, &Entry{Status: 200, Body: []byte("x")}))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.purgeExpired(context.Background()))

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ObjectCount)
}

func TestCacheCapacityEviction(t *testing.T) {
	// Capacity of ~2 entries: inserting a third must evict the oldest.
	c := newTestCache(t, time.Minute, 500, 1<<16)

	for _, path := range []string{"/a", "/b", "/c"} {
		key := Key(http.MethodGet, "https://example.com"+path)
		require.NoError(t, c.Put(key, &Entry{Status: 200, Body: make([]byte, 200)}))
		// Distinct created_at ordering for deterministic eviction.
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, c.purgeOverCapacity(context.Background()))

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.TotalSize, int64(500))
	assert.Less(t, stats.ObjectCount, int64(3))

	// The newest entry survives.
	_, err = c.Get(Key(http.MethodGet, "https://example.com/c"))
	assert.NoError(t, err)
}

func TestCacheStats(t *testing.T) {
	c := newTestCache(t, time.Minute, 1<<20, 1<<16)

	require.NoError(t, c.Put(Key(http.MethodGet, "https://example.com/1"), &Entry{Status: 200, Body: []byte("a")}))
	require.NoError(t, c.Put(Key(http.MethodGet, "https://example.com/2"), &Entry{Status: 200, Body: []byte("b")}))

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ObjectCount)
	assert.Greater(t, stats.TotalSize, int64(0))
}
