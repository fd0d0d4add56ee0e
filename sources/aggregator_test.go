package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirky-X/xRelay/config"
)

func feedServer(t *testing.T, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAggregatorMergesAndDeduplicates(t *testing.T) {
	feedA := feedServer(t, "1.2.3.4:8080\n5.6.7.8:3128\n", nil)
	feedB := feedServer(t, "5.6.7.8:3128\n9.9.9.9:80\n", nil)

	a, err := New(config.SourcesConfig{
		Feeds: []config.FeedConfig{
			{Name: "feed-a", URL: feedA.URL, Format: "plain"},
			{Name: "feed-b", URL: feedB.URL, Format: "plain"},
		},
	})
	require.NoError(t, err)

	cs := a.FetchCandidates(context.Background())
	require.Len(t, cs, 3)

	sources := make(map[string]string)
	for _, c := range cs {
		sources[c.HostPort()] = c.Source
	}
	assert.Contains(t, sources, "1.2.3.4:8080")
	assert.Contains(t, sources, "5.6.7.8:3128")
	assert.Contains(t, sources, "9.9.9.9:80")
}

func TestAggregatorPartialResultsOnFeedFailure(t *testing.T) {
	good := feedServer(t, "1.2.3.4:8080\n", nil)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)

	a, err := New(config.SourcesConfig{
		Feeds: []config.FeedConfig{
			{Name: "good", URL: good.URL, Format: "plain"},
			{Name: "bad", URL: bad.URL, Format: "plain"},
		},
	})
	require.NoError(t, err)

	cs := a.FetchCandidates(context.Background())
	require.Len(t, cs, 1)
	assert.Equal(t, "1.2.3.4", cs[0].Address)

	var badStats FeedStats
	for _, s := range a.Stats() {
		if s.Name == "bad" {
			badStats = s
		}
	}
	assert.Equal(t, 1, badStats.ConsecutiveFailures)
}

func TestAggregatorSnapshotCaching(t *testing.T) {
	var hits int32
	feed := feedServer(t, "1.2.3.4:8080\n", &hits)

	a, err := New(config.SourcesConfig{
		Feeds:           []config.FeedConfig{{Name: "feed", URL: feed.URL, Format: "plain"}},
		RefreshInterval: "10m",
	})
	require.NoError(t, err)

	ctx := context.Background()
	a.FetchCandidates(ctx)
	a.FetchCandidates(ctx)
	a.FetchCandidates(ctx)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "snapshot must serve repeat calls")

	a.Invalidate()
	a.FetchCandidates(ctx)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "invalidation must force a refetch")
}

func TestAggregatorNoFeeds(t *testing.T) {
	a, err := New(config.SourcesConfig{})
	require.NoError(t, err)
	assert.Empty(t, a.FetchCandidates(context.Background()))
}
