package validator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirky-X/xRelay/config"
	"github.com/Kirky-X/xRelay/relay"
)

// startProxy runs a stand-in relay: an HTTP server that answers any
// absolute-URI request with the given status.
func startProxy(t *testing.T, status int, hits *int32) relay.RawCandidate {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return relay.RawCandidate{Address: u.Hostname(), Port: port, Source: "test"}
}

func newTestValidator(t *testing.T, cfg config.ValidatorConfig) *Validator {
	t.Helper()
	if cfg.ProbeURL == "" {
		// Plain HTTP so the stand-in proxies see a GET, not a CONNECT.
		cfg.ProbeURL = "http://probe-target.invalid/generate_204"
	}
	if cfg.ProbeTimeout == "" {
		cfg.ProbeTimeout = "1s"
	}
	v, err := New(cfg)
	require.NoError(t, err)
	return v
}

func TestProbeReachableRelay(t *testing.T) {
	c := startProxy(t, http.StatusNoContent, nil)
	v := newTestValidator(t, config.ValidatorConfig{})
	assert.True(t, v.Probe(context.Background(), c.Address, c.Port))
}

func TestProbeErrorStatusFails(t *testing.T) {
	c := startProxy(t, http.StatusBadGateway, nil)
	v := newTestValidator(t, config.ValidatorConfig{})
	assert.False(t, v.Probe(context.Background(), c.Address, c.Port))
}

func TestProbeUnreachableRelay(t *testing.T) {
	v := newTestValidator(t, config.ValidatorConfig{ProbeTimeout: "200ms"})
	assert.False(t, v.Probe(context.Background(), "127.0.0.1", 1))
}

func TestValidateBatchFiltersUnreachable(t *testing.T) {
	good := startProxy(t, http.StatusNoContent, nil)
	dead := relay.RawCandidate{Address: "127.0.0.1", Port: 1, Source: "test"}

	v := newTestValidator(t, config.ValidatorConfig{ProbeTimeout: "500ms"})
	reachable := v.ValidateBatch(context.Background(), []relay.RawCandidate{good, dead})

	require.Len(t, reachable, 1)
	assert.Equal(t, good.HostPort(), reachable[0].HostPort())
}

func TestValidateBatchEarlyStop(t *testing.T) {
	// Wave size 2, early-stop target 2: the first wave satisfies the
	// target and the third candidate is never probed.
	var hits int32
	first := startProxy(t, http.StatusNoContent, &hits)
	second := startProxy(t, http.StatusNoContent, &hits)
	third := startProxy(t, http.StatusNoContent, &hits)

	v := newTestValidator(t, config.ValidatorConfig{
		MaxConcurrency: 2,
		MinSuccesses:   2,
		ProbeTimeout:   "1s",
	})

	reachable := v.ValidateBatch(context.Background(), []relay.RawCandidate{first, second, third})
	assert.Len(t, reachable, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestValidateBatchEmptyInput(t *testing.T) {
	v := newTestValidator(t, config.ValidatorConfig{})
	assert.Nil(t, v.ValidateBatch(context.Background(), nil))
}
