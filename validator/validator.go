// Package validator performs lightweight reachability probes against
// relay candidates. A pass here is optimistic, not a delivery guarantee;
// the dispatcher still handles use-time failures.
package validator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Kirky-X/xRelay/config"
	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/relay"
)

// Validator probes candidates through themselves: a small GET of a
// known-stable endpoint routed through the candidate proxy.
type Validator struct {
	probeURL       string
	probeTimeout   time.Duration
	maxConcurrency int
	minSuccesses   int
}

// New builds a validator from configuration.
func New(cfg config.ValidatorConfig) (*Validator, error) {
	timeout, err := cfg.GetProbeTimeout()
	if err != nil {
		return nil, err
	}
	return &Validator{
		probeURL:       cfg.GetProbeURL(),
		probeTimeout:   timeout,
		maxConcurrency: cfg.GetMaxConcurrency(),
		minSuccesses:   cfg.GetMinSuccesses(),
	}, nil
}

// ValidateBatch probes candidates in fixed-size concurrent waves (wave
// size = max concurrency) and returns the reachable ones. Waves run in
// sequence and validation stops early once minSuccesses reachable
// candidates have accumulated, bounding worst-case latency on large
// candidate lists. Unreachable candidates are dropped silently.
func (v *Validator) ValidateBatch(ctx context.Context, candidates []relay.RawCandidate) []relay.RawCandidate {
	if len(candidates) == 0 {
		return nil
	}

	start := time.Now()
	var reachable []relay.RawCandidate

	for offset := 0; offset < len(candidates); offset += v.maxConcurrency {
		end := offset + v.maxConcurrency
		if end > len(candidates) {
			end = len(candidates)
		}
		wave := candidates[offset:end]

		results := make([]bool, len(wave))
		var wg sync.WaitGroup
		for i, c := range wave {
			wg.Add(1)
			go func(i int, c relay.RawCandidate) {
				defer wg.Done()
				results[i] = v.Probe(ctx, c.Address, c.Port)
			}(i, c)
		}
		wg.Wait()

		for i, ok := range results {
			if ok {
				reachable = append(reachable, wave[i])
			}
		}

		if len(reachable) >= v.minSuccesses {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	logger.Infof("[VALIDATE] %d/%d candidates reachable in %v",
		len(reachable), len(candidates), time.Since(start).Round(time.Millisecond))
	return reachable
}

// Probe checks a single relay's reachability: the probe request must
// complete through the relay with a 2xx status inside the probe timeout.
func (v *Validator) Probe(ctx context.Context, address string, port int) bool {
	proxyURL, err := url.Parse(fmt.Sprintf("http://%s:%d", address, port))
	if err != nil {
		return false
	}

	client := &http.Client{
		Timeout: v.probeTimeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.probeURL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
