// Package dispatch delivers client requests through pool relays. Each
// attempt's outcome is reported back to the pool, so delivery traffic
// doubles as the pool's ongoing health signal.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Kirky-X/xRelay/config"
	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/metrics"
	"github.com/Kirky-X/xRelay/relay"
	"github.com/Kirky-X/xRelay/relaypool"
)

var (
	// ErrPoolExhausted is returned when every relay attempt failed and
	// the direct fallback is disabled.
	ErrPoolExhausted = errors.New("all relay attempts failed and fallback is disabled")

	// ErrNoRelays is returned when the pool has no relays to sample and
	// the direct fallback is disabled. No network call is made.
	ErrNoRelays = errors.New("no relays available and fallback is disabled")
)

// Response bodies are capped to keep a single dispatch from pinning
// unbounded memory.
const maxResponseBody = 16 << 20

// Prober checks a single relay's reachability before it is used;
// implemented by validator.Validator.
type Prober interface {
	Probe(ctx context.Context, address string, port int) bool
}

// RefillNotifier lets the dispatcher nudge the pool refill controller
// before sampling; implemented by relaypool.Refiller.
type RefillNotifier interface {
	MaybeRefill(ctx context.Context)
}

// Request is a client request to be delivered through a relay.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Result describes a completed dispatch.
type Result struct {
	Status       int
	Header       http.Header
	Body         []byte
	RelayUsed    string // host:port of the relay that delivered, empty on fallback
	FallbackUsed bool
	Attempts     int
}

// Dispatcher orchestrates relayed delivery with failure reporting and
// an optional direct-connection fallback.
type Dispatcher struct {
	store    relaypool.Store
	refiller RefillNotifier
	prober   Prober

	maxAttempts     int
	batchSize       int
	attemptTimeout  time.Duration
	fallbackTimeout time.Duration
	useFallback     bool
	preCheck        bool
}

// New wires a dispatcher. refiller and prober may be nil; a nil prober
// disables the pre-dispatch reachability check regardless of config.
func New(store relaypool.Store, refiller RefillNotifier, prober Prober, cfg config.DispatchConfig) (*Dispatcher, error) {
	attemptTimeout, err := cfg.GetAttemptTimeout()
	if err != nil {
		return nil, err
	}
	fallbackTimeout, err := cfg.GetFallbackTimeout()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:           store,
		refiller:        refiller,
		prober:          prober,
		maxAttempts:     cfg.GetMaxAttempts(),
		batchSize:       cfg.GetBatchSize(),
		attemptTimeout:  attemptTimeout,
		fallbackTimeout: fallbackTimeout,
		useFallback:     cfg.GetUseFallback(),
		preCheck:        cfg.PreCheck,
	}, nil
}

// Do delivers the request sequentially: weighted-sampled relays are
// tried one at a time until one succeeds, the attempt budget runs out,
// or the candidate batch is exhausted. With fallback enabled a direct
// request is the terminal attempt; otherwise the pool's failure is the
// caller's failure.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues("sequential").Observe(time.Since(start).Seconds())
	}()

	candidates, err := d.sample(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if !d.useFallback {
			metrics.DispatchExhaustedTotal.Inc()
			return nil, ErrNoRelays
		}
		return d.fallback(ctx, req, 0)
	}

	attempts := 0
	for _, r := range candidates {
		if attempts >= d.maxAttempts {
			break
		}

		// A relay that fails its pre-check is deprecated on the spot and
		// does not consume an attempt slot.
		if d.preCheck && d.prober != nil && !d.prober.Probe(ctx, r.Address, r.Port) {
			logger.Debugf("[DISPATCH] relay %s failed pre-check, deprecating", r.HostPort())
			if derr := d.store.Deprecate(ctx, r.Address, r.Port, "http"); derr != nil && !errors.Is(derr, relaypool.ErrNotFound) {
				logger.Warnf("[DISPATCH] failed to deprecate %s: %v", r.HostPort(), derr)
			}
			continue
		}

		attempts++
		result, aerr := d.attempt(ctx, req, r)
		if aerr == nil {
			d.reportSuccess(ctx, r)
			result.Attempts = attempts
			return result, nil
		}

		logger.Debugf("[DISPATCH] relay %s attempt failed: %v", r.HostPort(), aerr)
		d.reportFailure(ctx, r)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if !d.useFallback {
		metrics.DispatchExhaustedTotal.Inc()
		return nil, fmt.Errorf("%w: %d attempts", ErrPoolExhausted, attempts)
	}
	return d.fallback(ctx, req, attempts)
}

// DoParallel delivers the request by racing one attempt per sampled
// relay; the first success is returned immediately, without waiting for
// slower siblings. Losing attempts run to completion and still report
// their outcomes, so the race never hides a relay's failure from the
// pool.
func (d *Dispatcher) DoParallel(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues("parallel").Observe(time.Since(start).Seconds())
	}()

	candidates, err := d.sample(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) > d.maxAttempts {
		candidates = candidates[:d.maxAttempts]
	}
	if len(candidates) == 0 {
		if !d.useFallback {
			metrics.DispatchExhaustedTotal.Inc()
			return nil, ErrNoRelays
		}
		return d.fallback(ctx, req, 0)
	}

	type outcome struct {
		r      relay.Relay
		result *Result
		err    error
	}

	outcomes := make(chan outcome, len(candidates))
	for _, r := range candidates {
		go func(r relay.Relay) {
			result, aerr := d.attempt(ctx, req, r)
			if aerr == nil {
				d.reportSuccess(ctx, r)
			} else {
				d.reportFailure(ctx, r)
			}
			outcomes <- outcome{r: r, result: result, err: aerr}
		}(r)
	}

	// The channel is buffered to len(candidates), so returning early
	// never blocks a losing goroutine.
	for resolved := 1; resolved <= len(candidates); resolved++ {
		o := <-outcomes
		if o.err == nil {
			o.result.Attempts = resolved
			return o.result, nil
		}
	}

	if !d.useFallback {
		metrics.DispatchExhaustedTotal.Inc()
		return nil, fmt.Errorf("%w: %d attempts", ErrPoolExhausted, len(candidates))
	}
	return d.fallback(ctx, req, len(candidates))
}

// sample nudges the refiller and draws a weighted batch. A cold pool is
// populated synchronously by the refill before the draw.
func (d *Dispatcher) sample(ctx context.Context) ([]relay.Relay, error) {
	if d.refiller != nil {
		d.refiller.MaybeRefill(ctx)
	}
	candidates, err := d.store.WeightedSample(ctx, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to sample relays: %w", err)
	}
	return candidates, nil
}

// attempt delivers the request through one relay inside the attempt
// timeout. Timeouts, connection errors and non-2xx statuses all count
// as attempt failures; only a 2xx result is a delivery.
func (d *Dispatcher) attempt(ctx context.Context, req *Request, r relay.Relay) (*Result, error) {
	proxyURL, err := url.Parse(r.ProxyURL())
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL for %s: %w", r.HostPort(), err)
	}

	client := &http.Client{
		Timeout: d.attemptTimeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	result, err := d.roundTrip(ctx, client, req)
	if err != nil {
		metrics.RelayAttemptsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	if result.Status < 200 || result.Status > 299 {
		metrics.RelayAttemptsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("relay delivery returned status %d", result.Status)
	}
	metrics.RelayAttemptsTotal.WithLabelValues("success").Inc()
	result.RelayUsed = r.HostPort()
	return result, nil
}

// fallback issues the request directly, without any relay.
func (d *Dispatcher) fallback(ctx context.Context, req *Request, attempts int) (*Result, error) {
	logger.Infof("[DISPATCH] falling back to direct request after %d relay attempts", attempts)
	metrics.FallbacksTotal.Inc()

	client := &http.Client{Timeout: d.fallbackTimeout}
	ctx, cancel := context.WithTimeout(ctx, d.fallbackTimeout)
	defer cancel()

	result, err := d.roundTrip(ctx, client, req)
	if err != nil {
		return nil, fmt.Errorf("direct fallback failed: %w", err)
	}
	result.FallbackUsed = true
	result.Attempts = attempts
	return result, nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, client *http.Client, req *Request) (*Result, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Result{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   respBody,
	}, nil
}

func (d *Dispatcher) reportSuccess(ctx context.Context, r relay.Relay) {
	if err := d.store.ReportSuccess(ctx, r.Address, r.Port); err != nil && !errors.Is(err, relaypool.ErrNotFound) {
		logger.Warnf("[DISPATCH] failed to report success for %s: %v", r.HostPort(), err)
	}
}

func (d *Dispatcher) reportFailure(ctx context.Context, r relay.Relay) {
	deprecated, err := d.store.ReportFailure(ctx, r.Address, r.Port)
	if err != nil && !errors.Is(err, relaypool.ErrNotFound) {
		logger.Warnf("[DISPATCH] failed to report failure for %s: %v", r.HostPort(), err)
		return
	}
	if deprecated {
		logger.Infof("[DISPATCH] relay %s crossed the failure threshold and was deprecated", r.HostPort())
	}
}
