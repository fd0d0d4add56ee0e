// Package retry reruns transient-failure operations with exponential
// backoff. Durable-store batch writes use it so a database hiccup does
// not discard a refill or sweep cycle.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds a retried operation. Attempts counts retries, not the
// initial call.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Attempts   int
}

// DefaultBackoffConfig suits short database writes: up to three retries
// spanning a few seconds in total.
func DefaultBackoffConfig() Policy {
	return Policy{
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
		Attempts:   3,
	}
}

// delay computes the wait before retry n (1-based), jittered to half to
// full value so concurrent retriers spread out.
func (p Policy) delay(n int) time.Duration {
	d := p.Initial
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// WithRetry runs fn until it succeeds, the retry budget is exhausted, or
// the context is cancelled.
func WithRetry(ctx context.Context, fn func() error, p Policy) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt >= p.Attempts {
			return fmt.Errorf("operation failed after %d attempts: %w", attempt+1, lastErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
		case <-time.After(p.delay(attempt + 1)):
		}
	}
}
