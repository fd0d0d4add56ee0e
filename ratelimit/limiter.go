// Package ratelimit provides fixed-window request rate limiting for the
// HTTP entry point: one global counter across all clients and one
// counter per client key.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/metrics"
)

// ErrRateLimited wraps the retry hint for a rejected request.
type ErrRateLimited struct {
	Scope      string // "global" or "client"
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %v", e.Scope, e.RetryAfter.Round(time.Second))
}

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter limiter. Windows reset on first
// use after expiry rather than on a timer; a sliding-window smoothing
// is deliberately not attempted.
type Limiter struct {
	windowLen   time.Duration
	globalLimit int
	perKeyLimit int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}

	mu     sync.Mutex
	global window
	perKey map[string]*window
}

// New creates a limiter. A nil limiter (disabled) admits everything.
func New(windowLen time.Duration, globalLimit, perKeyLimit int) *Limiter {
	l := &Limiter{
		windowLen:       windowLen,
		globalLimit:     globalLimit,
		perKeyLimit:     perKeyLimit,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
		perKey:          make(map[string]*window),
	}
	go l.cleanupRoutine()

	logger.Infof("[RATELIMIT] initialized: %d global, %d per client per %v", globalLimit, perKeyLimit, windowLen)
	return l
}

// Allow admits or rejects one request for the given client key. The
// global window is checked first; a globally rejected request does not
// consume the client's budget.
func (l *Limiter) Allow(key string) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if now.Sub(l.global.start) >= l.windowLen {
		l.global = window{start: now}
	}
	if l.global.count >= l.globalLimit {
		metrics.RateLimitedTotal.WithLabelValues("global").Inc()
		return &ErrRateLimited{Scope: "global", RetryAfter: l.global.start.Add(l.windowLen).Sub(now)}
	}

	w, ok := l.perKey[key]
	if !ok || now.Sub(w.start) >= l.windowLen {
		w = &window{start: now}
		l.perKey[key] = w
	}
	if w.count >= l.perKeyLimit {
		metrics.RateLimitedTotal.WithLabelValues("client").Inc()
		return &ErrRateLimited{Scope: "client", RetryAfter: w.start.Add(l.windowLen).Sub(now)}
	}

	l.global.count++
	w.count++
	return nil
}

// Stop terminates the cleanup routine.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	select {
	case <-l.stopCleanup:
	default:
		close(l.stopCleanup)
	}
}

func (l *Limiter) cleanupRoutine() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops per-key windows that have fully expired so the map does
// not grow with every client ever seen.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, w := range l.perKey {
		if now.Sub(w.start) >= l.windowLen {
			delete(l.perKey, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Debugf("[RATELIMIT] cleaned up %d expired client windows", removed)
	}
}
