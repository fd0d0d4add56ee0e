// Package circuitbreaker gates fetches against an unreliable relay feed.
// A feed that keeps failing is skipped for a cooldown period instead of
// eating its full fetch timeout on every pool refill; after the cooldown
// a single probe fetch decides whether the feed is back.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpen is returned without invoking the call while the breaker
	// cools down.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbing is returned when a half-open probe is already in flight.
	ErrProbing = errors.New("circuit breaker probe in flight")
)

// Options configures a Breaker. Zero values fall back to feed-tuned
// defaults: trip after 3 consecutive failures, cool down for 30 seconds.
type Options struct {
	Name          string
	TripAfter     uint32
	Cooldown      time.Duration
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state gate. Results are tagged with the generation
// they started in, so a slow call finishing after a state change cannot
// corrupt the new state.
type Breaker struct {
	opts Options

	mu         sync.Mutex
	state      State
	generation uint64
	failures   uint32
	probing    bool
	openedAt   time.Time
}

func New(opts Options) *Breaker {
	if opts.TripAfter == 0 {
		opts.TripAfter = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	return &Breaker{opts: opts}
}

func (b *Breaker) Name() string { return b.opts.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Execute runs fn under the breaker. While open, fn is not invoked and
// ErrOpen is returned; while a half-open probe is in flight, ErrProbing.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			b.settle(generation, false)
			panic(e)
		}
	}()

	err = fn(ctx)
	b.settle(generation, err == nil)
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return b.generation, ErrOpen
	case StateHalfOpen:
		if b.probing {
			return b.generation, ErrProbing
		}
		b.probing = true
	}
	return b.generation, nil
}

func (b *Breaker) settle(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if generation != b.generation {
		return
	}

	b.probing = false
	if success {
		b.failures = 0
		if state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	if state == StateHalfOpen || b.failures >= b.opts.TripAfter {
		b.transition(StateOpen)
	}
}

// currentState flips open to half-open once the cooldown has elapsed.
// Caller holds the lock.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.opts.Cooldown {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.probing = false
	if to == StateOpen {
		b.openedAt = time.Now()
		b.failures = 0
	}
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Name, from, to)
	}
}
