// Package health runs periodic component probes and folds them into an
// overall status for the status endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Kirky-X/xRelay/logger"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is a registered component probe. Critical checks drag the
// overall status to unhealthy when they fail; non-critical ones only
// degrade it.
type Check struct {
	Name     string
	Probe    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool

	mu      sync.Mutex
	status  Status
	lastRun time.Time
	lastErr error
	runs    int
	fails   int
}

// CheckStatus is the JSON view of a single check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Critical  bool      `json:"critical"`
	LastRun   time.Time `json:"lastRun"`
	LastError string    `json:"lastError,omitempty"`
}

// Monitor owns the probe goroutines. Register all checks before Start.
type Monitor struct {
	mu     sync.Mutex
	checks []*Check
	cancel context.CancelFunc
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) Register(c *Check) {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	c.status = StatusHealthy

	m.mu.Lock()
	m.checks = append(m.checks, c)
	m.mu.Unlock()
}

func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	checks := m.checks
	m.mu.Unlock()

	for _, c := range checks {
		go m.loop(ctx, c)
	}
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// loop waits one full interval before the first probe so startup work
// can finish before anything is judged.
func (m *Monitor) loop(ctx context.Context, c *Check) {
	logger.Infof("[HEALTH] monitoring '%s' every %v", c.Name, c.Interval)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx, c)
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context, c *Check) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	err := probe(ctx, c)

	c.mu.Lock()
	c.runs++
	c.lastRun = time.Now()
	c.lastErr = err
	prev := c.status

	if err != nil {
		c.fails++
		// Half the runs failing means unhealthy; an isolated failure
		// only degrades.
		if float64(c.fails)/float64(c.runs) >= 0.5 {
			c.status = StatusUnhealthy
		} else {
			c.status = StatusDegraded
		}
	} else {
		c.status = StatusHealthy
	}
	cur := c.status
	c.mu.Unlock()

	if err != nil {
		logger.Warnf("[HEALTH] check '%s' failed: %v (status: %s)", c.Name, err, cur)
	}
	if prev != cur {
		logger.Infof("[HEALTH] check '%s' status changed: %s -> %s", c.Name, prev, cur)
	}
}

// probe shields the monitor goroutine from a panicking check.
func probe(ctx context.Context, c *Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Probe(ctx)
}

// Overall folds every check into a single status.
func (m *Monitor) Overall() Status {
	m.mu.Lock()
	checks := m.checks
	m.mu.Unlock()

	overall := StatusHealthy
	for _, c := range checks {
		c.mu.Lock()
		status, critical := c.status, c.Critical
		c.mu.Unlock()

		if critical && status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if status != StatusHealthy {
			overall = StatusDegraded
		}
	}
	return overall
}

// Snapshot reports the current state of every check.
func (m *Monitor) Snapshot() []CheckStatus {
	m.mu.Lock()
	checks := m.checks
	m.mu.Unlock()

	out := make([]CheckStatus, 0, len(checks))
	for _, c := range checks {
		c.mu.Lock()
		cs := CheckStatus{
			Name:     c.Name,
			Status:   c.status,
			Critical: c.Critical,
			LastRun:  c.lastRun,
		}
		if c.lastErr != nil {
			cs.LastError = c.lastErr.Error()
		}
		c.mu.Unlock()
		out = append(out, cs)
	}
	return out
}
