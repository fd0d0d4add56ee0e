// Package relay defines the data model shared by the pool, the source
// aggregator, the validator and the dispatcher.
package relay

import (
	"fmt"
	"time"
)

// RawCandidate is an unvalidated relay address pulled from a feed.
type RawCandidate struct {
	Address string
	Port    int
	Source  string
}

// HostPort returns the candidate's dial address.
func (c RawCandidate) HostPort() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Relay is an available relay record. Identity is the (Address, Port)
// pair; counters only ever grow during a record's lifetime.
type Relay struct {
	Address       string
	Port          int
	Source        string
	SuccessCount  int
	FailureCount  int
	LastUsedAt    *time.Time
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HostPort returns the relay's dial address.
func (r Relay) HostPort() string {
	return fmt.Sprintf("%s:%d", r.Address, r.Port)
}

// ProxyURL returns the relay as an HTTP proxy URL.
func (r Relay) ProxyURL() string {
	return fmt.Sprintf("http://%s:%d", r.Address, r.Port)
}

// Weight is the success-rate score used to bias sampling. The +1 in the
// denominator avoids division by zero and caps a fresh record at 0; the
// result is always in [0, 1).
func (r Relay) Weight() float64 {
	return float64(r.SuccessCount) / float64(r.SuccessCount+r.FailureCount+1)
}

// Deprecated is a relay that has been removed from the selectable pool
// after repeated failures. Immutable after creation except for
// conflict-upsert on re-deprecation; purged by the retention sweep.
type Deprecated struct {
	Address      string
	Port         int
	Source       string
	Protocol     string
	FailureCount int
	CreatedAt    time.Time
	DeprecatedAt time.Time
}

// HostPort returns the deprecated relay's dial address.
func (d Deprecated) HostPort() string {
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}
