// Package relaypool manages the lifecycle of the relay pool: storage of
// available and deprecated relay records, weighted sampling, outcome
// reporting with failure-driven deprecation, pool refill and the
// deprecated-record retention sweep.
//
// Two Store implementations share one capability contract: a durable
// PostgreSQL-backed store and a volatile in-memory store. The backend is
// selected at startup by configuration presence; when the database is
// unreachable the server degrades to the in-memory store rather than
// failing.
package relaypool

import (
	"context"
	"errors"
	"time"

	"github.com/Kirky-X/xRelay/relay"
)

var (
	// ErrNotFound is returned when an outcome is reported for a relay
	// that is no longer in the available set.
	ErrNotFound = errors.New("relay not found in pool")
)

// Store is the relay repository capability contract.
type Store interface {
	// UpsertMany inserts candidates into the available set, skipping
	// addresses already present in either set. Returns the number of
	// new records.
	UpsertMany(ctx context.Context, candidates []relay.RawCandidate) (int, error)

	// WeightedSample draws up to n distinct relays, with probability
	// proportional to weight at each step. Fewer than n available
	// relays returns all of them, no error.
	WeightedSample(ctx context.Context, n int) ([]relay.Relay, error)

	// ReportSuccess increments the relay's success counter. It never
	// resets the failure counter: a relay that failed nine times and
	// then succeeds once is still one failure away from deprecation.
	ReportSuccess(ctx context.Context, address string, port int) error

	// ReportFailure increments the relay's failure counter; reaching
	// the threshold performs the deprecation transition as part of the
	// same call. Returns true when the relay was deprecated.
	ReportFailure(ctx context.Context, address string, port int) (bool, error)

	// Deprecate moves a relay straight to the deprecated set, used when
	// a pre-dispatch reachability check finds it dead.
	Deprecate(ctx context.Context, address string, port int, protocol string) error

	// Count returns the size of the available set.
	Count(ctx context.Context) (int, error)

	// FilterDeprecated drops candidates whose (address, port) is in the
	// deprecated set.
	FilterDeprecated(ctx context.Context, candidates []relay.RawCandidate) ([]relay.RawCandidate, error)

	// SweepExpiredDeprecated purges deprecated records older than the
	// retention window, returning the number deleted.
	SweepExpiredDeprecated(ctx context.Context, retention time.Duration) (int64, error)

	// ListAvailable returns all available relay records.
	ListAvailable(ctx context.Context) ([]relay.Relay, error)

	// ListDeprecated returns all deprecated relay records.
	ListDeprecated(ctx context.Context) ([]relay.Deprecated, error)

	// Mode identifies the backing store: "durable" or "volatile".
	Mode() string

	// LastRefresh reports when the pool was last refilled; the zero
	// time means never.
	LastRefresh() time.Time

	// SetLastRefresh records a completed refill.
	SetLastRefresh(t time.Time)
}

// Status is the pool snapshot returned by the status endpoint.
type Status struct {
	AvailableCount  int       `json:"availableCount"`
	LastRefreshTime time.Time `json:"lastRefreshTime"`
	Mode            string    `json:"mode"`
}

// CurrentStatus assembles a Status from a store.
func CurrentStatus(ctx context.Context, s Store) (Status, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		AvailableCount:  count,
		LastRefreshTime: s.LastRefresh(),
		Mode:            s.Mode(),
	}, nil
}
