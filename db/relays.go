package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Kirky-X/xRelay/relay"
)

var ErrRelayNotFound = errors.New("relay not found")

// UpsertRelays inserts candidates into the available set, skipping any
// (address, port) already present in either the available or the
// deprecated set. Returns the number of rows actually inserted.
func (d *Database) UpsertRelays(ctx context.Context, candidates []relay.RawCandidate) (int, error) {
	inserted := 0
	for _, c := range candidates {
		tag, err := d.Pool.Exec(ctx, `
			INSERT INTO available_relays (address, port, source)
			SELECT $1, $2, $3
			WHERE NOT EXISTS (
				SELECT 1 FROM deprecated_relays WHERE address = $1 AND port = $2
			)
			ON CONFLICT (address, port) DO NOTHING
		`, c.Address, c.Port, c.Source)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert relay %s: %w", c.HostPort(), err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetAvailableRelays returns all available relay records. Pool sizes are
// in the tens, so fetching everything for in-process weighted sampling is
// acceptable.
func (d *Database) GetAvailableRelays(ctx context.Context) ([]relay.Relay, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT address, port, source, success_count, failure_count,
		       last_used_at, last_checked_at, created_at, updated_at
		FROM available_relays
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query available relays: %w", err)
	}
	defer rows.Close()

	var relays []relay.Relay
	for rows.Next() {
		var r relay.Relay
		if err := rows.Scan(&r.Address, &r.Port, &r.Source, &r.SuccessCount, &r.FailureCount,
			&r.LastUsedAt, &r.LastCheckedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relay row: %w", err)
		}
		relays = append(relays, r)
	}
	return relays, rows.Err()
}

// IncrementSuccess atomically bumps success_count and stamps last_used_at.
// Concurrent writers never lose updates because the increment happens in
// the statement, not read-modify-write in the application.
func (d *Database) IncrementSuccess(ctx context.Context, address string, port int) error {
	tag, err := d.Pool.Exec(ctx, `
		UPDATE available_relays
		SET success_count = success_count + 1, last_used_at = now(), updated_at = now()
		WHERE address = $1 AND port = $2
	`, address, port)
	if err != nil {
		return fmt.Errorf("failed to increment success for %s:%d: %w", address, port, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRelayNotFound
	}
	return nil
}

// IncrementFailure atomically bumps failure_count and returns the new
// value so the caller can decide whether the deprecation threshold was
// reached.
func (d *Database) IncrementFailure(ctx context.Context, address string, port int) (int, error) {
	var count int
	err := d.Pool.QueryRow(ctx, `
		UPDATE available_relays
		SET failure_count = failure_count + 1, last_used_at = now(), updated_at = now()
		WHERE address = $1 AND port = $2
		RETURNING failure_count
	`, address, port).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrRelayNotFound
		}
		return 0, fmt.Errorf("failed to increment failure for %s:%d: %w", address, port, err)
	}
	return count, nil
}

// DeprecateRelay moves a relay from the available set to the deprecated
// set in a single transaction, so a crash mid-operation can never leave
// the address in both sets or in neither. Re-deprecation of an address
// upserts the existing deprecated row.
func (d *Database) DeprecateRelay(ctx context.Context, address string, port int, protocol string) error {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin deprecation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO deprecated_relays (address, port, source, protocol, failure_count, created_at)
		SELECT address, port, source, $3, failure_count, created_at
		FROM available_relays
		WHERE address = $1 AND port = $2
		ON CONFLICT (address, port) DO UPDATE SET
			failure_count = EXCLUDED.failure_count,
			deprecated_at = now()
	`, address, port, protocol)
	if err != nil {
		return fmt.Errorf("failed to insert deprecated relay %s:%d: %w", address, port, err)
	}
	if tag.RowsAffected() == 0 {
		// Already gone from the available set; a concurrent report won
		// the transition.
		return ErrRelayNotFound
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM available_relays WHERE address = $1 AND port = $2
	`, address, port); err != nil {
		return fmt.Errorf("failed to delete available relay %s:%d: %w", address, port, err)
	}

	return tx.Commit(ctx)
}

// CountAvailable returns the size of the available set.
func (d *Database) CountAvailable(ctx context.Context) (int, error) {
	var count int
	if err := d.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM available_relays`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count available relays: %w", err)
	}
	return count, nil
}

// FilterDeprecated returns the candidates whose (address, port) is not
// present in the deprecated set. Refill must never re-insert a deprecated
// address.
func (d *Database) FilterDeprecated(ctx context.Context, candidates []relay.RawCandidate) ([]relay.RawCandidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	deprecated := make(map[string]struct{})
	rows, err := d.Pool.Query(ctx, `SELECT address, port FROM deprecated_relays`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deprecated relays: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var address string
		var port int
		if err := rows.Scan(&address, &port); err != nil {
			return nil, fmt.Errorf("failed to scan deprecated relay: %w", err)
		}
		deprecated[fmt.Sprintf("%s:%d", address, port)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	filtered := make([]relay.RawCandidate, 0, len(candidates))
	for _, c := range candidates {
		if _, found := deprecated[c.HostPort()]; !found {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// SweepExpiredDeprecated deletes deprecated records older than the cutoff.
// Records exactly at the boundary are preserved.
func (d *Database) SweepExpiredDeprecated(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tag, err := d.Pool.Exec(ctx, `
		DELETE FROM deprecated_relays WHERE deprecated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep deprecated relays: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeprecated returns all deprecated relay records, newest first.
func (d *Database) ListDeprecated(ctx context.Context) ([]relay.Deprecated, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT address, port, source, protocol, failure_count, created_at, deprecated_at
		FROM deprecated_relays
		ORDER BY deprecated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deprecated relays: %w", err)
	}
	defer rows.Close()

	var deprecated []relay.Deprecated
	for rows.Next() {
		var dep relay.Deprecated
		if err := rows.Scan(&dep.Address, &dep.Port, &dep.Source, &dep.Protocol,
			&dep.FailureCount, &dep.CreatedAt, &dep.DeprecatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deprecated relay: %w", err)
		}
		deprecated = append(deprecated, dep)
	}
	return deprecated, rows.Err()
}

// TouchLastChecked stamps last_checked_at after a reachability probe.
func (d *Database) TouchLastChecked(ctx context.Context, address string, port int) error {
	_, err := d.Pool.Exec(ctx, `
		UPDATE available_relays SET last_checked_at = now(), updated_at = now()
		WHERE address = $1 AND port = $2
	`, address, port)
	return err
}
