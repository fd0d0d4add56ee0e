// Package cache is a file-backed response cache with a SQLite index.
// Cached bodies live on disk under a hash-split directory tree; the
// index carries size and expiry so purges never have to walk the tree.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/metrics"
)

const DataDir = "data"
const IndexDB = "cache_index.db"

// ErrNotCached is returned on a cache miss, expired entries included.
var ErrNotCached = errors.New("response not cached")

// Entry is a cached response.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte
}

// Cache stores GET responses keyed by request identity. Only GETs are
// cached; everything else passes through untouched.
type Cache struct {
	basePath      string
	ttl           time.Duration
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration

	mu sync.Mutex
	db *sql.DB
}

// New opens (or creates) a cache rooted at basePath.
func New(basePath string, ttl time.Duration, capacity, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warnf("[CACHE] failed to set PRAGMA journal_mode = WAL: %v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_index(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache DB ping failed: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		ttl:           ttl,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

// Close closes the cache index.
func (c *Cache) Close() error {
	if c.db != nil {
		logger.Info("[CACHE] closing cache index")
		return c.db.Close()
	}
	return nil
}

// Key derives the cache identity of a request.
func Key(method, rawURL string) string {
	sum := sha256.Sum256([]byte(method + " " + rawURL))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for a key, or ErrNotCached. An expired
// entry is a miss; its removal is left to the purge cycle.
func (c *Cache) Get(key string) (*Entry, error) {
	path := c.pathForKey(key)

	c.mu.Lock()
	var expiresAt time.Time
	err := c.db.QueryRow(`SELECT expires_at FROM cache_index WHERE path = ?`, path).Scan(&expiresAt)
	c.mu.Unlock()
	if err != nil || time.Now().After(expiresAt) {
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			logger.Warnf("[CACHE] index lookup failed for %s: %v", key, err)
		}
		metrics.CacheMissesTotal.Inc()
		return nil, ErrNotCached
	}

	data, err := os.ReadFile(path)
	if err != nil {
		metrics.CacheMissesTotal.Inc()
		return nil, ErrNotCached
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		logger.Warnf("[CACHE] corrupt cache entry %s: %v", key, err)
		metrics.CacheMissesTotal.Inc()
		return nil, ErrNotCached
	}

	metrics.CacheHitsTotal.Inc()
	return &entry, nil
}

// Put stores an entry under a key. Oversized entries are silently not
// cached; that is a policy outcome, not an error.
func (c *Cache) Put(key string, entry *Entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if int64(buf.Len()) > c.maxObjectSize {
		logger.Debugf("[CACHE] entry %s size %d exceeds object limit %d, not caching", key, buf.Len(), c.maxObjectSize)
		return nil
	}

	path := c.pathForKey(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write through a temp file so readers never see a partial entry.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(buf.Bytes()); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, size, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		path, buf.Len(), now.Add(c.ttl), now)
	if err != nil {
		return fmt.Errorf("failed to track cache entry: %w", err)
	}
	return nil
}

// StartPurgeLoop runs the purge cycle until the context is cancelled.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPurgeCycle(ctx)
			}
		}
	}()
}

func (c *Cache) runPurgeCycle(ctx context.Context) {
	if err := c.purgeExpired(ctx); err != nil {
		logger.Warnf("[CACHE] expiry purge failed: %v", err)
	}
	if err := c.purgeOverCapacity(ctx); err != nil {
		logger.Warnf("[CACHE] capacity purge failed: %v", err)
	}
}

func (c *Cache) purgeExpired(ctx context.Context) error {
	c.mu.Lock()
	rows, err := c.db.QueryContext(ctx, `SELECT path FROM cache_index WHERE expires_at < ?`, time.Now())
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to query expired entries: %w", err)
	}
	var expired []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			continue
		}
		expired = append(expired, path)
	}
	rows.Close()
	c.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	removed := c.deleteFiles(expired)
	if err := c.removeIndexEntries(ctx, removed); err != nil {
		return err
	}
	logger.Debugf("[CACHE] purged %d expired entries", len(removed))
	return nil
}

// purgeOverCapacity evicts oldest-first until the total size is back
// under the capacity bound.
func (c *Cache) purgeOverCapacity(ctx context.Context) error {
	c.mu.Lock()
	var totalSize int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&totalSize); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to get total cache size: %w", err)
	}
	if totalSize <= c.capacity {
		c.mu.Unlock()
		return nil
	}

	amountToFree := totalSize - c.capacity
	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY created_at ASC`)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to query eviction candidates: %w", err)
	}
	var candidates []string
	var freedSoFar int64
	for rows.Next() {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			continue
		}
		candidates = append(candidates, path)
		freedSoFar += size
		if freedSoFar >= amountToFree {
			break
		}
	}
	rows.Close()
	c.mu.Unlock()

	removed := c.deleteFiles(candidates)
	if len(removed) == 0 {
		return nil
	}
	if err := c.removeIndexEntries(ctx, removed); err != nil {
		return err
	}
	logger.Infof("[CACHE] evicted %d entries to get back under capacity", len(removed))
	return nil
}

func (c *Cache) deleteFiles(paths []string) []string {
	var removed []string
	for _, path := range paths {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			removed = append(removed, path)
		} else {
			logger.Warnf("[CACHE] failed to remove cache file %s: %v", path, err)
		}
	}
	return removed
}

func (c *Cache) removeIndexEntries(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index removal transaction: %w", err)
	}
	defer tx.Rollback()

	// SQLite has no array parameters; placeholders are built inline. The
	// paths are generated internally, never from user input.
	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(paths)-1) + `)`
	args := make([]interface{}, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to batch delete from index: %w", err)
	}
	return tx.Commit()
}

// Stats holds cache statistics for the status endpoint.
type Stats struct {
	ObjectCount int64 `json:"objectCount"`
	TotalSize   int64 `json:"totalSize"`
}

// GetStats returns current cache statistics.
func (c *Cache) GetStats() (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	row := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`)
	if err := row.Scan(&s.ObjectCount, &s.TotalSize); err != nil {
		return nil, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return &s, nil
}

// pathForKey splits the key hash into a shallow directory tree so no
// single directory accumulates every entry.
func (c *Cache) pathForKey(key string) string {
	if len(key) < 4 {
		return filepath.Join(c.basePath, DataDir, key)
	}
	return filepath.Join(c.basePath, DataDir, key[:2], key[2:4], key[4:])
}
