// Package sqlitestore stores per-group quota overrides in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

const createOverridesTableSQL = `
CREATE TABLE IF NOT EXISTS quota_overrides (
    group_id    TEXT    NOT NULL,
    endpoint    TEXT    NOT NULL,
    limit_value INTEGER NOT NULL,
    window_ms   INTEGER NOT NULL,
    note        TEXT    NOT NULL DEFAULT '',
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (group_id, endpoint)
);
`

const (
	upsertOverrideSQL = `
INSERT INTO quota_overrides (group_id, endpoint, limit_value, window_ms, note, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (group_id, endpoint) DO UPDATE SET
    limit_value = excluded.limit_value,
    window_ms   = excluded.window_ms,
    note        = excluded.note,
    updated_at  = excluded.updated_at`

	// The exact endpoint sorts before the wildcard.
	resolveOverrideSQL = `
SELECT limit_value, window_ms FROM quota_overrides
WHERE group_id = ? AND endpoint IN (?, ?)
ORDER BY endpoint = ? LIMIT 1`

	deleteOverrideSQL = `DELETE FROM quota_overrides WHERE group_id = ? AND endpoint = ?`

	listOverridesSQL = `
SELECT group_id, endpoint, limit_value, window_ms, note, updated_at
FROM quota_overrides ORDER BY group_id, endpoint`
)

// DefaultCacheTTL is how long a resolved override, or its absence, is served
// from memory before the database is asked again.
const DefaultCacheTTL = time.Second

// maxCacheEntries caps the lookup cache; a full cache is dropped wholesale.
const maxCacheEntries = 10_000

// ErrInvalidOverride is returned when an override cannot be enforced.
var ErrInvalidOverride = errors.New("invalid quota override")

type cacheKey struct {
	group    string
	endpoint string
}

type cacheEntry struct {
	quota   ratelimit.Quota
	found   bool
	expires time.Time
}

// OverrideStore is a SQLite-backed ratelimit.OverrideResolver with editing operations.
//
// Lookups go through a short-lived in-memory cache so the admission path does
// not queue on the single database connection. Writes through this store
// clear the cache; writes from other processes become visible within the TTL.
type OverrideStore struct {
	db       *sql.DB
	now      func() time.Time
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

// Option configures OverrideStore.
type Option func(*OverrideStore)

// WithCacheTTL sets how long lookups are cached. Zero or less disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *OverrideStore) {
		s.cacheTTL = ttl
	}
}

// Open opens (creating if needed) the database at path and prepares the schema.
func Open(ctx context.Context, path string, opts ...Option) (*OverrideStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s, err := NewOverrideStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewOverrideStore wraps an open database and creates the table if missing.
func NewOverrideStore(ctx context.Context, db *sql.DB, opts ...Option) (*OverrideStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &OverrideStore{
		db:       db,
		now:      time.Now,
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *OverrideStore) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createOverridesTableSQL); err != nil {
		return fmt.Errorf("failed to create quota_overrides table: %w", err)
	}
	return nil
}

// ResolveOverride implements ratelimit.OverrideResolver.
// Errors are never cached.
func (s *OverrideStore) ResolveOverride(ctx context.Context, groupID, endpoint string) (ratelimit.Quota, bool, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Quota{}, false, err
	}
	key := cacheKey{groupID, endpoint}
	if e, ok := s.cached(key); ok {
		return e.quota, e.found, nil
	}

	q, found, err := s.query(ctx, groupID, endpoint)
	if err != nil {
		return ratelimit.Quota{}, false, err
	}
	s.remember(key, q, found)
	return q, found, nil
}

func (s *OverrideStore) cached(key cacheKey) (cacheEntry, bool) {
	if s.cacheTTL <= 0 {
		return cacheEntry{}, false
	}
	s.mu.RLock()
	e, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(e.expires) {
		return cacheEntry{}, false
	}
	return e, true
}

func (s *OverrideStore) remember(key cacheKey, q ratelimit.Quota, found bool) {
	if s.cacheTTL <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= maxCacheEntries {
		s.cache = make(map[cacheKey]cacheEntry)
	}
	s.cache[key] = cacheEntry{quota: q, found: found, expires: s.now().Add(s.cacheTTL)}
}

// invalidate drops every cached lookup. A wildcard edit affects all
// endpoints of a group, so per-key eviction is not enough.
func (s *OverrideStore) invalidate() {
	s.mu.Lock()
	clear(s.cache)
	s.mu.Unlock()
}

func (s *OverrideStore) query(ctx context.Context, groupID, endpoint string) (ratelimit.Quota, bool, error) {
	var limit, windowMS int64
	err := s.db.QueryRowContext(ctx, resolveOverrideSQL,
		groupID, endpoint, ratelimit.AnyEndpoint, ratelimit.AnyEndpoint,
	).Scan(&limit, &windowMS)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Quota{}, false, nil
	}
	if err != nil {
		return ratelimit.Quota{}, false, fmt.Errorf("failed to query override: %w", err)
	}
	return ratelimit.Quota{
		Limit:  int(limit),
		Window: time.Duration(windowMS) * time.Millisecond,
	}, true, nil
}

// SetOverride creates or replaces the override for (o.GroupID, o.Endpoint).
// An empty endpoint is stored as ratelimit.AnyEndpoint.
func (s *OverrideStore) SetOverride(ctx context.Context, o ratelimit.Override) error {
	o.GroupID = strings.TrimSpace(o.GroupID)
	if o.Endpoint = strings.TrimSpace(o.Endpoint); o.Endpoint == "" {
		o.Endpoint = ratelimit.AnyEndpoint
	}
	if o.GroupID == "" {
		return fmt.Errorf("%w: group is required", ErrInvalidOverride)
	}
	if !o.Quota.Valid() || o.Quota.Window < time.Millisecond {
		return fmt.Errorf("%w: limit must be >= 1 and window >= 1ms (got %d per %s)",
			ErrInvalidOverride, o.Quota.Limit, o.Quota.Window)
	}

	_, err := s.db.ExecContext(ctx, upsertOverrideSQL,
		o.GroupID, o.Endpoint, o.Quota.Limit, o.Quota.Window.Milliseconds(), o.Note, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert override: %w", err)
	}
	s.invalidate()
	return nil
}

// DeleteOverride removes the override for (groupID, endpoint) and reports whether it existed.
func (s *OverrideStore) DeleteOverride(ctx context.Context, groupID, endpoint string) (bool, error) {
	if endpoint == "" {
		endpoint = ratelimit.AnyEndpoint
	}
	res, err := s.db.ExecContext(ctx, deleteOverrideSQL, groupID, endpoint)
	if err != nil {
		return false, fmt.Errorf("failed to delete override: %w", err)
	}
	s.invalidate()
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete override: %w", err)
	}
	return n > 0, nil
}

// ListOverrides returns every override sorted by group then endpoint.
func (s *OverrideStore) ListOverrides(ctx context.Context) ([]ratelimit.Override, error) {
	rows, err := s.db.QueryContext(ctx, listOverridesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ratelimit.Override
	for rows.Next() {
		var (
			o                  ratelimit.Override
			limit, windowMS    int64
			updatedAtUnixMilli int64
		)
		if err := rows.Scan(&o.GroupID, &o.Endpoint, &limit, &windowMS, &o.Note, &updatedAtUnixMilli); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.Quota = ratelimit.Quota{Limit: int(limit), Window: time.Duration(windowMS) * time.Millisecond}
		o.UpdatedAt = time.UnixMilli(updatedAtUnixMilli).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *OverrideStore) Close() error {
	return s.db.Close()
}

var _ ratelimit.OverrideResolver = (*OverrideStore)(nil)
