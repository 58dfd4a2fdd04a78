// Package redisstore serves per-group quota overrides from Redis hashes.
//
// Each group is one hash at "<prefix>:<group>" whose fields are endpoints
// (or "*") and whose values are JSON-encoded overrides. Operators can edit
// the hashes directly or through the CLI.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "quotagate:overrides"

// ErrInvalidOverride is returned when an override cannot be enforced.
var ErrInvalidOverride = errors.New("invalid quota override")

// storedOverride is the hash field value.
type storedOverride struct {
	Limit     int    `json:"limit"`
	WindowMS  int64  `json:"window_ms"`
	Note      string `json:"note,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// OverrideStore is a Redis-backed ratelimit.OverrideResolver with editing operations.
type OverrideStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures OverrideStore.
type Option func(*OverrideStore)

// WithPrefix sets the key prefix. Surrounding colons are trimmed.
func WithPrefix(prefix string) Option {
	return func(s *OverrideStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// NewOverrideStore wraps a Redis client.
func NewOverrideStore(rdb redis.UniversalClient, opts ...Option) *OverrideStore {
	s := &OverrideStore{
		rdb:    rdb,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewClient builds a client for addr with timeouts suited to per-request lookups.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		MaxRetries:   1,
	})
}

func (s *OverrideStore) key(groupID string) string {
	return s.prefix + ":" + groupID
}

// ResolveOverride implements ratelimit.OverrideResolver.
// The exact endpoint field wins over the "*" field.
func (s *OverrideStore) ResolveOverride(ctx context.Context, groupID, endpoint string) (ratelimit.Quota, bool, error) {
	vals, err := s.rdb.HMGet(ctx, s.key(groupID), endpoint, ratelimit.AnyEndpoint).Result()
	if err != nil {
		return ratelimit.Quota{}, false, fmt.Errorf("redis override lookup: %w", err)
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		so, err := decode(raw)
		if err != nil {
			return ratelimit.Quota{}, false, fmt.Errorf("redis override for group %q: %w", groupID, err)
		}
		return so.quota(), true, nil
	}
	return ratelimit.Quota{}, false, nil
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

	data, err := json.Marshal(storedOverride{
		Limit:     o.Quota.Limit,
		WindowMS:  o.Quota.Window.Milliseconds(),
		Note:      o.Note,
		UpdatedAt: s.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal override: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key(o.GroupID), o.Endpoint, data).Err(); err != nil {
		return fmt.Errorf("redis set override: %w", err)
	}
	return nil
}

// DeleteOverride removes the override for (groupID, endpoint) and reports whether it existed.
func (s *OverrideStore) DeleteOverride(ctx context.Context, groupID, endpoint string) (bool, error) {
	if endpoint == "" {
		endpoint = ratelimit.AnyEndpoint
	}
	n, err := s.rdb.HDel(ctx, s.key(groupID), endpoint).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete override: %w", err)
	}
	return n > 0, nil
}

// ListOverrides scans every group hash under the prefix.
// Sorted by group then endpoint. Values that fail to decode are skipped.
func (s *OverrideStore) ListOverrides(ctx context.Context) ([]ratelimit.Override, error) {
	var out []ratelimit.Override
	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list overrides: %w", err)
		}
		groupID := strings.TrimPrefix(key, s.prefix+":")
		for endpoint, raw := range fields {
			so, err := decode(raw)
			if err != nil {
				continue
			}
			out = append(out, ratelimit.Override{
				GroupID:   groupID,
				Endpoint:  endpoint,
				Quota:     so.quota(),
				Note:      so.Note,
				UpdatedAt: time.UnixMilli(so.UpdatedAt).UTC(),
			})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis list overrides: %w", err)
	}

	slices.SortFunc(out, func(a, b ratelimit.Override) int {
		if c := strings.Compare(a.GroupID, b.GroupID); c != 0 {
			return c
		}
		return strings.Compare(a.Endpoint, b.Endpoint)
	})
	return out, nil
}

// Ping checks connectivity.
func (s *OverrideStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *OverrideStore) Close() error {
	return s.rdb.Close()
}

func decode(raw string) (storedOverride, error) {
	var so storedOverride
	if err := json.Unmarshal([]byte(raw), &so); err != nil {
		return storedOverride{}, fmt.Errorf("decode override: %w", err)
	}
	return so, nil
}

func (so storedOverride) quota() ratelimit.Quota {
	return ratelimit.Quota{
		Limit:  so.Limit,
		Window: time.Duration(so.WindowMS) * time.Millisecond,
	}
}

var _ ratelimit.OverrideResolver = (*OverrideStore)(nil)
