package state

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// DefaultRefreshInterval is how often the resolver re-reads the overrides file.
const DefaultRefreshInterval = time.Second

type overrideKey struct {
	group    string
	endpoint string
}

type overrideIndex map[overrideKey]ratelimit.Quota

// OverrideResolver serves group overrides from the overrides file.
// Lookups read an immutable in-memory index; the file is re-read at most
// once per refresh interval by whichever lookup notices the index is stale.
type OverrideResolver struct {
	store   *FileStateStore
	refresh time.Duration
	logger  *slog.Logger
	now     func() time.Time

	index     atomic.Pointer[overrideIndex]
	nextCheck atomic.Int64
	reloadMu  sync.Mutex
}

// NewOverrideResolver loads the file once and returns a resolver.
// refresh <= 0 uses DefaultRefreshInterval.
func NewOverrideResolver(store *FileStateStore, refresh time.Duration, logger *slog.Logger) (*OverrideResolver, error) {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &OverrideResolver{
		store:   store,
		refresh: refresh,
		logger:  logger,
		now:     time.Now,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ResolveOverride implements ratelimit.OverrideResolver.
// An exact endpoint entry wins over the group's wildcard entry.
// Entries are returned as stored; quota validation is the caller's job.
func (r *OverrideResolver) ResolveOverride(ctx context.Context, groupID, endpoint string) (ratelimit.Quota, bool, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Quota{}, false, err
	}
	r.maybeReload()

	idx := *r.index.Load()
	if q, ok := idx[overrideKey{groupID, endpoint}]; ok {
		return q, true, nil
	}
	if q, ok := idx[overrideKey{groupID, AllEndpoints}]; ok {
		return q, true, nil
	}
	return ratelimit.Quota{}, false, nil
}

// Reload re-reads the file and swaps the index. On error the previous index is kept.
func (r *OverrideResolver) Reload() error {
	st, err := r.store.Load()
	if err != nil {
		return err
	}
	idx := make(overrideIndex, len(st.Overrides))
	for _, e := range st.Overrides {
		idx[overrideKey{e.GroupID, e.Endpoint}] = e.Quota()
	}
	r.index.Store(&idx)
	r.nextCheck.Store(r.now().Add(r.refresh).UnixNano())
	return nil
}

// Len returns the number of loaded overrides.
func (r *OverrideResolver) Len() int {
	return len(*r.index.Load())
}

// maybeReload refreshes a stale index. Lookups that find another reload
// in progress keep serving the current index instead of waiting on file I/O.
// A failed reload is logged and the last good index stays in service.
func (r *OverrideResolver) maybeReload() {
	if r.now().UnixNano() < r.nextCheck.Load() {
		return
	}
	if !r.reloadMu.TryLock() {
		return
	}
	defer r.reloadMu.Unlock()

	if err := r.Reload(); err != nil {
		// Back off so a broken file is not re-read on every request.
		r.nextCheck.Store(r.now().Add(r.refresh).UnixNano())
		r.logger.Warn("failed to reload quota overrides, keeping previous index",
			"path", r.store.Path(),
			"overrides", r.Len(),
			"error", err,
		)
	}
}

var _ ratelimit.OverrideResolver = (*OverrideResolver)(nil)
