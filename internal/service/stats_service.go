// Package service contains application services.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// StatsService tracks admission statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple goroutines.
// It implements AdmissionObserver.
type StatsService struct {
	allowed          atomic.Int64
	actorRejected    atomic.Int64
	groupRejected    atomic.Int64
	misuse           atomic.Int64
	limiterErrors    atomic.Int64
	overrideFallback atomic.Int64

	// Per-endpoint counters (mutex-protected map).
	mu             sync.Mutex
	endpointCounts map[string]int64
	fallbackCounts map[string]int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		endpointCounts: make(map[string]int64),
		fallbackCounts: make(map[string]int64),
	}
}

// ObserveDecision counts the decision by outcome and endpoint.
func (s *StatsService) ObserveDecision(_ context.Context, d ratelimit.Decision, _ time.Duration) {
	switch {
	case d.Allowed:
		s.allowed.Add(1)
	case d.Layer == ratelimit.LayerActor:
		s.actorRejected.Add(1)
	case d.Layer == ratelimit.LayerGroup:
		s.groupRejected.Add(1)
	}
	s.recordEndpoint(d.Endpoint)
}

// ObserveError counts misuse and backend failures separately.
func (s *StatsService) ObserveError(_ context.Context, _ string, err error) {
	if errors.Is(err, ratelimit.ErrInvalidRequest) {
		s.misuse.Add(1)
		return
	}
	s.limiterErrors.Add(1)
}

// ObserveOverrideFallback counts override lookups that fell back to the tier table.
func (s *StatsService) ObserveOverrideFallback(_ context.Context, reason string) {
	s.overrideFallback.Add(1)
	s.mu.Lock()
	s.fallbackCounts[reason]++
	s.mu.Unlock()
}

func (s *StatsService) recordEndpoint(endpoint string) {
	if endpoint == "" {
		return
	}
	s.mu.Lock()
	s.endpointCounts[endpoint]++
	s.mu.Unlock()
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed           int64            `json:"allowed"`
	ActorRejected     int64            `json:"actor_rejected"`
	GroupRejected     int64            `json:"group_rejected"`
	Misuse            int64            `json:"misuse"`
	LimiterErrors     int64            `json:"limiter_errors"`
	OverrideFallbacks int64            `json:"override_fallbacks"`
	EndpointCounts    map[string]int64 `json:"endpoint_counts"`
	FallbackReasons   map[string]int64 `json:"fallback_reasons"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	ec := make(map[string]int64, len(s.endpointCounts))
	for k, v := range s.endpointCounts {
		ec[k] = v
	}
	fc := make(map[string]int64, len(s.fallbackCounts))
	for k, v := range s.fallbackCounts {
		fc[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:           s.allowed.Load(),
		ActorRejected:     s.actorRejected.Load(),
		GroupRejected:     s.groupRejected.Load(),
		Misuse:            s.misuse.Load(),
		LimiterErrors:     s.limiterErrors.Load(),
		OverrideFallbacks: s.overrideFallback.Load(),
		EndpointCounts:    ec,
		FallbackReasons:   fc,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.actorRejected.Store(0)
	s.groupRejected.Store(0)
	s.misuse.Store(0)
	s.limiterErrors.Store(0)
	s.overrideFallback.Store(0)

	s.mu.Lock()
	s.endpointCounts = make(map[string]int64)
	s.fallbackCounts = make(map[string]int64)
	s.mu.Unlock()
}

var _ AdmissionObserver = (*StatsService)(nil)
