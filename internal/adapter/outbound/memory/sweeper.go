package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// DefaultSweepInterval is how often expired keys are removed when no interval is configured.
const DefaultSweepInterval = time.Minute

// SweepTarget names a limiter whose expired keys the Sweeper removes.
type SweepTarget struct {
	Name    string
	Limiter ratelimit.Prunable
}

// SweepReport summarizes one target after a sweep.
type SweepReport struct {
	Name      string
	Removed   int
	Remaining int
}

// Sweeper periodically prunes expired keys from every registered limiter
// to bound memory by the number of live keys.
// Safe to run alongside Allow: pruning takes the same shard locks and only
// removes keys whose newest entry is already outside that key's window.
type Sweeper struct {
	targets  []SweepTarget
	interval time.Duration
	logger   *slog.Logger
	onSweep  func([]SweepReport)

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewSweeper creates a sweeper. interval <= 0 uses DefaultSweepInterval.
func NewSweeper(interval time.Duration, logger *slog.Logger, targets ...SweepTarget) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		targets:  targets,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// OnSweep registers a callback invoked after every sweep.
// Must be called before StartCleanup.
func (s *Sweeper) OnSweep(fn func([]SweepReport)) {
	s.onSweep = fn
}

// Sweep prunes all targets once and returns per-target counts.
func (s *Sweeper) Sweep() []SweepReport {
	reports := make([]SweepReport, 0, len(s.targets))
	removed := 0
	for _, t := range s.targets {
		n := t.Limiter.PruneExpired()
		removed += n
		reports = append(reports, SweepReport{
			Name:      t.Name,
			Removed:   n,
			Remaining: t.Limiter.Size(),
		})
	}

	if removed > 0 {
		s.logger.Debug("rate limiter sweep completed", "removed_keys", removed)
	}
	if s.onSweep != nil {
		s.onSweep(reports)
	}
	return reports
}

// StartCleanup starts the background sweep goroutine.
// It stops when ctx is cancelled or Stop() is called.
func (s *Sweeper) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop gracefully stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
