package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

func TestSweeper_SweepReports(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	actor := NewRateLimiter(WithClock(clock.Now))
	group := NewRateLimiter(WithClock(clock.Now))

	quota := ratelimit.Quota{Limit: 5, Window: 10 * time.Second}
	for i := 0; i < 3; i++ {
		_, _ = actor.Allow(context.Background(), fmt.Sprintf("actor-%d", i), quota, 1)
	}
	_, _ = group.Allow(context.Background(), "group-a", ratelimit.Quota{Limit: 5, Window: time.Hour}, 1)

	sweeper := NewSweeper(time.Minute, slog.Default(),
		SweepTarget{Name: "actor", Limiter: actor},
		SweepTarget{Name: "group", Limiter: group},
	)

	var got []SweepReport
	sweeper.OnSweep(func(r []SweepReport) { got = r })

	clock.Advance(time.Minute)
	reports := sweeper.Sweep()

	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].Name != "actor" || reports[0].Removed != 3 || reports[0].Remaining != 0 {
		t.Errorf("actor report = %+v, want removed=3 remaining=0", reports[0])
	}
	if reports[1].Name != "group" || reports[1].Removed != 0 || reports[1].Remaining != 1 {
		t.Errorf("group report = %+v, want removed=0 remaining=1", reports[1])
	}
	if len(got) != 2 {
		t.Error("OnSweep callback was not invoked with the reports")
	}
}

func TestSweeper_DefaultInterval(t *testing.T) {
	t.Parallel()

	s := NewSweeper(0, nil)
	if s.interval != DefaultSweepInterval {
		t.Errorf("interval = %v, want %v", s.interval, DefaultSweepInterval)
	}
}

func TestSweeper_BackgroundCleanup(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	sweeper := NewSweeper(20*time.Millisecond, slog.Default(), SweepTarget{Name: "actor", Limiter: limiter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.StartCleanup(ctx)
	defer sweeper.Stop()

	quota := ratelimit.Quota{Limit: 10, Window: 50 * time.Millisecond}
	keys := []string{"cleanup-key-1", "cleanup-key-2", "cleanup-key-3"}
	for _, key := range keys {
		if _, err := limiter.Allow(ctx, key, quota, 1); err != nil {
			t.Fatalf("Allow() error for %s: %v", key, err)
		}
	}

	// Wait longer than the window plus a few sweep intervals.
	deadline := time.Now().Add(2 * time.Second)
	for limiter.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if size := limiter.Size(); size != 0 {
		t.Errorf("Expected 0 keys after cleanup, got %d", size)
	}
}

func TestSweeperNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewRateLimiter()
	sweeper := NewSweeper(10*time.Millisecond, slog.Default(), SweepTarget{Name: "actor", Limiter: limiter})

	ctx, cancel := context.WithCancel(context.Background())
	sweeper.StartCleanup(ctx)

	quota := ratelimit.Quota{Limit: 10, Window: 20 * time.Millisecond}
	for i := 0; i < 10; i++ {
		_, _ = limiter.Allow(ctx, "leak-test-key", quota, 1)
	}

	time.Sleep(50 * time.Millisecond)

	cancel()
	sweeper.Stop()

	// goleak.VerifyNone will fail if any goroutines are still running
}

func TestSweeperContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	sweeper := NewSweeper(time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	sweeper.StartCleanup(ctx)

	// Cancelling alone must end the goroutine; Stop only waits for it.
	cancel()
	sweeper.Stop()
}

func TestSweeperStopMultipleCalls(t *testing.T) {
	t.Parallel()

	sweeper := NewSweeper(100*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.StartCleanup(ctx)

	// Repeated Stop calls must not panic (sync.Once protection)
	sweeper.Stop()
	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeperConcurrentAccessDuringCleanup(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	sweeper := NewSweeper(time.Millisecond, slog.Default(), SweepTarget{Name: "actor", Limiter: limiter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.StartCleanup(ctx)
	defer sweeper.Stop()

	// Short window so the sweeper removes keys while callers keep writing them.
	quota := ratelimit.Quota{Limit: 1000, Window: 5 * time.Millisecond}

	var wg sync.WaitGroup
	stopCh := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("concurrent-cleanup-key-%d", id%4)
			for {
				select {
				case <-stopCh:
					return
				default:
					r, err := limiter.Allow(ctx, key, quota, 1)
					if err != nil {
						t.Errorf("Allow() error: %v", err)
						return
					}
					if !r.Allowed {
						t.Errorf("request should be allowed under a 1000 limit")
						return
					}
					time.Sleep(100 * time.Microsecond)
				}
			}
		}(i)
	}

	time.Sleep(200 * time.Millisecond)
	close(stopCh)
	wg.Wait()
}
