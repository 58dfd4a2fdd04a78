package integration

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/Quotagate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Quotagate/internal/service"
)

// buildPerfService wires the default table with generous limiters so the
// benchmarks measure the admission path rather than rejections.
func buildPerfService(t testing.TB) *service.AdmissionService {
	t.Helper()
	logger := testLogger()

	resolver, err := service.NewTierResolver(nil, logger)
	if err != nil {
		t.Fatalf("NewTierResolver: %v", err)
	}
	limiter := memory.NewRateLimiter()
	return service.NewAdmissionService(resolver, limiter, limiter, logger)
}

// perfRequest spreads load across 1000 actors in 50 enterprise groups.
func perfRequest(i int) ratelimit.Request {
	return ratelimit.Request{
		ActorID:  fmt.Sprintf("actor-%d", i%1000),
		GroupID:  fmt.Sprintf("group-%d", i%50),
		Tier:     ratelimit.TierEnterprise,
		Role:     ratelimit.RoleAdmin,
		Endpoint: ratelimit.EndpointRead,
	}
}

func BenchmarkAdmissionCheck(b *testing.B) {
	svc := buildPerfService(b)
	ctx := context.Background()

	i := 0
	b.ResetTimer()
	for b.Loop() {
		_, _ = svc.Check(ctx, perfRequest(i))
		i++
	}
}

func BenchmarkAdmissionCheckParallel(b *testing.B) {
	svc := buildPerfService(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = svc.Check(ctx, perfRequest(i))
			i++
		}
	})
}

// TestAdmissionCheckLatency runs admission checks under parallel load and
// asserts p50 and p99 stay under the build's thresholds.
func TestAdmissionCheckLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("latency test skipped in short mode")
	}
	svc := buildPerfService(t)

	numGoroutines := runtime.GOMAXPROCS(0)
	if numGoroutines < 2 {
		numGoroutines = 2
	}
	iterationsPerGoroutine := 2000 / numGoroutines
	if iterationsPerGoroutine < 100 {
		iterationsPerGoroutine = 100
	}

	var mu sync.Mutex
	latencies := make([]time.Duration, 0, numGoroutines*iterationsPerGoroutine)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = svc.Check(ctx, perfRequest(i))
	}

	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			local := make([]time.Duration, 0, iterationsPerGoroutine)
			for i := 0; i < iterationsPerGoroutine; i++ {
				start := time.Now()
				_, err := svc.Check(ctx, perfRequest(g*iterationsPerGoroutine+i))
				elapsed := time.Since(start)
				if err != nil {
					t.Errorf("Check() returned error: %v", err)
					return
				}
				local = append(local, elapsed)
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(g)
	}
	wg.Wait()

	if len(latencies) == 0 {
		t.Fatal("no latencies collected")
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50 := latencies[len(latencies)*50/100]
	p99 := latencies[min(len(latencies)*99/100, len(latencies)-1)]

	t.Logf("Admission check latency (n=%d, goroutines=%d):", len(latencies), numGoroutines)
	t.Logf("  p50:  %v", p50)
	t.Logf("  p99:  %v", p99)
	t.Logf("  max:  %v", latencies[len(latencies)-1])

	if p99 > perfP99Threshold {
		t.Errorf("p99 latency %v exceeds threshold %v", p99, perfP99Threshold)
	}
	if p50 > perfP50Threshold {
		t.Errorf("p50 latency %v exceeds threshold %v", p50, perfP50Threshold)
	}
}
