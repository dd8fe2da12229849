package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestSnapshotMissingWindowsAreZero(t *testing.T) {
	reporter := NewReporter(NewMemoryCounterStore(), NewMemoryBlockStore())

	usage, err := reporter.Snapshot(context.Background(), Identity{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	for _, key := range []string{"ip_minute", "ip_hour", "ip_day"} {
		count, ok := usage[key]
		if !ok {
			t.Errorf("Snapshot() missing key %q", key)
		}
		if count != 0 {
			t.Errorf("Snapshot() %s = %d, want 0", key, count)
		}
	}
}

func TestSnapshotIncludesEmailDimension(t *testing.T) {
	counters := NewMemoryCounterStore()
	blocks := NewMemoryBlockStore()
	clock := newFakeClock(testBase)

	svc := NewService(counters, blocks, Config{})
	svc.now = clock.Now

	hash := HashEmail("user@example.org")
	identity := Identity{IP: "1.2.3.4", EmailHash: hash, Tier: TierAuthenticated}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if decision, _ := svc.Check(ctx, identity); !decision.Allowed {
			t.Fatal("Setup request should pass")
		}
	}

	reporter := NewReporter(counters, blocks)
	reporter.now = clock.Now

	usage, err := reporter.Snapshot(ctx, identity)
	if err != nil {
		t.Fatal(err)
	}
	if usage["ip_minute"] != 3 {
		t.Errorf("ip_minute = %d, want 3", usage["ip_minute"])
	}
	if usage["email_minute"] != 3 {
		t.Errorf("email_minute = %d, want 3", usage["email_minute"])
	}
}

func TestSnapshotRequiresIP(t *testing.T) {
	reporter := NewReporter(NewMemoryCounterStore(), NewMemoryBlockStore())

	if _, err := reporter.Snapshot(context.Background(), Identity{}); err != ErrInvalidIdentity {
		t.Errorf("Snapshot() error = %v, want ErrInvalidIdentity", err)
	}
}

func TestAggregateStats(t *testing.T) {
	counters := NewMemoryCounterStore()
	blocks := NewMemoryBlockStore()
	clock := newFakeClock(testBase)
	ctx := context.Background()

	day := WindowStart(WindowDay, testBase)
	for ip, requests := range map[string]int{"1.1.1.1": 5, "2.2.2.2": 12, "3.3.3.3": 1} {
		key := CounterKey{Dimension: DimensionIP, Value: ip, Kind: WindowDay, WindowStart: day}
		for i := 0; i < requests; i++ {
			if _, err := counters.IncrementAndGet(ctx, key); err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := blocks.AddBlock(ctx, DimensionIP, "2.2.2.2", "exceeded minute", testBase, time.Hour); err != nil {
		t.Fatal(err)
	}

	reporter := NewReporter(counters, blocks)
	reporter.now = clock.Now

	stats, err := reporter.AggregateStats(ctx, 0)
	if err != nil {
		t.Fatalf("AggregateStats() error = %v", err)
	}
	if stats.Period != "24h0m0s" {
		t.Errorf("Period = %q, want the 24h default", stats.Period)
	}
	if stats.UniqueIPs != 3 {
		t.Errorf("UniqueIPs = %d, want 3", stats.UniqueIPs)
	}
	if stats.TotalRequests != 18 {
		t.Errorf("TotalRequests = %d, want 18", stats.TotalRequests)
	}
	if stats.ActiveBlocks != 1 {
		t.Errorf("ActiveBlocks = %d, want 1", stats.ActiveBlocks)
	}
	if len(stats.TopOffenders) != 3 {
		t.Fatalf("TopOffenders length = %d, want 3", len(stats.TopOffenders))
	}
	if stats.TopOffenders[0].Value != "2.2.2.2" || stats.TopOffenders[0].Requests != 12 {
		t.Errorf("Top offender = %+v, want 2.2.2.2 with 12 requests", stats.TopOffenders[0])
	}
}

func TestAggregateStatsCapsTopOffenders(t *testing.T) {
	counters := NewMemoryCounterStore()
	clock := newFakeClock(testBase)
	ctx := context.Background()

	day := WindowStart(WindowDay, testBase)
	for i := 0; i < 25; i++ {
		key := CounterKey{Dimension: DimensionIP, Value: fmt.Sprintf("10.0.0.%d", i), Kind: WindowDay, WindowStart: day}
		if _, err := counters.IncrementAndGet(ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	reporter := NewReporter(counters, NewMemoryBlockStore())
	reporter.now = clock.Now

	stats, err := reporter.AggregateStats(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.TopOffenders) != topOffenderLimit {
		t.Errorf("TopOffenders length = %d, want %d", len(stats.TopOffenders), topOffenderLimit)
	}
	if stats.UniqueIPs != 25 {
		t.Errorf("UniqueIPs = %d, want 25", stats.UniqueIPs)
	}
}
