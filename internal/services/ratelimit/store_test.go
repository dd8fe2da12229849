package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryCounterStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	key := CounterKey{Dimension: DimensionIP, Value: "1.2.3.4", Kind: WindowMinute, WindowStart: WindowStart(WindowMinute, now)}

	t.Run("peek on missing key reads zero", func(t *testing.T) {
		store := NewMemoryCounterStore()
		count, err := store.Peek(ctx, key)
		if err != nil {
			t.Fatalf("Peek() error = %v", err)
		}
		if count != 0 {
			t.Errorf("Peek() = %d, want 0", count)
		}
	})

	t.Run("increment creates then counts up", func(t *testing.T) {
		store := NewMemoryCounterStore()
		for want := int64(1); want <= 3; want++ {
			got, err := store.IncrementAndGet(ctx, key)
			if err != nil {
				t.Fatalf("IncrementAndGet() error = %v", err)
			}
			if got != want {
				t.Errorf("IncrementAndGet() = %d, want %d", got, want)
			}
		}

		count, _ := store.Peek(ctx, key)
		if count != 3 {
			t.Errorf("Peek() after increments = %d, want 3", count)
		}
	})

	t.Run("distinct windows use distinct counters", func(t *testing.T) {
		store := NewMemoryCounterStore()
		if _, err := store.IncrementAndGet(ctx, key); err != nil {
			t.Fatal(err)
		}

		next := key
		next.WindowStart = key.WindowStart.Add(WindowMinute.Granularity())
		count, err := store.IncrementAndGet(ctx, next)
		if err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("Fresh window counter = %d, want 1", count)
		}
	})

	t.Run("concurrent increments lose nothing", func(t *testing.T) {
		store := NewMemoryCounterStore()
		const workers = 100

		results := make(chan int64, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				count, err := store.IncrementAndGet(ctx, key)
				if err != nil {
					t.Errorf("IncrementAndGet() error = %v", err)
					return
				}
				results <- count
			}()
		}
		wg.Wait()
		close(results)

		seen := make(map[int64]bool)
		for count := range results {
			if seen[count] {
				t.Errorf("Duplicate count %d returned", count)
			}
			seen[count] = true
		}
		for want := int64(1); want <= workers; want++ {
			if !seen[want] {
				t.Errorf("Count %d never returned", want)
			}
		}

		final, _ := store.Peek(ctx, key)
		if final != workers {
			t.Errorf("Final count = %d, want %d", final, workers)
		}
	})

	t.Run("delete removes only dead windows", func(t *testing.T) {
		store := NewMemoryCounterStore()

		old := CounterKey{Dimension: DimensionIP, Value: "1.2.3.4", Kind: WindowMinute,
			WindowStart: WindowStart(WindowMinute, now.AddDate(0, 0, -10))}
		if _, err := store.IncrementAndGet(ctx, old); err != nil {
			t.Fatal(err)
		}
		if _, err := store.IncrementAndGet(ctx, key); err != nil {
			t.Fatal(err)
		}

		deleted, err := store.DeleteOlderThan(ctx, now.AddDate(0, 0, -7))
		if err != nil {
			t.Fatalf("DeleteOlderThan() error = %v", err)
		}
		if deleted != 1 {
			t.Errorf("DeleteOlderThan() = %d, want 1", deleted)
		}

		if count, _ := store.Peek(ctx, key); count != 1 {
			t.Errorf("Live counter was touched, count = %d", count)
		}
		if count, _ := store.Peek(ctx, old); count != 0 {
			t.Errorf("Dead counter survived, count = %d", count)
		}
	})
}

func TestMemoryCounterStoreStats(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	store := NewMemoryCounterStore()

	dayKey := func(value string) CounterKey {
		return CounterKey{Dimension: DimensionIP, Value: value, Kind: WindowDay, WindowStart: WindowStart(WindowDay, now)}
	}

	for i := 0; i < 5; i++ {
		if _, err := store.IncrementAndGet(ctx, dayKey("1.1.1.1")); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := store.IncrementAndGet(ctx, dayKey("2.2.2.2")); err != nil {
			t.Fatal(err)
		}
	}
	// Email counters must not leak into the IP report.
	emailKey := CounterKey{Dimension: DimensionEmail, Value: "abc123", Kind: WindowDay, WindowStart: WindowStart(WindowDay, now)}
	if _, err := store.IncrementAndGet(ctx, emailKey); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx, DimensionIP, now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if stats.UniqueValues != 2 {
		t.Errorf("UniqueValues = %d, want 2", stats.UniqueValues)
	}
	if stats.TotalRequests != 7 {
		t.Errorf("TotalRequests = %d, want 7", stats.TotalRequests)
	}
	if len(stats.TopOffenders) != 2 {
		t.Fatalf("TopOffenders has %d entries, want 2", len(stats.TopOffenders))
	}
	if stats.TopOffenders[0].Value != "1.1.1.1" || stats.TopOffenders[0].Requests != 5 {
		t.Errorf("Top offender = %+v, want 1.1.1.1 with 5", stats.TopOffenders[0])
	}
}

func TestMemoryBlockStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	t.Run("no block for clean identity", func(t *testing.T) {
		store := NewMemoryBlockStore()
		rec, err := store.ActiveBlock(ctx, DimensionIP, "1.2.3.4", now)
		if err != nil {
			t.Fatalf("ActiveBlock() error = %v", err)
		}
		if rec != nil {
			t.Errorf("Expected no block, got %+v", rec)
		}
	})

	t.Run("add then find active block", func(t *testing.T) {
		store := NewMemoryBlockStore()
		added, err := store.AddBlock(ctx, DimensionIP, "1.2.3.4", "exceeded burst", now, time.Minute)
		if err != nil {
			t.Fatalf("AddBlock() error = %v", err)
		}
		if added.ID == "" {
			t.Error("Expected block record to carry an ID")
		}
		if !added.ExpiresAt.Equal(now.Add(time.Minute)) {
			t.Errorf("ExpiresAt = %s, want %s", added.ExpiresAt, now.Add(time.Minute))
		}

		rec, err := store.ActiveBlock(ctx, DimensionIP, "1.2.3.4", now.Add(30*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if rec == nil {
			t.Fatal("Expected an active block")
		}
		if rec.Reason != "exceeded burst" {
			t.Errorf("Reason = %q, want %q", rec.Reason, "exceeded burst")
		}
	})

	t.Run("expired block no longer binds", func(t *testing.T) {
		store := NewMemoryBlockStore()
		if _, err := store.AddBlock(ctx, DimensionIP, "1.2.3.4", "exceeded burst", now, time.Minute); err != nil {
			t.Fatal(err)
		}

		rec, err := store.ActiveBlock(ctx, DimensionIP, "1.2.3.4", now.Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil {
			t.Errorf("Expected block to expire exactly at expires_at, got %+v", rec)
		}
	})

	t.Run("soonest expiry wins with stacked blocks", func(t *testing.T) {
		store := NewMemoryBlockStore()
		if _, err := store.AddBlock(ctx, DimensionIP, "1.2.3.4", "exceeded hour", now, 15*time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, err := store.AddBlock(ctx, DimensionIP, "1.2.3.4", "exceeded burst", now, time.Minute); err != nil {
			t.Fatal(err)
		}

		rec, err := store.ActiveBlock(ctx, DimensionIP, "1.2.3.4", now)
		if err != nil {
			t.Fatal(err)
		}
		if rec == nil || rec.Reason != "exceeded burst" {
			t.Errorf("Expected the soonest-expiring block, got %+v", rec)
		}
	})

	t.Run("deactivate clears and is idempotent", func(t *testing.T) {
		store := NewMemoryBlockStore()
		if _, err := store.AddBlock(ctx, DimensionIP, "1.2.3.4", "exceeded minute", now, 5*time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, err := store.AddBlock(ctx, DimensionIP, "1.2.3.4", "exceeded hour", now, 15*time.Minute); err != nil {
			t.Fatal(err)
		}

		affected, err := store.Deactivate(ctx, DimensionIP, "1.2.3.4")
		if err != nil {
			t.Fatal(err)
		}
		if affected != 2 {
			t.Errorf("Deactivate() = %d, want 2", affected)
		}

		rec, _ := store.ActiveBlock(ctx, DimensionIP, "1.2.3.4", now)
		if rec != nil {
			t.Errorf("Expected no active block after deactivation, got %+v", rec)
		}

		again, err := store.Deactivate(ctx, DimensionIP, "1.2.3.4")
		if err != nil {
			t.Fatal(err)
		}
		if again != 0 {
			t.Errorf("Second Deactivate() = %d, want 0", again)
		}
	})

	t.Run("deactivate expired leaves live blocks alone", func(t *testing.T) {
		store := NewMemoryBlockStore()
		if _, err := store.AddBlock(ctx, DimensionIP, "1.1.1.1", "exceeded burst", now.Add(-2*time.Minute), time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, err := store.AddBlock(ctx, DimensionIP, "2.2.2.2", "exceeded hour", now, 15*time.Minute); err != nil {
			t.Fatal(err)
		}

		affected, err := store.DeactivateExpired(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if affected != 1 {
			t.Errorf("DeactivateExpired() = %d, want 1", affected)
		}

		active, err := store.CountActive(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if active != 1 {
			t.Errorf("CountActive() = %d, want 1", active)
		}
	})

	t.Run("count since sees deactivated history", func(t *testing.T) {
		store := NewMemoryBlockStore()
		if _, err := store.AddBlock(ctx, DimensionEmail, "hash", "exceeded minute", now.Add(-time.Hour), 5*time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Deactivate(ctx, DimensionEmail, "hash"); err != nil {
			t.Fatal(err)
		}
		if _, err := store.AddBlock(ctx, DimensionEmail, "hash", "exceeded minute", now, 5*time.Minute); err != nil {
			t.Fatal(err)
		}

		count, err := store.CountSince(ctx, DimensionEmail, "hash", now.Add(-24*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if count != 2 {
			t.Errorf("CountSince() = %d, want 2", count)
		}
	})
}
