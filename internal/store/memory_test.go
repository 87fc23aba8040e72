package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreIncrement(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		count, err := s.Increment(ctx, "rl:win:u1:op:60000:1", time.Minute)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if count != int64(i) {
			t.Errorf("expected count %d, got %d", i, count)
		}
	}

	// A different key counts independently.
	count, err := s.Increment(ctx, "rl:win:u2:op:60000:1", time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count 1 for fresh key, got %d", count)
	}
}

func TestMemoryStoreIncrementExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.nowFn = func() time.Time { return now }

	if _, err := s.Increment(ctx, "k", time.Second); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := s.Increment(ctx, "k", time.Second); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	// Past the TTL the counter starts over.
	now = now.Add(2 * time.Second)
	count, err := s.Increment(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected expired counter to restart at 1, got %d", count)
	}
}

func TestMemoryStoreIncrementConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "shared", time.Minute); err != nil {
				t.Errorf("Increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	count, err := s.Increment(ctx, "shared", time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != workers+1 {
		t.Errorf("expected %d after concurrent increments, got %d", workers+1, count)
	}
}

func TestMemoryStoreTakeTokens(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	// Capacity 5, refill 1/s: five takes drain the bucket.
	for i := 0; i < 5; i++ {
		res, err := s.TakeTokens(ctx, "b", 5, 1, 1, now)
		if err != nil {
			t.Fatalf("TakeTokens failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("take %d should be allowed", i+1)
		}
	}

	res, err := s.TakeTokens(ctx, "b", 5, 1, 1, now)
	if err != nil {
		t.Fatalf("TakeTokens failed: %v", err)
	}
	if res.Allowed {
		t.Error("sixth take on an empty bucket should be denied")
	}
	if res.Tokens != 0 {
		t.Errorf("expected 0 tokens, got %v", res.Tokens)
	}

	// Two seconds later two whole tokens have refilled.
	later := now.Add(2 * time.Second)
	for i := 0; i < 2; i++ {
		res, err = s.TakeTokens(ctx, "b", 5, 1, 1, later)
		if err != nil {
			t.Fatalf("TakeTokens failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("refilled take %d should be allowed", i+1)
		}
	}
	res, err = s.TakeTokens(ctx, "b", 5, 1, 1, later)
	if err != nil {
		t.Fatalf("TakeTokens failed: %v", err)
	}
	if res.Allowed {
		t.Error("third take after a 2s refill should be denied")
	}
}

func TestMemoryStoreTakeTokensPartialRefillNotLost(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	// Drain the bucket.
	for i := 0; i < 2; i++ {
		if _, err := s.TakeTokens(ctx, "b", 2, 1, 1, now); err != nil {
			t.Fatalf("TakeTokens failed: %v", err)
		}
	}

	// Denied polls at sub-token intervals must not reset the refill clock:
	// after a full second of polling every 100ms one token is available.
	for i := 1; i <= 9; i++ {
		res, err := s.TakeTokens(ctx, "b", 2, 1, 1, now.Add(time.Duration(i)*100*time.Millisecond))
		if err != nil {
			t.Fatalf("TakeTokens failed: %v", err)
		}
		if res.Allowed {
			t.Fatalf("poll at %dms should be denied", i*100)
		}
	}

	res, err := s.TakeTokens(ctx, "b", 2, 1, 1, now.Add(time.Second))
	if err != nil {
		t.Fatalf("TakeTokens failed: %v", err)
	}
	if !res.Allowed {
		t.Error("take at +1s should be allowed after refill")
	}
}

func TestMemoryStoreTakeTokensCapacityCap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if _, err := s.TakeTokens(ctx, "b", 3, 1, 1, now); err != nil {
		t.Fatalf("TakeTokens failed: %v", err)
	}

	// A long idle period refills to capacity, never beyond.
	res, err := s.TakeTokens(ctx, "b", 3, 1, 1, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("TakeTokens failed: %v", err)
	}
	if res.Tokens != 2 {
		t.Errorf("expected 2 tokens after take from a full bucket, got %v", res.Tokens)
	}
}

func TestMemoryStoreTakeTokensConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	const workers = 20
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TakeTokens(ctx, "b", 5, 1, 1, now)
			if err != nil {
				t.Errorf("TakeTokens failed: %v", err)
				return
			}
			results <- res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected exactly 5 allowed takes, got %d", allowed)
	}
}

func TestMemoryStoreReset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Increment(ctx, WindowKey("u1", "op", 60000, 1), time.Minute); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := s.TakeTokens(ctx, BucketKey("u1", "op"), 5, 1, 1, now); err != nil {
		t.Fatalf("TakeTokens failed: %v", err)
	}
	if _, err := s.Increment(ctx, WindowKey("u2", "op", 60000, 1), time.Minute); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	if err := s.Reset(ctx, "u1", "op"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	count, err := s.Increment(ctx, WindowKey("u1", "op", 60000, 1), time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected reset counter to restart at 1, got %d", count)
	}

	// Other subjects are untouched.
	count, err = s.Increment(ctx, WindowKey("u2", "op", 60000, 1), time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected unrelated counter at 2, got %d", count)
	}
}

func TestMemoryStoreSweepExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	s.nowFn = func() time.Time { return now }

	if _, err := s.Increment(ctx, "short", time.Second); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := s.Increment(ctx, "long", time.Hour); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := s.TakeTokens(ctx, "bucket", 5, 1, 1, now); err != nil {
		t.Fatalf("TakeTokens failed: %v", err)
	}

	if s.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", s.Len())
	}

	s.SweepExpired(now.Add(2 * time.Second))

	if s.Len() != 2 {
		t.Errorf("expected 2 entries after sweep, got %d", s.Len())
	}
}

func TestMemoryStoreSweepStartStop(t *testing.T) {
	s := NewMemoryStore()
	s.Start(10 * time.Millisecond)
	s.Start(10 * time.Millisecond) // idempotent
	s.Stop()
	s.Stop()
}
