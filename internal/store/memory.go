package store

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
)

const shardCount = 16

// MemoryStore is the process-local CounterStore mirror used while the shared
// store is unreachable. It applies the same window and refill arithmetic as
// the Redis scripts, so for a single-process workload the two produce
// identical allow/deny sequences. Keys are sharded so concurrent checks on
// different subjects do not contend on one lock.
//
// A background sweep removes expired entries on a fixed interval independent
// of request traffic; it never runs inline with a check.
type MemoryStore struct {
	shards [shardCount]*shard
	nowFn  func() time.Time

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone sync.WaitGroup
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	buckets  map[string]*bucketEntry
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type bucketEntry struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{nowFn: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{
			counters: make(map[string]*counterEntry),
			buckets:  make(map[string]*bucketEntry),
		}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.nowFn()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.counters[key]
	if !ok || now.After(e.expiresAt) {
		e = &counterEntry{expiresAt: now.Add(ttl)}
		sh.counters[key] = e
	}
	e.count++

	return e.count, nil
}

func (s *MemoryStore) TakeTokens(ctx context.Context, key string, capacity, refillPerSecond, requested float64, now time.Time) (BucketResult, error) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.buckets[key]
	if !ok || now.After(e.expiresAt) {
		e = &bucketEntry{tokens: capacity, lastRefill: now}
		sh.buckets[key] = e
	}

	elapsed := now.Sub(e.lastRefill).Seconds()
	if elapsed > 0 {
		added := math.Floor(elapsed * refillPerSecond)
		if added > 0 {
			e.tokens = math.Min(capacity, e.tokens+added)
			e.lastRefill = now
		}
	}

	allowed := e.tokens >= requested
	if allowed {
		e.tokens -= requested
		e.lastRefill = now
	}
	e.expiresAt = now.Add(bucketTTL(capacity, refillPerSecond))

	return BucketResult{
		Allowed:      allowed,
		Tokens:       e.tokens,
		LastRefillAt: e.lastRefill,
	}, nil
}

// Available always reports true: the local mirror cannot be unreachable.
func (s *MemoryStore) Available(ctx context.Context) bool {
	return true
}

func (s *MemoryStore) Reset(ctx context.Context, subjectID, operation string) error {
	prefixes := resetKeyPrefixes(subjectID, operation)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key := range sh.counters {
			if hasAnyPrefix(key, prefixes) {
				delete(sh.counters, key)
			}
		}
		for key := range sh.buckets {
			if hasAnyPrefix(key, prefixes) {
				delete(sh.buckets, key)
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Start launches the background sweep. Idempotent.
func (s *MemoryStore) Start(interval time.Duration) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.sweepStop != nil {
		return
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone.Add(1)

	go func() {
		defer s.sweepDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepExpired(s.nowFn())
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// Stop terminates the background sweep and waits for it to finish.
func (s *MemoryStore) Stop() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	s.sweepDone.Wait()
	s.sweepStop = nil
}

// SweepExpired removes every entry whose TTL has elapsed.
func (s *MemoryStore) SweepExpired(now time.Time) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.counters {
			if now.After(e.expiresAt) {
				delete(sh.counters, key)
			}
		}
		for key, e := range sh.buckets {
			if now.After(e.expiresAt) {
				delete(sh.buckets, key)
			}
		}
		sh.mu.Unlock()
	}
}

// Len reports the number of live entries. Used by the sweep tests and the
// readiness handler.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.counters) + len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}
