package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gateguard/gateguard/internal/domain"
)

// Lua scripts for atomic counter operations. Each script is a single Redis
// round trip, so concurrent checks from multiple gateway instances are
// serialized by the server and no update is lost.

// incrementScript increments a window counter, attaching the TTL only when
// the key is created so the window expiry is not pushed out by traffic.
// Keys: [counter_key]
// Args: [ttl_millis]
// Returns: post-increment count
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// takeTokensScript refills and consumes a token bucket in one operation.
// The refill adds floor(elapsed * rate) whole tokens; last_refill advances
// only when at least one token was added, so rapid denied retries cannot
// starve the refill curve. A denied take persists the refilled state.
// Keys: [bucket_key]
// Args: [capacity, refill_per_second, requested, now_millis, ttl_millis]
// Returns: {allowed, tokens (string), last_refill_millis}
var takeTokensScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
    tokens = capacity
    last = now
end

local elapsed = (now - last) / 1000
if elapsed > 0 then
    local added = math.floor(elapsed * refill)
    if added > 0 then
        tokens = math.min(capacity, tokens + added)
        last = now
    end
end

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    last = now
    allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(last))
redis.call('PEXPIRE', KEYS[1], ARGV[5])

return {allowed, tostring(tokens), tostring(last)}
`)

const (
	defaultOpTimeout = 250 * time.Millisecond
	probeCacheTTL    = 2 * time.Second
)

// RedisStore is the shared CounterStore used across gateway instances.
// Every operation is bounded by a short timeout; on any network or timeout
// error the caller receives domain.ErrStoreUnavailable and is expected to
// fall back to a local store.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
	health    *healthGate
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string, opTimeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opTimeout), nil
}

// NewRedisStoreWithClient wraps an existing client. Useful for sharing a
// connection pool and for tests.
func NewRedisStoreWithClient(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &RedisStore{
		client:    client,
		opTimeout: opTimeout,
		health:    newHealthGate(probeCacheTTL),
	}
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	count, err := incrementScript.Run(opCtx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		s.health.RecordFailure(time.Now())
		return 0, fmt.Errorf("increment %s: %w", key, domain.ErrStoreUnavailable)
	}

	s.health.RecordSuccess()
	return count, nil
}

func (s *RedisStore) TakeTokens(ctx context.Context, key string, capacity, refillPerSecond, requested float64, now time.Time) (BucketResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	ttl := bucketTTL(capacity, refillPerSecond)
	raw, err := takeTokensScript.Run(opCtx, s.client, []string{key},
		capacity, refillPerSecond, requested, now.UnixMilli(), ttl.Milliseconds()).Result()
	if err != nil {
		s.health.RecordFailure(time.Now())
		return BucketResult{}, fmt.Errorf("take tokens %s: %w", key, domain.ErrStoreUnavailable)
	}

	res, err := parseBucketReply(raw)
	if err != nil {
		s.health.RecordFailure(time.Now())
		return BucketResult{}, fmt.Errorf("take tokens %s: %w", key, domain.ErrStoreUnavailable)
	}

	s.health.RecordSuccess()
	return res, nil
}

func parseBucketReply(raw interface{}) (BucketResult, error) {
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return BucketResult{}, fmt.Errorf("unexpected script reply %v", raw)
	}

	allowed, ok := reply[0].(int64)
	if !ok {
		return BucketResult{}, fmt.Errorf("unexpected allowed value %v", reply[0])
	}

	tokensStr, ok := reply[1].(string)
	if !ok {
		return BucketResult{}, fmt.Errorf("unexpected tokens value %v", reply[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return BucketResult{}, fmt.Errorf("parse tokens: %w", err)
	}

	lastStr, ok := reply[2].(string)
	if !ok {
		return BucketResult{}, fmt.Errorf("unexpected last_refill value %v", reply[2])
	}
	lastMillis, err := strconv.ParseFloat(lastStr, 64)
	if err != nil {
		return BucketResult{}, fmt.Errorf("parse last_refill: %w", err)
	}

	return BucketResult{
		Allowed:      allowed == 1,
		Tokens:       tokens,
		LastRefillAt: time.UnixMilli(int64(lastMillis)),
	}, nil
}

// Available reports backend liveness. The probe result is cached briefly,
// and after repeated operation failures the gate stays open for a cooldown
// before a probe is attempted again.
func (s *RedisStore) Available(ctx context.Context) bool {
	now := time.Now()
	if s.health.Open(now) {
		return false
	}
	if ok, fresh := s.health.CachedProbe(now); fresh {
		return ok
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	err := s.client.Ping(probeCtx).Err()
	s.health.StoreProbe(now, err == nil)
	if err != nil {
		s.health.RecordFailure(now)
		return false
	}
	s.health.RecordSuccess()
	return true
}

// Reset deletes every counter for the subject and operation.
func (s *RedisStore) Reset(ctx context.Context, subjectID, operation string) error {
	for _, prefix := range resetKeyPrefixes(subjectID, operation) {
		iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", iter.Val(), domain.ErrStoreUnavailable)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", prefix, domain.ErrStoreUnavailable)
		}
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
