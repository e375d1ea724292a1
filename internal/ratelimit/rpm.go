// Package ratelimit implements Redis-backed sliding window rate limiting,
// shared across every gateway instance pointed at the same Redis — a
// cross-instance complement to the Key Pool's in-process, per-instance
// counters (internal/pool's KeyState windows).
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

// globalRateLimitKey namespaces the gateway-wide safety-valve counter.
// keyRateLimitPrefix namespaces the per-credential counters that AllowKey
// derives one sorted set per Gemini key from.
const (
	globalRateLimitKey = "gateway:ratelimit:global:rpm"
	keyRateLimitPrefix = "gateway:ratelimit:key:"
)

// RPMLimiter checks requests-per-minute limits — both the gateway-wide
// safety valve and, per credential, a distributed complement to the Key
// Pool's local windows — using Redis sliding windows.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates a new RPMLimiter with the given global RPM limit.
// rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow returns true if the current request is within the gateway-wide
// safety-valve limit.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	return r.check(ctx, globalRateLimitKey, r.rpmLimit)
}

// AllowKey returns true if credential is within limit requests per minute
// across every gateway instance sharing this Redis. The Key Pool's
// in-process sliding window (internal/pool's KeyState) already enforces
// this per-process; AllowKey closes the gap between sibling instances that
// don't share in-memory state, so a credential can't be driven over its
// configured RPM just by spreading requests across instances.
func (r *RPMLimiter) AllowKey(ctx context.Context, credential string, limit int) (bool, error) {
	return r.check(ctx, keyRateLimitPrefix+credential, limit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
