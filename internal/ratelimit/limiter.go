package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tierproxy:rl:"

// LimitResult is the outcome of a rate limit check.
type LimitResult struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter performs sliding-window rate limiting backed by Redis sorted sets.
type Limiter struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewLimiter creates a new rate limiter. If rdb is nil, all checks pass (fail open).
func NewLimiter(rdb redis.UniversalClient) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now}
}

// slidingWindowScript atomically removes expired entries, then admits the
// request if the window has room.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro)
// ARGV[3] = limit
// ARGV[4] = TTL seconds for the key
// Returns: [current_count, 1=allowed/0=denied, oldest score in window or 0]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
    redis.call('EXPIRE', key, ttl)
    return {count + 1, 1, 0}
end

redis.call('EXPIRE', key, ttl)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = 0
if oldest[2] then
    oldest_score = tonumber(oldest[2])
end
return {count, 0, oldest_score}
`)

// Check performs a sliding-window rate limit check on key. Redis errors are
// returned alongside an allowing result.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (LimitResult, error) {
	now := l.now()
	open := LimitResult{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: now.Add(window)}
	if l.rdb == nil || limit <= 0 {
		return open, nil
	}

	ttlSecs := int64(window.Seconds()) + 1
	result, err := slidingWindowScript.Run(ctx, l.rdb, []string{keyPrefix + key},
		now.Add(-window).UnixMicro(), now.UnixMicro(), limit, ttlSecs,
	).Int64Slice()
	if err != nil {
		return open, fmt.Errorf("rate limit script: %w", err)
	}
	if len(result) < 3 {
		return open, fmt.Errorf("rate limit script: unexpected result %v", result)
	}

	return evaluate(now, limit, window, result[0], result[1] == 1, result[2]), nil
}

func evaluate(now time.Time, limit int64, window time.Duration, count int64, allowed bool, oldestMicro int64) LimitResult {
	res := LimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   now.Add(window),
	}
	if allowed {
		return res
	}
	if oldestMicro > 0 {
		res.ResetAt = time.UnixMicro(oldestMicro).Add(window)
	}
	res.RetryAfter = max(res.ResetAt.Sub(now), time.Second)
	return res
}
