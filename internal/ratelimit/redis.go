package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills one token every interval_ms up to capacity, takes
// one token if available and returns {allowed, tokens, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 then
	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals)
		last_refill = last_refill + (intervals * interval_ms)
	end
	if tokens >= capacity then
		last_refill = now_ms
	end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// RedisLimiter is a token-bucket limiter whose state lives in Redis, so
// every server instance shares the same buckets.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	rate   int
	window time.Duration
	now    func() time.Time
}

// NewRedis creates a RedisLimiter allowing rate requests per window. Keys are
// stored under prefix.
func NewRedis(client redis.Scripter, prefix string, rate int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		rate:   rate,
		window: window,
		now:    time.Now,
	}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

func (l *RedisLimiter) interval() time.Duration {
	return l.window / time.Duration(l.rate)
}

// Take runs the token-bucket script for key.
func (l *RedisLimiter) Take(ctx context.Context, key string) (Result, error) {
	now := l.now()
	interval := l.interval()
	ttl := int64(l.window/time.Second) + 1

	vals, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key},
		now.UnixMilli(), l.rate, interval.Milliseconds(), ttl,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("running rate limit script: %w", err)
	}
	return parseScriptResult(vals, l.rate, interval, now)
}

func parseScriptResult(vals any, rate int, interval time.Duration, now time.Time) (Result, error) {
	arr, ok := vals.([]any)
	if !ok || len(arr) != 3 {
		return Result{}, errors.New("unexpected rate limit script result")
	}

	tokens := int(asInt64(arr[1]))
	retry := time.Duration(asInt64(arr[2])) * time.Millisecond
	res := Result{
		Allowed:    asInt64(arr[0]) == 1,
		Limit:      rate,
		Remaining:  tokens,
		RetryAfter: retry,
		ResetAt:    now.Add(time.Duration(rate-tokens) * interval),
	}
	return res, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
