package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlidingWindow implements a distributed sliding-window rate limiter using
// Redis. Each accepted request timestamp lives in a per-client sorted set;
// the check and the increment happen inside one Lua script so concurrent
// requests from the same client cannot race past the limit.
type SlidingWindow struct {
	client *redis.Client
	window time.Duration
}

// NewSlidingWindow constructs a limiter over the given trailing window.
func NewSlidingWindow(client *redis.Client, window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{client: client, window: window}
}

// Decision reports the outcome of one rate check.
type Decision struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetAt   time.Time
}

// Allow records the request under key if the trailing-window count is below
// limit. Rejected requests are not recorded, so a burst of rejections does
// not extend the penalty.
func (w *SlidingWindow) Allow(ctx context.Context, key string, limit int, member string) (Decision, error) {
	now := time.Now()
	res, err := windowScript.Run(ctx, w.client, []string{key},
		now.UnixMilli(), w.window.Milliseconds(), limit, member,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("unexpected result from rate limit script: %v", res)
	}

	allowed := toInt64(arr[0]) == 1
	count := toInt64(arr[1])
	d := Decision{Allowed: allowed, Count: count}
	if remaining := int64(limit) - count; remaining > 0 {
		d.Remaining = remaining
	}
	if allowed {
		d.ResetAt = now.Add(w.window)
	} else {
		d.ResetAt = time.UnixMilli(toInt64(arr[2]))
	}
	return d, nil
}

// Usage returns the current window count and reset time without recording
// a request.
func (w *SlidingWindow) Usage(ctx context.Context, key string, limit int) (Decision, error) {
	now := time.Now()
	res, err := usageScript.Run(ctx, w.client, []string{key},
		now.UnixMilli(), w.window.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit usage: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected result from usage script: %v", res)
	}
	count := toInt64(arr[0])
	d := Decision{Allowed: count < int64(limit), Count: count, ResetAt: time.UnixMilli(toInt64(arr[1]))}
	if remaining := int64(limit) - count; remaining > 0 {
		d.Remaining = remaining
	}
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local reset = now + window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then reset = tonumber(oldest[2]) + window end
  return {0, count, reset}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window * 2)
return {1, count + 1, 0}
`)

var usageScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then reset = tonumber(oldest[2]) + window end
return {count, reset}
`)
