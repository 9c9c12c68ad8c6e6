package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker implements a per-entity sliding-window operation counter in Redis.
// The Lua script makes check-and-consume atomic, which also serializes
// concurrent workers contending on the same entity.
type Tracker struct {
	client *redis.Client
	prefix string
}

// NewTracker constructs a tracker over an existing Redis client.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client, prefix: "quota:"}
}

// Decision is the outcome of a quota check. Delay is how long the caller must
// wait before the window opens again; it is zero whenever Allowed is true.
type Decision struct {
	Allowed bool
	Delay   time.Duration
}

// CheckAndConsume consumes one operation for the entity if the window has
// capacity. The window restarts lazily once `window` has elapsed since its
// start. `now` is supplied by the caller so the clock is injectable.
func (t *Tracker) CheckAndConsume(ctx context.Context, entityID string, limit int, window time.Duration, now time.Time) (Decision, error) {
	res, err := windowScript.Run(ctx, t.client, []string{t.prefix + entityID},
		limit, window.Milliseconds(), now.UnixMilli()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("quota check for %s: %w", entityID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected quota script result: %v", res)
	}
	allowed := arr[0].(int64) == 1
	var delayMs int64
	switch v := arr[1].(type) {
	case int64:
		delayMs = v
	case float64:
		delayMs = int64(v)
	}
	return Decision{Allowed: allowed, Delay: time.Duration(delayMs) * time.Millisecond}, nil
}

// Peek computes the delay a new operation would face right now without
// consuming quota. Used for the informational estimate on queued events.
func (t *Tracker) Peek(ctx context.Context, entityID string, limit int, window time.Duration, now time.Time) (time.Duration, error) {
	vals, err := t.client.HMGet(ctx, t.prefix+entityID, "count", "window_start").Result()
	if err != nil {
		return 0, fmt.Errorf("quota peek for %s: %w", entityID, err)
	}
	count, ok1 := asInt64(vals[0])
	start, ok2 := asInt64(vals[1])
	if !ok1 || !ok2 {
		return 0, nil
	}
	windowMs := window.Milliseconds()
	nowMs := now.UnixMilli()
	if nowMs-start >= windowMs || count < int64(limit) {
		return 0, nil
	}
	delay := start + windowMs - nowMs
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond, nil
}

func asInt64(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'count', 'window_start')
local count = tonumber(data[1])
local start = tonumber(data[2])

if count == nil or start == nil or (now - start) >= window then
  count = 0
  start = now
end

if count < limit then
  count = count + 1
  redis.call('HMSET', key, 'count', count, 'window_start', start)
  redis.call('PEXPIRE', key, window * 2)
  return {1, 0}
end

local delay = start + window - now
if delay < 0 then delay = 0 end
redis.call('HMSET', key, 'count', count, 'window_start', start)
redis.call('PEXPIRE', key, window * 2)
return {0, delay}
`)
