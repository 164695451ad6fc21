package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// The check, debit, and persist happen in one script so two concurrent
// requests from the same identity can never both spend the last token.
var allowScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = capacity
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
if state[1] then
  tokens = tonumber(state[1])
  local elapsed = (now - tonumber(state[2])) / 1000
  if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
  end
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], ttl)

local reset = now
if tokens < 1 then
  reset = now + math.ceil((1 - tokens) / rate * 1000)
end
return {allowed, math.floor(tokens), reset}
`)

// Redis is a Limiter whose bucket state lives in the shared store, so the
// budget holds across processes.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedis wraps an existing Redis client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, identity, category string, limit Limit) (Result, error) {
	key := "rl:" + category + ":" + identity
	nowMs := r.now().UnixMilli()
	// Bucket state is worthless once a full refill has elapsed.
	ttlMs := int64(math.Ceil(float64(limit.Burst)/limit.Rate())) * 1000

	vals, err := allowScript.Run(ctx, r.rdb, []string{key}, limit.Burst, limit.Rate(), nowMs, ttlMs).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("unexpected rate limit reply %v", vals)
	}
	return Result{
		Allowed:   vals[0] == 1,
		Remaining: int(vals[1]),
		Limit:     limit.Burst,
		Reset:     vals[2] / 1000,
	}, nil
}
