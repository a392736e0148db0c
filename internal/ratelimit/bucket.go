// Package ratelimit is a token bucket kept in Redis, so every process calling
// ESI with the same credentials draws from one budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrExhausted = errors.New("ratelimit: bucket exhausted")

type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	clock    func() time.Time
}

// NewTokenBucket holds up to capacity tokens and refills refillPerSecond.
// Idle buckets expire after ttl.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		clock:    time.Now,
	}
}

func (b *TokenBucket) WithClock(clock func() time.Time) *TokenBucket {
	b.clock = clock
	return b
}

// Allow takes one token from key if one is available and reports the tokens
// left.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.clock().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed == 1, tokens, nil
}

// Wait blocks until a token is taken from key, polling at the refill pace.
// It gives up with ErrExhausted after maxWait.
func (b *TokenBucket) Wait(ctx context.Context, key string, maxWait time.Duration) error {
	interval := time.Second
	if b.refill > 0 {
		interval = time.Duration(float64(time.Second) / b.refill)
	}
	deadline := b.clock().Add(maxWait)

	for {
		ok, _, err := b.Allow(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !b.clock().Add(interval).Before(deadline) {
			return ErrExhausted
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Redis truncates Lua numbers in the reply, so the reported token count is
// whole while the stored count keeps its fraction.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
