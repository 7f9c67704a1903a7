package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/session"
)

// bucketScript refills the bucket to the supplied timestamp and consumes one
// token in a single atomic step. Token counts are clamped to [0, capacity];
// a deny never persists a negative count.
var bucketScript = goredis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local nowMs = tonumber(ARGV[3])
local ttlMs = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = nowMs
end
local elapsed = nowMs - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + (elapsed / 1000.0) * rate
if tokens > capacity then tokens = capacity end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill_ms', tostring(nowMs))
redis.call('PEXPIRE', key, ttlMs)
return {allowed, tostring(tokens)}
`)

// Take performs one atomic token-bucket operation for (tenant, route).
func (s *Store) Take(ctx context.Context, tenant, route string, b session.Bucket) (session.Decision, error) {
	if b.Capacity <= 0 || b.RefillRate <= 0 {
		return session.Decision{}, fault.Newf(fault.KindInternal, "invalid bucket parameters capacity=%d rate=%g", b.Capacity, b.RefillRate)
	}
	nowMs := s.now().UnixMilli()
	// Keep idle buckets around long enough to refill fully, then let them
	// expire back to the full default.
	ttl := time.Duration(float64(b.Capacity)/b.RefillRate*2) * time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}
	res, err := bucketScript.Run(ctx, s.rdb,
		[]string{bucketKey(tenant, route)},
		b.Capacity, b.RefillRate, nowMs, ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return session.Decision{}, fault.Wrap(fault.KindTransient, "token bucket take", err)
	}
	allowed, _ := res[0].(int64)
	remaining := 0.0
	if sVal, ok := res[1].(string); ok {
		remaining, _ = strconv.ParseFloat(sVal, 64)
	}
	d := session.Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed {
		d.RetryAfter = time.Duration((1 - remaining) / b.RefillRate * float64(time.Second))
	}
	return d, nil
}
