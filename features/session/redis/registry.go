package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/session"
)

// acquireScript registers a fingerprint as in flight unless another job holds
// it or the tenant is at its bound. The existence check, the per-tenant count
// check, and the insert happen in one atomic step so concurrent submissions of
// the same fingerprint can never both create a job.
var acquireScript = goredis.NewScript(`
local inflightKey = KEYS[1]
local tenantKey = KEYS[2]
local jobID = ARGV[1]
local tenant = ARGV[2]
local maxPer = tonumber(ARGV[3])
local ttlMs = tonumber(ARGV[4])

local existing = redis.call('HGET', inflightKey, 'job_id')
if existing then
  return {'exists', existing}
end
local n = tonumber(redis.call('GET', tenantKey) or '0')
if maxPer > 0 and n >= maxPer then
  return {'over'}
end
redis.call('HSET', inflightKey, 'job_id', jobID, 'tenant', tenant)
redis.call('PEXPIRE', inflightKey, ttlMs)
redis.call('INCR', tenantKey)
redis.call('PEXPIRE', tenantKey, ttlMs)
return {'created'}
`)

// releaseScript removes the in-flight entry and decrements its tenant count,
// clamped at zero.
var releaseScript = goredis.NewScript(`
local inflightKey = KEYS[1]
local tenant = redis.call('HGET', inflightKey, 'tenant')
if not tenant then
  return 0
end
redis.call('DEL', inflightKey)
local tenantKey = 'inflight_tenant:'..tenant
local n = tonumber(redis.call('GET', tenantKey) or '0')
if n > 0 then
  redis.call('DECR', tenantKey)
end
return 1
`)

// Acquire registers the fingerprint in the in-flight registry.
func (s *Store) Acquire(ctx context.Context, fingerprint, tenant, jobID string, maxPerTenant int, ttl time.Duration) (session.Acquisition, string, error) {
	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{inflightKey(fingerprint), inflightTenantKey(tenant)},
		jobID, tenant, maxPerTenant, ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return 0, "", fault.Wrap(fault.KindTransient, "in-flight acquire", err)
	}
	status, _ := res[0].(string)
	switch status {
	case "created":
		return session.AcquisitionCreated, jobID, nil
	case "exists":
		existing, _ := res[1].(string)
		return session.AcquisitionExists, existing, nil
	default:
		return session.AcquisitionOverLimit, "", nil
	}
}

// Release removes the fingerprint from the in-flight registry.
func (s *Store) Release(ctx context.Context, fingerprint string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{inflightKey(fingerprint)}).Err(); err != nil && err != goredis.Nil {
		return fault.Wrap(fault.KindTransient, "in-flight release", err)
	}
	return nil
}
