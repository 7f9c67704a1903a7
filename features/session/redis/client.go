// Package redis implements the session, quota, in-flight, and checkpoint
// stores on a single Redis connection. Every mutating quota operation is a
// Lua script so the compare-and-set happens in one atomic round trip; the
// store is the only quota authority and nothing is mirrored in process.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const clientName = "session-redis"

type (
	// Options configures the Redis-backed store.
	Options struct {
		// Redis is the connection all keys live on. Required. Callers own
		// its lifecycle.
		Redis *goredis.Client
		// Now overrides the clock, primarily for tests.
		Now func() time.Time
	}

	// Store implements session.Store, session.Buckets, session.Registry,
	// and workflow.Checkpointer over Redis.
	Store struct {
		rdb *goredis.Client
		now func() time.Time
	}
)

// New builds the Redis-backed store.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{rdb: opts.Redis, now: now}, nil
}

// Name identifies the store to health checks.
func (s *Store) Name() string { return clientName }

// Ping implements goa.design/clue/health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func sessionKey(id string) string    { return "session:" + id }
func refreshKey(hash string) string  { return "refresh:" + hash }
func consumedKey(hash string) string { return "consumed:" + hash }
func bucketKey(tenant, route string) string {
	return "bucket:" + tenant + ":" + route
}
func inflightKey(fingerprint string) string { return "inflight:" + fingerprint }
func inflightTenantKey(tenant string) string {
	return "inflight_tenant:" + tenant
}
func checkpointKey(fingerprint string) string { return "checkpoint:" + fingerprint }
