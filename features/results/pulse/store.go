// Package pulse implements the result store and subscription bus on Redis:
// interventions are plain keys with the retention TTL and first-write-wins
// semantics, state updates travel over Pulse streams keyed by fingerprint so
// coalesced callers on any process observe the same transitions.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

const storeName = "results-redis"

type (
	// StoreOptions configures the Redis-backed result store.
	StoreOptions struct {
		// Redis is the connection results live on. Required. Callers own its
		// lifecycle.
		Redis *goredis.Client
		// Retention is the intervention TTL. Defaults to 7 days.
		Retention time.Duration
	}

	// Store implements results.Store over Redis with first-write-wins
	// semantics: the SET NX means a duplicate Put can never replace the
	// artifact a coalesced caller already observed.
	Store struct {
		rdb       *goredis.Client
		retention time.Duration
	}
)

// NewStore builds the Redis-backed result store.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Store{rdb: opts.Redis, retention: opts.Retention}, nil
}

// Name identifies the store to health checks.
func (s *Store) Name() string { return storeName }

// Ping implements goa.design/clue/health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Put writes the intervention unless one already exists for the fingerprint.
func (s *Store) Put(ctx context.Context, iv results.Intervention) error {
	data, err := json.Marshal(iv)
	if err != nil {
		return fault.Internal(err)
	}
	if err := s.rdb.SetNX(ctx, resultKey(iv.Fingerprint), data, s.retention).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, "result put", err)
	}
	return nil
}

// Get returns the intervention and true when present and unexpired.
func (s *Store) Get(ctx context.Context, fingerprint string) (results.Intervention, bool, error) {
	data, err := s.rdb.Get(ctx, resultKey(fingerprint)).Bytes()
	if err == goredis.Nil {
		return results.Intervention{}, false, nil
	}
	if err != nil {
		return results.Intervention{}, false, fault.Wrap(fault.KindTransient, "result get", err)
	}
	var iv results.Intervention
	if err := json.Unmarshal(data, &iv); err != nil {
		return results.Intervention{}, false, fault.Internal(err)
	}
	return iv, true, nil
}

func resultKey(fingerprint string) string { return "result:" + fingerprint }
