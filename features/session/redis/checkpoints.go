package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/workflow"
)

// checkpointTTL bounds how long an orphaned checkpoint can linger after a
// crash before the job is considered lost.
const checkpointTTL = 24 * time.Hour

// Save persists the pre-node snapshot, overwriting any previous checkpoint
// for the fingerprint.
func (s *Store) Save(ctx context.Context, cp workflow.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "marshal checkpoint", err)
	}
	if err := s.rdb.Set(ctx, checkpointKey(cp.Fingerprint), b, checkpointTTL).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, "save checkpoint", err)
	}
	return nil
}

// Load returns the checkpoint for the fingerprint, if one survives.
func (s *Store) Load(ctx context.Context, fingerprint string) (workflow.Checkpoint, bool, error) {
	b, err := s.rdb.Get(ctx, checkpointKey(fingerprint)).Bytes()
	if err == goredis.Nil {
		return workflow.Checkpoint{}, false, nil
	}
	if err != nil {
		return workflow.Checkpoint{}, false, fault.Wrap(fault.KindTransient, "load checkpoint", err)
	}
	var cp workflow.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return workflow.Checkpoint{}, false, fault.Wrap(fault.KindInternal, "unmarshal checkpoint", err)
	}
	return cp, true, nil
}

// Clear removes the checkpoint once the job reaches a terminal state.
func (s *Store) Clear(ctx context.Context, fingerprint string) error {
	if err := s.rdb.Del(ctx, checkpointKey(fingerprint)).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, "clear checkpoint", err)
	}
	return nil
}
