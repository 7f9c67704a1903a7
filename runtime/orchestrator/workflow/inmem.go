package workflow

import (
	"context"
	"sync"
)

// InmemCheckpointer keeps checkpoints in process memory. Suitable for tests
// and single-process runs; production deployments use the Redis-backed
// checkpointer so jobs survive a crash.
type InmemCheckpointer struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

// NewInmemCheckpointer builds an empty in-memory checkpointer.
func NewInmemCheckpointer() *InmemCheckpointer {
	return &InmemCheckpointer{cps: make(map[string]Checkpoint)}
}

// Save overwrites the checkpoint for the fingerprint.
func (c *InmemCheckpointer) Save(_ context.Context, cp Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cps[cp.Fingerprint] = cp
	return nil
}

// Load returns the checkpoint for the fingerprint, if any.
func (c *InmemCheckpointer) Load(_ context.Context, fingerprint string) (Checkpoint, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.cps[fingerprint]
	return cp, ok, nil
}

// Clear removes the checkpoint for the fingerprint.
func (c *InmemCheckpointer) Clear(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cps, fingerprint)
	return nil
}
