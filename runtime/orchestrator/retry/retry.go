// Package retry provides the bounded exponential backoff used by the
// gatekeeper for store round-trips and by the workflow runtime for node
// re-entry. Retryability is decided by the fault kind, not by inspecting
// transport errors: callers classify failures before they reach this package.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

// Policy configures retry behavior for one operation or node.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero or one means no retries.
	MaxAttempts int
	// Base is the backoff before the first retry.
	Base time.Duration
	// Cap bounds the backoff regardless of attempt count.
	Cap time.Duration
	// Jitter adds up to the given fraction of randomness to each backoff.
	Jitter float64
}

// DefaultPolicy returns the policy used when a node declares none.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        100 * time.Millisecond,
		Cap:         10 * time.Second,
		Jitter:      0.2,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable fault.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the error from the last attempt.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do runs fn until it succeeds, fails with a non-retryable fault, or the
// policy is exhausted. Only transient faults re-enter; everything else is
// surfaced as-is on the first occurrence.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !fault.Retryable(err) {
			return err
		}
		lastErr = err
		if attempt+1 >= p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindCancelled, "retry interrupted", ctx.Err())
		case <-time.After(Backoff(p, attempt)):
		}
	}
	return &ExhaustedError{
		Attempts:      p.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Backoff computes base * 2^attempt with jitter, capped. Attempt is
// zero-based: the delay before the first retry uses attempt 0.
func Backoff(p Policy, attempt int) time.Duration {
	d := float64(p.Base) * math.Pow(2, float64(attempt))
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
