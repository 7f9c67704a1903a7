// Package job defines the Job entity: one admitted operation, owned by the
// workflow runtime from admission to a terminal state.
package job

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type (
	// Kind identifies which pipeline graph a job executes.
	Kind string

	// State is the job lifecycle state. Terminal states are immutable.
	State string

	// Job is one admitted operation.
	Job struct {
		// Fingerprint deduplicates and coalesces submissions.
		Fingerprint string
		// Tenant is the owning isolation boundary.
		Tenant string
		// Kind selects the pipeline graph.
		Kind Kind
		// SessionID is the submitting session, when the operation is
		// session-scoped (struggle, refresh).
		SessionID string
		// Payload is the normalized payload the graph executes against.
		Payload []byte
		// SubmittedAt is the admission time.
		SubmittedAt time.Time
		// State is the current lifecycle state.
		State State
		// Attempts counts executions of the current node.
		Attempts int
		// CheckpointStep is the last persisted step, -1 before the first.
		CheckpointStep int
	}
)

const (
	KindStruggle Kind = "struggle"
	KindAudit    Kind = "audit"
	KindLesson   Kind = "lesson"
	KindRefresh  Kind = "refresh"
)

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. Terminal jobs never transition.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether k names a known pipeline kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStruggle, KindAudit, KindLesson, KindRefresh:
		return true
	}
	return false
}

// Fingerprint computes the deterministic hash over (tenant, kind, normalized
// payload, optional client idempotency key). Equal inputs always produce the
// same fingerprint; the normalized payload must already be canonical for the
// kind.
func Fingerprint(tenant string, kind Kind, normalized []byte, idempotencyKey string) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [8]byte
		n := len(b)
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(tenant))
	writeField([]byte(kind))
	writeField(normalized)
	writeField([]byte(idempotencyKey))
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyToken derives the token nodes pass to external systems so that a
// re-entered node after crash recovery repeats rather than duplicates its
// effect.
func IdempotencyToken(fingerprint string, step int) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(step >> (8 * i))
	}
	h := sha256.Sum256(append([]byte(fingerprint), buf[:]...))
	return hex.EncodeToString(h[:16])
}
