package gatekeeper

import (
	"encoding/json"
	"time"

	"github.com/aura-dev/aura/pipeline/audit"
	"github.com/aura-dev/aura/pipeline/struggle"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
)

// MaxBatchEvents caps one telemetry submission. Larger batches are rejected
// as an oversized window rather than silently truncated.
const MaxBatchEvents = 1024

// normalize produces the canonical payload the fingerprint is computed over.
// Normalization is kind-specific and idempotent: normalizing a normalized
// payload yields the same bytes, so a resubmission always lands on the same
// fingerprint.
func (g *Gatekeeper) normalize(kind job.Kind, payload []byte) ([]byte, error) {
	switch kind {
	case job.KindAudit:
		return g.normalizeAudit(payload)
	case job.KindStruggle:
		return g.normalizeStruggle(payload)
	default:
		return payload, nil
	}
}

func (g *Gatekeeper) normalizeAudit(payload []byte) ([]byte, error) {
	var sub audit.Submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode audit submission", err)
	}
	sub.Diff = audit.Canonicalize(sub.Diff)
	if sub.Diff == "" {
		return nil, fault.New(fault.KindValidation, "empty diff")
	}
	if len(sub.Diff) > audit.DefaultMaxDiffBytes {
		return nil, fault.Newf(fault.KindValidation, "diff exceeds %d byte cap", audit.DefaultMaxDiffBytes)
	}
	out, err := json.Marshal(sub)
	if err != nil {
		return nil, fault.Internal(err)
	}
	return out, nil
}

// normalizeStruggle rounds the event timestamps down to the window
// granularity and strips server-assigned fields, so two batches describing
// the same window coalesce onto one fingerprint.
func (g *Gatekeeper) normalizeStruggle(payload []byte) ([]byte, error) {
	var batch struggle.Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode telemetry batch", err)
	}
	if len(batch.Events) > MaxBatchEvents {
		return nil, fault.Newf(fault.KindValidation, "telemetry batch exceeds %d events", MaxBatchEvents)
	}
	granularity := g.cfg.Window()
	for i := range batch.Events {
		e := &batch.Events[i]
		if !e.ClientTS.IsZero() {
			e.ClientTS = e.ClientTS.UTC().Truncate(granularity)
		}
		e.ReceivedAt = time.Time{}
	}
	out, err := json.Marshal(batch)
	if err != nil {
		return nil, fault.Internal(err)
	}
	return out, nil
}
