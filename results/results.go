// Package results defines the Intervention artifact produced by pipeline
// termini together with the store and subscription bus interfaces the
// workflow runtime and gatekeeper depend on.
package results

import (
	"context"
	"sort"
	"strings"
	"time"
)

type (
	// Kind identifies the artifact flavor.
	Kind string

	// Severity orders violation candidates and lessons. Higher is worse.
	Severity string

	// Snippet is a remediation proposal for one audit candidate. Every
	// snippet must cite at least one chunk present in the Intervention's
	// cited list.
	Snippet struct {
		// Code is the proposed replacement, markdown-fenced by the composer.
		Code string `json:"code"`
		// CitedChunkIDs are the knowledge chunks supporting the proposal.
		CitedChunkIDs []string `json:"cited_chunk_ids"`
	}

	// Candidate is one audited finding after the verdict pass.
	Candidate struct {
		// RuleID names the deterministic rule that flagged the span.
		RuleID string `json:"rule_id"`
		// File is the repository-relative path of the flagged span.
		File string `json:"file"`
		// Line is the first line of the flagged span in the new file.
		Line int `json:"line"`
		// EndLine is the last line of the flagged span.
		EndLine int `json:"end_line"`
		// RuleSeverity is the severity assigned by the prefilter rule.
		RuleSeverity Severity `json:"rule_severity"`
		// Severity is the post-verdict severity; may be lower than
		// RuleSeverity after a downgrade.
		Severity Severity `json:"severity"`
		// Confidence is the verdict confidence in [0,1].
		Confidence float64 `json:"confidence"`
		// Excerpt is the offending source excerpt.
		Excerpt string `json:"excerpt,omitempty"`
		// Remediation is nil when retrieval degraded or no exemplar supports
		// an edit.
		Remediation *Snippet `json:"remediation,omitempty"`
	}

	// Intervention is the terminal artifact of a pipeline run. Immutable
	// once stored; retention is bounded by the configured TTL.
	Intervention struct {
		Fingerprint   string      `json:"fingerprint"`
		Tenant        string      `json:"tenant"`
		Kind          Kind        `json:"kind"`
		Severity      Severity    `json:"severity"`
		Body          string      `json:"body"`
		CitedChunkIDs []string    `json:"cited_chunk_ids,omitempty"`
		Candidates    []Candidate `json:"candidates,omitempty"`
		Degraded      bool        `json:"degraded,omitempty"`
		ModelID       string      `json:"model_id,omitempty"`
		ProducedAt    time.Time   `json:"produced_at"`
	}

	// StateUpdate is one job state transition delivered to subscribers.
	// Terminal updates carry the artifact.
	StateUpdate struct {
		Fingerprint  string        `json:"fingerprint"`
		State        string        `json:"state"`
		Intervention *Intervention `json:"intervention,omitempty"`
	}

	// Store persists interventions keyed by fingerprint with a retention TTL.
	Store interface {
		// Put writes the artifact. Writing the same fingerprint twice is an
		// at-most-one-build violation upstream; stores keep the first write.
		Put(ctx context.Context, iv Intervention) error
		// Get returns the artifact and true when present and unexpired.
		Get(ctx context.Context, fingerprint string) (Intervention, bool, error)
	}

	// Bus wakes waiters coalesced onto one in-flight job. Delivery is
	// at-least-once; subscribers tolerate duplicates per fingerprint.
	Bus interface {
		// Publish delivers a state transition to all subscribers of the
		// fingerprint.
		Publish(ctx context.Context, update StateUpdate) error
		// Subscribe registers a waiter for the fingerprint. The returned
		// cancel function releases the subscription.
		Subscribe(ctx context.Context, fingerprint string) (<-chan StateUpdate, context.CancelFunc, error)
	}
)

const (
	KindLesson          Kind = "lesson"
	KindViolationReport Kind = "violation_report"
)

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity to its ordering weight; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityError:
		return 3
	case SeverityWarn:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// SortCandidates orders candidates by (severity desc, file asc, line asc),
// the order violation reports are emitted in.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Severity.Rank() != cs[j].Severity.Rank() {
			return cs[i].Severity.Rank() > cs[j].Severity.Rank()
		}
		if cs[i].File != cs[j].File {
			return strings.Compare(cs[i].File, cs[j].File) < 0
		}
		return cs[i].Line < cs[j].Line
	})
}

// MaxSeverity returns the highest severity among the candidates, or
// SeverityInfo when there are none.
func MaxSeverity(cs []Candidate) Severity {
	max := SeverityInfo
	for _, c := range cs {
		if c.Severity.Rank() > max.Rank() {
			max = c.Severity
		}
	}
	return max
}
