package audit

import (
	"path"
	"strings"

	"github.com/aura-dev/aura/results"
)

type (
	// Decision is the verdict outcome for one candidate.
	Decision string

	// ContextClass describes what kind of code a candidate sits in. The
	// class discounts confidence: a banned API in a test fixture is far less
	// likely to be a real violation than the same call in production source.
	ContextClass string

	// VerdictOptions tunes the verdict scoring.
	VerdictOptions struct {
		// ConfidenceThreshold dismisses candidates scoring below it.
		// Defaults to 0.85.
		ConfidenceThreshold float64
		// SimilarityThreshold is τ: a retrieved chunk confirms the candidate
		// only when its similarity is at or above it. Defaults to 0.5.
		SimilarityThreshold float64
	}

	// Verdict scores each candidate and decides accept, downgrade, or
	// dismiss. It is the only stage allowed to drop a rule-flagged
	// candidate: prefilter output never reaches a report without passing
	// through it.
	Verdict struct {
		opts VerdictOptions
	}

	// Judged pairs a candidate with its decision.
	Judged struct {
		Candidate results.Candidate
		Decision  Decision
	}
)

const (
	DecisionAccept    Decision = "accept"
	DecisionDowngrade Decision = "downgrade"
	DecisionDismiss   Decision = "dismiss_as_false_positive"
)

const (
	ClassSource    ContextClass = "source"
	ClassTest      ContextClass = "test"
	ClassConfig    ContextClass = "config"
	ClassGenerated ContextClass = "generated"
)

// NewVerdict builds the verdict stage.
func NewVerdict(opts VerdictOptions) *Verdict {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.85
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.5
	}
	return &Verdict{opts: opts}
}

// Judge scores the candidate given the similarities of its retrieved chunks
// and returns the decision together with the scored candidate. Confidence
// below the threshold dismisses; a non-source context class downgrades the
// severity one step instead of failing the finding outright.
func (v *Verdict) Judge(c results.Candidate, similarities []float64) Judged {
	class := Classify(c.File)

	confirming := 0
	for _, s := range similarities {
		if s >= v.opts.SimilarityThreshold {
			confirming++
		}
	}

	c.Confidence = confidence(c.RuleSeverity, class, confirming)
	if c.Confidence < v.opts.ConfidenceThreshold {
		return Judged{Candidate: c, Decision: DecisionDismiss}
	}
	if class != ClassSource {
		c.Severity = downgrade(c.RuleSeverity)
		return Judged{Candidate: c, Decision: DecisionDowngrade}
	}
	c.Severity = c.RuleSeverity
	return Judged{Candidate: c, Decision: DecisionAccept}
}

// confidence is a deterministic score in [0,1] over the rule severity, the
// context class, and the number of confirming chunks. The weights are chosen
// so that a production-source finding needs at least one confirming chunk to
// clear the default 0.85 threshold, and findings in tests, config, or
// generated code need strong corroboration.
func confidence(sev results.Severity, class ContextClass, confirming int) float64 {
	score := 0.6
	switch sev {
	case results.SeverityCritical:
		score += 0.15
	case results.SeverityError:
		score += 0.10
	case results.SeverityWarn:
		score += 0.05
	}
	boost := 0.15 * float64(confirming)
	if boost > 0.30 {
		boost = 0.30
	}
	score += boost
	switch class {
	case ClassTest:
		score -= 0.20
	case ClassConfig:
		score -= 0.15
	case ClassGenerated:
		score -= 0.30
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func downgrade(sev results.Severity) results.Severity {
	switch sev {
	case results.SeverityCritical:
		return results.SeverityError
	case results.SeverityError:
		return results.SeverityWarn
	default:
		return results.SeverityInfo
	}
}

// Classify derives the context class from the file path.
func Classify(file string) ContextClass {
	base := strings.ToLower(path.Base(file))
	dir := strings.ToLower(file)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.HasPrefix(base, "test_"),
		strings.Contains(dir, "/test/"), strings.Contains(dir, "/tests/"),
		strings.HasPrefix(dir, "test/"), strings.HasPrefix(dir, "tests/"),
		strings.Contains(dir, "/testdata/"), strings.HasPrefix(dir, "testdata/"),
		strings.Contains(dir, "/__tests__/"):
		return ClassTest
	case strings.HasSuffix(base, ".pb.go"),
		strings.Contains(base, "generated"),
		strings.HasSuffix(base, ".min.js"),
		strings.Contains(dir, "/gen/"), strings.HasPrefix(dir, "gen/"),
		strings.Contains(dir, "/vendor/"), strings.HasPrefix(dir, "vendor/"),
		strings.Contains(dir, "/node_modules/"):
		return ClassGenerated
	case strings.HasSuffix(base, ".yaml"), strings.HasSuffix(base, ".yml"),
		strings.HasSuffix(base, ".json"), strings.HasSuffix(base, ".toml"),
		strings.HasSuffix(base, ".ini"), strings.HasSuffix(base, ".env"),
		base == "dockerfile", base == "makefile":
		return ClassConfig
	default:
		return ClassSource
	}
}
