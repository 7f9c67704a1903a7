package struggle

import (
	"sync"
	"time"

	"github.com/aura-dev/aura/results"
)

type (
	// Thresholds configures when a window counts as struggle.
	Thresholds struct {
		// EditFreqMin is the minimum edit count per window.
		EditFreqMin int
		// DistinctErrorsMin is the minimum distinct error signatures.
		DistinctErrorsMin int
		// MinDuration is the minimum activity span; very short windows are
		// noise.
		MinDuration time.Duration
		// Cooldown suppresses repeat firings for the same dominant
		// signature.
		Cooldown time.Duration
	}

	// Verdict is the classifier outcome.
	Verdict struct {
		// Fire reports whether the window crossed a struggle threshold and
		// is outside the cooldown.
		Fire bool
		// Severity is the severity of the winning threshold.
		Severity results.Severity
		// Signature is the dominant error signature the lesson targets.
		Signature string
		// Reason names the winning threshold for logs.
		Reason string
	}

	// Classifier decides whether a window fires. Cooldowns are tracked per
	// (session, signature): a qualifying window with the same dominant
	// signature inside the cooldown produces no intervention.
	Classifier struct {
		thresholds Thresholds
		now        func() time.Time

		mu        sync.Mutex
		lastFired map[string]time.Time
	}
)

// NewClassifier builds a threshold classifier.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{
		thresholds: t,
		now:        time.Now,
		lastFired:  make(map[string]time.Time),
	}
}

// Classify applies the thresholds to the window metrics. Multiple thresholds
// may fire; the one with the highest severity wins, then the one tied to the
// most recent error signature.
func (c *Classifier) Classify(sessionID string, m Metrics) Verdict {
	if m.Duration < c.thresholds.MinDuration {
		return Verdict{}
	}

	type firing struct {
		severity results.Severity
		reason   string
		// sigRank orders firings tied to error signatures ahead of purely
		// frequency-based ones when severities tie.
		sigRank int
	}
	var fired []firing
	if c.thresholds.DistinctErrorsMin > 0 && m.DistinctErrors >= c.thresholds.DistinctErrorsMin {
		fired = append(fired, firing{severity: results.SeverityError, reason: "distinct_errors", sigRank: 1})
	}
	if c.thresholds.EditFreqMin > 0 && m.EditFrequency >= float64(c.thresholds.EditFreqMin) {
		fired = append(fired, firing{severity: results.SeverityWarn, reason: "edit_frequency"})
	}
	if len(fired) == 0 {
		return Verdict{}
	}

	win := fired[0]
	for _, f := range fired[1:] {
		if f.severity.Rank() > win.severity.Rank() {
			win = f
			continue
		}
		if f.severity.Rank() == win.severity.Rank() && f.sigRank > win.sigRank {
			win = f
		}
	}

	sig := m.DominantSignature
	key := sessionID + "\x00" + sig
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastFired[key]; ok && now.Sub(last) < c.thresholds.Cooldown {
		return Verdict{}
	}
	c.lastFired[key] = now
	return Verdict{Fire: true, Severity: win.severity, Signature: sig, Reason: win.reason}
}
