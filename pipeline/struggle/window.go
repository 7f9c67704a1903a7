// Package struggle implements the struggle detector pipeline: windowed
// telemetry assembly, threshold classification with cooldown, contextual
// retrieval, and lesson synthesis. The pipeline runs as a workflow graph;
// this package also owns the per-session telemetry windows the assembler
// merges events into.
package struggle

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aura-dev/aura/telemetry"
)

type (
	// Event is one telemetry event from a client. The server receive time
	// orders events; the client timestamp is informational only.
	Event struct {
		// ClientTS is the client's wall clock when the event happened.
		ClientTS time.Time `json:"ts"`
		// ReceivedAt is the server receive time. Monotonic per window.
		ReceivedAt time.Time `json:"received_at"`
		// Kind is "edit" or "error".
		Kind string `json:"kind"`
		// Signature identifies the error class for error events, e.g.
		// "TypeError".
		Signature string `json:"signature,omitempty"`
		// Payload carries kind-specific detail such as the code excerpt.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// Batch is the payload of one telemetry submission.
	Batch struct {
		Session string  `json:"session"`
		Events  []Event `json:"events"`
	}

	// Metrics is the aggregated view of one window used by the classifier.
	Metrics struct {
		// EditFrequency is edit events per window.
		EditFrequency float64 `json:"edit_frequency"`
		// DistinctErrors counts distinct error signatures in the window.
		DistinctErrors int `json:"distinct_errors"`
		// Burstiness is the coefficient of variation of inter-event gaps;
		// higher means the activity clusters into bursts.
		Burstiness float64 `json:"burstiness"`
		// Duration spans the oldest to the newest retained event.
		Duration time.Duration `json:"duration"`
		// DominantSignature is the most frequent error signature, ties
		// broken by most recent occurrence.
		DominantSignature string `json:"dominant_signature,omitempty"`
		// Signatures lists every distinct signature, most frequent first.
		Signatures []string `json:"signatures,omitempty"`
	}

	// Windows holds the rolling telemetry window of every live session.
	// Appends to one session serialize on that session's lock; the critical
	// section covers only the ring mutation.
	Windows struct {
		width   time.Duration
		metrics telemetry.Metrics
		now     func() time.Time

		mu   sync.Mutex
		byID map[string]*window
	}

	window struct {
		mu     sync.Mutex
		events []Event
		last   time.Time
	}
)

const (
	EventKindEdit  = "edit"
	EventKindError = "error"
)

// NewWindows builds the window manager for windows of the given width.
func NewWindows(width time.Duration, metrics telemetry.Metrics) *Windows {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Windows{
		width:   width,
		metrics: metrics,
		byID:    make(map[string]*window),
		now:     time.Now,
	}
}

// Append merges events into the session's window in server-receive order.
// Events whose receive time precedes the newest retained event are dropped
// with a counter increment, never reordered. Returns the number applied.
func (ws *Windows) Append(sessionID string, events []Event) int {
	w := ws.window(sessionID)
	now := ws.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	applied := 0
	for _, e := range events {
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = now
		}
		if e.ReceivedAt.Before(w.last) {
			ws.metrics.IncCounter(telemetry.CounterEventsDropped, 1, "session", sessionID)
			continue
		}
		w.last = e.ReceivedAt
		w.events = append(w.events, e)
		applied++
	}
	w.evict(now.Add(-ws.width))
	return applied
}

// Snapshot evicts events older than the window width and computes the
// aggregated metrics.
func (ws *Windows) Snapshot(sessionID string) Metrics {
	w := ws.window(sessionID)
	now := ws.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now.Add(-ws.width))
	return computeMetrics(w.events)
}

// Drop discards the session's window, typically on session end.
func (ws *Windows) Drop(sessionID string) {
	ws.mu.Lock()
	delete(ws.byID, sessionID)
	ws.mu.Unlock()
}

func (ws *Windows) window(sessionID string) *window {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.byID[sessionID]
	if !ok {
		w = &window{}
		ws.byID[sessionID] = w
	}
	return w
}

// evict drops events received before the cutoff. Events are receive-ordered
// so a single scan from the front suffices.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.events) && w.events[i].ReceivedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func computeMetrics(events []Event) Metrics {
	var m Metrics
	if len(events) == 0 {
		return m
	}

	edits := 0
	sigCount := make(map[string]int)
	sigLast := make(map[string]time.Time)
	for _, e := range events {
		switch e.Kind {
		case EventKindEdit:
			edits++
		case EventKindError:
			if e.Signature != "" {
				sigCount[e.Signature]++
				if e.ReceivedAt.After(sigLast[e.Signature]) {
					sigLast[e.Signature] = e.ReceivedAt
				}
			}
		}
	}
	m.EditFrequency = float64(edits)
	m.DistinctErrors = len(sigCount)
	m.Duration = events[len(events)-1].ReceivedAt.Sub(events[0].ReceivedAt)
	m.Burstiness = burstiness(events)

	sigs := make([]string, 0, len(sigCount))
	for s := range sigCount {
		sigs = append(sigs, s)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if sigCount[sigs[i]] != sigCount[sigs[j]] {
			return sigCount[sigs[i]] > sigCount[sigs[j]]
		}
		return sigLast[sigs[i]].After(sigLast[sigs[j]])
	})
	m.Signatures = sigs
	if len(sigs) > 0 {
		m.DominantSignature = sigs[0]
	}
	return m
}

// burstiness is the coefficient of variation of inter-event gaps. A steady
// stream scores near zero; clustered activity scores above one.
func burstiness(events []Event) float64 {
	if len(events) < 3 {
		return 0
	}
	gaps := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		gaps = append(gaps, events[i].ReceivedAt.Sub(events[i-1].ReceivedAt).Seconds())
	}
	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean == 0 {
		return 0
	}
	var varSum float64
	for _, g := range gaps {
		varSum += (g - mean) * (g - mean)
	}
	return math.Sqrt(varSum/float64(len(gaps))) / mean
}
