package struggle

import (
	"context"
	"errors"
	"time"

	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/retry"
	"github.com/aura-dev/aura/runtime/orchestrator/workflow"
	"github.com/aura-dev/aura/session"
)

type (
	// Deps are the collaborators the struggle graph nodes execute against.
	Deps struct {
		// Windows is the shared telemetry window manager. Required.
		Windows *Windows
		// Classifier applies the struggle thresholds. Required.
		Classifier *Classifier
		// Retriever answers contextual lesson queries. Required.
		Retriever *knowledge.Retriever
		// Synthesizer composes lesson bodies. Required.
		Synthesizer *Synthesizer
		// Sessions resolves the learner level from session metadata.
		// Optional; when nil or the session is gone, the level defaults to
		// intermediate.
		Sessions session.Store
	}

	// pipelineState is the kind-specific state schema carried through the
	// graph.
	pipelineState struct {
		Batch     Batch             `json:"batch"`
		Metrics   Metrics           `json:"metrics"`
		Verdict   Verdict           `json:"verdict"`
		UserLevel string            `json:"user_level,omitempty"`
		Chunks    []knowledge.Chunk `json:"chunks,omitempty"`
		Body      string            `json:"body,omitempty"`
		ModelID   string            `json:"model_id,omitempty"`
	}
)

const (
	nodeAssemble   = "assemble"
	nodeClassify   = "classify"
	nodeRetrieve   = "retrieve"
	nodeSynthesize = "synthesize"
	nodeEmit       = "emit"
)

var errRequiredDeps = errors.New("windows, classifier, retriever, and synthesizer are required")

// NewGraph declares the struggle detector pipeline:
// assemble -> classify -> {none | retrieve -> synthesize -> emit}.
func NewGraph(deps Deps) (*workflow.Graph, error) {
	if deps.Windows == nil || deps.Classifier == nil || deps.Retriever == nil || deps.Synthesizer == nil {
		return nil, errRequiredDeps
	}
	return workflow.NewGraph(job.KindStruggle, nodeAssemble,
		workflow.Node{
			Name: nodeAssemble,
			Run:  deps.assemble,
		},
		workflow.Node{
			Name: nodeClassify,
			Run:  deps.classify,
		},
		workflow.Node{
			Name:      nodeRetrieve,
			Effectful: true,
			Timeout:   10 * time.Second,
			Retry:     retry.DefaultPolicy(),
			Run:       deps.retrieve,
		},
		workflow.Node{
			Name:      nodeSynthesize,
			Effectful: true,
			Timeout:   30 * time.Second,
			Retry:     retry.DefaultPolicy(),
			Run:       deps.synthesize,
		},
		workflow.Node{
			Name: nodeEmit,
			Run:  deps.emit,
		},
	)
}

// assemble merges the submitted events into the session window and computes
// the window metrics.
func (d Deps) assemble(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var ps pipelineState
	// The initial state data is the raw batch payload; later entries carry
	// the full pipeline state.
	if err := st.GetData(&ps); err != nil || ps.Batch.Session == "" {
		if err := st.GetData(&ps.Batch); err != nil {
			return "", nil, fault.Wrap(fault.KindValidation, "decode telemetry batch", err)
		}
	}
	if ps.Batch.Session == "" {
		return "", nil, fault.New(fault.KindValidation, "telemetry batch has no session")
	}
	d.Windows.Append(ps.Batch.Session, ps.Batch.Events)
	ps.Metrics = d.Windows.Snapshot(ps.Batch.Session)
	if err := st.SetData(&ps); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodeClassify, nil, nil
}

// classify applies the thresholds. Below threshold or within cooldown the
// graph terminates with no intervention.
func (d Deps) classify(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var ps pipelineState
	if err := st.GetData(&ps); err != nil {
		return "", nil, fault.Internal(err)
	}
	ps.Verdict = d.Classifier.Classify(ps.Batch.Session, ps.Metrics)
	if err := st.SetData(&ps); err != nil {
		return "", nil, fault.Internal(err)
	}
	if !ps.Verdict.Fire {
		return "", nil, nil
	}
	return nodeRetrieve, nil, nil
}

// retrieve queries the knowledge layer with the dominant error signature and
// the learner level. A degraded retrieval proceeds with the flag set rather
// than failing the job.
func (d Deps) retrieve(ctx context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var ps pipelineState
	if err := st.GetData(&ps); err != nil {
		return "", nil, fault.Internal(err)
	}
	if d.Sessions != nil && st.SessionID != "" {
		if sess, ok, err := d.Sessions.Get(ctx, st.SessionID); err == nil && ok {
			ps.UserLevel = sess.UserLevel
		}
	}
	codeContext := latestErrorContext(ps.Batch.Events, ps.Verdict.Signature)
	res, err := d.Retriever.RetrieveContextualLesson(ctx, st.Tenant, ps.Verdict.Signature, codeContext, ps.UserLevel)
	if err != nil {
		return "", nil, err
	}
	ps.Chunks = res.Chunks
	if res.Degraded {
		st.Degraded = true
	}
	if err := st.SetData(&ps); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodeSynthesize, nil, nil
}

// synthesize composes the lesson body from the retrieved chunks.
func (d Deps) synthesize(ctx context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var ps pipelineState
	if err := st.GetData(&ps); err != nil {
		return "", nil, fault.Internal(err)
	}
	body, modelID, err := d.Synthesizer.Compose(ctx, ps.Verdict.Signature, ps.UserLevel, st.IdempotencyToken(), ps.Chunks)
	if err != nil {
		return "", nil, err
	}
	ps.Body = body
	ps.ModelID = modelID
	if err := st.SetData(&ps); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodeEmit, nil, nil
}

// emit builds the lesson intervention.
func (d Deps) emit(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var ps pipelineState
	if err := st.GetData(&ps); err != nil {
		return "", nil, fault.Internal(err)
	}
	cited := make([]string, 0, len(ps.Chunks))
	for _, c := range ps.Chunks {
		cited = append(cited, c.ID)
	}
	iv := &results.Intervention{
		Fingerprint:   st.Fingerprint,
		Tenant:        st.Tenant,
		Kind:          results.KindLesson,
		Severity:      ps.Verdict.Severity,
		Body:          ps.Body,
		CitedChunkIDs: cited,
		Degraded:      st.Degraded,
		ModelID:       ps.ModelID,
		ProducedAt:    time.Now().UTC(),
	}
	return "", iv, nil
}

// latestErrorContext returns the payload of the most recent error event
// matching the signature, used as the code context of the lesson query.
func latestErrorContext(events []Event, signature string) string {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind == EventKindError && e.Signature == signature && len(e.Payload) > 0 {
			return string(e.Payload)
		}
	}
	return ""
}
