package struggle

import (
	"context"
	"time"

	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/retry"
	"github.com/aura-dev/aura/runtime/orchestrator/workflow"
)

type (
	// LessonRequest is the payload of an on-demand lesson job: a direct
	// knowledge query that skips window assembly and classification.
	LessonRequest struct {
		Query         string   `json:"query"`
		ErrorPatterns []string `json:"error_patterns,omitempty"`
		TopK          int      `json:"top_k,omitempty"`
	}

	lessonState struct {
		Request   LessonRequest     `json:"request"`
		UserLevel string            `json:"user_level,omitempty"`
		Chunks    []knowledge.Chunk `json:"chunks,omitempty"`
		Body      string            `json:"body,omitempty"`
		ModelID   string            `json:"model_id,omitempty"`
	}
)

// NewLessonGraph declares the on-demand lesson pipeline:
// retrieve -> synthesize -> emit.
func NewLessonGraph(deps Deps) (*workflow.Graph, error) {
	if deps.Retriever == nil || deps.Synthesizer == nil {
		return nil, errRequiredDeps
	}
	return workflow.NewGraph(job.KindLesson, nodeRetrieve,
		workflow.Node{
			Name:      nodeRetrieve,
			Effectful: true,
			Timeout:   10 * time.Second,
			Retry:     retry.DefaultPolicy(),
			Run:       deps.lessonRetrieve,
		},
		workflow.Node{
			Name:      nodeSynthesize,
			Effectful: true,
			Timeout:   30 * time.Second,
			Retry:     retry.DefaultPolicy(),
			Run:       deps.lessonSynthesize,
		},
		workflow.Node{
			Name: nodeEmit,
			Run:  deps.lessonEmit,
		},
	)
}

func (d Deps) lessonRetrieve(ctx context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var ls lessonState
	if err := st.GetData(&ls); err != nil || ls.Request.Query == "" {
		if err := st.GetData(&ls.Request); err != nil {
			return "", nil, fault.Wrap(fault.KindValidation, "decode lesson request", err)
		}
	}
	if ls.Request.Query == "" {
		return "", nil, fault.New(fault.KindValidation, "lesson request has no query")
	}
	if d.Sessions != nil && st.SessionID != "" {
		if sess, ok, err := d.Sessions.Get(ctx, st.SessionID); err == nil && ok {
			ls.UserLevel = sess.UserLevel
		}
	}
	res, err := d.Retriever.RetrieveKnowledge(ctx, st.Tenant, ls.Request.Query, ls.Request.ErrorPatterns, ls.Request.TopK)
	if err != nil {
		return "", nil, err
	}
	ls.Chunks = res.Chunks
	if res.Degraded {
		st.Degraded = true
	}
	if err := st.SetData(&ls); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodeSynthesize, nil, nil
}

func (d Deps) lessonSynthesize(ctx context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var ls lessonState
	if err := st.GetData(&ls); err != nil {
		return "", nil, fault.Internal(err)
	}
	body, modelID, err := d.Synthesizer.Compose(ctx, ls.Request.Query, ls.UserLevel, st.IdempotencyToken(), ls.Chunks)
	if err != nil {
		return "", nil, err
	}
	ls.Body = body
	ls.ModelID = modelID
	if err := st.SetData(&ls); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodeEmit, nil, nil
}

func (d Deps) lessonEmit(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var ls lessonState
	if err := st.GetData(&ls); err != nil {
		return "", nil, fault.Internal(err)
	}
	cited := make([]string, 0, len(ls.Chunks))
	for _, c := range ls.Chunks {
		cited = append(cited, c.ID)
	}
	iv := &results.Intervention{
		Fingerprint:   st.Fingerprint,
		Tenant:        st.Tenant,
		Kind:          results.KindLesson,
		Severity:      results.SeverityInfo,
		Body:          ls.Body,
		CitedChunkIDs: cited,
		Degraded:      st.Degraded,
		ModelID:       ls.ModelID,
		ProducedAt:    time.Now().UTC(),
	}
	return "", iv, nil
}
