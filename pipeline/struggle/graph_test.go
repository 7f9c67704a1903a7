package struggle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/model"
	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/workflow"
	"github.com/aura-dev/aura/session"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (e stubEmbedder) EmbedFor(context.Context, string, string) ([]float32, error) {
	return e.vec, e.err
}

// recordingModel captures prompts so tests can assert on composition inputs.
type recordingModel struct {
	mu      sync.Mutex
	prompts []string
}

func (m *recordingModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	m.mu.Unlock()
	return &model.Response{Text: "Here is a short lesson.", ModelID: "test-model"}, nil
}

func (m *recordingModel) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

type stubSessions struct {
	byID map[string]session.Session
}

func (s stubSessions) Create(context.Context, string, string, time.Duration) (session.Session, session.TokenPair, error) {
	return session.Session{}, session.TokenPair{}, errors.New("not implemented")
}

func (s stubSessions) Rotate(context.Context, string) (session.Session, session.TokenPair, error) {
	return session.Session{}, session.TokenPair{}, errors.New("not implemented")
}

func (s stubSessions) Get(_ context.Context, id string) (session.Session, bool, error) {
	sess, ok := s.byID[id]
	return sess, ok, nil
}

func (s stubSessions) Invalidate(context.Context, string) error { return nil }

type struggleEnv struct {
	rt    *workflow.Runtime
	model *recordingModel
}

func newStruggleEnv(t *testing.T, emb stubEmbedder, chunks []knowledge.Chunk, sessions session.Store) *struggleEnv {
	t.Helper()
	index, err := knowledge.NewIndex(3)
	require.NoError(t, err)
	require.NoError(t, index.Ingest(context.Background(), chunks))
	retriever, err := knowledge.NewRetriever(knowledge.RetrieverOptions{Index: index, Embedder: emb})
	require.NoError(t, err)
	mdl := &recordingModel{}
	synth, err := NewSynthesizer(mdl, SynthesizerOptions{})
	require.NoError(t, err)

	deps := Deps{
		Windows: NewWindows(10*time.Minute, nil),
		Classifier: NewClassifier(Thresholds{
			EditFreqMin:       3,
			DistinctErrorsMin: 2,
			MinDuration:       time.Second,
			Cooldown:          time.Minute,
		}),
		Retriever:   retriever,
		Synthesizer: synth,
		Sessions:    sessions,
	}
	sg, err := NewGraph(deps)
	require.NoError(t, err)
	lg, err := NewLessonGraph(deps)
	require.NoError(t, err)

	rt, err := workflow.New(workflow.Options{
		Workers:      1,
		Checkpointer: workflow.NewInmemCheckpointer(),
		Store:        results.NewInmemStore(time.Hour),
		Bus:          results.NewInmemBus(),
	}, sg, lg)
	require.NoError(t, err)
	rt.Start(context.Background())
	t.Cleanup(func() { rt.Shutdown(context.Background()) }) //nolint:errcheck
	return &struggleEnv{rt: rt, model: mdl}
}

func lessonChunks() []knowledge.Chunk {
	return []knowledge.Chunk{{
		ID:         "ch-typeerror",
		Tenant:     "acme",
		SourcePath: "lessons/types.md",
		Text:       "TypeError usually means a value has an unexpected type.",
		Embedding:  []float32{1, 0, 0},
		Tags:       map[string]string{knowledge.TagErrorPattern: "TypeError"},
		Difficulty: knowledge.DifficultyBeginner,
		IngestedAt: time.Now().UTC(),
	}}
}

func (e *struggleEnv) run(t *testing.T, fp string, kind job.Kind, sessionID string, payload any) (*results.Intervention, error) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	h, err := e.rt.Submit(context.Background(), &job.Job{
		Fingerprint:    fp,
		Tenant:         "acme",
		Kind:           kind,
		SessionID:      sessionID,
		Payload:        raw,
		State:          job.StatePending,
		CheckpointStep: -1,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func strugglingBatch(sessionID string) Batch {
	base := time.Now().UTC().Add(-time.Minute)
	events := []Event{
		{ReceivedAt: base, Kind: EventKindEdit},
		{ReceivedAt: base.Add(5 * time.Second), Kind: EventKindError, Signature: "TypeError", Payload: json.RawMessage(`"x = 1 + \"a\""`)},
		{ReceivedAt: base.Add(10 * time.Second), Kind: EventKindEdit},
		{ReceivedAt: base.Add(15 * time.Second), Kind: EventKindError, Signature: "TypeError"},
		{ReceivedAt: base.Add(20 * time.Second), Kind: EventKindEdit},
		{ReceivedAt: base.Add(25 * time.Second), Kind: EventKindError, Signature: "NameError"},
	}
	return Batch{Session: sessionID, Events: events}
}

func TestStruggleGraphQuietBatchEndsWithoutIntervention(t *testing.T) {
	env := newStruggleEnv(t, stubEmbedder{vec: []float32{1, 0, 0}}, lessonChunks(), nil)

	base := time.Now().UTC().Add(-time.Minute)
	iv, err := env.run(t, "fp-quiet", job.KindStruggle, "s1", Batch{
		Session: "s1",
		Events: []Event{
			{ReceivedAt: base, Kind: EventKindEdit},
			{ReceivedAt: base.Add(10 * time.Second), Kind: EventKindEdit},
		},
	})
	require.NoError(t, err)
	require.Nil(t, iv)
}

func TestStruggleGraphFiresLesson(t *testing.T) {
	env := newStruggleEnv(t, stubEmbedder{vec: []float32{1, 0, 0}}, lessonChunks(), nil)

	iv, err := env.run(t, "fp-fire", job.KindStruggle, "s1", strugglingBatch("s1"))
	require.NoError(t, err)
	require.NotNil(t, iv)
	require.Equal(t, results.KindLesson, iv.Kind)
	require.Equal(t, results.SeverityError, iv.Severity)
	require.Equal(t, "Here is a short lesson.", iv.Body)
	require.Equal(t, []string{"ch-typeerror"}, iv.CitedChunkIDs)
	require.Equal(t, "test-model", iv.ModelID)
	require.False(t, iv.Degraded)

	// The prompt carries the dominant signature and the retrieved material.
	prompt := env.model.lastPrompt()
	require.Contains(t, prompt, "TypeError")
	require.Contains(t, prompt, "ch-typeerror")
}

func TestStruggleGraphUsesSessionLevel(t *testing.T) {
	sessions := stubSessions{byID: map[string]session.Session{
		"s1": {ID: "s1", Tenant: "acme", UserLevel: "beginner"},
	}}
	env := newStruggleEnv(t, stubEmbedder{vec: []float32{1, 0, 0}}, lessonChunks(), sessions)

	iv, err := env.run(t, "fp-level", job.KindStruggle, "s1", strugglingBatch("s1"))
	require.NoError(t, err)
	require.NotNil(t, iv)
	require.Contains(t, env.model.lastPrompt(), "Developer level: beginner")
}

func TestStruggleGraphDegradedRetrievalStillEmits(t *testing.T) {
	env := newStruggleEnv(t, stubEmbedder{err: errors.New("provider down")}, nil, nil)

	iv, err := env.run(t, "fp-degraded", job.KindStruggle, "s1", strugglingBatch("s1"))
	require.NoError(t, err)
	require.NotNil(t, iv)
	require.True(t, iv.Degraded)
	require.Empty(t, iv.CitedChunkIDs)
	require.NotEmpty(t, iv.Body)
}

func TestStruggleGraphMissingSessionFails(t *testing.T) {
	env := newStruggleEnv(t, stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil)

	_, err := env.run(t, "fp-nosession", job.KindStruggle, "", Batch{Events: []Event{{Kind: EventKindEdit}}})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestLessonGraphOnDemand(t *testing.T) {
	env := newStruggleEnv(t, stubEmbedder{vec: []float32{1, 0, 0}}, lessonChunks(), nil)

	iv, err := env.run(t, "fp-lesson", job.KindLesson, "", LessonRequest{
		Query:         "why does adding a string to an int fail",
		ErrorPatterns: []string{"TypeError"},
	})
	require.NoError(t, err)
	require.NotNil(t, iv)
	require.Equal(t, results.KindLesson, iv.Kind)
	require.Equal(t, results.SeverityInfo, iv.Severity)
	require.Equal(t, []string{"ch-typeerror"}, iv.CitedChunkIDs)
}

func TestLessonGraphEmptyQueryFails(t *testing.T) {
	env := newStruggleEnv(t, stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil)

	_, err := env.run(t, "fp-noquery", job.KindLesson, "", LessonRequest{})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}
