package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mapEmbedder struct {
	vecs  map[string][]float32
	def   []float32
	err   error
	calls int
}

func (e *mapEmbedder) EmbedFor(_ context.Context, _, content string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vecs[content]; ok {
		return v, nil
	}
	return e.def, nil
}

func testRetriever(t *testing.T, emb *mapEmbedder, chunks []Chunk) *Retriever {
	t.Helper()
	x, err := NewIndex(3)
	require.NoError(t, err)
	require.NoError(t, x.Ingest(context.Background(), chunks))
	r, err := NewRetriever(RetrieverOptions{Index: x, Embedder: emb})
	require.NoError(t, err)
	return r
}

func TestRetrieveKnowledgeRanksBySimilarity(t *testing.T) {
	now := time.Now().UTC()
	chunks := []Chunk{
		{ID: "near", Tenant: "acme", Embedding: []float32{1, 0, 0}, IngestedAt: now},
		{ID: "far", Tenant: "acme", Embedding: []float32{0, 1, 0}, IngestedAt: now},
		{ID: "mid", Tenant: "acme", Embedding: []float32{1, 1, 0}, IngestedAt: now},
	}
	r := testRetriever(t, &mapEmbedder{def: []float32{1, 0, 0}}, chunks)

	res, err := r.RetrieveKnowledge(context.Background(), "acme", "query", nil, 2)
	require.NoError(t, err)
	require.False(t, res.Degraded)
	require.Len(t, res.Chunks, 2)
	require.Equal(t, "near", res.Chunks[0].ID)
	require.Equal(t, "mid", res.Chunks[1].ID)
	require.Len(t, res.Scores, 2)
	require.InDelta(t, 1.0, res.Scores[0], 1e-9)
	require.Greater(t, res.Scores[0], res.Scores[1])
}

func TestRetrieveKnowledgeDeterministicOrder(t *testing.T) {
	now := time.Now().UTC()
	// Identical vectors and timestamps: ties break on chunk id ascending.
	chunks := []Chunk{
		{ID: "b", Tenant: "acme", Embedding: []float32{1, 0, 0}, IngestedAt: now},
		{ID: "a", Tenant: "acme", Embedding: []float32{1, 0, 0}, IngestedAt: now},
		{ID: "c", Tenant: "acme", Embedding: []float32{1, 0, 0}, IngestedAt: now},
	}
	r := testRetriever(t, &mapEmbedder{def: []float32{1, 0, 0}}, chunks)

	for i := 0; i < 5; i++ {
		res, err := r.RetrieveKnowledge(context.Background(), "acme", "query", nil, 3)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, []string{res.Chunks[0].ID, res.Chunks[1].ID, res.Chunks[2].ID})
	}
}

func TestRetrieveKnowledgeTagBoost(t *testing.T) {
	now := time.Now().UTC()
	chunks := []Chunk{
		{ID: "plain", Tenant: "acme", Embedding: []float32{1, 0, 0}, IngestedAt: now},
		{ID: "tagged", Tenant: "acme", Embedding: []float32{1, 0, 0},
			Tags: map[string]string{TagErrorPattern: "TypeError"}, IngestedAt: now},
	}
	r := testRetriever(t, &mapEmbedder{def: []float32{1, 0, 0}}, chunks)

	res, err := r.RetrieveKnowledge(context.Background(), "acme", "query", []string{"TypeError"}, 2)
	require.NoError(t, err)
	require.Equal(t, "tagged", res.Chunks[0].ID)
}

func TestRetrieveKnowledgeRecencyBoost(t *testing.T) {
	now := time.Now().UTC()
	chunks := []Chunk{
		{ID: "stale", Tenant: "acme", Embedding: []float32{1, 0, 0}, IngestedAt: now.Add(-90 * 24 * time.Hour)},
		{ID: "fresh", Tenant: "acme", Embedding: []float32{1, 0, 0}, IngestedAt: now},
	}
	r := testRetriever(t, &mapEmbedder{def: []float32{1, 0, 0}}, chunks)

	res, err := r.RetrieveKnowledge(context.Background(), "acme", "query", nil, 2)
	require.NoError(t, err)
	require.Equal(t, "fresh", res.Chunks[0].ID)
}

func TestRetrieveKnowledgeClampsTopK(t *testing.T) {
	now := time.Now().UTC()
	var chunks []Chunk
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		chunks = append(chunks, Chunk{ID: id, Tenant: "acme", Embedding: []float32{1, 0, 0}, IngestedAt: now})
	}
	r := testRetriever(t, &mapEmbedder{def: []float32{1, 0, 0}}, chunks)

	res, err := r.RetrieveKnowledge(context.Background(), "acme", "query", nil, 100)
	require.NoError(t, err)
	require.Len(t, res.Chunks, MaxTopK)
}

func TestRetrieveKnowledgeEmptyQuery(t *testing.T) {
	r := testRetriever(t, &mapEmbedder{def: []float32{1, 0, 0}}, nil)
	_, err := r.RetrieveKnowledge(context.Background(), "acme", "", nil, 0)
	require.Error(t, err)
}

func TestRetrieveDegradesOnEmbedderFailure(t *testing.T) {
	r := testRetriever(t, &mapEmbedder{err: errors.New("provider down")}, nil)
	res, err := r.RetrieveKnowledge(context.Background(), "acme", "query", nil, 0)
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Empty(t, res.Chunks)
}

func TestRetrieveContextualLessonFiltersByLevel(t *testing.T) {
	now := time.Now().UTC()
	chunks := []Chunk{
		{ID: "easy", Tenant: "acme", Embedding: []float32{1, 0, 0}, Difficulty: DifficultyBeginner, IngestedAt: now},
		{ID: "hard", Tenant: "acme", Embedding: []float32{1, 0, 0}, Difficulty: DifficultyAdvanced, IngestedAt: now},
	}
	r := testRetriever(t, &mapEmbedder{def: []float32{1, 0, 0}}, chunks)

	res, err := r.RetrieveContextualLesson(context.Background(), "acme", "TypeError", "x = 1 + \"a\"", "beginner")
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	require.Equal(t, "easy", res.Chunks[0].ID)

	// An unknown level falls back to unfiltered retrieval.
	res, err = r.RetrieveContextualLesson(context.Background(), "acme", "TypeError", "", "wizard")
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
}
