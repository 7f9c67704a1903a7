package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

func chunk(id, tenant string, vec []float32, tags map[string]string, d Difficulty) Chunk {
	return Chunk{
		ID:         id,
		Tenant:     tenant,
		SourcePath: "lessons/" + id + ".md",
		Text:       "body of " + id,
		Embedding:  vec,
		Tags:       tags,
		Difficulty: d,
		IngestedAt: time.Now().UTC(),
	}
}

func TestNewIndexRejectsBadDimension(t *testing.T) {
	_, err := NewIndex(0)
	require.Error(t, err)
	_, err = NewIndex(-3)
	require.Error(t, err)
}

func TestIndexIngestRejectsDimensionMismatch(t *testing.T) {
	x, err := NewIndex(3)
	require.NoError(t, err)

	err = x.Ingest(context.Background(), []Chunk{
		chunk("good", "acme", []float32{1, 0, 0}, nil, ""),
		chunk("bad", "acme", []float32{1, 0}, nil, ""),
	})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
	// A batch with one bad vector ingests nothing.
	require.Equal(t, 0, x.Count("acme"))
}

func TestIndexSearchRejectsDimensionMismatch(t *testing.T) {
	x, err := NewIndex(3)
	require.NoError(t, err)
	_, err = x.Search(context.Background(), "acme", []float32{1, 0}, Filters{})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestIndexUpsertReplacesByID(t *testing.T) {
	x, err := NewIndex(3)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, x.Ingest(ctx, []Chunk{chunk("c1", "acme", []float32{1, 0, 0}, nil, "")}))
	updated := chunk("c1", "acme", []float32{0, 1, 0}, nil, "")
	updated.Text = "updated"
	require.NoError(t, x.Ingest(ctx, []Chunk{updated}))

	require.Equal(t, 1, x.Count("acme"))
	ms, err := x.Search(ctx, "acme", []float32{0, 1, 0}, Filters{})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	require.Equal(t, "updated", ms[0].Chunk.Text)
	require.InDelta(t, 1.0, ms[0].Similarity, 1e-9)
}

func TestIndexSearchSpansTenantAndGlobal(t *testing.T) {
	x, err := NewIndex(3)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, x.Ingest(ctx, []Chunk{
		chunk("mine", "acme", []float32{1, 0, 0}, nil, ""),
		chunk("shared", TenantGlobal, []float32{1, 0, 0}, nil, ""),
		chunk("theirs", "umbrella", []float32{1, 0, 0}, nil, ""),
	}))

	ms, err := x.Search(ctx, "acme", []float32{1, 0, 0}, Filters{})
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, m := range ms {
		ids[m.Chunk.ID] = true
	}
	require.True(t, ids["mine"])
	require.True(t, ids["shared"])
	require.False(t, ids["theirs"], "tenant shards must be isolated")
}

func TestIndexFilters(t *testing.T) {
	x, err := NewIndex(3)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, x.Ingest(ctx, []Chunk{
		chunk("tagged", "acme", []float32{1, 0, 0}, map[string]string{TagErrorPattern: "TypeError"}, DifficultyBeginner),
		chunk("untagged", "acme", []float32{1, 0, 0}, nil, DifficultyAdvanced),
	}))

	ms, err := x.Search(ctx, "acme", []float32{1, 0, 0}, Filters{Tags: map[string]string{TagErrorPattern: "TypeError"}})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	require.Equal(t, "tagged", ms[0].Chunk.ID)

	ms, err = x.Search(ctx, "acme", []float32{1, 0, 0}, Filters{Difficulty: DifficultyAdvanced})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	require.Equal(t, "untagged", ms[0].Chunk.ID)

	ms, err = x.Search(ctx, "acme", []float32{1, 0, 0}, Filters{Tags: map[string]string{TagErrorPattern: "NameError"}})
	require.NoError(t, err)
	require.Empty(t, ms)
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, cosine([]float32{1, 0, 0}, []float32{2, 0, 0}), 1e-9)
	require.InDelta(t, 0.0, cosine([]float32{1, 0, 0}, []float32{0, 1, 0}), 1e-9)
	require.InDelta(t, -1.0, cosine([]float32{1, 0, 0}, []float32{-1, 0, 0}), 1e-9)
	require.Zero(t, cosine([]float32{0, 0, 0}, []float32{1, 0, 0}))
	require.Zero(t, cosine([]float32{1, 0}, []float32{1, 0, 0}))
}
