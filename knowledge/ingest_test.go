package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	chunks      map[string][]Chunk
	checkpoints map[string]string
}

func newMemStore() *memStore {
	return &memStore{chunks: make(map[string][]Chunk), checkpoints: make(map[string]string)}
}

func (s *memStore) PutChunks(_ context.Context, chunks []Chunk) error {
	for _, c := range chunks {
		s.chunks[c.Tenant] = append(s.chunks[c.Tenant], c)
	}
	return nil
}

func (s *memStore) LoadTenant(_ context.Context, tenant string) ([]Chunk, error) {
	return s.chunks[tenant], nil
}

func (s *memStore) SaveIngestCheckpoint(_ context.Context, tenant, sourcePath string) error {
	s.checkpoints[tenant] = sourcePath
	return nil
}

func (s *memStore) LoadIngestCheckpoint(_ context.Context, tenant string) (string, error) {
	return s.checkpoints[tenant], nil
}

const lessonDoc = `# Type errors in Python
difficulty=beginner
error_pattern=TypeError

A TypeError means a value has an unexpected type. Check the operands.

# Advanced generics
difficulty=advanced

Generics let you parameterize types.

# Untagged section

This one carries the default grade.
`

func newTestIngester(t *testing.T, store Store) (*Ingester, *Index) {
	t.Helper()
	x, err := NewIndex(3)
	require.NoError(t, err)
	g, err := NewIngester(IngesterOptions{Index: x, Embedder: &countingEmbedder{dim: 3}, Store: store})
	require.NoError(t, err)
	return g, x
}

func TestNewIngesterRejectsDimensionMismatch(t *testing.T) {
	x, err := NewIndex(3)
	require.NoError(t, err)
	_, err = NewIngester(IngesterOptions{Index: x, Embedder: &countingEmbedder{dim: 5}})
	require.Error(t, err)
}

func TestIngestMarkdownSplitsAndTags(t *testing.T) {
	g, x := newTestIngester(t, nil)

	chunks, err := g.IngestMarkdown(context.Background(), "acme", "lessons/types.md", lessonDoc)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, 3, x.Count("acme"))

	byHeading := make(map[string]Chunk)
	for _, c := range chunks {
		require.Equal(t, "acme", c.Tenant)
		require.Equal(t, "lessons/types.md", c.SourcePath)
		require.NotEmpty(t, c.ID)
		require.Len(t, c.Embedding, 3)
		byHeading[headingOf(c.Text)] = c
	}

	typeErr := byHeading["# Type errors in Python"]
	require.Equal(t, DifficultyBeginner, typeErr.Difficulty)
	require.Equal(t, "TypeError", typeErr.Tags[TagErrorPattern])
	require.NotContains(t, typeErr.Text, "difficulty=")

	generics := byHeading["# Advanced generics"]
	require.Equal(t, DifficultyAdvanced, generics.Difficulty)
	require.Nil(t, generics.Tags)

	untagged := byHeading["# Untagged section"]
	require.Equal(t, DifficultyIntermediate, untagged.Difficulty)
}

func headingOf(text string) string {
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			return text[:i]
		}
	}
	return text
}

func TestIngestMarkdownRejectsEmptyDoc(t *testing.T) {
	g, _ := newTestIngester(t, nil)
	_, err := g.IngestMarkdown(context.Background(), "acme", "lessons/empty.md", "   \n\n  ")
	require.Error(t, err)
}

func TestIngestMarkdownDefaultsToGlobalTenant(t *testing.T) {
	g, x := newTestIngester(t, nil)
	chunks, err := g.IngestMarkdown(context.Background(), "", "lessons/shared.md", "# Shared\n\nBody.\n")
	require.NoError(t, err)
	require.Equal(t, TenantGlobal, chunks[0].Tenant)
	require.Equal(t, 1, x.Count(TenantGlobal))
}

func TestIngestMarkdownPersistsToStore(t *testing.T) {
	store := newMemStore()
	g, _ := newTestIngester(t, store)

	_, err := g.IngestMarkdown(context.Background(), "acme", "lessons/types.md", lessonDoc)
	require.NoError(t, err)
	require.Len(t, store.chunks["acme"], 3)
	require.Equal(t, "lessons/types.md", store.checkpoints["acme"])
}

func TestWarmLoadsPersistedChunks(t *testing.T) {
	store := newMemStore()
	seed, _ := newTestIngester(t, store)
	_, err := seed.IngestMarkdown(context.Background(), "acme", "lessons/types.md", lessonDoc)
	require.NoError(t, err)

	// A fresh process warms its empty index from the store.
	g, x := newTestIngester(t, store)
	n, err := g.Warm(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, x.Count("acme"))

	// Warming without a store is a no-op.
	noStore, _ := newTestIngester(t, nil)
	n, err = noStore.Warm(context.Background(), "acme")
	require.NoError(t, err)
	require.Zero(t, n)
}
