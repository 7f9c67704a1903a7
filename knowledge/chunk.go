// Package knowledge implements the retrieval-augmented knowledge index: chunk
// storage, embedding-backed nearest-neighbor search with contextual filters,
// deterministic reranking, and the corpus ingestion pass. Indexes are
// per-tenant with a shared global namespace; reads are lock-free after
// ingestion, ingests hold a tenant-scoped writer lock.
package knowledge

import (
	"context"
	"time"
)

type (
	// Difficulty grades a chunk for learner-level filtering.
	Difficulty string

	// Chunk is one retrievable unit of the corpus. Read-only at request
	// time; written only by the ingestion pass.
	Chunk struct {
		// ID identifies the chunk; ties in reranking break on it ascending.
		ID string `json:"id" bson:"_id"`
		// Tenant owns the chunk, or TenantGlobal for the shared corpus.
		Tenant string `json:"tenant" bson:"tenant"`
		// SourcePath is the corpus file the chunk came from.
		SourcePath string `json:"source_path" bson:"source_path"`
		// Text is the chunk body.
		Text string `json:"text" bson:"text"`
		// Embedding is the chunk vector. Its dimension must equal the
		// configured dimension of the tenant's index.
		Embedding []float32 `json:"embedding" bson:"embedding"`
		// Tags carry contextual filters, e.g. error_pattern=TypeError.
		Tags map[string]string `json:"tags,omitempty" bson:"tags,omitempty"`
		// Difficulty grades the chunk.
		Difficulty Difficulty `json:"difficulty" bson:"difficulty"`
		// IngestedAt drives the recency decay during reranking.
		IngestedAt time.Time `json:"ingested_at" bson:"ingested_at"`
	}

	// Embedder turns text into vectors. Implementations live under
	// features/embed; providers beyond those remain pluggable behind this
	// interface.
	Embedder interface {
		// Embed returns the vector for the content.
		Embed(ctx context.Context, content string) ([]float32, error)
		// Dimension is the vector dimension the provider emits.
		Dimension() int
		// ModelID names the embedding model for audit trails.
		ModelID() string
	}

	// Store persists chunks and the ingest checkpoint. The Mongo-backed
	// implementation lives under features/knowledge/mongo.
	Store interface {
		// PutChunks upserts the chunks in the tenant's namespace.
		PutChunks(ctx context.Context, chunks []Chunk) error
		// LoadTenant returns every chunk of the tenant's namespace.
		LoadTenant(ctx context.Context, tenant string) ([]Chunk, error)
		// SaveIngestCheckpoint records the last completed ingest source.
		SaveIngestCheckpoint(ctx context.Context, tenant, sourcePath string) error
		// LoadIngestCheckpoint returns the last completed ingest source.
		LoadIngestCheckpoint(ctx context.Context, tenant string) (string, error)
	}
)

// TenantGlobal is the namespace shared read-only with every tenant.
const TenantGlobal = "global"

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// Valid reports whether d names a known difficulty grade.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
		return true
	}
	return false
}

// TagErrorPattern is the tag key carrying the error signature a chunk
// addresses.
const TagErrorPattern = "error_pattern"
