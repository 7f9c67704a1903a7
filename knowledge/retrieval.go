package knowledge

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/telemetry"
)

type (
	// RetrieverOptions configures the retrieval layer.
	RetrieverOptions struct {
		// Index is the nearest-neighbor store. Required.
		Index *Index
		// Embedder produces query vectors, normally the memoizing cache.
		// Required.
		Embedder interface {
			EmbedFor(ctx context.Context, tenant, content string) ([]float32, error)
		}
		// TopKDefault is the k used when callers pass zero. Defaults to 3;
		// requests above MaxTopK are clamped.
		TopKDefault int
		// Timeout bounds one retrieval. Expiry degrades to an empty result
		// rather than failing. Defaults to 2s.
		Timeout time.Duration
		// SimilarityWeight, TagWeight, and RecencyWeight parameterize the
		// rerank score. Zero values take the defaults 0.7, 0.2, 0.1.
		SimilarityWeight float64
		TagWeight        float64
		RecencyWeight    float64
		// RecencyHalfLife is the age at which the recency term halves.
		// Defaults to 30 days.
		RecencyHalfLife time.Duration

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Retriever answers knowledge queries for both pipelines. A timeout or
	// provider failure returns an empty result with the degraded flag set;
	// pipelines propagate the flag to their verdict and synthesis nodes.
	Retriever struct {
		opts RetrieverOptions
		now  func() time.Time
	}

	// Result is one retrieval outcome.
	Result struct {
		// Chunks are the top-k reranked chunks, deterministic for equal
		// inputs.
		Chunks []Chunk
		// Scores holds the raw cosine similarity of each chunk, aligned with
		// Chunks. Consumers comparing against a similarity threshold read
		// these rather than the rerank score.
		Scores []float64
		// Degraded is set when retrieval timed out or the provider failed.
		Degraded bool
	}
)

// MaxTopK caps the number of chunks a single retrieval may return.
const MaxTopK = 10

// NewRetriever builds the retrieval layer.
func NewRetriever(opts RetrieverOptions) (*Retriever, error) {
	if opts.Index == nil {
		return nil, errors.New("index is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if opts.TopKDefault <= 0 {
		opts.TopKDefault = 3
	}
	if opts.TopKDefault > MaxTopK {
		opts.TopKDefault = MaxTopK
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.SimilarityWeight == 0 {
		opts.SimilarityWeight = 0.7
	}
	if opts.TagWeight == 0 {
		opts.TagWeight = 0.2
	}
	if opts.RecencyWeight == 0 {
		opts.RecencyWeight = 0.1
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = 30 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Retriever{opts: opts, now: time.Now}, nil
}

// RetrieveKnowledge answers a free-form query, optionally filtered to chunks
// tagged with one of the error patterns.
func (r *Retriever) RetrieveKnowledge(ctx context.Context, tenant, query string, errorPatterns []string, topK int) (Result, error) {
	return r.retrieve(ctx, tenant, query, errorPatterns, "", topK)
}

// RetrieveContextualLesson answers a lesson query composed from the error
// type and code context, filtered to the learner's level.
func (r *Retriever) RetrieveContextualLesson(ctx context.Context, tenant, errorType, codeContext, userLevel string) (Result, error) {
	composite := errorType
	if codeContext != "" {
		composite += "\n\n" + codeContext
	}
	var patterns []string
	if errorType != "" {
		patterns = []string{errorType}
	}
	return r.retrieve(ctx, tenant, composite, patterns, Difficulty(userLevel), 0)
}

func (r *Retriever) retrieve(ctx context.Context, tenant, query string, errorPatterns []string, level Difficulty, topK int) (Result, error) {
	if query == "" {
		return Result{}, fault.New(fault.KindValidation, "query is required")
	}
	if topK <= 0 {
		topK = r.opts.TopKDefault
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}
	if !level.Valid() {
		level = ""
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	vector, err := r.opts.Embedder.EmbedFor(ctx, tenant, query)
	if err != nil {
		return r.degrade(ctx, tenant, "embed query", err)
	}

	// One similarity scan per error pattern, widened by an unfiltered scan so
	// untagged but relevant chunks still compete in the rerank.
	pool := make(map[string]Match)
	scan := func(f Filters) error {
		ms, serr := r.opts.Index.Search(ctx, tenant, vector, f)
		if serr != nil {
			return serr
		}
		for _, m := range ms {
			pool[m.Chunk.ID] = m
		}
		return nil
	}
	for _, p := range errorPatterns {
		if p == "" {
			continue
		}
		if err := scan(Filters{Tags: map[string]string{TagErrorPattern: p}, Difficulty: level}); err != nil {
			return r.degrade(ctx, tenant, "index search", err)
		}
	}
	if err := scan(Filters{Difficulty: level}); err != nil {
		return r.degrade(ctx, tenant, "index search", err)
	}
	if err := ctx.Err(); err != nil {
		return r.degrade(ctx, tenant, "retrieval deadline", err)
	}

	ranked := r.rerank(pool, errorPatterns)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	chunks := make([]Chunk, len(ranked))
	scores := make([]float64, len(ranked))
	for i, m := range ranked {
		chunks[i] = m.Chunk
		scores[i] = m.Similarity
	}
	return Result{Chunks: chunks, Scores: scores}, nil
}

// rerank orders the candidate pool by a weighted sum of similarity, tag match
// count, and recency decay, breaking ties on chunk id ascending so equal
// inputs always produce the same order.
func (r *Retriever) rerank(pool map[string]Match, errorPatterns []string) []Match {
	now := r.now()
	type scored struct {
		m     Match
		score float64
	}
	out := make([]scored, 0, len(pool))
	for _, m := range pool {
		tagMatches := 0.0
		if pat := m.Chunk.Tags[TagErrorPattern]; pat != "" {
			for _, p := range errorPatterns {
				if strings.EqualFold(p, pat) {
					tagMatches++
				}
			}
		}
		age := now.Sub(m.Chunk.IngestedAt)
		recency := math.Exp2(-float64(age) / float64(r.opts.RecencyHalfLife))
		score := r.opts.SimilarityWeight*m.Similarity +
			r.opts.TagWeight*tagMatches +
			r.opts.RecencyWeight*recency
		out = append(out, scored{m: m, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].m.Chunk.ID < out[j].m.Chunk.ID
	})
	ms := make([]Match, len(out))
	for i, s := range out {
		ms[i] = s.m
	}
	return ms
}

func (r *Retriever) degrade(ctx context.Context, tenant, op string, err error) (Result, error) {
	r.opts.Metrics.IncCounter(telemetry.CounterRetrievalDegraded, 1, "tenant", tenant)
	r.opts.Logger.Warn(ctx, "retrieval degraded", "tenant", tenant, "op", op, "err", err.Error())
	return Result{Degraded: true}, nil
}
