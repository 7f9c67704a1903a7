package knowledge

import (
	"context"
	"math"
	"sync"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

type (
	// Index is the in-process nearest-neighbor store: one shard per tenant
	// plus the global shard. Queries scan the tenant's shard and the global
	// shard with cosine similarity; ingests take the shard's writer lock so
	// reads within the tenant observe their own writes.
	Index struct {
		dimension int

		mu     sync.RWMutex
		shards map[string]*shard
	}

	shard struct {
		mu     sync.RWMutex
		chunks []Chunk
		byID   map[string]int
	}

	// Match pairs a chunk with its raw similarity score.
	Match struct {
		Chunk      Chunk
		Similarity float64
	}

	// Filters narrow a search to chunks carrying the required tags and, when
	// set, the difficulty grade.
	Filters struct {
		// Tags must all be present with equal values on a matching chunk.
		Tags map[string]string
		// Difficulty, when non-empty, must match exactly.
		Difficulty Difficulty
	}
)

// NewIndex builds an index enforcing the configured embedding dimension.
func NewIndex(dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fault.Newf(fault.KindValidation, "embedding dimension must be positive, got %d", dimension)
	}
	return &Index{dimension: dimension, shards: make(map[string]*shard)}, nil
}

// Dimension returns the vector dimension every chunk must match.
func (x *Index) Dimension() int { return x.dimension }

// Ingest writes chunks into their tenants' shards. Mixing dimensions is
// rejected before any write: a batch with one bad vector ingests nothing.
func (x *Index) Ingest(_ context.Context, chunks []Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != x.dimension {
			return fault.Newf(fault.KindValidation,
				"chunk %s: embedding dimension %d does not match index dimension %d",
				c.ID, len(c.Embedding), x.dimension)
		}
	}
	byTenant := make(map[string][]Chunk)
	for _, c := range chunks {
		tenant := c.Tenant
		if tenant == "" {
			tenant = TenantGlobal
		}
		byTenant[tenant] = append(byTenant[tenant], c)
	}
	for tenant, batch := range byTenant {
		sh := x.shard(tenant)
		sh.mu.Lock()
		for _, c := range batch {
			if i, ok := sh.byID[c.ID]; ok {
				sh.chunks[i] = c
				continue
			}
			sh.byID[c.ID] = len(sh.chunks)
			sh.chunks = append(sh.chunks, c)
		}
		sh.mu.Unlock()
	}
	return nil
}

// Search scans the tenant's shard plus the global shard and returns every
// chunk passing the filters with its cosine similarity to the query vector.
// Callers rerank and truncate.
func (x *Index) Search(_ context.Context, tenant string, query []float32, f Filters) ([]Match, error) {
	if len(query) != x.dimension {
		return nil, fault.Newf(fault.KindValidation,
			"query dimension %d does not match index dimension %d", len(query), x.dimension)
	}
	var out []Match
	for _, name := range []string{tenant, TenantGlobal} {
		if name == "" || (name == tenant && tenant == TenantGlobal) {
			continue
		}
		sh := x.lookup(name)
		if sh == nil {
			continue
		}
		sh.mu.RLock()
		for _, c := range sh.chunks {
			if !matches(c, f) {
				continue
			}
			out = append(out, Match{Chunk: c, Similarity: cosine(query, c.Embedding)})
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// Count reports the number of chunks in the tenant's shard.
func (x *Index) Count(tenant string) int {
	sh := x.lookup(tenant)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.chunks)
}

func (x *Index) shard(tenant string) *shard {
	x.mu.Lock()
	defer x.mu.Unlock()
	sh, ok := x.shards[tenant]
	if !ok {
		sh = &shard{byID: make(map[string]int)}
		x.shards[tenant] = sh
	}
	return sh
}

func (x *Index) lookup(tenant string) *shard {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.shards[tenant]
}

func matches(c Chunk, f Filters) bool {
	if f.Difficulty != "" && c.Difficulty != f.Difficulty {
		return false
	}
	for k, v := range f.Tags {
		if c.Tags[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
