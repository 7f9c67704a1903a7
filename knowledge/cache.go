package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

type (
	// EmbedCache memoizes embedding calls per (tenant, content hash) with a
	// bounded entry count and TTL. Within the TTL the same content always
	// yields the same vector, which pins crash-resumed synthesis to the
	// vectors the original run retrieved with.
	EmbedCache struct {
		next Embedder

		mu      sync.Mutex
		entries map[string]*embedEntry
		order   []string // insertion order for bounded eviction
		max     int
		ttl     time.Duration
		now     func() time.Time
	}

	embedEntry struct {
		vector    []float32
		expiresAt time.Time
	}
)

// NewEmbedCache wraps the embedder with a memoization layer.
func NewEmbedCache(next Embedder, maxEntries int, ttl time.Duration) *EmbedCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &EmbedCache{
		next:    next,
		entries: make(map[string]*embedEntry),
		max:     maxEntries,
		ttl:     ttl,
		now:     time.Now,
	}
}

// EmbedFor returns the vector for the content in the tenant's cache scope,
// calling through on a miss.
func (c *EmbedCache) EmbedFor(ctx context.Context, tenant, content string) ([]float32, error) {
	key := cacheKey(tenant, content)
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		v := e.vector
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	vector, err := c.next.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = &embedEntry{vector: vector, expiresAt: c.now().Add(c.ttl)}
	for len(c.entries) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.mu.Unlock()
	return vector, nil
}

// Dimension delegates to the wrapped embedder.
func (c *EmbedCache) Dimension() int { return c.next.Dimension() }

// ModelID delegates to the wrapped embedder.
func (c *EmbedCache) ModelID() string { return c.next.ModelID() }

// Embed satisfies Embedder without a tenant scope; entries land in the global
// scope.
func (c *EmbedCache) Embed(ctx context.Context, content string) ([]float32, error) {
	return c.EmbedFor(ctx, TenantGlobal, content)
}

func cacheKey(tenant, content string) string {
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
