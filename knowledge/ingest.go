package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/telemetry"
)

type (
	// IngesterOptions configures the corpus ingestion pass.
	IngesterOptions struct {
		// Index receives the embedded chunks. Required.
		Index *Index
		// Embedder produces chunk vectors. Required.
		Embedder Embedder
		// Store persists chunks and the ingest checkpoint. Optional; when
		// nil the index is the only destination.
		Store  Store
		Logger telemetry.Logger
	}

	// Ingester turns markdown lesson files into embedded chunks. Ingest runs
	// under single-writer discipline per tenant: callers serialize ingests
	// for a tenant, queries read concurrently and observe writes once the
	// batch lands.
	Ingester struct {
		opts IngesterOptions
		now  func() time.Time
	}
)

// NewIngester builds the corpus ingestion pass.
func NewIngester(opts IngesterOptions) (*Ingester, error) {
	if opts.Index == nil {
		return nil, errors.New("index is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if opts.Embedder.Dimension() != opts.Index.Dimension() {
		return nil, fault.Newf(fault.KindValidation,
			"embedder dimension %d does not match index dimension %d",
			opts.Embedder.Dimension(), opts.Index.Dimension())
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Ingester{opts: opts, now: time.Now}, nil
}

// IngestMarkdown splits a markdown lesson document on its headings, embeds
// each section, and writes the resulting chunks to the index and the store.
// Sections may open with metadata lines of the form `key=value`; `difficulty`
// selects the grade and every other key becomes a tag.
func (g *Ingester) IngestMarkdown(ctx context.Context, tenant, sourcePath, doc string) ([]Chunk, error) {
	if tenant == "" {
		tenant = TenantGlobal
	}
	sections := splitSections(doc)
	if len(sections) == 0 {
		return nil, fault.Newf(fault.KindValidation, "document %s has no content", sourcePath)
	}
	now := g.now().UTC()
	chunks := make([]Chunk, 0, len(sections))
	for _, sec := range sections {
		text, tags, difficulty := parseSection(sec)
		if text == "" {
			continue
		}
		vector, err := g.opts.Embedder.Embed(ctx, text)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, "embed chunk", err)
		}
		chunks = append(chunks, Chunk{
			ID:         chunkID(tenant, sourcePath, text),
			Tenant:     tenant,
			SourcePath: sourcePath,
			Text:       text,
			Embedding:  vector,
			Tags:       tags,
			Difficulty: difficulty,
			IngestedAt: now,
		})
	}
	if len(chunks) == 0 {
		return nil, fault.Newf(fault.KindValidation, "document %s has no ingestible sections", sourcePath)
	}
	if err := g.opts.Index.Ingest(ctx, chunks); err != nil {
		return nil, err
	}
	if g.opts.Store != nil {
		if err := g.opts.Store.PutChunks(ctx, chunks); err != nil {
			return nil, err
		}
		if err := g.opts.Store.SaveIngestCheckpoint(ctx, tenant, sourcePath); err != nil {
			return nil, err
		}
	}
	g.opts.Logger.Info(ctx, "ingested corpus document",
		"tenant", tenant, "source", sourcePath, "chunks", len(chunks))
	return chunks, nil
}

// Warm loads a tenant's persisted chunks from the store into the index,
// typically at process start.
func (g *Ingester) Warm(ctx context.Context, tenant string) (int, error) {
	if g.opts.Store == nil {
		return 0, nil
	}
	chunks, err := g.opts.Store.LoadTenant(ctx, tenant)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := g.opts.Index.Ingest(ctx, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// splitSections breaks a markdown document into heading-delimited sections.
// Content before the first heading forms its own section.
func splitSections(doc string) []string {
	lines := strings.Split(doc, "\n")
	var sections []string
	var cur []string
	flush := func() {
		s := strings.TrimSpace(strings.Join(cur, "\n"))
		if s != "" {
			sections = append(sections, s)
		}
		cur = cur[:0]
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return sections
}

// parseSection strips the heading and leading `key=value` metadata lines from
// a section, returning the body, the tags, and the difficulty grade.
func parseSection(sec string) (string, map[string]string, Difficulty) {
	lines := strings.Split(sec, "\n")
	tags := make(map[string]string)
	difficulty := DifficultyIntermediate
	var body []string
	inMeta := true
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if i == 0 && strings.HasPrefix(trimmed, "#") {
			body = append(body, line)
			continue
		}
		if inMeta && trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			if k, v, ok := strings.Cut(trimmed, "="); ok && !strings.ContainsAny(k, " \t") {
				key := strings.TrimSpace(k)
				val := strings.TrimSpace(v)
				if key == "difficulty" {
					if d := Difficulty(val); d.Valid() {
						difficulty = d
					}
					continue
				}
				tags[key] = val
				continue
			}
			inMeta = false
		}
		if trimmed != "" {
			inMeta = false
		}
		body = append(body, line)
	}
	if len(tags) == 0 {
		tags = nil
	}
	return strings.TrimSpace(strings.Join(body, "\n")), tags, difficulty
}

func chunkID(tenant, sourcePath, text string) string {
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(sourcePath))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))[:24]
}
