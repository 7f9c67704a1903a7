package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/model"
	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

type (
	// ComposerOptions bounds remediation composition.
	ComposerOptions struct {
		// MaxSnippetChars truncates the proposed code. Defaults to 2000.
		MaxSnippetChars int
	}

	// Composer constructs remediation snippets for accepted candidates from
	// retrieved exemplars. No citation, no edit: a candidate with no
	// supporting chunks gets no remediation, never an uncited one.
	Composer struct {
		client model.Client
		opts   ComposerOptions
	}
)

// NewComposer builds a remediation composer on the given model client.
func NewComposer(client model.Client, opts ComposerOptions) (*Composer, error) {
	if client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if opts.MaxSnippetChars <= 0 {
		opts.MaxSnippetChars = 2000
	}
	return &Composer{client: client, opts: opts}, nil
}

const remediationSystem = `You are a code reviewer proposing a minimal fix for a
flagged violation. Base the replacement strictly on the exemplars provided; do
not introduce APIs or patterns absent from them. Reply with only the replacement
code, fenced in markdown.`

// Compose renders a remediation snippet for the candidate using the retrieved
// exemplars. Returns nil when no exemplar supports an edit.
func (c *Composer) Compose(ctx context.Context, cand results.Candidate, chunks []knowledge.Chunk, idempotencyToken string) (*results.Snippet, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Violation %s at %s.\n", cand.RuleID, addedSpan(cand.File, cand.Line, cand.EndLine))
	if cand.Excerpt != "" {
		fmt.Fprintf(&sb, "Offending code:\n%s\n", cand.Excerpt)
	}
	sb.WriteString("\nExemplars:\n")
	cited := make([]string, 0, len(chunks))
	for i, ch := range chunks {
		cited = append(cited, ch.ID)
		fmt.Fprintf(&sb, "\n[%d] (%s)\n%s\n", i+1, ch.ID, ch.Text)
	}
	fmt.Fprintf(&sb, "\nPropose a replacement of at most %d characters.", c.opts.MaxSnippetChars)

	resp, err := c.client.Complete(ctx, &model.Request{
		System:           remediationSystem,
		Prompt:           sb.String(),
		MaxTokens:        c.opts.MaxSnippetChars / 3,
		Temperature:      0,
		IdempotencyToken: idempotencyToken,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "remediation composition", err)
	}
	code := resp.Text
	if len(code) > c.opts.MaxSnippetChars {
		code = code[:c.opts.MaxSnippetChars]
	}
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	return &results.Snippet{Code: code, CitedChunkIDs: cited}, nil
}
