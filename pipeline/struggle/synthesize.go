package struggle

import (
	"context"
	"fmt"
	"strings"

	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/model"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

type (
	// SynthesizerOptions bounds the lesson composition.
	SynthesizerOptions struct {
		// MaxBodyChars truncates the lesson body. Defaults to 4000.
		MaxBodyChars int
		// DefaultLevel is used when the session carries no learner level.
		DefaultLevel string
	}

	// Synthesizer composes lesson bodies from retrieved chunks under a
	// bounded prompt.
	Synthesizer struct {
		client model.Client
		opts   SynthesizerOptions
	}
)

// NewSynthesizer builds a lesson synthesizer on the given model client.
func NewSynthesizer(client model.Client, opts SynthesizerOptions) (*Synthesizer, error) {
	if client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if opts.MaxBodyChars <= 0 {
		opts.MaxBodyChars = 4000
	}
	if opts.DefaultLevel == "" {
		opts.DefaultLevel = string(knowledge.DifficultyIntermediate)
	}
	return &Synthesizer{client: client, opts: opts}, nil
}

const lessonSystem = `You are a just-in-time programming mentor. Compose a short,
concrete lesson that addresses the developer's current struggle. Ground every
statement in the provided reference material; do not invent APIs or patterns
that are not in the references. Answer in markdown.`

// Compose renders the lesson body for the signature using the retrieved
// chunks. Temperature is pinned to zero and the idempotency token scopes the
// call so a crash-resumed job repeats rather than duplicates it.
func (s *Synthesizer) Compose(ctx context.Context, signature, userLevel, idempotencyToken string, chunks []knowledge.Chunk) (body, modelID string, err error) {
	if userLevel == "" {
		userLevel = s.opts.DefaultLevel
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Developer level: %s\n", userLevel)
	fmt.Fprintf(&sb, "Struggle signal: repeated %s errors during rapid editing.\n\n", signature)
	if len(chunks) == 0 {
		sb.WriteString("No reference material was retrieved. Compose a brief generic pointer and say where to look next.\n")
	} else {
		sb.WriteString("Reference material:\n")
		for i, c := range chunks {
			fmt.Fprintf(&sb, "\n[%d] (%s)\n%s\n", i+1, c.ID, c.Text)
		}
	}
	fmt.Fprintf(&sb, "\nCompose a lesson of at most %d characters.", s.opts.MaxBodyChars)

	resp, err := s.client.Complete(ctx, &model.Request{
		System:           lessonSystem,
		Prompt:           sb.String(),
		MaxTokens:        s.opts.MaxBodyChars / 3,
		Temperature:      0,
		IdempotencyToken: idempotencyToken,
	})
	if err != nil {
		return "", "", fault.Wrap(fault.KindTransient, "lesson synthesis", err)
	}
	body = resp.Text
	if len(body) > s.opts.MaxBodyChars {
		body = body[:s.opts.MaxBodyChars]
	}
	return body, resp.ModelID, nil
}
