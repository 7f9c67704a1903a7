// Package openai provides a knowledge.Embedder backed by the OpenAI
// Embeddings API using github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

type (
	// EmbeddingsClient captures the subset of the OpenAI SDK used by the
	// adapter. It is satisfied by the SDK's embedding service so callers can
	// pass either a real client or a mock in tests.
	EmbeddingsClient interface {
		New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// Options configures the OpenAI embedder.
	Options struct {
		// Client is the embeddings service. Required.
		Client EmbeddingsClient
		// Model is the embedding model identifier. Defaults to
		// text-embedding-3-small.
		Model string
		// Dimension is the requested vector dimension. Required; it must
		// match the configured index dimension.
		Dimension int
	}

	// Client implements knowledge.Embedder via the OpenAI Embeddings API.
	Client struct {
		svc       EmbeddingsClient
		model     string
		dimension int
	}
)

// New builds an OpenAI-backed embedder from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai embeddings client is required")
	}
	if opts.Dimension <= 0 {
		return nil, errors.New("embedding dimension is required")
	}
	model := opts.Model
	if model == "" {
		model = string(sdk.EmbeddingModelTextEmbedding3Small)
	}
	return &Client{svc: opts.Client, model: model, dimension: opts.Dimension}, nil
}

// NewFromAPIKey constructs an embedder using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string, dimension int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &c.Embeddings, Model: model, Dimension: dimension})
}

// Embed returns the vector for the content.
func (c *Client) Embed(ctx context.Context, content string) ([]float32, error) {
	if content == "" {
		return nil, fault.New(fault.KindValidation, "content is required")
	}
	resp, err := c.svc.New(ctx, sdk.EmbeddingNewParams{
		Input:      sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{content}},
		Model:      c.model,
		Dimensions: sdk.Int(int64(c.dimension)),
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "openai embeddings", err)
	}
	if len(resp.Data) == 0 {
		return nil, fault.New(fault.KindTransient, "openai embeddings returned no data")
	}
	raw := resp.Data[0].Embedding
	if len(raw) != c.dimension {
		return nil, fault.Wrap(fault.KindInternal,
			"openai embeddings", fmt.Errorf("got dimension %d, want %d", len(raw), c.dimension))
	}
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v)
	}
	return vector, nil
}

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.dimension }

// ModelID names the embedding model.
func (c *Client) ModelID() string { return c.model }
