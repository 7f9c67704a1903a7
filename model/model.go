// Package model defines the LLM client seam the pipelines synthesize and
// judge with. Providers live under features/model; they are constructed at
// process start and passed into the workflow runtime as explicit
// dependencies.
package model

import (
	"context"
	"errors"
)

type (
	// Request is one completion call. Prompts are fully rendered by the
	// caller; the client only transports them.
	Request struct {
		// Model overrides the client's default model identifier.
		Model string
		// System is the system prompt.
		System string
		// Prompt is the user content.
		Prompt string
		// MaxTokens caps the completion length. Zero uses the client default.
		MaxTokens int
		// Temperature is the sampling temperature. Pipelines pin 0 so
		// crash-resumed jobs reproduce their output as closely as the
		// provider allows.
		Temperature float64
		// IdempotencyToken, when set, dedupes the call at providers that
		// honor idempotency keys.
		IdempotencyToken string
	}

	// Response is the completion result.
	Response struct {
		// Text is the completion body.
		Text string
		// ModelID is the provider-reported model that served the request,
		// recorded on Interventions for auditability.
		ModelID string
		// InputTokens and OutputTokens carry provider-reported usage.
		InputTokens  int
		OutputTokens int
	}

	// Client is a completion-capable LLM client.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Middleware wraps a Client with cross-cutting behavior such as rate
	// limiting.
	Middleware func(Client) Client
)

// ErrRateLimited marks provider rate-limit responses. Middlewares watch for
// it to back off; the workflow runtime treats it as transient.
var ErrRateLimited = errors.New("model: rate limited")

// Chain applies middlewares left to right: the first wraps closest to the
// caller.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			c = mws[i](c)
		}
	}
	return c
}
