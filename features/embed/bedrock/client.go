// Package bedrock provides a knowledge.Embedder backed by the Amazon Titan
// Text Embeddings model on AWS Bedrock. Requests go through InvokeModel with
// the Titan JSON body; throttling responses are classified as transient so
// the workflow runtime retries them.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

const defaultModelID = "amazon.titan-embed-text-v2:0"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a mock in tests.
	RuntimeClient interface {
		InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	}

	// Options configures the Titan embedder.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// ModelID defaults to the Titan v2 text embedding model.
		ModelID string
		// Dimension is the requested vector dimension. Titan v2 supports
		// 256, 512, and 1024. Required.
		Dimension int
	}

	// Client implements knowledge.Embedder on top of Bedrock InvokeModel.
	Client struct {
		runtime   RuntimeClient
		modelID   string
		dimension int
	}

	titanRequest struct {
		InputText  string `json:"inputText"`
		Dimensions int    `json:"dimensions"`
		Normalize  bool   `json:"normalize"`
	}

	titanResponse struct {
		Embedding           []float32 `json:"embedding"`
		InputTextTokenCount int       `json:"inputTextTokenCount"`
	}
)

// New builds a Titan-backed embedder from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Dimension <= 0 {
		return nil, errors.New("embedding dimension is required")
	}
	modelID := opts.ModelID
	if modelID == "" {
		modelID = defaultModelID
	}
	return &Client{runtime: opts.Runtime, modelID: modelID, dimension: opts.Dimension}, nil
}

// Embed returns the vector for the content.
func (c *Client) Embed(ctx context.Context, content string) ([]float32, error) {
	if content == "" {
		return nil, fault.New(fault.KindValidation, "content is required")
	}
	body, err := json.Marshal(titanRequest{
		InputText:  content,
		Dimensions: c.dimension,
		Normalize:  true,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode titan request", err)
	}
	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		if isThrottled(err) {
			return nil, fault.Wrap(fault.KindTransient, "bedrock throttled", err)
		}
		return nil, fault.Wrap(fault.KindTransient, "bedrock invoke model", err)
	}
	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "decode titan response", err)
	}
	if len(resp.Embedding) != c.dimension {
		return nil, fault.Wrap(fault.KindInternal,
			"bedrock invoke model", fmt.Errorf("got dimension %d, want %d", len(resp.Embedding), c.dimension))
	}
	return resp.Embedding, nil
}

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.dimension }

// ModelID names the embedding model.
func (c *Client) ModelID() string { return c.modelID }

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusTooManyRequests
	}
	return false
}
