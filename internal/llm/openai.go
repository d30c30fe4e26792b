package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genpost/internal/core"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIEmbeddingModel = "text-embedding-3-small"

// OpenAIClient talks to the OpenAI (or a compatible) API.
type OpenAIClient struct {
	client         openai.Client
	embeddingModel string
}

// NewOpenAIClient creates an OpenAI-backed provider. baseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, baseURL, embeddingModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai API key is required. Set OPENAI_API_KEY or ai.openai.api_key", core.ErrConfiguration)
	}
	if embeddingModel == "" {
		embeddingModel = defaultOpenAIEmbeddingModel
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	// retries are owned by the fallback cascade
	opts = append(opts, option.WithMaxRetries(0))

	return &OpenAIClient{
		client:         openai.NewClient(opts...),
		embeddingModel: embeddingModel,
	}, nil
}

// Name identifies the provider in logs and errors.
func (c *OpenAIClient) Name() string { return "openai" }

// Complete runs a chat completion. JSONMode requests a json_object response.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(c.Name(), model, openAIStatus(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: c.Name(), Model: model, Transient: true, Err: ErrEmptyCompletion}
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Provider: c.Name(), Model: model, Transient: true, Err: ErrEmptyCompletion}
	}
	return text, nil
}

// Embed creates an embedding with the configured embedding model.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(truncateForEmbedding(text))},
	})
	if err != nil {
		return nil, classify(c.Name(), c.embeddingModel, openAIStatus(err), err)
	}
	if len(resp.Data) == 0 {
		return nil, &ProviderError{Provider: c.Name(), Model: c.embeddingModel, Transient: true, Err: errors.New("no embedding returned")}
	}
	return resp.Data[0].Embedding, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
