package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genpost/internal/core"

	"google.golang.org/genai"
)

const defaultGeminiEmbeddingModel = "gemini-embedding-001"

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	gClient        *genai.Client
	embeddingModel string
}

// NewGeminiClient creates a Gemini-backed provider.
func NewGeminiClient(ctx context.Context, apiKey, embeddingModel string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini API key is required. Set GEMINI_API_KEY or ai.gemini.api_key", core.ErrConfiguration)
	}
	if embeddingModel == "" {
		embeddingModel = defaultGeminiEmbeddingModel
	}

	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{gClient: gClient, embeddingModel: embeddingModel}, nil
}

// Name identifies the provider in logs and errors.
func (c *GeminiClient) Name() string { return "gemini" }

// Complete generates text. JSONMode maps to a JSON response MIME type.
func (c *GeminiClient) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = DefaultGeminiModel
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(opts.Temperature)),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.JSONMode {
		config.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}
	resp, err := c.gClient.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", classify(c.Name(), model, geminiStatus(err), err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &ProviderError{Provider: c.Name(), Model: model, Transient: true, Err: ErrEmptyCompletion}
	}
	return text, nil
}

// Embed generates a 768-dimension embedding.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float64, error) {
	contents := []*genai.Content{genai.NewContentFromText(truncateForEmbedding(text), genai.RoleUser)}

	dims := DefaultEmbeddingDimensions
	resp, err := c.gClient.Models.EmbedContent(ctx, c.embeddingModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, classify(c.Name(), c.embeddingModel, geminiStatus(err), err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, &ProviderError{Provider: c.Name(), Model: c.embeddingModel, Transient: true, Err: errors.New("no embedding values returned")}
	}

	values := resp.Embeddings[0].Values
	embedding := make([]float64, len(values))
	for i, val := range values {
		embedding[i] = float64(val)
	}
	return embedding, nil
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}
