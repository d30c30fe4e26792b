// Package llm defines the completion and embedding ports and their Gemini
// and OpenAI adapters.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"regexp"

	"genpost/internal/config"
	"genpost/internal/core"
)

const (
	// DefaultGeminiModel is the Gemini model used when none is requested.
	DefaultGeminiModel = "gemini-flash-lite-latest"
	// DefaultOpenAIModel is the OpenAI model used when none is requested.
	DefaultOpenAIModel = "gpt-4o-mini"
	// DefaultEmbeddingDimensions is the output dimension for Gemini embeddings (Matryoshka)
	DefaultEmbeddingDimensions = int32(768)
	// maxEmbeddingInput bounds the text sent for embedding.
	maxEmbeddingInput = 8000
)

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// Options tunes a single completion call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	JSONMode    bool // request a JSON object response
}

// Completer produces text from a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, system, user string, opts Options) (string, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Provider is a vendor that offers both completions and embeddings.
type Provider interface {
	Completer
	Embedder
	Name() string
}

// ProviderError describes a failed provider call.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Model)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return Redact(msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is reports authentication failures as configuration errors.
func (e *ProviderError) Is(target error) bool {
	return target == core.ErrConfiguration &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// IsTransient reports whether retrying the call may succeed: timeouts, rate
// limits, 5xx responses, network errors and empty completions.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// transientStatus classifies an HTTP status code.
func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// classify wraps a vendor error into a ProviderError.
func classify(provider, model string, status int, err error) error {
	transient := transientStatus(status)
	if status == 0 {
		// no HTTP response: network failure or deadline
		transient = !errors.Is(err, context.Canceled)
	}
	return &ProviderError{
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Transient:  transient,
		Err:        err,
	}
}

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`sk-[A-Za-z0-9_-]{10,}`), "sk-***"},
	{regexp.MustCompile(`(?i)(service_role(?:_key)?\s*(?:=|:|%3D)\s*)[A-Za-z0-9._-]+`), "${1}***"},
	{regexp.MustCompile(`(?i)(key=)[^"&\s]+`), "${1}***"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._-]{20,}`), "Bearer ***"},
	{regexp.MustCompile(`AIza[0-9A-Za-z_-]{20,}`), "AIza***"},
}

// Redact masks API keys, bearer tokens and service-role keys in s.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// CosineSimilarity calculates the cosine similarity between two embeddings
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NewFromConfig builds the configured provider wrapped in a per-model rate
// limiter.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Provider, error) {
	var (
		p   Provider
		rpm int
		err error
	)
	switch cfg.AI.Provider {
	case "gemini":
		p, err = NewGeminiClient(ctx, cfg.AI.Gemini.APIKey, cfg.AI.Gemini.EmbeddingModel)
		rpm = cfg.AI.Gemini.RequestsPerMin
	case "openai":
		p, err = NewOpenAIClient(cfg.AI.OpenAI.APIKey, cfg.AI.OpenAI.BaseURL, cfg.AI.OpenAI.EmbeddingModel)
		rpm = cfg.AI.OpenAI.RequestsPerMin
	default:
		return nil, fmt.Errorf("%w: unknown AI provider %q", core.ErrConfiguration, cfg.AI.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewRateLimited(p, rpm), nil
}

func truncateForEmbedding(text string) string {
	if len(text) <= maxEmbeddingInput {
		return text
	}
	// cut on a rune boundary
	cut := maxEmbeddingInput
	for cut > 0 && (text[cut]&0xC0) == 0x80 {
		cut--
	}
	return text[:cut]
}
