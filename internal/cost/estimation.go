// Package cost estimates token usage and spend for generation runs.
package cost

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"genpost/internal/llm"
	"genpost/internal/prompt"
)

// Pricing is the list price of a model.
type Pricing struct {
	Model                 string
	InputCostPer1MTokens  float64 // USD
	OutputCostPer1MTokens float64 // USD
}

// PricingTable holds list prices for the models the generator uses.
var PricingTable = map[string]Pricing{
	"gpt-4o-mini": {
		Model:                 "gpt-4o-mini",
		InputCostPer1MTokens:  0.15,
		OutputCostPer1MTokens: 0.60,
	},
	"gpt-4o": {
		Model:                 "gpt-4o",
		InputCostPer1MTokens:  2.50,
		OutputCostPer1MTokens: 10.00,
	},
	"gpt-3.5-turbo": {
		Model:                 "gpt-3.5-turbo",
		InputCostPer1MTokens:  0.50,
		OutputCostPer1MTokens: 1.50,
	},
	"gemini-flash-lite-latest": {
		Model:                 "gemini-flash-lite-latest",
		InputCostPer1MTokens:  0.10,
		OutputCostPer1MTokens: 0.40,
	},
	"gemini-2.5-flash": {
		Model:                 "gemini-2.5-flash",
		InputCostPer1MTokens:  0.30,
		OutputCostPer1MTokens: 2.50,
	},
}

// PricingFor returns the model's pricing, defaulting to gpt-4o-mini.
func PricingFor(model string) Pricing {
	if p, ok := PricingTable[model]; ok {
		return p
	}
	p := PricingTable[llm.DefaultOpenAIModel]
	p.Model = model
	return p
}

// EstimateTokenCount provides a rough estimation of token count for text.
// 1 token is taken as 3.5 characters.
func EstimateTokenCount(text string) int {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\n", " ")
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 3.5))
}

// Usage accumulates tokens for one model.
type Usage struct {
	Model        string `json:"model"`
	Calls        int    `json:"calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Cost is the USD cost of the usage at list price.
func (u Usage) Cost() float64 {
	p := PricingFor(u.Model)
	return float64(u.InputTokens)*p.InputCostPer1MTokens/1_000_000 +
		float64(u.OutputTokens)*p.OutputCostPer1MTokens/1_000_000
}

// Meter wraps a Completer and counts the tokens of every call, per model.
type Meter struct {
	next llm.Completer

	mu    sync.Mutex
	usage map[string]*Usage
	order []string
}

// NewMeter wraps next.
func NewMeter(next llm.Completer) *Meter {
	return &Meter{next: next, usage: make(map[string]*Usage)}
}

// Complete forwards the call and records its estimated tokens. Failed calls
// are charged for input only.
func (m *Meter) Complete(ctx context.Context, system, user string, opts llm.Options) (string, error) {
	out, err := m.next.Complete(ctx, system, user, opts)
	m.add(opts.Model, EstimateTokenCount(system)+EstimateTokenCount(user), EstimateTokenCount(out))
	return out, err
}

func (m *Meter) add(model string, in, out int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[model]
	if !ok {
		u = &Usage{Model: model}
		m.usage[model] = u
		m.order = append(m.order, model)
	}
	u.Calls++
	u.InputTokens += in
	u.OutputTokens += out
}

// Usage returns per-model usage in first-use order.
func (m *Meter) Usage() []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Usage, 0, len(m.order))
	for _, model := range m.order {
		out = append(out, *m.usage[model])
	}
	return out
}

// TotalCost sums the cost of every model used.
func (m *Meter) TotalCost() float64 {
	var total float64
	for _, u := range m.Usage() {
		total += u.Cost()
	}
	return total
}

// RunEstimate is the expected spend of generating one article.
type RunEstimate struct {
	Model        string
	Calls        int
	InputTokens  int
	OutputTokens int
	TotalCost    float64
}

// EstimateRun predicts the tokens of a draft plus, when critique is on, a
// critic call. The draft is assumed to fill maxChars.
func EstimateRun(model string, p prompt.Prompt, maxChars int, critique bool) RunEstimate {
	draftOut := int(math.Ceil(float64(maxChars) / 3.5))
	u := Usage{
		Model:        model,
		Calls:        1,
		InputTokens:  EstimateTokenCount(p.System) + EstimateTokenCount(p.User),
		OutputTokens: draftOut,
	}
	if critique {
		// critic reads the contract and the draft, answers with a small JSON
		u.Calls++
		u.InputTokens += EstimateTokenCount(p.User) + draftOut
		u.OutputTokens += 250
	}
	return RunEstimate{
		Model:        model,
		Calls:        u.Calls,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalCost:    u.Cost(),
	}
}

// FormatEstimate formats the estimate for display
func (e RunEstimate) FormatEstimate() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Cost estimate for %s\n", e.Model))
	sb.WriteString(strings.Repeat("=", 40) + "\n")
	sb.WriteString(fmt.Sprintf("   Model calls: %d\n", e.Calls))
	sb.WriteString(fmt.Sprintf("   Input tokens: %d\n", e.InputTokens))
	sb.WriteString(fmt.Sprintf("   Output tokens: %d\n", e.OutputTokens))
	sb.WriteString(fmt.Sprintf("   Estimated cost: $%.6f\n", e.TotalCost))
	sb.WriteString("   A regeneration doubles the calls.\n")
	return sb.String()
}
