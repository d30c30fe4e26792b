package cost

import (
	"context"
	"errors"
	"strings"
	"testing"

	"genpost/internal/llm"
	"genpost/internal/prompt"
)

func TestEstimateTokenCount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{
			name:     "empty string",
			input:    "",
			expected: 0,
		},
		{
			name:     "simple text",
			input:    "Hello world",
			expected: 4, // 11 chars / 3.5 ≈ 3.14, ceil = 4
		},
		{
			name:     "text with newlines",
			input:    "Line 1\nLine 2\nLine 3",
			expected: 6,
		},
		{
			name:     "text with extra whitespace",
			input:    "  Text with   extra    spaces  ",
			expected: 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EstimateTokenCount(tt.input)
			if result != tt.expected {
				t.Errorf("EstimateTokenCount(%q) = %d, expected %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPricingForUnknownModel(t *testing.T) {
	p := PricingFor("my-finetune")
	if p.Model != "my-finetune" {
		t.Errorf("expected model name to be kept, got %q", p.Model)
	}
	if p.InputCostPer1MTokens != PricingTable["gpt-4o-mini"].InputCostPer1MTokens {
		t.Errorf("expected default pricing, got %+v", p)
	}
}

func TestUsageCost(t *testing.T) {
	u := Usage{Model: "gpt-4o-mini", InputTokens: 1_000_000, OutputTokens: 1_000_000}
	if got := u.Cost(); got < 0.7499 || got > 0.7501 {
		t.Errorf("Cost() = %f, expected 0.75", got)
	}
}

type echoCompleter struct {
	out string
	err error
}

func (e echoCompleter) Complete(context.Context, string, string, llm.Options) (string, error) {
	return e.out, e.err
}

func TestMeterCountsPerModel(t *testing.T) {
	m := NewMeter(echoCompleter{out: strings.Repeat("a", 35)})
	ctx := context.Background()

	for _, model := range []string{"gpt-4o-mini", "gpt-3.5-turbo", "gpt-4o-mini"} {
		if _, err := m.Complete(ctx, "sys", "user prompt", llm.Options{Model: model}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	usage := m.Usage()
	if len(usage) != 2 {
		t.Fatalf("expected 2 models, got %d", len(usage))
	}
	if usage[0].Model != "gpt-4o-mini" || usage[0].Calls != 2 {
		t.Errorf("unexpected first usage: %+v", usage[0])
	}
	if usage[0].OutputTokens != 20 {
		t.Errorf("expected 20 output tokens, got %d", usage[0].OutputTokens)
	}
	if m.TotalCost() <= 0 {
		t.Error("expected a positive total cost")
	}
}

func TestMeterChargesFailedCalls(t *testing.T) {
	boom := errors.New("boom")
	m := NewMeter(echoCompleter{err: boom})

	_, err := m.Complete(context.Background(), "system", "user", llm.Options{Model: "gpt-4o"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected error to pass through, got %v", err)
	}
	usage := m.Usage()
	if len(usage) != 1 || usage[0].OutputTokens != 0 || usage[0].InputTokens == 0 {
		t.Errorf("unexpected usage for failed call: %+v", usage)
	}
}

func TestEstimateRun(t *testing.T) {
	p := prompt.Prompt{System: strings.Repeat("s", 70), User: strings.Repeat("u", 350)}

	plain := EstimateRun("gpt-4o-mini", p, 2100, false)
	if plain.Calls != 1 || plain.InputTokens != 120 || plain.OutputTokens != 600 {
		t.Errorf("unexpected draft-only estimate: %+v", plain)
	}

	critiqued := EstimateRun("gpt-4o-mini", p, 2100, true)
	if critiqued.Calls != 2 || critiqued.TotalCost <= plain.TotalCost {
		t.Errorf("expected critique to add a call and cost: %+v", critiqued)
	}
	if !strings.Contains(critiqued.FormatEstimate(), "Model calls: 2") {
		t.Errorf("unexpected format:\n%s", critiqued.FormatEstimate())
	}
}
