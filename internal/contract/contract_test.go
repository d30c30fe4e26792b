package contract

import (
	"errors"
	"testing"

	"genpost/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validContract() MessageContract {
	c := Default()
	c.Speaker = Speaker{Role: "tax accountant", Brand: "Tanaka Accounting", Credibility: []string{"20 years in practice"}}
	c.Claim = Claim{Headline: "X improves Y by 10%", Subpoints: []string{"choice design", "no extra kitchen load"}}
	c.Audience = Audience{Persona: "small restaurant owners", KnowledgeLevel: 2}
	c.Benefit = Benefit{Outcome: []string{"readers save 2 hours/week"}}
	c.Proof = Proof{EvidenceType: EvidenceData, Metrics: []string{"+8% average ticket"}}
	c.Constraints.CTACopy = "See today's starter lineup"
	return c
}

func TestValidContractHasNoProblems(t *testing.T) {
	c := validContract()
	assert.Empty(t, c.Problems())
	assert.NoError(t, c.Validate())
}

func TestMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MessageContract)
		want   string
	}{
		{"missing role", func(c *MessageContract) { c.Speaker.Role = "" }, "speaker.role is required"},
		{"missing brand", func(c *MessageContract) { c.Speaker.Brand = "  " }, "speaker.brand is required"},
		{"missing headline", func(c *MessageContract) { c.Claim.Headline = "" }, "claim.headline is required"},
		{"missing persona", func(c *MessageContract) { c.Audience.Persona = "" }, "audience.persona is required"},
		{"empty outcome", func(c *MessageContract) { c.Benefit.Outcome = nil }, "benefit.outcome needs at least one entry"},
		{"blank outcome", func(c *MessageContract) { c.Benefit.Outcome = []string{" "} }, "benefit.outcome needs at least one entry"},
		{"missing cta", func(c *MessageContract) { c.Constraints.CTACopy = "" }, "constraints.cta_copy is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validContract()
			tt.mutate(&c)
			assert.Contains(t, c.Problems(), tt.want)
		})
	}
}

func TestRangeChecks(t *testing.T) {
	c := validContract()
	c.Constraints.Tone = Tone{Formality: 0, Energy: 6, Expertise: 3, Metaphor: 2}
	c.Audience.KnowledgeLevel = 9
	c.Constraints.MinChars = 3000
	c.Constraints.MaxChars = 2200
	c.Proof.EvidenceType = "rumor"

	problems := c.Problems()
	assert.Len(t, problems, 5)

	err := c.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 5)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestUnsetToneUsesDefault(t *testing.T) {
	c := validContract()
	c.Constraints.Tone = Tone{}
	assert.Empty(t, c.Problems())
	assert.Equal(t, DefaultTone, c.EffectiveTone())
}

func TestWithFixDoesNotMutateOriginal(t *testing.T) {
	c := validContract()
	fixed := c.WithFix("  Add a concrete metric to the introduction.  ")

	assert.Empty(t, c.Fix())
	assert.Equal(t, "Add a concrete metric to the introduction.", fixed.Fix())

	fixed.Benefit.Outcome[0] = "changed"
	assert.Equal(t, "readers save 2 hours/week", c.Benefit.Outcome[0])
}

func TestWithKeywordsAndPrimaryKeyword(t *testing.T) {
	c := validContract()
	assert.Equal(t, "X improves Y by 10%", c.PrimaryKeyword())

	k := c.WithKeywords([]string{"", "menu pricing", "upsell"})
	assert.Equal(t, "menu pricing", k.PrimaryKeyword())
	assert.Nil(t, c.Keywords)
}

func TestRef(t *testing.T) {
	c := validContract()
	assert.Regexp(t, `^h:[0-9a-f]+$`, c.Ref())

	c.ID = "ctr-1"
	c.Version = 3
	assert.Equal(t, "ctr-1@3", c.Ref())
}
