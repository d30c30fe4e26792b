package generation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GenericFixBrief is used when the critic's answer cannot be read.
const GenericFixBrief = "Rework the whole article so that it satisfies every condition of the message contract."

// Checks are the critic's eight yes/no judgements.
type Checks struct {
	SpeakerClear    bool `json:"speaker_clear"`
	ClaimClear      bool `json:"claim_clear"`
	AudienceClear   bool `json:"audience_clear"`
	BenefitConcrete bool `json:"benefit_concrete"`
	ProofExists     bool `json:"proof_exists"`
	CTANatural      bool `json:"cta_natural"`
	ConstraintsMet  bool `json:"constraints_met"`
	NonDuplicate    bool `json:"non_duplicate"`
}

// Passed counts true checks.
func (c Checks) Passed() int {
	n := 0
	for _, ok := range []bool{c.SpeakerClear, c.ClaimClear, c.AudienceClear, c.BenefitConcrete,
		c.ProofExists, c.CTANatural, c.ConstraintsMet, c.NonDuplicate} {
		if ok {
			n++
		}
	}
	return n
}

// Critique is the critic's verdict on a draft.
type Critique struct {
	Score             int      `json:"score"`
	Checks            Checks   `json:"checks"`
	Reasons           []string `json:"reasons"`
	NeedsRegeneration bool     `json:"needs_regeneration"`
	FixBrief          string   `json:"fix_brief"`
	ParseFailed       bool     `json:"parse_failed,omitempty"`
}

// ConservativeCritique is the verdict assumed when the critic output is unreadable.
func ConservativeCritique() Critique {
	return Critique{
		Score:             0,
		Reasons:           []string{"critic output could not be parsed"},
		NeedsRegeneration: true,
		FixBrief:          GenericFixBrief,
		ParseFailed:       true,
	}
}

// ParseCritique decodes critic output. On failure it returns the
// conservative verdict together with the decode error.
func ParseCritique(raw string) (Critique, error) {
	body := stripFence(strings.TrimSpace(raw))
	if body == "" {
		return ConservativeCritique(), fmt.Errorf("empty critic output")
	}

	var c Critique
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return ConservativeCritique(), fmt.Errorf("decode critic output: %w", err)
	}
	c.ParseFailed = false
	c.Score = clamp(c.Score, 0, 100)
	c.FixBrief = strings.TrimSpace(c.FixBrief)
	return c, nil
}

// stripFence removes a surrounding ```json fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
