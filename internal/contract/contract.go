// Package contract defines the message contract: the machine-readable
// statement of who is speaking, what they claim, to whom, with what benefit
// and proof, under which constraints.
package contract

import (
	"fmt"
	"strconv"
	"strings"

	"genpost/internal/core"

	"github.com/cespare/xxhash/v2"
)

// EvidenceType is the kind of proof an article must carry.
type EvidenceType string

const (
	EvidenceData        EvidenceType = "data"
	EvidenceCaseStudy   EvidenceType = "case_study"
	EvidenceTestimonial EvidenceType = "testimonial"
	EvidenceResearch    EvidenceType = "research"
	EvidenceExample     EvidenceType = "example"
)

// Valid reports whether the evidence type is one of the enumerated kinds.
func (e EvidenceType) Valid() bool {
	switch e {
	case EvidenceData, EvidenceCaseStudy, EvidenceTestimonial, EvidenceResearch, EvidenceExample:
		return true
	}
	return false
}

// Speaker is who is talking.
type Speaker struct {
	Role        string   `json:"role" yaml:"role"`
	Brand       string   `json:"brand" yaml:"brand"`
	Credibility []string `json:"credibility,omitempty" yaml:"credibility,omitempty"`
}

// Claim is what the article asserts.
type Claim struct {
	Headline   string   `json:"headline" yaml:"headline"`
	Subpoints  []string `json:"subpoints,omitempty" yaml:"subpoints,omitempty"`
	Uniqueness string   `json:"uniqueness,omitempty" yaml:"uniqueness,omitempty"`
}

// Audience is who the article is written for.
type Audience struct {
	Persona        string   `json:"persona" yaml:"persona"`
	JobsToBeDone   []string `json:"jobs_to_be_done,omitempty" yaml:"jobs_to_be_done,omitempty"`
	Objections     []string `json:"objections,omitempty" yaml:"objections,omitempty"`
	KnowledgeLevel int      `json:"knowledge_level,omitempty" yaml:"knowledge_level,omitempty"` // 1-5, 0 = unset
}

// Benefit is what the reader gains.
type Benefit struct {
	Outcome    []string `json:"outcome" yaml:"outcome"`
	Emotional  []string `json:"emotional,omitempty" yaml:"emotional,omitempty"`
	Functional []string `json:"functional,omitempty" yaml:"functional,omitempty"`
	Social     []string `json:"social,omitempty" yaml:"social,omitempty"`
}

// Proof backs the claim.
type Proof struct {
	EvidenceType EvidenceType `json:"evidence_type,omitempty" yaml:"evidence_type,omitempty"`
	Sources      []string     `json:"sources,omitempty" yaml:"sources,omitempty"`
	Metrics      []string     `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Tone sliders, each in [1,5].
type Tone struct {
	Formality int `json:"formality" yaml:"formality"` // casual -> formal
	Energy    int `json:"energy" yaml:"energy"`       // calm -> energetic
	Expertise int `json:"expertise" yaml:"expertise"` // beginner -> expert
	Metaphor  int `json:"metaphor" yaml:"metaphor"`   // literal -> figurative
}

// IsZero reports whether no tone slider was set.
func (t Tone) IsZero() bool {
	return t == Tone{}
}

// Constraints bound the output.
type Constraints struct {
	MinChars         int      `json:"min_chars,omitempty" yaml:"min_chars,omitempty"`
	MaxChars         int      `json:"max_chars,omitempty" yaml:"max_chars,omitempty"`
	Tone             Tone     `json:"tone" yaml:"tone"`
	BannedWords      []string `json:"banned_words,omitempty" yaml:"banned_words,omitempty"`
	RequiredElements []string `json:"required_elements,omitempty" yaml:"required_elements,omitempty"`
	CTAType          string   `json:"cta_type,omitempty" yaml:"cta_type,omitempty"`
	CTACopy          string   `json:"cta_copy" yaml:"cta_copy"`
}

// MessageContract is an immutable generation request. Derive variants with
// the With* methods; they return copies.
type MessageContract struct {
	ID          string      `json:"contract_id,omitempty" yaml:"contract_id,omitempty"`
	Version     int         `json:"contract_version,omitempty" yaml:"contract_version,omitempty"`
	Speaker     Speaker     `json:"speaker" yaml:"speaker"`
	Claim       Claim       `json:"claim" yaml:"claim"`
	Audience    Audience    `json:"audience" yaml:"audience"`
	Benefit     Benefit     `json:"benefit" yaml:"benefit"`
	Proof       Proof       `json:"proof" yaml:"proof"`
	Constraints Constraints `json:"constraints" yaml:"constraints"`
	Keywords    []string    `json:"keywords,omitempty" yaml:"keywords,omitempty"`

	fix string
}

// DefaultBannedWords are the words every contract bans unless overridden.
var DefaultBannedWords = []string{"absolutely", "100% guaranteed", "the best ever", "always works"}

// DefaultTone is applied when a contract does not set any tone slider.
var DefaultTone = Tone{Formality: 3, Energy: 3, Expertise: 3, Metaphor: 2}

// Default returns an empty contract carrying the default constraints.
func Default() MessageContract {
	return MessageContract{
		Constraints: Constraints{
			MaxChars:    2200,
			Tone:        DefaultTone,
			BannedWords: append([]string(nil), DefaultBannedWords...),
		},
	}
}

// ValidationError lists every problem found in a contract.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid contract: " + strings.Join(e.Problems, "; ")
}

// Unwrap makes validation failures match core.ErrConfiguration.
func (e *ValidationError) Unwrap() error {
	return core.ErrConfiguration
}

// Problems returns every invariant the contract violates. An empty result
// means the contract is valid.
func (c MessageContract) Problems() []string {
	var problems []string

	if strings.TrimSpace(c.Speaker.Role) == "" {
		problems = append(problems, "speaker.role is required")
	}
	if strings.TrimSpace(c.Speaker.Brand) == "" {
		problems = append(problems, "speaker.brand is required")
	}
	if strings.TrimSpace(c.Claim.Headline) == "" {
		problems = append(problems, "claim.headline is required")
	}
	if strings.TrimSpace(c.Audience.Persona) == "" {
		problems = append(problems, "audience.persona is required")
	}
	if !hasNonEmpty(c.Benefit.Outcome) {
		problems = append(problems, "benefit.outcome needs at least one entry")
	}
	if strings.TrimSpace(c.Constraints.CTACopy) == "" {
		problems = append(problems, "constraints.cta_copy is required")
	}

	if !c.Constraints.Tone.IsZero() {
		tone := c.Constraints.Tone
		for _, slider := range []struct {
			name  string
			value int
		}{
			{"formality", tone.Formality},
			{"energy", tone.Energy},
			{"expertise", tone.Expertise},
			{"metaphor", tone.Metaphor},
		} {
			if slider.value < 1 || slider.value > 5 {
				problems = append(problems, fmt.Sprintf("constraints.tone.%s must be between 1 and 5, got %d", slider.name, slider.value))
			}
		}
	}

	if lvl := c.Audience.KnowledgeLevel; lvl != 0 && (lvl < 1 || lvl > 5) {
		problems = append(problems, fmt.Sprintf("audience.knowledge_level must be between 1 and 5, got %d", lvl))
	}
	if c.Constraints.MinChars < 0 || c.Constraints.MaxChars < 0 {
		problems = append(problems, "constraints char limits must not be negative")
	}
	if c.Constraints.MinChars > 0 && c.Constraints.MaxChars > 0 && c.Constraints.MinChars > c.Constraints.MaxChars {
		problems = append(problems, fmt.Sprintf("constraints.min_chars (%d) exceeds max_chars (%d)", c.Constraints.MinChars, c.Constraints.MaxChars))
	}
	if c.Proof.EvidenceType != "" && !c.Proof.EvidenceType.Valid() {
		problems = append(problems, fmt.Sprintf("proof.evidence_type %q is not one of data, case_study, testimonial, research, example", c.Proof.EvidenceType))
	}

	return problems
}

// Validate returns a *ValidationError when the contract has problems.
func (c MessageContract) Validate() error {
	if problems := c.Problems(); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Fix returns the fix instruction carried by a derived contract.
func (c MessageContract) Fix() string {
	return c.fix
}

// WithFix returns a copy carrying a fix instruction for the next draft.
func (c MessageContract) WithFix(brief string) MessageContract {
	out := c.clone()
	out.fix = strings.TrimSpace(brief)
	return out
}

// WithKeywords returns a copy targeting the given SEO keywords.
func (c MessageContract) WithKeywords(keywords []string) MessageContract {
	out := c.clone()
	out.Keywords = append([]string(nil), keywords...)
	return out
}

// WithCTACopy returns a copy using different call-to-action copy.
func (c MessageContract) WithCTACopy(cta string) MessageContract {
	out := c.clone()
	out.Constraints.CTACopy = cta
	return out
}

// EffectiveTone is the tone used for prompting.
func (c MessageContract) EffectiveTone() Tone {
	if c.Constraints.Tone.IsZero() {
		return DefaultTone
	}
	return c.Constraints.Tone
}

// PrimaryKeyword is the first keyword, or the headline when none are set.
func (c MessageContract) PrimaryKeyword() string {
	for _, k := range c.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			return k
		}
	}
	return c.Claim.Headline
}

// Ref identifies the contract in audit rows: contract_id@version when the
// contract is stored, otherwise a hash of the headline.
func (c MessageContract) Ref() string {
	if c.ID != "" {
		return c.ID + "@" + strconv.Itoa(c.Version)
	}
	return "h:" + strconv.FormatUint(xxhash.Sum64String(c.Claim.Headline), 16)
}

func (c MessageContract) clone() MessageContract {
	out := c
	out.Speaker.Credibility = cloneStrings(c.Speaker.Credibility)
	out.Claim.Subpoints = cloneStrings(c.Claim.Subpoints)
	out.Audience.JobsToBeDone = cloneStrings(c.Audience.JobsToBeDone)
	out.Audience.Objections = cloneStrings(c.Audience.Objections)
	out.Benefit.Outcome = cloneStrings(c.Benefit.Outcome)
	out.Benefit.Emotional = cloneStrings(c.Benefit.Emotional)
	out.Benefit.Functional = cloneStrings(c.Benefit.Functional)
	out.Benefit.Social = cloneStrings(c.Benefit.Social)
	out.Proof.Sources = cloneStrings(c.Proof.Sources)
	out.Proof.Metrics = cloneStrings(c.Proof.Metrics)
	out.Constraints.BannedWords = cloneStrings(c.Constraints.BannedWords)
	out.Constraints.RequiredElements = cloneStrings(c.Constraints.RequiredElements)
	out.Keywords = cloneStrings(c.Keywords)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func hasNonEmpty(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}
