// Package prompt compiles message contracts into system and user prompts.
// Compilation is pure: the same contract always yields the same prompt.
package prompt

import (
	"strings"

	"genpost/internal/contract"
	"genpost/internal/core"
)

// Prompt is a system/user prompt pair.
type Prompt struct {
	System string
	User   string
}

// WithContext appends a retrieved-context block to the system prompt.
func (p Prompt) WithContext(ragContext string) Prompt {
	ragContext = strings.TrimSpace(ragContext)
	if ragContext == "" {
		return p
	}
	p.System += contextBlock.mustRender(map[string]any{"Context": ragContext})
	return p
}

const writerSystem = `You are an industry-specialised editorial writer.
Write practical articles that move the reader's work forward.
Output Markdown only, starting with a single H1 title. Do not add meta commentary.`

const criticSystem = `You are a strict editorial reviewer.
Verify whether the article satisfies the message contract and answer with JSON only.`

var fullUser = MustTemplate("full", `# Your role
Write as {{.Role}} for {{.Brand}}{{if .Credibility}}, drawing on this credibility: {{join .Credibility "; "}}{{end}}.
Write a practical article for {{.Persona}}.

# Claim
Main message: {{.Headline}}
{{if .Uniqueness}}What sets it apart: {{.Uniqueness}}
{{end}}{{if .Subpoints}}Supporting points:
{{range .Subpoints}}- {{.}}
{{end}}{{end}}
# Target reader
- Persona: {{.Persona}}
{{if .Jobs}}- Jobs to be done: {{join .Jobs "; "}}
{{end}}{{if .Objections}}- Objections to answer: {{join .Objections "; "}}
{{end}}{{if .KnowledgeLevel}}- Knowledge level: {{.KnowledgeLevel}}/5 (explain terms accordingly)
{{end}}
# Value to deliver
- Outcomes: {{join .Outcome "; "}}
{{if .Emotional}}- Emotional value: {{join .Emotional "; "}}
{{end}}{{if .Functional}}- Functional value: {{join .Functional "; "}}
{{end}}{{if .Social}}- Social value: {{join .Social "; "}}
{{end}}
# Proof
{{if .EvidenceType}}- Evidence type: {{.EvidenceType}}
{{end}}{{if .Sources}}- Sources: {{join .Sources "; "}}
{{end}}{{if .Metrics}}- Metrics: {{join .Metrics "; "}}
{{end}}Every claim of value must be backed by the proof above.

# Keywords
{{join .Keywords ", "}} (place them naturally)

# Constraints
- Length: {{if .MinChars}}{{.MinChars}} to {{end}}{{.MaxChars}} characters
- Tone: formality {{.Formality}}/5, energy {{.Energy}}/5, expertise {{.Expertise}}/5, metaphor {{.Metaphor}}/5
{{if .BannedWords}}- Never use: {{join .BannedWords ", "}}
{{end}}{{if .RequiredElements}}- Must include: {{join .RequiredElements ", "}}
{{end}}
# Call to action
{{.CTACopy}}{{if .CTAType}} ({{.CTAType}}){{end}}

# Output structure
Markdown with this structure:
1. Introduction (the reader's problem)
2. Key points up front (the conclusion)
3. Body (concrete methods, examples, FAQ)
4. Summary
5. Call to action, connected naturally to the body

Explain technical terms briefly on first use. Do not name real companies.
Close with one line that leaves the reader encouraged.`,
	"Role", "Brand", "Credibility", "Persona", "Headline", "Uniqueness", "Subpoints",
	"Jobs", "Objections", "KnowledgeLevel", "Outcome", "Emotional", "Functional", "Social",
	"EvidenceType", "Sources", "Metrics", "Keywords", "MinChars", "MaxChars",
	"Formality", "Energy", "Expertise", "Metaphor", "BannedWords", "RequiredElements",
	"CTACopy", "CTAType",
)

var shortUser = MustTemplate("short", `Keywords: {{join .Keywords ", "}}

Write a practical article of about 800 characters titled around "{{.Headline}}" for {{.Persona}}.
Include headings and concrete examples. Start with a single H1 title.
End with this call to action: {{.CTACopy}}`,
	"Keywords", "Headline", "Persona", "CTACopy",
)

var backupUser = MustTemplate("backup", `Keywords: {{join .Keywords ", "}}

Write a basic explanatory article of about 500 characters on "{{.Headline}}". Start with a single H1 title.`,
	"Keywords", "Headline",
)

var fixBlock = MustTemplate("fix", `

# Must address
The previous draft was rejected. The new draft must address this:
{{.Fix}}`, "Fix")

var contextBlock = MustTemplate("context", `

# Reference facts
{{.Context}}

Quote or draw on the facts above where they fit.`, "Context")

var criticUser = MustTemplate("critic", `Check whether the article below satisfies the message contract.

## Message contract
{{.Contract}}

## Generated article
{{.Article}}

## Existing article titles
{{if .Titles}}{{join .Titles "\n"}}{{else}}(none){{end}}

## Checks
1. speaker_clear: is it clear who is speaking
2. claim_clear: is the claim clear
3. audience_clear: is it clear who it is for
4. benefit_concrete: is the benefit concrete
5. proof_exists: is there evidence
6. cta_natural: does the call to action connect naturally
7. constraints_met: are length, banned words and tone respected
8. non_duplicate: is the topic distinct from the existing titles

## Output (JSON only)
{
  "score": 0-100 overall score,
  "checks": {
    "speaker_clear": true/false,
    "claim_clear": true/false,
    "audience_clear": true/false,
    "benefit_concrete": true/false,
    "proof_exists": true/false,
    "cta_natural": true/false,
    "constraints_met": true/false,
    "non_duplicate": true/false
  },
  "reasons": ["why a check failed"],
  "needs_regeneration": true/false,
  "fix_brief": "revision instruction of 50-120 characters when regeneration is needed"
}`, "Contract", "Article", "Titles")

// Compile renders the full contract prompt. A non-empty fix instruction is
// appended as the final block of the user prompt.
func Compile(c contract.MessageContract, fix string) Prompt {
	tone := c.EffectiveTone()
	user := fullUser.mustRender(map[string]any{
		"Role":             c.Speaker.Role,
		"Brand":            c.Speaker.Brand,
		"Credibility":      c.Speaker.Credibility,
		"Persona":          c.Audience.Persona,
		"Headline":         c.Claim.Headline,
		"Uniqueness":       c.Claim.Uniqueness,
		"Subpoints":        c.Claim.Subpoints,
		"Jobs":             c.Audience.JobsToBeDone,
		"Objections":       c.Audience.Objections,
		"KnowledgeLevel":   c.Audience.KnowledgeLevel,
		"Outcome":          c.Benefit.Outcome,
		"Emotional":        c.Benefit.Emotional,
		"Functional":       c.Benefit.Functional,
		"Social":           c.Benefit.Social,
		"EvidenceType":     string(c.Proof.EvidenceType),
		"Sources":          c.Proof.Sources,
		"Metrics":          c.Proof.Metrics,
		"Keywords":         keywords(c),
		"MinChars":         c.Constraints.MinChars,
		"MaxChars":         maxChars(c),
		"Formality":        tone.Formality,
		"Energy":           tone.Energy,
		"Expertise":        tone.Expertise,
		"Metaphor":         tone.Metaphor,
		"BannedWords":      c.Constraints.BannedWords,
		"RequiredElements": c.Constraints.RequiredElements,
		"CTACopy":          c.Constraints.CTACopy,
		"CTAType":          c.Constraints.CTAType,
	})

	if fix = strings.TrimSpace(fix); fix != "" {
		user += fixBlock.mustRender(map[string]any{"Fix": fix})
	}
	return Prompt{System: writerSystem, User: user}
}

// CompileShort renders the compact single-pass prompt.
func CompileShort(c contract.MessageContract) Prompt {
	return Prompt{
		System: writerSystem + "\nKeep it concise and easy to read.",
		User: shortUser.mustRender(map[string]any{
			"Keywords": keywords(c),
			"Headline": c.Claim.Headline,
			"Persona":  c.Audience.Persona,
			"CTACopy":  c.Constraints.CTACopy,
		}),
	}
}

// CompileBackup renders the minimal prompt used with the backup model.
func CompileBackup(c contract.MessageContract) Prompt {
	return Prompt{
		System: writerSystem,
		User: backupUser.mustRender(map[string]any{
			"Keywords": keywords(c),
			"Headline": c.Claim.Headline,
		}),
	}
}

// CompileMode renders the prompt for a generation stage. Normal mode carries
// the contract's fix brief.
func CompileMode(mode core.GenerationMode, c contract.MessageContract) Prompt {
	switch mode {
	case core.ModeShort:
		return CompileShort(c)
	case core.ModeBackup:
		return CompileBackup(c)
	default:
		return Compile(c, c.Fix())
	}
}

// Critic renders the reviewer prompt. contractJSON is the contract encoded as
// indented JSON.
func Critic(contractJSON, article string, existingTitles []string) Prompt {
	return Prompt{
		System: criticSystem,
		User: criticUser.mustRender(map[string]any{
			"Contract": contractJSON,
			"Article":  article,
			"Titles":   existingTitles,
		}),
	}
}

func keywords(c contract.MessageContract) []string {
	var out []string
	for _, k := range c.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		out = []string{c.PrimaryKeyword()}
	}
	return out
}

func maxChars(c contract.MessageContract) int {
	if c.Constraints.MaxChars > 0 {
		return c.Constraints.MaxChars
	}
	return 2200
}
