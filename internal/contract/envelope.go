package contract

import (
	"fmt"
	"strings"

	"genpost/internal/core"

	"gopkg.in/yaml.v3"
)

// Version tags the shape of a contract document.
type Version string

const (
	V1 Version = "v1" // legacy prompt: title, keywords, free-text prompt
	V2 Version = "v2" // full message contract
)

// LegacyPrompt is the v1 request shape.
type LegacyPrompt struct {
	Title    string   `json:"title" yaml:"title"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Prompt   string   `json:"prompt" yaml:"prompt"`
}

// Envelope holds exactly one of the contract shapes. It is decoded at the
// boundary and resolved once; nothing downstream sees the version.
type Envelope struct {
	Version Version          `json:"version" yaml:"version"`
	V1      *LegacyPrompt    `json:"v1,omitempty" yaml:"v1,omitempty"`
	V2      *MessageContract `json:"v2,omitempty" yaml:"v2,omitempty"`
}

// Values used when a legacy prompt is mapped onto a full contract.
const (
	LegacyRole    = "editorial writer"
	LegacyBrand   = "the site editorial team"
	LegacyPersona = "general readers searching for this topic"
	LegacyCTA     = "Read more articles on this topic"
)

// Decode parses a YAML or JSON contract document. Documents tagged
// `version: v1`, or carrying a `prompt` field without a `speaker`, are legacy
// prompts; everything else is a full contract.
func Decode(data []byte) (Envelope, error) {
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return Envelope{}, fmt.Errorf("%w: failed to parse contract document: %v", core.ErrConfiguration, err)
	}
	if len(probe) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty contract document", core.ErrConfiguration)
	}

	version := Version(strings.ToLower(fmt.Sprint(probe["version"])))
	_, hasPrompt := probe["prompt"]
	_, hasSpeaker := probe["speaker"]
	if version != V1 && version != V2 {
		version = V2
		if hasPrompt && !hasSpeaker {
			version = V1
		}
	}

	switch version {
	case V1:
		var legacy LegacyPrompt
		if err := yaml.Unmarshal(data, &legacy); err != nil {
			return Envelope{}, fmt.Errorf("%w: failed to decode legacy prompt: %v", core.ErrConfiguration, err)
		}
		return Envelope{Version: V1, V1: &legacy}, nil
	default:
		c := Default()
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Envelope{}, fmt.Errorf("%w: failed to decode contract: %v", core.ErrConfiguration, err)
		}
		return Envelope{Version: V2, V2: &c}, nil
	}
}

// Resolve turns the envelope into a validated MessageContract.
func (e Envelope) Resolve() (MessageContract, error) {
	var c MessageContract
	switch e.Version {
	case V1:
		if e.V1 == nil {
			return MessageContract{}, fmt.Errorf("%w: v1 envelope without legacy prompt", core.ErrConfiguration)
		}
		c = fromLegacy(*e.V1)
	case V2:
		if e.V2 == nil {
			return MessageContract{}, fmt.Errorf("%w: v2 envelope without contract", core.ErrConfiguration)
		}
		c = e.V2.clone()
	default:
		return MessageContract{}, fmt.Errorf("%w: unknown contract version %q", core.ErrConfiguration, e.Version)
	}

	if err := c.Validate(); err != nil {
		return MessageContract{}, err
	}
	return c, nil
}

func fromLegacy(p LegacyPrompt) MessageContract {
	c := Default()
	c.Speaker.Role = LegacyRole
	c.Speaker.Brand = LegacyBrand
	c.Claim.Headline = strings.TrimSpace(p.Title)
	c.Audience.Persona = LegacyPersona
	c.Constraints.CTACopy = LegacyCTA
	c.Keywords = cloneStrings(p.Keywords)

	outcome := strings.TrimSpace(p.Prompt)
	if outcome == "" {
		outcome = c.Claim.Headline
	}
	c.Benefit.Outcome = []string{outcome}
	return c
}
