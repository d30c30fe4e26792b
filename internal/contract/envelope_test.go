package contract

import (
	"errors"
	"testing"

	"genpost/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFullContractYAML(t *testing.T) {
	doc := []byte(`
speaker:
  role: tax accountant
  brand: Tanaka Accounting
claim:
  headline: Cut bookkeeping time in half
audience:
  persona: freelancers
benefit:
  outcome: [fewer late nights]
constraints:
  cta_copy: Book a free consultation
`)
	env, err := Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, V2, env.Version)

	c, err := env.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "Cut bookkeeping time in half", c.Claim.Headline)
	// defaults survive decoding
	assert.Equal(t, 2200, c.Constraints.MaxChars)
	assert.Equal(t, DefaultTone, c.Constraints.Tone)
	assert.Equal(t, DefaultBannedWords, c.Constraints.BannedWords)
}

func TestDecodeLegacyJSON(t *testing.T) {
	doc := []byte(`{"title": "Spring menu ideas", "keywords": ["spring", "menu"], "prompt": "Help owners plan a seasonal menu"}`)
	env, err := Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, V1, env.Version)

	c, err := env.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "Spring menu ideas", c.Claim.Headline)
	assert.Equal(t, []string{"Help owners plan a seasonal menu"}, c.Benefit.Outcome)
	assert.Equal(t, "spring", c.PrimaryKeyword())
	assert.Equal(t, LegacyPersona, c.Audience.Persona)
}

func TestDecodeExplicitVersion(t *testing.T) {
	env, err := Decode([]byte("version: v1\ntitle: Hello\nprompt: world\n"))
	require.NoError(t, err)
	assert.Equal(t, V1, env.Version)
	require.NotNil(t, env.V1)
	assert.Equal(t, "Hello", env.V1.Title)
}

func TestResolveRejectsInvalid(t *testing.T) {
	env, err := Decode([]byte("speaker:\n  role: writer\n"))
	require.NoError(t, err)

	_, err = env.Resolve()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = Envelope{Version: "v9"}.Resolve()
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestDecodeEmpty(t *testing.T) {
	_, err := Decode([]byte(""))
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}
