package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"genpost/internal/contract"
	"genpost/internal/core"
	"genpost/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	System string
	User   string
	Opts   llm.Options
}

// scriptedCompleter answers writer calls from drafts and critic calls from
// critiques, in order.
type scriptedCompleter struct {
	mu        sync.Mutex
	drafts    []string
	critiques []string
	draftErr  error
	calls     []call
}

func (s *scriptedCompleter) Complete(_ context.Context, system, user string, opts llm.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{System: system, User: user, Opts: opts})

	if opts.JSONMode {
		if len(s.critiques) == 0 {
			return `{"score": 90, "needs_regeneration": false}`, nil
		}
		out := s.critiques[0]
		s.critiques = s.critiques[1:]
		return out, nil
	}
	if s.draftErr != nil {
		return "", s.draftErr
	}
	if len(s.drafts) == 0 {
		return "# Untitled\n\nbody", nil
	}
	out := s.drafts[0]
	s.drafts = s.drafts[1:]
	return out, nil
}

func (s *scriptedCompleter) criticCalls() []call {
	var out []call
	for _, c := range s.calls {
		if c.Opts.JSONMode {
			out = append(out, c)
		}
	}
	return out
}

type recordingObserver struct {
	mu     sync.Mutex
	events []core.GenEvent
}

func (r *recordingObserver) Record(_ context.Context, ev core.GenEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) types() []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func validContract() contract.MessageContract {
	c := contract.Default()
	c.Speaker.Role = "owner"
	c.Speaker.Brand = "Blue Door Cafe"
	c.Claim.Headline = "Morning regulars are built one cup at a time"
	c.Audience.Persona = "busy commuters"
	c.Benefit.Outcome = []string{"a reliable morning routine"}
	c.Constraints.CTACopy = "Drop by tomorrow"
	return c
}

func TestExecuteAcceptsFirstDraft(t *testing.T) {
	fake := &scriptedCompleter{
		drafts:    []string{"# Coffee that waits for you\n\nBody text."},
		critiques: []string{`{"score": 88, "checks": {"speaker_clear": true, "claim_clear": true}, "reasons": [], "needs_regeneration": false, "fix_brief": ""}`},
	}
	e := NewEngine(fake, DefaultOptions())

	res, err := e.Execute(context.Background(), validContract(), []string{"Old title"})
	require.NoError(t, err)

	assert.Equal(t, "Coffee that waits for you", res.Title)
	assert.Equal(t, 88, res.Verdict.Score)
	assert.Equal(t, 2, res.Verdict.Checks.Passed())
	assert.False(t, res.Regenerated)
	assert.Equal(t, 1, res.Drafts)
	assert.Equal(t, 1, res.Critiques)

	require.Len(t, fake.calls, 2)
	draft := fake.calls[0].Opts
	assert.Equal(t, 0.6, draft.Temperature)
	assert.Equal(t, 3000, draft.MaxTokens)
	assert.False(t, draft.JSONMode)

	critic := fake.calls[1].Opts
	assert.Equal(t, float64(0), critic.Temperature)
	assert.Equal(t, 1000, critic.MaxTokens)
	assert.True(t, critic.JSONMode)
	assert.Contains(t, fake.calls[1].User, "Old title")
}

func TestExecuteRegeneratesOnceWithFixBrief(t *testing.T) {
	fake := &scriptedCompleter{
		drafts: []string{"# First\n\nweak", "# Second\n\nstrong"},
		critiques: []string{
			`{"score": 40, "needs_regeneration": true, "fix_brief": "Add a concrete number from the proof metrics."}`,
			`{"score": 55, "needs_regeneration": true, "fix_brief": "Still weak."}`,
		},
	}
	obs := &recordingObserver{}
	e := NewEngine(fake, DefaultOptions())
	e.Observer = obs

	res, err := e.ExecuteWith(context.Background(), validContract(), nil, RunOptions{UserID: "u1", SiteID: "s1"})
	require.NoError(t, err)

	assert.True(t, res.Regenerated)
	assert.Equal(t, "Second", res.Title)
	assert.Equal(t, 55, res.Verdict.Score)
	assert.Equal(t, 2, res.Drafts)
	assert.Equal(t, 2, res.Critiques)
	assert.Len(t, fake.calls, 4)

	// the second draft carries the fix brief, the critic never does
	assert.Contains(t, fake.calls[2].User, "Add a concrete number from the proof metrics.")
	for _, c := range fake.criticCalls() {
		assert.NotContains(t, c.User, "Add a concrete number")
	}

	assert.Equal(t, []core.EventType{core.EventCritiqueApplied, core.EventCriticLowScore}, obs.types())
	assert.Equal(t, "u1", obs.events[0].UserID)
	assert.Equal(t, "s1", obs.events[0].SiteID)
}

func TestExecuteSkipsRegenerationWithoutFixBrief(t *testing.T) {
	fake := &scriptedCompleter{
		critiques: []string{`{"score": 50, "needs_regeneration": true, "fix_brief": "   "}`},
	}
	res, err := NewEngine(fake, DefaultOptions()).Execute(context.Background(), validContract(), nil)
	require.NoError(t, err)
	assert.False(t, res.Regenerated)
	assert.Len(t, fake.calls, 2)
}

func TestExecuteUnparseableCriticTriggersRegeneration(t *testing.T) {
	fake := &scriptedCompleter{
		critiques: []string{"I think this article is fine!", `{"score": 81}`},
	}
	obs := &recordingObserver{}
	e := NewEngine(fake, DefaultOptions())
	e.Observer = obs

	res, err := e.Execute(context.Background(), validContract(), nil)
	require.NoError(t, err)
	assert.True(t, res.Regenerated)
	assert.Equal(t, 81, res.Verdict.Score)
	assert.Contains(t, fake.calls[2].User, GenericFixBrief)
	assert.Contains(t, obs.types(), core.EventCriticParseFailed)
}

func TestExecuteRejectsInvalidContract(t *testing.T) {
	fake := &scriptedCompleter{}
	c := validContract()
	c.Claim.Headline = ""

	_, err := NewEngine(fake, DefaultOptions()).Execute(context.Background(), c, nil)
	var verr *contract.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, core.ErrConfiguration)
	assert.Empty(t, fake.calls)
}

func TestExecuteReturnsProviderError(t *testing.T) {
	boom := &llm.ProviderError{Provider: "openai", StatusCode: 503, Transient: true, Err: errors.New("overloaded")}
	fake := &scriptedCompleter{draftErr: boom}

	_, err := NewEngine(fake, DefaultOptions()).Execute(context.Background(), validContract(), nil)
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Len(t, fake.calls, 1)
}

func TestExecuteModelOverride(t *testing.T) {
	fake := &scriptedCompleter{}
	res, err := NewEngine(fake, DefaultOptions()).ExecuteWith(context.Background(), validContract(), nil, RunOptions{Model: "backup-model", RAGContext: "Opening hours are 7 to 3."})
	require.NoError(t, err)
	assert.Equal(t, "backup-model", res.Model)
	for _, c := range fake.calls {
		assert.Equal(t, "backup-model", c.Opts.Model)
	}
	assert.Contains(t, fake.calls[0].System, "Opening hours are 7 to 3.")
}

func TestParseCritique(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantScore int
		wantErr   bool
	}{
		{name: "plain", raw: `{"score": 72}`, wantScore: 72},
		{name: "fenced", raw: "```json\n{\"score\": 64}\n```", wantScore: 64},
		{name: "clamped high", raw: `{"score": 140}`, wantScore: 100},
		{name: "clamped low", raw: `{"score": -3}`, wantScore: 0},
		{name: "garbage", raw: "not json", wantScore: 0, wantErr: true},
		{name: "empty", raw: "  ", wantScore: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCritique(tt.raw)
			assert.Equal(t, tt.wantScore, got.Score)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, got.ParseFailed)
				assert.True(t, got.NeedsRegeneration)
				assert.Equal(t, GenericFixBrief, got.FixBrief)
				assert.Zero(t, got.Checks.Passed())
				return
			}
			assert.NoError(t, err)
			assert.False(t, got.ParseFailed)
		})
	}
}

func TestGenerateBatchAccumulatesTitles(t *testing.T) {
	fake := &scriptedCompleter{
		drafts: []string{"# Alpha\n\na", "# Beta\n\nb", "# Gamma\n\nc"},
		critiques: []string{
			`{"score": 90}`,
			`{"score": 60}`,
			`{"score": 75}`,
		},
	}
	e := NewEngine(fake, DefaultOptions())

	bad := validContract()
	bad.Speaker.Brand = ""
	contracts := []contract.MessageContract{validContract(), bad, validContract(), validContract()}

	items, err := e.GenerateBatch(context.Background(), contracts, BatchOptions{ExistingTitles: []string{"Zero"}})
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, "Alpha", items[0].Result.Title)
	assert.False(t, items[0].BelowMinScore)

	assert.ErrorIs(t, items[1].Err, core.ErrConfiguration)

	assert.Equal(t, "Beta", items[2].Result.Title)
	assert.True(t, items[2].BelowMinScore)
	assert.Equal(t, "Gamma", items[3].Result.Title)

	critics := fake.criticCalls()
	require.Len(t, critics, 3)
	assert.Equal(t, []string{"Zero"}, existingTitles(critics[0].User))
	assert.Equal(t, []string{"Zero", "Alpha"}, existingTitles(critics[1].User))
	assert.Equal(t, []string{"Zero", "Alpha", "Beta"}, existingTitles(critics[2].User))
}

// existingTitles extracts the title list the critic was shown.
func existingTitles(user string) []string {
	_, rest, ok := strings.Cut(user, "## Existing article titles\n")
	if !ok {
		return nil
	}
	section, _, _ := strings.Cut(rest, "\n\n## ")
	if strings.TrimSpace(section) == "(none)" {
		return nil
	}
	return strings.Split(strings.TrimSpace(section), "\n")
}

func TestGenerateBatchCriticSeesEarlierDuplicate(t *testing.T) {
	fake := &scriptedCompleter{
		drafts: []string{"# Morning regulars\n\na", "# Morning regulars\n\nb"},
		critiques: []string{
			`{"score": 88, "checks": {"non_duplicate": true}}`,
			`{"score": 70, "checks": {"non_duplicate": false}, "reasons": ["same title as Morning regulars"], "needs_regeneration": false}`,
		},
	}
	e := NewEngine(fake, DefaultOptions())

	items, err := e.GenerateBatch(context.Background(), []contract.MessageContract{validContract(), validContract()}, BatchOptions{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	critics := fake.criticCalls()
	require.Len(t, critics, 2)
	assert.Empty(t, existingTitles(critics[0].User))
	assert.Equal(t, []string{"Morning regulars"}, existingTitles(critics[1].User))

	assert.True(t, items[0].Result.Verdict.Checks.NonDuplicate)
	assert.False(t, items[1].Result.Verdict.Checks.NonDuplicate)
	assert.Contains(t, items[1].Result.Verdict.Reasons, "same title as Morning regulars")
}

func TestGenerateBatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items, err := NewEngine(&scriptedCompleter{}, DefaultOptions()).GenerateBatch(ctx, []contract.MessageContract{validContract()}, BatchOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, items)
}
