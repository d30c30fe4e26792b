// Package generation drafts an article from a message contract, has a critic
// review it, and regenerates once when the critic asks for it.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"genpost/internal/config"
	"genpost/internal/contract"
	"genpost/internal/core"
	"genpost/internal/llm"
	"genpost/internal/logger"
	"genpost/internal/markdown"
	"genpost/internal/prompt"

	"github.com/rs/zerolog"
)

// Options holds model call parameters for the engine.
type Options struct {
	Model            string
	DraftTemperature float64
	DraftMaxTokens   int
	CriticMaxTokens  int
	MinScore         int // verdicts below this emit critic.low_score
}

// DefaultOptions returns the stock call parameters.
func DefaultOptions() Options {
	return Options{
		Model:            llm.DefaultOpenAIModel,
		DraftTemperature: 0.6,
		DraftMaxTokens:   3000,
		CriticMaxTokens:  1000,
		MinScore:         70,
	}
}

// OptionsFromConfig fills Options from the generation config section.
func OptionsFromConfig(cfg config.Generation) Options {
	opts := DefaultOptions()
	if cfg.Model != "" {
		opts.Model = cfg.Model
	}
	if cfg.DraftTemperature > 0 {
		opts.DraftTemperature = cfg.DraftTemperature
	}
	if cfg.DraftMaxTokens > 0 {
		opts.DraftMaxTokens = cfg.DraftMaxTokens
	}
	if cfg.CriticMaxTokens > 0 {
		opts.CriticMaxTokens = cfg.CriticMaxTokens
	}
	if cfg.MinScore > 0 {
		opts.MinScore = cfg.MinScore
	}
	return opts
}

// Observer receives engine telemetry. Implementations must not block.
type Observer interface {
	Record(ctx context.Context, event core.GenEvent)
}

// RunOptions carries per-call settings.
type RunOptions struct {
	Model      string // overrides Options.Model when set
	RAGContext string
	UserID     string
	SiteID     string
}

// Result is the outcome of one Execute.
type Result struct {
	Markdown    string   `json:"markdown"`
	Title       string   `json:"title"`
	Verdict     Critique `json:"verdict"`
	Regenerated bool     `json:"regenerated"`
	Drafts      int      `json:"drafts"`
	Critiques   int      `json:"critiques"`
	Model       string   `json:"model"`
}

// Engine runs draft, critique and at most one regeneration.
type Engine struct {
	completer llm.Completer
	opts      Options
	log       zerolog.Logger

	Observer Observer
}

// NewEngine creates an Engine over a completion provider.
func NewEngine(completer llm.Completer, opts Options) *Engine {
	return &Engine{
		completer: completer,
		opts:      opts,
		log:       logger.Component("generation"),
	}
}

// Options reports the engine's call parameters.
func (e *Engine) Options() Options { return e.opts }

// Execute generates an article for c with the engine's default model.
func (e *Engine) Execute(ctx context.Context, c contract.MessageContract, existingTitles []string) (Result, error) {
	return e.ExecuteWith(ctx, c, existingTitles, RunOptions{})
}

// ExecuteWith drafts, critiques, and regenerates once from the critic's fix
// brief when it asks for regeneration. At most two drafts and two critic
// calls are made. Provider errors are returned unretried.
func (e *Engine) ExecuteWith(ctx context.Context, c contract.MessageContract, existingTitles []string, run RunOptions) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	model := run.Model
	if model == "" {
		model = e.opts.Model
	}
	res := Result{Model: model}
	log := e.log.With().Str("model", model).Str("contract", c.Ref()).Logger()

	draft, err := e.Draft(ctx, prompt.Compile(c, c.Fix()).WithContext(run.RAGContext), model)
	if err != nil {
		return res, fmt.Errorf("draft: %w", err)
	}
	res.Drafts++

	verdict, err := e.critique(ctx, c, draft, existingTitles, model, run)
	if err != nil {
		return res, fmt.Errorf("critic: %w", err)
	}
	res.Critiques++
	log.Debug().Int("score", verdict.Score).Bool("needs_regeneration", verdict.NeedsRegeneration).Msg("Draft reviewed")

	if verdict.NeedsRegeneration && strings.TrimSpace(verdict.FixBrief) != "" {
		fixed := c.WithFix(verdict.FixBrief)
		e.emit(ctx, run, core.GenEvent{Type: core.EventCritiqueApplied, Model: model, Metadata: map[string]any{
			"score":     verdict.Score,
			"fix_brief": verdict.FixBrief,
		}})

		redraft, err := e.Draft(ctx, prompt.Compile(fixed, fixed.Fix()).WithContext(run.RAGContext), model)
		if err != nil {
			return res, fmt.Errorf("regenerate: %w", err)
		}
		res.Drafts++

		// the critic judges against the original contract
		verdict, err = e.critique(ctx, c, redraft, existingTitles, model, run)
		if err != nil {
			return res, fmt.Errorf("critic: %w", err)
		}
		res.Critiques++
		res.Regenerated = true
		draft = redraft
		log.Debug().Int("score", verdict.Score).Msg("Regenerated draft reviewed")
	}

	res.Markdown = draft
	res.Title = markdown.Title(draft)
	res.Verdict = verdict

	if verdict.Score < e.opts.MinScore {
		e.emit(ctx, run, core.GenEvent{Type: core.EventCriticLowScore, Model: model, Metadata: map[string]any{
			"score":   verdict.Score,
			"reasons": verdict.Reasons,
		}})
	}
	return res, nil
}

// Draft runs one writer call.
func (e *Engine) Draft(ctx context.Context, p prompt.Prompt, model string) (string, error) {
	return e.completer.Complete(ctx, p.System, p.User, llm.Options{
		Model:       model,
		Temperature: e.opts.DraftTemperature,
		MaxTokens:   e.opts.DraftMaxTokens,
	})
}

func (e *Engine) critique(ctx context.Context, c contract.MessageContract, article string, titles []string, model string, run RunOptions) (Critique, error) {
	contractJSON, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return Critique{}, fmt.Errorf("failed to encode contract: %w", err)
	}

	p := prompt.Critic(string(contractJSON), article, titles)
	raw, err := e.completer.Complete(ctx, p.System, p.User, llm.Options{
		Model:       model,
		Temperature: 0,
		MaxTokens:   e.opts.CriticMaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return Critique{}, err
	}

	verdict, perr := ParseCritique(raw)
	if perr != nil {
		e.log.Warn().Err(perr).Str("model", model).Msg("Critic returned unparseable JSON, using conservative verdict")
		e.emit(ctx, run, core.GenEvent{Type: core.EventCriticParseFailed, Model: model, Error: llm.Redact(perr.Error())})
	}
	return verdict, nil
}

func (e *Engine) emit(ctx context.Context, run RunOptions, ev core.GenEvent) {
	if e.Observer == nil {
		return
	}
	ev.UserID = run.UserID
	ev.SiteID = run.SiteID
	ev.CreatedAt = time.Now().UTC()
	e.Observer.Record(ctx, ev)
}
