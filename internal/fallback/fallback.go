// Package fallback runs generation through a cascade of progressively
// cheaper strategies and records a dead letter when all of them fail.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"genpost/internal/config"
	"genpost/internal/contract"
	"genpost/internal/core"
	"genpost/internal/cost"
	"genpost/internal/generation"
	"genpost/internal/llm"
	"genpost/internal/logger"
	"genpost/internal/markdown"
	"genpost/internal/persistence"
	"genpost/internal/prompt"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Request is one article generation.
type Request struct {
	UserID         string
	SiteID         string
	JobID          string
	Topic          string
	Keywords       []string
	Contract       contract.MessageContract
	Model          string
	RAGContext     string
	UseCritique    bool
	ExistingTitles []string
}

// Outcome is a successful generation.
type Outcome struct {
	Markdown    string
	Title       string
	Mode        core.GenerationMode
	Model       string
	Verdict     *generation.Critique // nil unless the normal stage critiqued
	Regenerated bool
	Attempts    int
	Elapsed     time.Duration
	CostUSD     float64
}

// StageExhaustedError is returned when every stage failed.
type StageExhaustedError struct {
	Attempts int
	Last     error
}

func (e *StageExhaustedError) Error() string {
	return fmt.Sprintf("all generation stages failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *StageExhaustedError) Unwrap() error { return e.Last }

// UserMessage is the stable text shown to end users.
func (e *StageExhaustedError) UserMessage() string {
	return "Article generation is temporarily unavailable. Please try again in a few minutes."
}

// Options tunes the cascade.
type Options struct {
	Engine        generation.Options
	BackupModel   string
	CallTimeout   time.Duration
	BaseDelay     time.Duration // normal stage
	FallbackDelay time.Duration // short and backup stages
	Jitter        time.Duration
}

// DefaultOptions returns the stock cascade timing.
func DefaultOptions() Options {
	return Options{
		Engine:        generation.DefaultOptions(),
		BackupModel:   "gpt-3.5-turbo",
		CallTimeout:   60 * time.Second,
		BaseDelay:     500 * time.Millisecond,
		FallbackDelay: 300 * time.Millisecond,
		Jitter:        100 * time.Millisecond,
	}
}

// OptionsFromConfig fills Options from the generation config section.
func OptionsFromConfig(cfg config.Generation) Options {
	opts := DefaultOptions()
	opts.Engine = generation.OptionsFromConfig(cfg)
	if cfg.BackupModel != "" {
		opts.BackupModel = cfg.BackupModel
	}
	opts.CallTimeout = config.Duration(cfg.CallTimeout, opts.CallTimeout)
	opts.BaseDelay = config.Duration(cfg.RetryBaseDelay, opts.BaseDelay)
	opts.Jitter = config.Duration(cfg.RetryJitter, opts.Jitter)
	return opts
}

// Deps are the orchestrator's sinks. Any of them may be nil.
type Deps struct {
	DLQ      persistence.DLQRepository
	Audits   persistence.AuditRepository
	Observer generation.Observer
}

type stage struct {
	mode  core.GenerationMode
	tries uint
	delay time.Duration
}

// Orchestrator implements SafeGenerate.
type Orchestrator struct {
	completer llm.Completer
	deps      Deps
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

// New creates an Orchestrator.
func New(completer llm.Completer, deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		completer: completer,
		deps:      deps,
		opts:      opts,
		log:       logger.Component("fallback"),
		now:       time.Now,
	}
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{mode: core.ModeNormal, tries: 2, delay: o.opts.BaseDelay},
		{mode: core.ModeShort, tries: 1, delay: o.opts.FallbackDelay},
		{mode: core.ModeBackup, tries: 1, delay: o.opts.FallbackDelay},
	}
}

// SafeGenerate tries normal, short and backup generation in order. A
// configuration error fails immediately. When all stages fail it writes one
// dead letter and returns *StageExhaustedError.
func (o *Orchestrator) SafeGenerate(ctx context.Context, req Request) (Outcome, error) {
	c := req.Contract
	if len(req.Keywords) > 0 {
		c = c.WithKeywords(req.Keywords)
	}
	if err := c.Validate(); err != nil {
		return Outcome{}, err
	}
	if req.Model == "" {
		req.Model = o.opts.Engine.Model
	}
	if req.Topic == "" {
		req.Topic = c.Claim.Headline
	}

	meter := cost.NewMeter(timeoutCompleter{next: o.completer, timeout: o.opts.CallTimeout})
	engine := generation.NewEngine(meter, o.opts.Engine)
	engine.Observer = o.deps.Observer

	start := o.now()
	log := o.log.With().Str("user_id", req.UserID).Str("topic", req.Topic).Logger()
	o.emit(ctx, req, core.GenEvent{Type: core.EventGenerationStart, Model: req.Model})

	var (
		attempts int
		lastErr  error
	)
	for _, st := range o.stages() {
		model := req.Model
		if st.mode == core.ModeBackup && o.opts.BackupModel != "" {
			model = o.opts.BackupModel
		}

		op := func() (Outcome, error) {
			attempts++
			out, err := o.runStage(ctx, engine, st.mode, c, model, req)
			if err == nil && strings.TrimSpace(out.Markdown) == "" {
				err = &llm.ProviderError{Model: model, Transient: true, Err: llm.ErrEmptyCompletion}
			}
			if err != nil && !llm.IsTransient(err) {
				return out, backoff.Permanent(err)
			}
			return out, err
		}

		out, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(newLinearBackOff(st.delay, o.opts.Jitter)),
			backoff.WithMaxTries(st.tries),
			backoff.WithNotify(func(err error, wait time.Duration) {
				log.Warn().Err(err).Str("stage", string(st.mode)).Str("model", model).Int("attempt", attempts).Dur("wait", wait).Msg("Generation attempt failed, retrying")
			}),
		)
		if err == nil {
			out.Mode = st.mode
			out.Model = model
			out.Attempts = attempts
			out.Elapsed = o.now().Sub(start)
			out.CostUSD = meter.TotalCost()
			o.succeed(ctx, req, c, out)
			log.Info().Str("mode", string(st.mode)).Str("model", model).Int("attempts", attempts).Dur("elapsed", out.Elapsed).Msg("Article generated")
			return out, nil
		}

		if errors.Is(err, core.ErrConfiguration) {
			return Outcome{}, err
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		lastErr = err
		log.Warn().Err(err).Str("stage", string(st.mode)).Str("model", model).Int("attempts", attempts).Msg("Generation stage exhausted")
	}

	exhausted := &StageExhaustedError{Attempts: attempts, Last: lastErr}
	o.fail(ctx, req, c, exhausted, o.now().Sub(start), meter.TotalCost())
	return Outcome{}, exhausted
}

func (o *Orchestrator) runStage(ctx context.Context, engine *generation.Engine, mode core.GenerationMode, c contract.MessageContract, model string, req Request) (Outcome, error) {
	switch mode {
	case core.ModeNormal:
		if req.UseCritique {
			res, err := engine.ExecuteWith(ctx, c, req.ExistingTitles, generation.RunOptions{
				Model:      model,
				RAGContext: req.RAGContext,
				UserID:     req.UserID,
				SiteID:     req.SiteID,
			})
			if err != nil {
				return Outcome{}, err
			}
			verdict := res.Verdict
			return Outcome{Markdown: res.Markdown, Title: res.Title, Verdict: &verdict, Regenerated: res.Regenerated}, nil
		}
		return draft(ctx, engine, prompt.CompileMode(mode, c).WithContext(req.RAGContext), model)
	default:
		return draft(ctx, engine, prompt.CompileMode(mode, c), model)
	}
}

func draft(ctx context.Context, engine *generation.Engine, p prompt.Prompt, model string) (Outcome, error) {
	md, err := engine.Draft(ctx, p, model)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Markdown: md, Title: markdown.Title(md)}, nil
}

func (o *Orchestrator) succeed(ctx context.Context, req Request, c contract.MessageContract, out Outcome) {
	score := 0
	if out.Verdict != nil {
		score = out.Verdict.Score
	}
	o.emit(ctx, req, core.GenEvent{
		Type:      core.EventGenerationSuccess,
		Model:     out.Model,
		Mode:      out.Mode,
		Bytes:     len(out.Markdown),
		ElapsedMS: out.Elapsed.Milliseconds(),
		RAGUsed:   strings.TrimSpace(req.RAGContext) != "",
		Critiqued: out.Verdict != nil,
		Metadata:  map[string]any{"score": score, "attempts": out.Attempts},
	})
	o.audit(ctx, &core.GenerationAudit{
		UserID:      req.UserID,
		SiteID:      req.SiteID,
		JobID:       req.JobID,
		ContractRef: c.Ref(),
		Model:       out.Model,
		Mode:        out.Mode,
		ElapsedMS:   out.Elapsed.Milliseconds(),
		Score:       score,
		Retries:     out.Attempts - 1,
		CostUSD:     out.CostUSD,
		PromptHash:  promptHash(c),
		Chars:       len([]rune(out.Markdown)),
	})
}

func (o *Orchestrator) fail(ctx context.Context, req Request, c contract.MessageContract, err *StageExhaustedError, elapsed time.Duration, spent float64) {
	now := o.now().UTC()
	msg := llm.Redact(err.Last.Error())

	if o.deps.DLQ != nil {
		entry := &core.DLQEntry{
			UserID: req.UserID,
			SiteID: req.SiteID,
			Topic:  req.Topic,
			Context: map[string]any{
				"job_id":       req.JobID,
				"contract_ref": c.Ref(),
				"keywords":     c.Keywords,
				"model":        req.Model,
				"backup_model": o.opts.BackupModel,
				"use_critique": req.UseCritique,
				"rag_used":     strings.TrimSpace(req.RAGContext) != "",
				"error":        msg,
			},
			Attempts:      err.Attempts,
			CreatedAt:     now,
			LastAttemptAt: now,
		}
		if derr := o.deps.DLQ.Create(ctx, entry); derr != nil {
			o.log.Error().Err(derr).Str("user_id", req.UserID).Msg("Failed to write dead letter")
		}
	}

	o.emit(ctx, req, core.GenEvent{
		Type:      core.EventGenerationFail,
		Model:     req.Model,
		Mode:      core.ModeFailed,
		ElapsedMS: elapsed.Milliseconds(),
		RAGUsed:   strings.TrimSpace(req.RAGContext) != "",
		Critiqued: req.UseCritique,
		Error:     msg,
		Metadata:  map[string]any{"attempts": err.Attempts},
	})
	o.audit(ctx, &core.GenerationAudit{
		UserID:      req.UserID,
		SiteID:      req.SiteID,
		JobID:       req.JobID,
		ContractRef: c.Ref(),
		Model:       req.Model,
		Mode:        core.ModeFailed,
		ElapsedMS:   elapsed.Milliseconds(),
		Retries:     err.Attempts - 1,
		CostUSD:     spent,
		PromptHash:  promptHash(c),
	})
	o.log.Error().Err(err).Str("user_id", req.UserID).Str("topic", req.Topic).Msg("Generation moved to dead letter queue")
}

func (o *Orchestrator) emit(ctx context.Context, req Request, ev core.GenEvent) {
	if o.deps.Observer == nil {
		return
	}
	ev.UserID = req.UserID
	ev.SiteID = req.SiteID
	ev.Topic = req.Topic
	ev.CreatedAt = o.now().UTC()
	o.deps.Observer.Record(ctx, ev)
}

func (o *Orchestrator) audit(ctx context.Context, a *core.GenerationAudit) {
	if o.deps.Audits == nil {
		return
	}
	a.CreatedAt = o.now().UTC()
	if err := o.deps.Audits.Create(ctx, a); err != nil {
		o.log.Error().Err(err).Str("user_id", a.UserID).Msg("Failed to write generation audit")
	}
}

func promptHash(c contract.MessageContract) string {
	p := prompt.Compile(c, "")
	return strconv.FormatUint(xxhash.Sum64String(p.System+"\x00"+p.User), 16)
}
