package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"genpost/internal/bandit"
	"genpost/internal/config"
	"genpost/internal/contract"
	"genpost/internal/core"
	"genpost/internal/dedup"
	"genpost/internal/fallback"
	"genpost/internal/generation"
	"genpost/internal/llm"
	"genpost/internal/logger"
	"genpost/internal/markdown"
	"genpost/internal/persistence"
	"genpost/internal/publisher"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const recentTitleLimit = 20

// Generator produces an article with stage fallback.
type Generator interface {
	SafeGenerate(ctx context.Context, req fallback.Request) (fallback.Outcome, error)
}

// DuplicateChecker guards the published corpus.
type DuplicateChecker interface {
	Check(ctx context.Context, userID, title, primaryKeyword string) (dedup.Verdict, error)
	CheckContent(ctx context.Context, siteID, content string) (dedup.ContentVerdict, error)
	Record(ctx context.Context, rec core.DuplicateRecord, primaryKeyword string) error
}

// ContextRetriever supplies retrieved site context for a query.
type ContextRetriever interface {
	Context(ctx context.Context, userID, siteID, query string, topK int) string
}

// Deps are the worker's collaborators. Bandit, RAG, Observer and Scheduler
// are optional.
type Deps struct {
	DB        persistence.Database
	Generator Generator
	Dedup     DuplicateChecker
	Publisher publisher.Publisher
	Bandit    *bandit.Optimizer
	RAG       ContextRetriever
	Observer  generation.Observer
	Scheduler *Scheduler
}

// Options tunes the worker.
type Options struct {
	ID            string
	Concurrency   int
	PollInterval  time.Duration
	LockTTL       time.Duration
	SweepInterval time.Duration
	UseCritique   bool // used when the user has no settings record
	RAGResults    int
}

// DefaultOptions returns the worker defaults.
func DefaultOptions() Options {
	return Options{
		ID:            defaultWorkerID(),
		Concurrency:   3,
		PollInterval:  30 * time.Second,
		LockTTL:       10 * time.Minute,
		SweepInterval: time.Minute,
		UseCritique:   true,
		RAGResults:    3,
	}
}

// OptionsFromConfig overlays configured values on the defaults.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg.Worker.ID != "" {
		opts.ID = cfg.Worker.ID
	}
	if cfg.Worker.Concurrency > 0 {
		opts.Concurrency = cfg.Worker.Concurrency
	}
	opts.PollInterval = config.Duration(cfg.Worker.PollInterval, opts.PollInterval)
	opts.LockTTL = config.Duration(cfg.Worker.LockTTL, opts.LockTTL)
	opts.SweepInterval = config.Duration(cfg.Worker.SweepInterval, opts.SweepInterval)
	opts.UseCritique = cfg.Generation.UseCritique
	if cfg.Generation.RAGResults > 0 {
		opts.RAGResults = cfg.Generation.RAGResults
	}
	return opts
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Worker claims due jobs and runs them through the publishing pipeline.
type Worker struct {
	deps Deps
	opts Options
	log  zerolog.Logger
	now  func() time.Time
}

// NewWorker builds a worker.
func NewWorker(deps Deps, opts Options) (*Worker, error) {
	if deps.DB == nil || deps.Generator == nil || deps.Dedup == nil || deps.Publisher == nil {
		return nil, fmt.Errorf("%w: worker needs a database, generator, duplicate checker and publisher", core.ErrConfiguration)
	}
	if opts.ID == "" {
		opts.ID = defaultWorkerID()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	return &Worker{
		deps: deps,
		opts: opts,
		log:  logger.Component("worker").With().Str("worker_id", opts.ID).Logger(),
		now:  time.Now,
	}, nil
}

// ID returns the worker's lock identity.
func (w *Worker) ID() string { return w.opts.ID }

// Run polls for work until ctx is done. Due schedules are expanded first on
// every poll when a scheduler is configured.
func (w *Worker) Run(ctx context.Context) error {
	poll := w.opts.PollInterval
	if poll <= 0 {
		poll = 30 * time.Second
	}
	sweep := w.opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}

	w.log.Info().Int("concurrency", w.opts.Concurrency).Dur("poll_interval", poll).Msg("Worker started")
	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(sweep)
	defer sweepTicker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return nil
		case <-sweepTicker.C:
			if _, _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Sweep failed")
			}
		case <-pollTicker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if w.deps.Scheduler != nil {
		if _, err := w.deps.Scheduler.RunDue(ctx, w.now()); err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Schedule expansion failed")
		}
	}
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("Poll failed")
	}
}

// RunOnce processes the pending jobs that are due now, at most Concurrency
// at a time. It returns the number of jobs this worker claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.deps.DB.Jobs().ListPending(ctx, w.now(), 2*w.opts.Concurrency)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var claimed atomic.Int64
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		job := pending[i]
		g.Go(func() error {
			if w.process(ctx, &job) {
				claimed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(claimed.Load()), ctx.Err()
}

// process runs one job under its lock and reports whether it was claimed.
func (w *Worker) process(ctx context.Context, job *core.PublishJob) bool {
	log := w.log.With().Str("job_id", job.ID).Logger()

	if err := w.deps.DB.Locks().Acquire(ctx, job.ID, w.opts.ID, w.opts.LockTTL, w.now()); err != nil {
		if !errors.Is(err, persistence.ErrLockHeld) {
			log.Error().Err(err).Msg("Failed to acquire job lock")
		}
		return false
	}
	defer func() {
		if err := w.deps.DB.Locks().Release(context.Background(), job.ID, w.opts.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to release job lock")
		}
	}()

	if err := w.deps.DB.Jobs().MarkRunning(ctx, job.ID, w.opts.ID, w.now()); err != nil {
		if !errors.Is(err, persistence.ErrInvalidTransition) {
			log.Error().Err(err).Msg("Failed to mark job running")
		}
		return false
	}
	job.State = core.JobRunning

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := w.holdLock(runCtx, cancel, job.ID, log)

	start := w.now()
	res, title, err := w.pipeline(runCtx, job)
	stop()
	if err != nil && (errors.Is(err, persistence.ErrLockLost) || errors.Is(context.Cause(runCtx), persistence.ErrLockLost)) {
		// The job may belong to another worker now.
		log.Warn().Err(err).Msg("Job lock lost")
		return true
	}
	if err != nil && runCtx.Err() != nil {
		// Left running; the sweep returns it to pending once the lock is gone.
		log.Warn().Err(err).Msg("Job interrupted")
		return true
	}

	job.ArticleTitle = title
	if err != nil {
		job.State = core.JobFailed
		job.Error = llm.Redact(err.Error())
		log.Error().Err(err).Dur("elapsed", w.now().Sub(start)).Msg("Job failed")
	} else {
		job.State = core.JobDone
		job.PostID = res.ID
		job.PostURL = res.URL
		log.Info().Str("post_id", res.ID).Str("title", title).Dur("elapsed", w.now().Sub(start)).Msg("Job done")
	}
	if err := w.deps.DB.Jobs().Finish(context.Background(), job); err != nil {
		log.Error().Err(err).Str("state", string(job.State)).Msg("Failed to record job result")
	}
	return true
}

// holdLock renews the job lock every third of its TTL until stop is called.
// A renewal that finds the lock gone cancels ctx with ErrLockLost.
func (w *Worker) holdLock(ctx context.Context, cancel context.CancelCauseFunc, jobID string, log zerolog.Logger) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(w.opts.LockTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.deps.DB.Locks().Extend(ctx, jobID, w.opts.ID, w.opts.LockTTL, w.now())
				if errors.Is(err, persistence.ErrLockLost) {
					cancel(err)
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("Failed to renew job lock")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// pipeline generates, checks and publishes one job's article.
func (w *Worker) pipeline(ctx context.Context, job *core.PublishJob) (publisher.Result, string, error) {
	c, err := w.loadContract(ctx, job)
	if err != nil {
		return publisher.Result{}, "", err
	}
	c = c.WithKeywords(job.Keywords)
	c = w.pickCTA(ctx, job, c)
	settings := w.settings(ctx, job.UserID)

	titles, err := w.deps.DB.Articles().RecentTitles(ctx, job.UserID, recentTitleLimit)
	if err != nil {
		return publisher.Result{}, "", fmt.Errorf("failed to load recent titles: %w", err)
	}

	var ragContext string
	if settings.UseRAG && w.deps.RAG != nil {
		query := strings.TrimSpace(c.Claim.Headline + " " + strings.Join(job.Keywords, " "))
		ragContext = w.deps.RAG.Context(ctx, job.UserID, job.SiteID, query, w.opts.RAGResults)
	}

	out, err := w.deps.Generator.SafeGenerate(ctx, fallback.Request{
		UserID:         job.UserID,
		SiteID:         job.SiteID,
		JobID:          job.ID,
		Topic:          c.Claim.Headline,
		Keywords:       job.Keywords,
		Contract:       c,
		Model:          settings.DefaultModel,
		RAGContext:     ragContext,
		UseCritique:    settings.UseCritique,
		ExistingTitles: titles,
	})
	if err != nil {
		return publisher.Result{}, "", err
	}

	title := firstNonEmpty(out.Title, markdown.Title(out.Markdown), c.Claim.Headline)
	keyword := c.PrimaryKeyword()

	verdict, err := w.deps.Dedup.Check(ctx, job.UserID, title, keyword)
	if err != nil {
		return publisher.Result{}, title, err
	}
	if conflict := verdict.Conflict(); conflict != nil {
		w.rejectDuplicate(ctx, job, title, conflict)
		return publisher.Result{}, title, conflict
	}
	content, err := w.deps.Dedup.CheckContent(ctx, job.SiteID, out.Markdown)
	if err != nil {
		return publisher.Result{}, title, err
	}
	if conflict := content.Conflict(); conflict != nil {
		w.rejectDuplicate(ctx, job, title, conflict)
		return publisher.Result{}, title, conflict
	}

	post := publisher.Post{
		Title:        title,
		Content:      out.Markdown,
		Status:       job.PostStatus,
		CategorySlug: w.categorySlug(ctx, job),
		Tags:         job.Keywords,
	}
	if job.PostStatus == "future" {
		at := job.PlannedAt
		if now := w.now(); at.Before(now) {
			at = now
		}
		post.ScheduledAt = &at
	}
	// publish only under a lock that is still ours
	if err := w.deps.DB.Locks().Extend(ctx, job.ID, w.opts.ID, w.opts.LockTTL, w.now()); err != nil {
		return publisher.Result{}, title, fmt.Errorf("failed to confirm job lock before publishing: %w", err)
	}
	res, err := w.deps.Publisher.Publish(ctx, post)
	if err != nil {
		return publisher.Result{}, title, err
	}
	w.emit(ctx, core.GenEvent{
		Type:     core.EventPostPublished,
		UserID:   job.UserID,
		SiteID:   job.SiteID,
		Topic:    title,
		Model:    out.Model,
		Mode:     out.Mode,
		Bytes:    len(out.Markdown),
		Metadata: map[string]any{"job_id": job.ID, "post_id": res.ID, "post_url": res.URL},
	})

	record := core.DuplicateRecord{
		UserID:    job.UserID,
		SiteID:    job.SiteID,
		Title:     title,
		Content:   out.Markdown,
		Embedding: verdict.Embedding,
		SimHash:   content.SimHash,
	}
	if err := w.deps.Dedup.Record(ctx, record, keyword); err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record published article")
	}
	return res, title, nil
}

func (w *Worker) loadContract(ctx context.Context, job *core.PublishJob) (contract.MessageContract, error) {
	if job.ContractID == "" {
		return contract.MessageContract{}, fmt.Errorf("%w: job %s has no contract", core.ErrConfiguration, job.ID)
	}
	stored, err := w.deps.DB.Contracts().Get(ctx, job.ContractID)
	if err != nil {
		return contract.MessageContract{}, fmt.Errorf("failed to load contract %s: %w", job.ContractID, err)
	}
	env, err := contract.Decode(stored.Body)
	if err != nil {
		return contract.MessageContract{}, err
	}
	return env.Resolve()
}

// pickCTA lets the contract's CTA bandit on the job's site choose the call
// to action. The contract's own copy is always a candidate. Bandit failures
// keep the contract unchanged.
func (w *Worker) pickCTA(ctx context.Context, job *core.PublishJob, c contract.MessageContract) contract.MessageContract {
	if w.deps.Bandit == nil {
		return c
	}
	candidates := []string{c.Constraints.CTACopy}
	for _, choice := range bandit.DefaultChoices(bandit.TypeCTA, c.Constraints.CTAType) {
		if choice != c.Constraints.CTACopy {
			candidates = append(candidates, choice)
		}
	}
	choice, err := w.deps.Bandit.PickAndRecord(ctx, job.SiteID, bandit.ContractCTAType(job.ContractID), candidates)
	if err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("CTA pick failed, keeping contract copy")
		return c
	}
	return c.WithCTACopy(choice)
}

func (w *Worker) settings(ctx context.Context, userID string) core.UserSettings {
	s, err := w.deps.DB.UserSettings().Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			w.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to load user settings")
		}
		return core.UserSettings{UserID: userID, UseCritique: w.opts.UseCritique, UseRAG: w.deps.RAG != nil}
	}
	return *s
}

func (w *Worker) categorySlug(ctx context.Context, job *core.PublishJob) string {
	if job.ScheduleID == "" {
		return ""
	}
	s, err := w.deps.DB.Schedules().Get(ctx, job.ScheduleID)
	if err != nil {
		return ""
	}
	return s.CategorySlug
}

func (w *Worker) rejectDuplicate(ctx context.Context, job *core.PublishJob, title string, err error) {
	ev := core.GenEvent{
		Type:     core.EventDuplicateRejected,
		UserID:   job.UserID,
		SiteID:   job.SiteID,
		Topic:    title,
		Error:    err.Error(),
		Metadata: map[string]any{"job_id": job.ID},
	}
	var conflict *dedup.DuplicateConflict
	if errors.As(err, &conflict) {
		ev.Metadata["reason"] = string(conflict.Reason)
		ev.Metadata["similarity"] = conflict.Similarity
		ev.Metadata["matched_title"] = conflict.MatchedTitle
	}
	w.emit(ctx, ev)
}

func (w *Worker) emit(ctx context.Context, ev core.GenEvent) {
	if w.deps.Observer != nil {
		w.deps.Observer.Record(ctx, ev)
	}
}

// Sweep deletes expired locks and returns orphaned running jobs to pending.
func (w *Worker) Sweep(ctx context.Context) (locks, jobs int64, err error) {
	now := w.now()
	locks, err = w.deps.DB.Locks().SweepExpired(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	jobs, err = w.deps.DB.Jobs().ResetOrphaned(ctx, now)
	if err != nil {
		return locks, 0, err
	}
	if locks > 0 || jobs > 0 {
		w.log.Info().Int64("locks", locks).Int64("jobs", jobs).Msg("Swept expired locks")
	}
	return locks, jobs, nil
}

// Requeue returns a failed job to pending. It is the only way a failed job
// runs again.
func Requeue(ctx context.Context, jobs persistence.JobRepository, id string) error {
	if err := jobs.Requeue(ctx, id, time.Now()); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
