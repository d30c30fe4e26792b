package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"genpost/internal/bandit"
	"genpost/internal/core"
	"genpost/internal/dedup"
	"genpost/internal/fallback"
	"genpost/internal/persistence"
	"genpost/internal/publisher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const contractDoc = `
speaker:
  role: owner
  brand: Northside Bakery
claim:
  headline: Sourdough that keeps for a week
audience:
  persona: home cooks
benefit:
  outcome: [less waste]
constraints:
  cta_type: contact
  cta_copy: Order a loaf
`

var bodies = []string{
	"Long fermentation gives the crumb structure and a mild sour flavor that holds for days on the counter.",
	"Our delivery vans leave at dawn and reach every neighborhood north of the river before the first coffee.",
	"Rye flour absorbs more water than wheat, so the dough feels sticky and needs a gentler shaping hand.",
	"Freezing sliced loaves in paper bags keeps breakfast simple when the week gets busy and shops close early.",
	"Children's baking classes run on Saturday mornings and every student takes home a small braided roll.",
}

// stubGenerator writes a distinct article per call.
type stubGenerator struct {
	mu       sync.Mutex
	requests []fallback.Request
	err      error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	after    func() // runs once generation is done, before the outcome returns
}

func (g *stubGenerator) SafeGenerate(ctx context.Context, req fallback.Request) (fallback.Outcome, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.after != nil {
		g.after()
	}

	g.mu.Lock()
	g.requests = append(g.requests, req)
	i := len(g.requests)
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return fallback.Outcome{}, err
	}

	title := fmt.Sprintf("Bakery notes %d for %s", i, req.UserID)
	body := bodies[(i-1)%len(bodies)]
	return fallback.Outcome{
		Markdown: "# " + title + "\n\n" + body,
		Title:    title,
		Mode:     core.ModeNormal,
		Model:    "stub-model",
		Attempts: 1,
	}, nil
}

func (g *stubGenerator) calls() []fallback.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]fallback.Request(nil), g.requests...)
}

type stubPublisher struct {
	mu    sync.Mutex
	posts []publisher.Post
	err   error
}

func (p *stubPublisher) Publish(_ context.Context, post publisher.Post) (publisher.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return publisher.Result{}, p.err
	}
	p.posts = append(p.posts, post)
	id := fmt.Sprint(len(p.posts))
	return publisher.Result{ID: id, URL: "https://example.test/?p=" + id}, nil
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

type eventSink struct {
	mu     sync.Mutex
	events []core.GenEvent
}

func (s *eventSink) Record(_ context.Context, ev core.GenEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) of(t core.EventType) []core.GenEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.GenEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type workerFixture struct {
	db        *persistence.SQLDB
	gen       *stubGenerator
	pub       *stubPublisher
	events    *eventSink
	worker    *Worker
	contract  string
	detector  *dedup.Detector
	optimizer *bandit.Optimizer
}

func newWorkerFixture(t *testing.T, concurrency int) *workerFixture {
	t.Helper()
	ctx := context.Background()
	db := newTestDB(t)

	stored := &core.StoredContract{UserID: "u1", Name: "bakery", Body: []byte(contractDoc)}
	require.NoError(t, db.Contracts().Create(ctx, stored))

	f := &workerFixture{
		db:        db,
		gen:       &stubGenerator{},
		pub:       &stubPublisher{},
		events:    &eventSink{},
		contract:  stored.ID,
		detector:  dedup.NewDetector(db.Articles(), db.Embeddings(), nil, dedup.DefaultOptions()),
		optimizer: bandit.NewOptimizer(db.Bandits()),
	}
	opts := DefaultOptions()
	opts.ID = "worker-a"
	opts.Concurrency = concurrency

	w, err := NewWorker(Deps{
		DB:        db,
		Generator: f.gen,
		Dedup:     f.detector,
		Publisher: f.pub,
		Bandit:    f.optimizer,
		Observer:  f.events,
	}, opts)
	require.NoError(t, err)
	f.worker = w
	return f
}

func (f *workerFixture) addJob(t *testing.T, userID, siteID string, keywords ...string) *core.PublishJob {
	t.Helper()
	job := &core.PublishJob{
		UserID:     userID,
		SiteID:     siteID,
		ContractID: f.contract,
		PlannedAt:  time.Now().Add(-time.Minute),
		Keywords:   keywords,
	}
	require.NoError(t, f.db.Jobs().Create(context.Background(), job))
	return job
}

func (f *workerFixture) job(t *testing.T, id string) *core.PublishJob {
	t.Helper()
	job, err := f.db.Jobs().Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRunOncePublishesJob(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 2)
	job := f.addJob(t, "u1", "s1", "sourdough", "starter", "rye")

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.job(t, job.ID)
	assert.Equal(t, core.JobDone, got.State)
	assert.Equal(t, "1", got.PostID)
	assert.Equal(t, "https://example.test/?p=1", got.PostURL)
	assert.Equal(t, "Bakery notes 1 for u1", got.ArticleTitle)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.Error)

	reqs := f.gen.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, job.ID, reqs[0].JobID)
	assert.Equal(t, []string{"sourdough", "starter", "rye"}, reqs[0].Keywords)
	assert.Equal(t, "Sourdough that keeps for a week", reqs[0].Topic)
	assert.True(t, reqs[0].UseCritique)
	candidates := append([]string{"Order a loaf"}, bandit.DefaultChoices(bandit.TypeCTA, "contact")...)
	assert.Contains(t, candidates, reqs[0].Contract.Constraints.CTACopy)

	require.Equal(t, 1, f.pub.count())
	post := f.pub.posts[0]
	assert.Equal(t, "draft", post.Status)
	assert.Equal(t, []string{"sourdough", "starter", "rye"}, post.Tags)
	assert.Nil(t, post.ScheduledAt)

	titles, err := f.db.Articles().RecentTitles(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bakery notes 1 for u1"}, titles)
	assert.Len(t, f.events.of(core.EventPostPublished), 1)

	// lock released
	require.NoError(t, f.db.Locks().Acquire(ctx, job.ID, "worker-b", time.Minute, time.Now()))
}

func TestCTABanditIsPerContract(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	tasting := &core.StoredContract{UserID: "u1", Name: "tasting", Body: []byte(strings.NewReplacer(
		"cta_type: contact", "cta_type: trial",
		"cta_copy: Order a loaf", "cta_copy: Try the tasting box",
	).Replace(contractDoc))}
	require.NoError(t, f.db.Contracts().Create(ctx, tasting))

	loaf := f.addJob(t, "u1", "s1")
	box := &core.PublishJob{UserID: "u1", SiteID: "s1", ContractID: tasting.ID, PlannedAt: time.Now().Add(-30 * time.Second)}
	require.NoError(t, f.db.Jobs().Create(ctx, box))

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ctas := map[string]string{}
	for _, req := range f.gen.calls() {
		ctas[req.JobID] = req.Contract.Constraints.CTACopy
	}
	assert.Contains(t, append([]string{"Order a loaf"}, bandit.DefaultChoices(bandit.TypeCTA, "contact")...), ctas[loaf.ID])
	assert.Contains(t, append([]string{"Try the tasting box"}, bandit.DefaultChoices(bandit.TypeCTA, "trial")...), ctas[box.ID])

	for _, id := range []string{f.contract, tasting.ID} {
		_, err := f.db.Bandits().Get(ctx, "s1", bandit.ContractCTAType(id))
		require.NoError(t, err, id)
	}
}

func TestRunOnceRejectsDuplicateTitle(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	require.NoError(t, f.detector.Record(ctx, core.DuplicateRecord{UserID: "u1", SiteID: "s1", Title: "bakery NOTES 1 for u1"}, "sourdough"))
	job := f.addJob(t, "u1", "s1", "sourdough")

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got := f.job(t, job.ID)
	assert.Equal(t, core.JobFailed, got.State)
	assert.Contains(t, got.Error, "duplicate article")
	assert.Zero(t, f.pub.count())

	rejected := f.events.of(core.EventDuplicateRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "lexical", rejected[0].Metadata["reason"])
	assert.Equal(t, job.ID, rejected[0].Metadata["job_id"])
}

func TestRunOnceRejectsDuplicateContent(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	require.NoError(t, f.detector.Record(ctx, core.DuplicateRecord{
		UserID:  "other",
		SiteID:  "s1",
		Title:   "An older post",
		Content: "# Bakery notes 1 for u1\n\n" + bodies[0],
	}, ""))
	job := f.addJob(t, "u1", "s1")

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got := f.job(t, job.ID)
	assert.Equal(t, core.JobFailed, got.State)
	assert.Contains(t, got.Error, "simhash")
	assert.Zero(t, f.pub.count())
}

func TestPublishFailureFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	f.pub.err = &publisher.PublishError{StatusCode: 502, Message: "bad gateway"}
	job := f.addJob(t, "u1", "s1")

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got := f.job(t, job.ID)
	assert.Equal(t, core.JobFailed, got.State)
	assert.Contains(t, got.Error, "status 502")

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.gen.calls(), 1)

	titles, err := f.db.Articles().RecentTitles(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, titles)
}

func TestGenerationFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	f.gen.err = &fallback.StageExhaustedError{Attempts: 4, Last: errors.New("overloaded")}
	job := f.addJob(t, "u1", "s1")

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got := f.job(t, job.ID)
	assert.Equal(t, core.JobFailed, got.State)
	assert.NotEmpty(t, got.Error)
	assert.Zero(t, f.pub.count())
}

func TestRequeueRunsFailedJobAgain(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	f.pub.err = &publisher.PublishError{StatusCode: 500}
	job := f.addJob(t, "u1", "s1")

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, f.job(t, job.ID).State)

	require.NoError(t, Requeue(ctx, f.db.Jobs(), job.ID))
	f.pub.err = nil
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got := f.job(t, job.ID)
	assert.Equal(t, core.JobDone, got.State)
	assert.Equal(t, 2, got.Attempts)

	assert.ErrorIs(t, Requeue(ctx, f.db.Jobs(), job.ID), persistence.ErrInvalidTransition)
}

func TestRunOnceSkipsLockedJob(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	job := f.addJob(t, "u1", "s1")
	require.NoError(t, f.db.Locks().Acquire(ctx, job.ID, "worker-b", time.Minute, time.Now()))

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, core.JobPending, f.job(t, job.ID).State)
	assert.Empty(t, f.gen.calls())
}

func TestSweepResetsOrphanedJobs(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	job := f.addJob(t, "u1", "s1")

	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Locks().Acquire(ctx, job.ID, "crashed", time.Minute, past))
	require.NoError(t, f.db.Jobs().MarkRunning(ctx, job.ID, "crashed", past))
	require.Equal(t, core.JobRunning, f.job(t, job.ID).State)

	locks, jobs, err := f.worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), locks)
	assert.Equal(t, int64(1), jobs)
	assert.Equal(t, core.JobPending, f.job(t, job.ID).State)

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, core.JobDone, f.job(t, job.ID).State)
}

func TestLostLockSkipsPublish(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	job := f.addJob(t, "u1", "s1")

	// a sweep on another host decides the lock expired mid-generation
	f.gen.after = func() {
		later := time.Now().Add(time.Hour)
		_, err := f.db.Locks().SweepExpired(ctx, later)
		assert.NoError(t, err)
		_, err = f.db.Jobs().ResetOrphaned(ctx, later)
		assert.NoError(t, err)
	}
	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.pub.count())
	assert.Equal(t, core.JobPending, f.job(t, job.ID).State)

	f.gen.after = nil
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.pub.count())
	got := f.job(t, job.ID)
	assert.Equal(t, core.JobDone, got.State)
	assert.Equal(t, 2, got.Attempts)
}

func TestSlowJobKeepsItsLock(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	f.worker.opts.LockTTL = 150 * time.Millisecond
	f.gen.delay = 400 * time.Millisecond
	job := f.addJob(t, "u1", "s1")

	var swept, reset int64
	f.gen.after = func() {
		var err error
		swept, reset, err = f.worker.Sweep(ctx)
		assert.NoError(t, err)
	}
	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	assert.Zero(t, swept)
	assert.Zero(t, reset)
	assert.Equal(t, 1, f.pub.count())
	assert.Equal(t, core.JobDone, f.job(t, job.ID).State)
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 2)
	f.gen.delay = 20 * time.Millisecond
	for i := 0; i < 5; i++ {
		f.addJob(t, fmt.Sprintf("u%d", i), fmt.Sprintf("s%d", i))
	}

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n) // limit is twice the concurrency
	assert.LessOrEqual(t, f.gen.maxSeen.Load(), int32(2))

	n, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := f.db.Jobs().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Done)
}

func TestFutureJobsCarryPublishDate(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1)
	f.addJob(t, "u1", "s1")
	require.NoError(t, f.db.Jobs().Create(ctx, &core.PublishJob{
		UserID:     "u2",
		SiteID:     "s2",
		ContractID: f.contract,
		PlannedAt:  time.Now().Add(-time.Second),
		PostStatus: "future",
	}))

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, f.pub.count())
	var future int
	for _, post := range f.pub.posts {
		if post.Status == "future" {
			future++
			require.NotNil(t, post.ScheduledAt)
			assert.False(t, post.ScheduledAt.Before(time.Now().Add(-time.Minute)))
		}
	}
	assert.Equal(t, 1, future)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t, 1)
	f.addJob(t, "u1", "s1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return f.pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewWorkerRequiresDeps(t *testing.T) {
	_, err := NewWorker(Deps{}, DefaultOptions())
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", firstNonEmpty())
	assert.NotEmpty(t, defaultWorkerID())
}
