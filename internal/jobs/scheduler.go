// Package jobs expands publishing schedules into jobs and runs them through
// generation, duplicate checks and publishing under expiring locks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genpost/internal/core"
	"genpost/internal/logger"
	"genpost/internal/persistence"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var postStatuses = map[string]bool{"draft": true, "publish": true, "future": true}

const dueBatch = 50

// Scheduler owns schedule creation and expansion.
type Scheduler struct {
	db     persistence.Database
	parser cron.Parser
	log    zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler over db.
func NewScheduler(db persistence.Database) *Scheduler {
	return &Scheduler{
		db:     db,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:    logger.Component("scheduler"),
		now:    time.Now,
	}
}

// Parse validates a five-field cron expression in the given IANA timezone.
func (s *Scheduler) Parse(spec, timezone string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: cron expression is required", core.ErrConfiguration)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", core.ErrConfiguration, timezone)
	}
	sched, err := s.parser.Parse("CRON_TZ=" + timezone + " " + spec)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron %q: %v", core.ErrConfiguration, spec, err)
	}
	return sched, nil
}

// Preview lists the next n run times after from.
func (s *Scheduler) Preview(spec, timezone string, from time.Time, n int) ([]time.Time, error) {
	sched, err := s.Parse(spec, timezone)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateSchedule validates and stores a schedule, setting its first run.
func (s *Scheduler) CreateSchedule(ctx context.Context, sc *core.Schedule) error {
	if sc.UserID == "" || sc.SiteID == "" {
		return fmt.Errorf("%w: schedule needs a user and a site", core.ErrConfiguration)
	}
	if sc.PostCount < 1 {
		return fmt.Errorf("%w: post count must be at least 1", core.ErrConfiguration)
	}
	if sc.PerJobDelay < 0 {
		return fmt.Errorf("%w: per-job delay must not be negative", core.ErrConfiguration)
	}
	if sc.PostStatus == "" {
		sc.PostStatus = "draft"
	}
	if !postStatuses[sc.PostStatus] {
		return fmt.Errorf("%w: post status must be draft, publish or future, got %q", core.ErrConfiguration, sc.PostStatus)
	}
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	sched, err := s.Parse(sc.Cron, sc.Timezone)
	if err != nil {
		return err
	}
	sc.KeywordPool = compact(sc.KeywordPool)
	sc.NextRunAt = sched.Next(s.now()).UTC()

	if err := s.db.Schedules().Create(ctx, sc); err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	s.log.Info().Str("schedule_id", sc.ID).Str("cron", sc.Cron).Time("next_run_at", sc.NextRunAt).Msg("Schedule created")
	return nil
}

// RunDue expands every active schedule whose next run is at or before now
// and advances it to its next slot. It returns the number of jobs created.
// A schedule that fails to expand is logged and left for the next pass.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.db.Schedules().ListDue(ctx, now, dueBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	created := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		n, err := s.expand(ctx, &due[i], now)
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", due[i].ID).Msg("Failed to expand schedule")
			continue
		}
		created += n
	}
	if created > 0 {
		s.log.Info().Int("schedules", len(due)).Int("jobs", created).Msg("Expanded due schedules")
	}
	return created, nil
}

// expand writes post_count jobs for one slot and advances the schedule in a
// single transaction.
func (s *Scheduler) expand(ctx context.Context, sc *core.Schedule, now time.Time) (int, error) {
	sched, err := s.Parse(sc.Cron, sc.Timezone)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	slot, from := sc.NextRunAt, sc.NextRunAt
	jobs := make([]*core.PublishJob, 0, sc.PostCount)
	for i := 0; i < sc.PostCount; i++ {
		keywords, next := NextKeywordSet(sc.KeywordPool, sc.CurrentKeywordIndex, sc.UsedKeywordSets)
		sc.CurrentKeywordIndex = next
		sc.UsedKeywordSets = RecordKeywordSet(sc.UsedKeywordSets, keywords)

		jobs = append(jobs, &core.PublishJob{
			ScheduleID: sc.ID,
			UserID:     sc.UserID,
			SiteID:     sc.SiteID,
			ContractID: sc.ContractID,
			PlannedAt:  slot.Add(time.Duration(i) * sc.PerJobDelay),
			Keywords:   keywords,
			PostStatus: sc.PostStatus,
		})
	}

	ran := now.UTC()
	sc.LastRunAt = &ran
	sc.NextRunAt = sched.Next(now).UTC()

	// Claim the slot first. A pass holding a stale snapshot gets a conflict.
	if err := tx.Schedules().Advance(ctx, sc, from); err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			s.log.Debug().Str("schedule_id", sc.ID).Time("slot", from).Msg("Slot already expanded")
			return 0, nil
		}
		return 0, err
	}
	for _, job := range jobs {
		if err := tx.Jobs().Create(ctx, job); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schedule %s: %w", sc.ID, err)
	}
	return sc.PostCount, nil
}
