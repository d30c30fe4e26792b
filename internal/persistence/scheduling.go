package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"genpost/internal/core"

	"github.com/google/uuid"
)

type scheduleRepo struct{ repo }

const scheduleColumns = `id, user_id, site_id, contract_id, cron, timezone, keyword_pool, post_count,
	per_job_delay_ms, post_status, category_slug, status, current_keyword_index,
	used_keyword_sets, next_run_at, last_run_at, created_at, updated_at`

func (r *scheduleRepo) Create(ctx context.Context, s *core.Schedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = core.ScheduleActive
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	s.NextRunAt = utc(s.NextRunAt)

	pool, err := toJSON(s.KeywordPool, "[]")
	if err != nil {
		return err
	}
	used, err := toJSON(s.UsedKeywordSets, "[]")
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.SiteID, s.ContractID, s.Cron, s.Timezone, pool, s.PostCount,
		s.PerJobDelay.Milliseconds(), s.PostStatus, s.CategorySlug, string(s.Status), s.CurrentKeywordIndex,
		used, s.NextRunAt, nullTime(s.LastRunAt), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (r *scheduleRepo) Get(ctx context.Context, id string) (*core.Schedule, error) {
	s, err := scanSchedule(r.row(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (r *scheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]core.Schedule, error) {
	rows, err := r.rows(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`, string(core.ScheduleActive), now.UTC(), limitOr(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *scheduleRepo) Update(ctx context.Context, s *core.Schedule) error {
	used, err := toJSON(s.UsedKeywordSets, "[]")
	if err != nil {
		return err
	}
	pool, err := toJSON(s.KeywordPool, "[]")
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()

	res, err := r.exec(ctx, `
		UPDATE schedules SET
			keyword_pool = ?, status = ?, current_keyword_index = ?, used_keyword_sets = ?,
			next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?
	`, pool, string(s.Status), s.CurrentKeywordIndex, used,
		s.NextRunAt.UTC(), nullTime(s.LastRunAt), s.UpdatedAt, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", s.ID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepo) Advance(ctx context.Context, s *core.Schedule, from time.Time) error {
	used, err := toJSON(s.UsedKeywordSets, "[]")
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()

	res, err := r.exec(ctx, `
		UPDATE schedules SET
			current_keyword_index = ?, used_keyword_sets = ?,
			next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND next_run_at = ?
	`, s.CurrentKeywordIndex, used, s.NextRunAt.UTC(), nullTime(s.LastRunAt), s.UpdatedAt,
		s.ID, string(core.ScheduleActive), from.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance schedule %s: %w", s.ID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*core.Schedule, error) {
	var s core.Schedule
	var pool, used, status string
	var delayMS int64
	var lastRun sql.NullTime
	err := row.Scan(&s.ID, &s.UserID, &s.SiteID, &s.ContractID, &s.Cron, &s.Timezone, &pool, &s.PostCount,
		&delayMS, &s.PostStatus, &s.CategorySlug, &status, &s.CurrentKeywordIndex,
		&used, &s.NextRunAt, &lastRun, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(pool, &s.KeywordPool); err != nil {
		return nil, err
	}
	if err := fromJSON(used, &s.UsedKeywordSets); err != nil {
		return nil, err
	}
	s.Status = core.ScheduleStatus(status)
	s.PerJobDelay = time.Duration(delayMS) * time.Millisecond
	s.NextRunAt = s.NextRunAt.UTC()
	s.LastRunAt = timePtr(lastRun)
	return &s, nil
}

type jobRepo struct{ repo }

const jobColumns = `id, schedule_id, user_id, site_id, contract_id, planned_at, state, keywords,
	post_status, attempts, error, article_title, post_id, post_url, started_at, finished_at,
	created_at, updated_at`

func (r *jobRepo) Create(ctx context.Context, job *core.PublishJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = core.JobPending
	}
	if job.PostStatus == "" {
		job.PostStatus = "draft"
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	job.PlannedAt = utc(job.PlannedAt)

	keywords, err := toJSON(job.Keywords, "[]")
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.ScheduleID, job.UserID, job.SiteID, job.ContractID, job.PlannedAt, string(job.State), keywords,
		job.PostStatus, job.Attempts, job.Error, job.ArticleTitle, job.PostID, job.PostURL,
		nullTime(job.StartedAt), nullTime(job.FinishedAt), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id string) (*core.PublishJob, error) {
	job, err := scanJob(r.row(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return job, nil
}

func (r *jobRepo) ListPending(ctx context.Context, now time.Time, limit int) ([]core.PublishJob, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND planned_at <= ?
		ORDER BY planned_at ASC
		LIMIT ?
	`, string(core.JobPending), now.UTC(), limitOr(limit, 10))
}

// ListByState retrieves jobs in a state, most recently updated first
func (r *jobRepo) ListByState(ctx context.Context, state core.JobState, limit int) ([]core.PublishJob, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, string(state), limitOr(limit, 50))
}

func (r *jobRepo) list(ctx context.Context, query string, args ...any) ([]core.PublishJob, error) {
	rows, err := r.rows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.PublishJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (r *jobRepo) MarkRunning(ctx context.Context, id, workerID string, now time.Time) error {
	now = now.UTC()
	res, err := r.exec(ctx, `
		UPDATE jobs SET state = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
		  AND EXISTS (
			SELECT 1 FROM job_locks
			WHERE job_locks.job_id = jobs.id AND job_locks.worker_id = ? AND job_locks.expires_at > ?
		  )
	`, string(core.JobRunning), now, now, id, string(core.JobPending), workerID, now)
	if err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", id, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *jobRepo) Finish(ctx context.Context, job *core.PublishJob) error {
	if job.State != core.JobDone && job.State != core.JobFailed {
		return fmt.Errorf("%w: finish requires done or failed, got %s", ErrInvalidTransition, job.State)
	}
	now := time.Now().UTC()
	job.UpdatedAt = now
	if job.FinishedAt == nil {
		job.FinishedAt = &now
	}

	res, err := r.exec(ctx, `
		UPDATE jobs SET state = ?, error = ?, article_title = ?, post_id = ?, post_url = ?,
			finished_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(job.State), job.Error, job.ArticleTitle, job.PostID, job.PostURL,
		nullTime(job.FinishedAt), job.UpdatedAt, job.ID, string(core.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", job.ID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *jobRepo) Requeue(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	res, err := r.exec(ctx, `
		UPDATE jobs SET state = ?, error = '', planned_at = ?, started_at = NULL, finished_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(core.JobPending), now, now, id, string(core.JobFailed))
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *jobRepo) ResetOrphaned(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res, err := r.exec(ctx, `
		UPDATE jobs SET state = ?, updated_at = ?
		WHERE state = ?
		  AND NOT EXISTS (
			SELECT 1 FROM job_locks
			WHERE job_locks.job_id = jobs.id AND job_locks.expires_at > ?
		  )
	`, string(core.JobPending), now, string(core.JobRunning), now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset orphaned jobs: %w", err)
	}
	return affected(res)
}

func (r *jobRepo) Stats(ctx context.Context) (core.JobStats, error) {
	var stats core.JobStats
	rows, err := r.rows(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, err
		}
		switch core.JobState(state) {
		case core.JobPending:
			stats.Pending = count
		case core.JobRunning:
			stats.Running = count
		case core.JobDone:
			stats.Done = count
		case core.JobFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func scanJob(row rowScanner) (*core.PublishJob, error) {
	var job core.PublishJob
	var state, keywords string
	var started, finished sql.NullTime
	err := row.Scan(&job.ID, &job.ScheduleID, &job.UserID, &job.SiteID, &job.ContractID, &job.PlannedAt, &state, &keywords,
		&job.PostStatus, &job.Attempts, &job.Error, &job.ArticleTitle, &job.PostID, &job.PostURL, &started, &finished,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(keywords, &job.Keywords); err != nil {
		return nil, err
	}
	job.State = core.JobState(state)
	job.PlannedAt = job.PlannedAt.UTC()
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	return &job, nil
}

type lockRepo struct{ repo }

// Acquire drops an expired lock for the job, then inserts a new one.
// A conflicting insert means a live lock is held elsewhere.
func (r *lockRepo) Acquire(ctx context.Context, jobID, workerID string, ttl time.Duration, now time.Time) error {
	now = now.UTC()
	if _, err := r.exec(ctx, `DELETE FROM job_locks WHERE job_id = ? AND expires_at <= ?`, jobID, now); err != nil {
		return fmt.Errorf("failed to clear expired lock for %s: %w", jobID, err)
	}

	res, err := r.exec(ctx, `
		INSERT INTO job_locks (job_id, worker_id, locked_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, workerID, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to acquire lock for %s: %w", jobID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

func (r *lockRepo) Extend(ctx context.Context, jobID, workerID string, ttl time.Duration, now time.Time) error {
	now = now.UTC()
	res, err := r.exec(ctx, `
		UPDATE job_locks SET expires_at = ?
		WHERE job_id = ? AND worker_id = ? AND expires_at > ?
	`, now.Add(ttl), jobID, workerID, now)
	if err != nil {
		return fmt.Errorf("failed to extend lock for %s: %w", jobID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (r *lockRepo) Release(ctx context.Context, jobID, workerID string) error {
	_, err := r.exec(ctx, `DELETE FROM job_locks WHERE job_id = ? AND worker_id = ?`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", jobID, err)
	}
	return nil
}

func (r *lockRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.exec(ctx, `DELETE FROM job_locks WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired locks: %w", err)
	}
	return affected(res)
}
