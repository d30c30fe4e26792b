// Package persistence provides database abstraction interfaces for contracts,
// generation audit, duplicate corpus, bandit state and scheduler state
package persistence

import (
	"context"
	"errors"
	"time"

	"genpost/internal/core"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrLockHeld is returned when another worker holds a live job lock
	ErrLockHeld = errors.New("job lock held by another worker")

	// ErrLockLost is returned when a worker's lock expired or was swept
	ErrLockLost = errors.New("job lock lost")

	// ErrVersionConflict is returned when an optimistic update lost a race
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned when a job is not in the expected state
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ContractRepository handles message contract documents
type ContractRepository interface {
	// Create inserts a new contract
	Create(ctx context.Context, c *core.StoredContract) error

	// Get retrieves a contract by ID
	Get(ctx context.Context, id string) (*core.StoredContract, error)

	// ListByUser retrieves a user's contracts, newest first
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]core.StoredContract, error)
}

// AuditRepository handles append-only generation audit rows
type AuditRepository interface {
	// Create inserts an audit row
	Create(ctx context.Context, audit *core.GenerationAudit) error

	// ListRecent retrieves a user's most recent audit rows
	ListRecent(ctx context.Context, userID string, limit int) ([]core.GenerationAudit, error)
}

// ArticleRepository handles the published article corpus used for duplicate detection
type ArticleRepository interface {
	// Create inserts a published article with its SimHash fingerprint
	Create(ctx context.Context, rec *core.DuplicateRecord) error

	// RecentTitles retrieves a user's most recent titles, newest first
	RecentTitles(ctx context.Context, userID string, limit int) ([]string, error)

	// FingerprintsSince retrieves a site's fingerprints created after since
	FingerprintsSince(ctx context.Context, siteID string, since time.Time) ([]core.Fingerprint, error)
}

// EmbeddingRepository handles cached title embeddings
type EmbeddingRepository interface {
	// Create inserts an embedding
	Create(ctx context.Context, rec *core.EmbeddingRecord) error

	// Recent retrieves a user's most recent embeddings, newest first
	Recent(ctx context.Context, userID string, limit int) ([]core.EmbeddingRecord, error)
}

// BanditRepository handles versioned bandit snapshots and their event logs
type BanditRepository interface {
	// Get retrieves the snapshot for (site, type)
	Get(ctx context.Context, siteID, banditType string) (*core.BanditRecord, error)

	// Create inserts the first snapshot; ErrVersionConflict if one exists
	Create(ctx context.Context, rec *core.BanditRecord) error

	// CompareAndSwap writes state only if the stored version equals expected
	CompareAndSwap(ctx context.Context, siteID, banditType string, expected int64, state []byte) error

	// LogSelection records a pick
	LogSelection(ctx context.Context, siteID, banditType, choice string) error

	// LogFeedback records a reward
	LogFeedback(ctx context.Context, siteID, banditType, choice string, reward float64) error
}

// ScheduleRepository handles publishing schedules
type ScheduleRepository interface {
	// Create inserts a schedule
	Create(ctx context.Context, s *core.Schedule) error

	// Get retrieves a schedule by ID
	Get(ctx context.Context, id string) (*core.Schedule, error)

	// ListDue retrieves active schedules whose next run is at or before now
	ListDue(ctx context.Context, now time.Time, limit int) ([]core.Schedule, error)

	// Update writes rotation state and next run time
	Update(ctx context.Context, s *core.Schedule) error

	// Advance is Update guarded by the next run time the caller read. It
	// returns ErrVersionConflict when the schedule has already moved on.
	Advance(ctx context.Context, s *core.Schedule, from time.Time) error
}

// JobRepository handles publish jobs
type JobRepository interface {
	// Create inserts a job
	Create(ctx context.Context, job *core.PublishJob) error

	// Get retrieves a job by ID
	Get(ctx context.Context, id string) (*core.PublishJob, error)

	// ListPending retrieves pending jobs planned at or before now, oldest first
	ListPending(ctx context.Context, now time.Time, limit int) ([]core.PublishJob, error)

	// ListByState retrieves jobs in a state, most recently updated first
	ListByState(ctx context.Context, state core.JobState, limit int) ([]core.PublishJob, error)

	// MarkRunning moves a pending job to running if workerID holds its live lock
	MarkRunning(ctx context.Context, id, workerID string, now time.Time) error

	// Finish writes a terminal state (done or failed) for a running job
	Finish(ctx context.Context, job *core.PublishJob) error

	// Requeue resets a failed job to pending
	Requeue(ctx context.Context, id string, now time.Time) error

	// ResetOrphaned resets running jobs without a live lock to pending
	ResetOrphaned(ctx context.Context, now time.Time) (int64, error)

	// Stats counts jobs per state
	Stats(ctx context.Context) (core.JobStats, error)
}

// LockRepository handles advisory, expiring job locks
type LockRepository interface {
	// Acquire claims a job; ErrLockHeld if a live lock exists
	Acquire(ctx context.Context, jobID, workerID string, ttl time.Duration, now time.Time) error

	// Extend pushes a live lock held by workerID to now+ttl; ErrLockLost if
	// the lock expired or belongs to someone else
	Extend(ctx context.Context, jobID, workerID string, ttl time.Duration, now time.Time) error

	// Release drops the lock if held by workerID
	Release(ctx context.Context, jobID, workerID string) error

	// SweepExpired deletes locks that expired at or before now
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// DLQRepository handles dead-letter entries
type DLQRepository interface {
	// Create inserts a dead-letter entry
	Create(ctx context.Context, entry *core.DLQEntry) error

	// List retrieves entries, newest first
	List(ctx context.Context, opts ListOptions) ([]core.DLQEntry, error)
}

// EventRepository handles telemetry events
type EventRepository interface {
	// Create inserts an event
	Create(ctx context.Context, event *core.GenEvent) error

	// Summary aggregates a user's events created after since
	Summary(ctx context.Context, userID string, since time.Time) (core.MetricsSummary, error)
}

// RAGRepository handles retrieval documents
type RAGRepository interface {
	// Create inserts a document
	Create(ctx context.Context, doc *core.RAGDoc) error

	// ListBySite retrieves a site's documents
	ListBySite(ctx context.Context, siteID string) ([]core.RAGDoc, error)
}

// UserSettingsRepository handles per-user configuration records
type UserSettingsRepository interface {
	// Get retrieves a user's settings
	Get(ctx context.Context, userID string) (*core.UserSettings, error)

	// Upsert creates or replaces a user's settings
	Upsert(ctx context.Context, s *core.UserSettings) error
}

// RateCounter is an expiring counter with atomic increment-and-check
type RateCounter interface {
	// Hit increments key's counter for the current window and reports whether
	// the count is within limit
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (count int, allowed bool, err error)
}

// ListOptions provides common pagination options
type ListOptions struct {
	Limit  int    // Maximum number of results (0 for no limit)
	Offset int    // Number of results to skip
	UserID string // Optional owner filter
}

// Database represents the main database interface that aggregates all repositories
type Database interface {
	Contracts() ContractRepository
	Audits() AuditRepository
	Articles() ArticleRepository
	Embeddings() EmbeddingRepository
	Bandits() BanditRepository
	Schedules() ScheduleRepository
	Jobs() JobRepository
	Locks() LockRepository
	DLQ() DLQRepository
	Events() EventRepository
	RAGDocs() RAGRepository
	UserSettings() UserSettingsRepository
	RateCounters() RateCounter

	// Close closes the database connection
	Close() error

	// Ping verifies the database connection
	Ping(ctx context.Context) error

	// BeginTx starts a new transaction
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction scopes the scheduler repositories to one database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Schedules returns the schedule repository within this transaction
	Schedules() ScheduleRepository

	// Jobs returns the job repository within this transaction
	Jobs() JobRepository
}
