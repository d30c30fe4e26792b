package core

import (
	"errors"
	"time"
)

// ErrConfiguration marks caller-level errors (invalid contract, unknown bandit
// choice, missing provider settings). They are never retried.
var ErrConfiguration = errors.New("configuration error")

// GenerationMode identifies which fallback stage produced an article.
type GenerationMode string

const (
	ModeNormal GenerationMode = "normal"
	ModeShort  GenerationMode = "short"
	ModeBackup GenerationMode = "backup"
	ModeFailed GenerationMode = "failed"
)

// JobState is the lifecycle state of a PublishJob.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// ScheduleStatus is whether a schedule is expanded by the scheduler.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// GenerationAudit is one append-only row per terminal generation outcome.
type GenerationAudit struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	SiteID      string         `json:"site_id,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	ContractRef string         `json:"contract_ref"` // contract_id@version or headline hash
	Model       string         `json:"model"`
	Mode        GenerationMode `json:"mode"`
	ElapsedMS   int64          `json:"elapsed_ms"`
	Score       int            `json:"score"`
	Retries     int            `json:"retries"`
	CostUSD     float64        `json:"cost_usd"`
	PromptHash  string         `json:"prompt_hash,omitempty"`
	Chars       int            `json:"chars"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DuplicateRecord is written once per published article and read by later
// duplicate checks.
type DuplicateRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SiteID    string    `json:"site_id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Key       string    `json:"key"` // "{title} | {primary_keyword}"
	Content   string    `json:"content,omitempty"`
	Embedding []float64 `json:"embedding,omitempty"`
	SimHash   uint64    `json:"simhash"`
	CreatedAt time.Time `json:"created_at"`
}

// EmbeddingRecord is a cached embedding of an article key.
type EmbeddingRecord struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Key    string    `json:"key"`
	Title  string    `json:"title"`
	Vector []float64 `json:"vector"`
}

// Fingerprint is a stored SimHash of a generated article body.
type Fingerprint struct {
	SiteID    string    `json:"site_id"`
	Title     string    `json:"title"`
	SimHash   uint64    `json:"simhash"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredContract is a persisted message contract document.
type StoredContract struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Body      []byte    `json:"body"` // contract document, YAML or JSON
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule is a cron specification with a keyword pool that expands into jobs.
type Schedule struct {
	ID                  string         `json:"id"`
	UserID              string         `json:"user_id"`
	SiteID              string         `json:"site_id"`
	ContractID          string         `json:"contract_id"`
	Cron                string         `json:"cron"`
	Timezone            string         `json:"timezone"`
	KeywordPool         []string       `json:"keyword_pool"`
	PostCount           int            `json:"post_count"`
	PerJobDelay         time.Duration  `json:"per_job_delay"`
	PostStatus          string         `json:"post_status"` // draft, publish, future
	CategorySlug        string         `json:"category_slug,omitempty"`
	Status              ScheduleStatus `json:"status"`
	CurrentKeywordIndex int            `json:"current_keyword_index"`
	UsedKeywordSets     [][]string     `json:"used_keyword_sets"`
	NextRunAt           time.Time      `json:"next_run_at"`
	LastRunAt           *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// PublishJob is one planned article generation and publish.
type PublishJob struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"schedule_id,omitempty"`
	UserID       string     `json:"user_id"`
	SiteID       string     `json:"site_id"`
	ContractID   string     `json:"contract_id,omitempty"`
	PlannedAt    time.Time  `json:"planned_at"`
	State        JobState   `json:"state"`
	Keywords     []string   `json:"keywords"`
	PostStatus   string     `json:"post_status"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error,omitempty"`
	ArticleTitle string     `json:"article_title,omitempty"`
	PostID       string     `json:"post_id,omitempty"`
	PostURL      string     `json:"post_url,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobLock is an advisory, expiring claim of a job by a worker.
type JobLock struct {
	JobID     string    `json:"job_id"`
	WorkerID  string    `json:"worker_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JobStats counts jobs per state.
type JobStats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// DLQEntry records a generation that exhausted every fallback stage.
type DLQEntry struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	SiteID        string         `json:"site_id,omitempty"`
	Topic         string         `json:"topic"`
	Context       map[string]any `json:"context"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"created_at"`
	LastAttemptAt time.Time      `json:"last_attempt_at"`
}

// EventType names a telemetry event.
type EventType string

const (
	EventGenerationStart   EventType = "generation.start"
	EventGenerationSuccess EventType = "generation.success"
	EventGenerationFail    EventType = "generation.fail"
	EventCritiqueApplied   EventType = "critique.applied"
	EventCriticParseFailed EventType = "critic.parse_failed"
	EventCriticLowScore    EventType = "critic.low_score"
	EventPostPublished     EventType = "post.published"
	EventDuplicateRejected EventType = "duplicate.rejected"
	EventRAGSearch         EventType = "rag.search"
)

// GenEvent is an append-only telemetry record.
type GenEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id"`
	SiteID    string         `json:"site_id,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	Model     string         `json:"model,omitempty"`
	Mode      GenerationMode `json:"mode,omitempty"`
	Bytes     int            `json:"bytes,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
	RAGUsed   bool           `json:"rag_used"`
	Critiqued bool           `json:"critiqued"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MetricsSummary aggregates generation events over a period.
type MetricsSummary struct {
	TotalGenerations  int     `json:"total_generations"`
	SuccessRate       float64 `json:"success_rate"`
	AvgElapsedMS      float64 `json:"avg_elapsed_ms"`
	RAGUsageRate      float64 `json:"rag_usage_rate"`
	CritiqueUsageRate float64 `json:"critique_usage_rate"`
	DuplicateRejected int     `json:"duplicate_rejected"`
}

// BanditRecord is the persisted snapshot of a bandit for (site, type).
type BanditRecord struct {
	SiteID    string    `json:"site_id"`
	Type      string    `json:"type"`
	State     []byte    `json:"state"` // serialized UCB1 state
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserSettings is the per-user configuration record.
type UserSettings struct {
	UserID       string    `json:"user_id"`
	PackVersion  string    `json:"pack_version,omitempty"`
	DefaultModel string    `json:"default_model,omitempty"`
	UseCritique  bool      `json:"use_critique"`
	UseRAG       bool      `json:"use_rag"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RAGDoc is a site document used as retrieved context.
type RAGDoc struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
