package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects the SQL flavour of a connection
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Open connects to the database named by driver ("sqlite3" or "postgres")
func Open(driver, dsn string) (*SQLDB, error) {
	switch Dialect(driver) {
	case DialectSQLite, "sqlite":
		return NewSQLiteDB(dsn)
	case DialectPostgres, "postgresql":
		return NewPostgresDB(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (use sqlite3 or postgres)", driver)
	}
}

// SQLDB implements the Database interface over database/sql for both dialects
type SQLDB struct {
	db      *sql.DB
	dialect Dialect

	contracts    ContractRepository
	audits       AuditRepository
	articles     ArticleRepository
	embeddings   EmbeddingRepository
	bandits      BanditRepository
	schedules    ScheduleRepository
	jobs         JobRepository
	locks        LockRepository
	dlq          DLQRepository
	events       EventRepository
	ragDocs      RAGRepository
	userSettings UserSettingsRepository
	rateCounters RateCounter
}

func newSQLDB(db *sql.DB, dialect Dialect) *SQLDB {
	base := repo{db: db, dialect: dialect}
	return &SQLDB{
		db:           db,
		dialect:      dialect,
		contracts:    &contractRepo{base},
		audits:       &auditRepo{base},
		articles:     &articleRepo{base},
		embeddings:   &embeddingRepo{base},
		bandits:      &banditRepo{base},
		schedules:    &scheduleRepo{base},
		jobs:         &jobRepo{base},
		locks:        &lockRepo{base},
		dlq:          &dlqRepo{base},
		events:       &eventRepo{base},
		ragDocs:      &ragRepo{base},
		userSettings: &userSettingsRepo{base},
		rateCounters: &rateCounterRepo{base},
	}
}

func (s *SQLDB) Contracts() ContractRepository        { return s.contracts }
func (s *SQLDB) Audits() AuditRepository              { return s.audits }
func (s *SQLDB) Articles() ArticleRepository          { return s.articles }
func (s *SQLDB) Embeddings() EmbeddingRepository      { return s.embeddings }
func (s *SQLDB) Bandits() BanditRepository            { return s.bandits }
func (s *SQLDB) Schedules() ScheduleRepository        { return s.schedules }
func (s *SQLDB) Jobs() JobRepository                  { return s.jobs }
func (s *SQLDB) Locks() LockRepository                { return s.locks }
func (s *SQLDB) DLQ() DLQRepository                   { return s.dlq }
func (s *SQLDB) Events() EventRepository              { return s.events }
func (s *SQLDB) RAGDocs() RAGRepository               { return s.ragDocs }
func (s *SQLDB) UserSettings() UserSettingsRepository { return s.userSettings }
func (s *SQLDB) RateCounters() RateCounter            { return s.rateCounters }

// Dialect reports which SQL flavour this connection speaks
func (s *SQLDB) Dialect() Dialect { return s.dialect }

func (s *SQLDB) Close() error {
	return s.db.Close()
}

func (s *SQLDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLDB) BeginTx(ctx context.Context) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	base := repo{db: s.db, tx: tx, dialect: s.dialect}
	return &sqlTx{
		tx:        tx,
		schedules: &scheduleRepo{base},
		jobs:      &jobRepo{base},
	}, nil
}

// sqlTx implements Transaction interface
type sqlTx struct {
	tx        *sql.Tx
	schedules ScheduleRepository
	jobs      JobRepository
}

func (t *sqlTx) Commit() error                 { return t.tx.Commit() }
func (t *sqlTx) Rollback() error               { return t.tx.Rollback() }
func (t *sqlTx) Schedules() ScheduleRepository { return t.schedules }
func (t *sqlTx) Jobs() JobRepository           { return t.jobs }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// repo is embedded by every repository; queries are written with ? placeholders
type repo struct {
	db      *sql.DB
	tx      *sql.Tx
	dialect Dialect
}

func (r repo) query() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func (r repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.query().ExecContext(ctx, rebind(r.dialect, query), args...)
}

func (r repo) rows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.query().QueryContext(ctx, rebind(r.dialect, query), args...)
}

func (r repo) row(ctx context.Context, query string, args ...any) *sql.Row {
	return r.query().QueryRowContext(ctx, rebind(r.dialect, query), args...)
}

// rebind rewrites ? placeholders to $n for postgres
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func toJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func fromJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
