package persistence

import (
	"context"
	"fmt"
	"time"

	"genpost/internal/core"

	"github.com/google/uuid"
)

type dlqRepo struct{ repo }

func (r *dlqRepo) Create(ctx context.Context, e *core.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = utc(e.CreatedAt)
	e.LastAttemptAt = utc(e.LastAttemptAt)
	payload, err := toJSON(e.Context, "{}")
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO gen_dlq (id, user_id, site_id, topic, context, attempts, created_at, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.SiteID, e.Topic, payload, e.Attempts, e.CreatedAt, e.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (r *dlqRepo) List(ctx context.Context, opts ListOptions) ([]core.DLQEntry, error) {
	query := `SELECT id, user_id, site_id, topic, context, attempts, created_at, last_attempt_at FROM gen_dlq`
	args := []any{}
	if opts.UserID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, opts.UserID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOr(opts.Limit, 100), opts.Offset)

	rows, err := r.rows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.DLQEntry
	for rows.Next() {
		var e core.DLQEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.UserID, &e.SiteID, &e.Topic, &payload, &e.Attempts, &e.CreatedAt, &e.LastAttemptAt); err != nil {
			return nil, err
		}
		if err := fromJSON(payload, &e.Context); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type eventRepo struct{ repo }

func (r *eventRepo) Create(ctx context.Context, ev *core.GenEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = utc(ev.CreatedAt)
	meta, err := toJSON(ev.Metadata, "{}")
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO gen_events (
			id, event_type, user_id, site_id, topic, model, mode, bytes, elapsed_ms,
			rag_used, critiqued, error_message, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Type), ev.UserID, ev.SiteID, ev.Topic, ev.Model, string(ev.Mode), ev.Bytes, ev.ElapsedMS,
		ev.RAGUsed, ev.Critiqued, ev.Error, meta, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Summary computes rates over generation.success and generation.fail events;
// every terminal generation emits exactly one of them.
func (r *eventRepo) Summary(ctx context.Context, userID string, since time.Time) (core.MetricsSummary, error) {
	var sum core.MetricsSummary
	rows, err := r.rows(ctx, `
		SELECT event_type, elapsed_ms, rag_used, critiqued FROM gen_events
		WHERE user_id = ? AND created_at > ? AND event_type IN (?, ?, ?)
	`, userID, since.UTC(), string(core.EventGenerationSuccess), string(core.EventGenerationFail), string(core.EventDuplicateRejected))
	if err != nil {
		return sum, err
	}
	defer rows.Close()

	var success, ragUsed, critiqued int
	var elapsed int64
	for rows.Next() {
		var eventType string
		var ms int64
		var rag, crit bool
		if err := rows.Scan(&eventType, &ms, &rag, &crit); err != nil {
			return sum, err
		}
		switch core.EventType(eventType) {
		case core.EventDuplicateRejected:
			sum.DuplicateRejected++
			continue
		case core.EventGenerationSuccess:
			success++
			elapsed += ms
			if rag {
				ragUsed++
			}
			if crit {
				critiqued++
			}
		}
		sum.TotalGenerations++
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}

	if sum.TotalGenerations > 0 {
		sum.SuccessRate = float64(success) / float64(sum.TotalGenerations)
	}
	if success > 0 {
		sum.AvgElapsedMS = float64(elapsed) / float64(success)
		sum.RAGUsageRate = float64(ragUsed) / float64(success)
		sum.CritiqueUsageRate = float64(critiqued) / float64(success)
	}
	return sum, nil
}

type rateCounterRepo struct{ repo }

// Hit atomically increments key, restarting the window once it has expired.
func (r *rateCounterRepo) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (int, bool, error) {
	now = now.UTC()
	expires := now.Add(window)

	var hits int
	err := r.row(ctx, `
		INSERT INTO rate_counters (counter_key, hits, expires_at)
		VALUES (?, 1, ?)
		ON CONFLICT (counter_key) DO UPDATE SET
			hits = CASE WHEN rate_counters.expires_at <= ? THEN 1 ELSE rate_counters.hits + 1 END,
			expires_at = CASE WHEN rate_counters.expires_at <= ? THEN ? ELSE rate_counters.expires_at END
		RETURNING hits
	`, key, expires, now, now, expires).Scan(&hits)
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment rate counter %s: %w", key, err)
	}
	return hits, limit <= 0 || hits <= limit, nil
}
