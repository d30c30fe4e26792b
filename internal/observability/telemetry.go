// Package observability records generation telemetry in the event store and
// forwards it to PostHog.
package observability

import (
	"context"
	"time"

	"genpost/internal/core"
	"genpost/internal/llm"
	"genpost/internal/logger"
	"genpost/internal/persistence"

	"github.com/rs/zerolog"
)

// Telemetry is the event sink shared by the engine, the fallback cascade
// and the worker. Failures to record are logged and swallowed.
type Telemetry struct {
	events  persistence.EventRepository
	posthog *PostHogClient
	log     zerolog.Logger
}

// NewTelemetry creates a sink. Either destination may be nil.
func NewTelemetry(events persistence.EventRepository, ph *PostHogClient) *Telemetry {
	return &Telemetry{
		events:  events,
		posthog: ph,
		log:     logger.Component("telemetry"),
	}
}

// Record stores and forwards ev.
func (t *Telemetry) Record(ctx context.Context, ev core.GenEvent) {
	if t == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Error = llm.Redact(ev.Error)

	t.log.Debug().
		Str("event", string(ev.Type)).
		Str("user_id", ev.UserID).
		Str("mode", string(ev.Mode)).
		Int64("elapsed_ms", ev.ElapsedMS).
		Msg("Telemetry event")

	if t.events != nil {
		if err := t.events.Create(ctx, &ev); err != nil {
			t.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to store telemetry event")
		}
	}
	if err := t.posthog.TrackGeneration(ctx, ev); err != nil {
		t.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to forward telemetry event")
	}
}

// Summary aggregates a user's events over the trailing period.
func (t *Telemetry) Summary(ctx context.Context, userID string, period time.Duration) (core.MetricsSummary, error) {
	return t.events.Summary(ctx, userID, time.Now().UTC().Add(-period))
}

// Shutdown flushes PostHog.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.posthog.Shutdown(ctx)
}
