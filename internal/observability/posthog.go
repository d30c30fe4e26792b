package observability

import (
	"context"
	"fmt"

	"genpost/internal/config"
	"genpost/internal/core"

	"github.com/posthog/posthog-go"
)

// PostHogClient wraps the PostHog SDK for product analytics
type PostHogClient struct {
	client  posthog.Client
	enabled bool
}

// EventProperties contains properties for an event
type EventProperties map[string]interface{}

// NewPostHogClient creates a new PostHog analytics client. A disabled config
// yields a client whose methods are no-ops.
func NewPostHogClient(cfg config.PostHog) (*PostHogClient, error) {
	if !cfg.Enabled {
		return &PostHogClient{enabled: false}, nil
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: PostHog enabled but missing API key", core.ErrConfiguration)
	}

	client, err := posthog.NewWithConfig(cfg.APIKey, posthog.Config{
		Endpoint: cfg.Host,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create PostHog client: %w", err)
	}

	return &PostHogClient{
		client:  client,
		enabled: true,
	}, nil
}

// IsEnabled returns whether PostHog tracking is enabled
func (p *PostHogClient) IsEnabled() bool {
	return p != nil && p.enabled
}

// Capture sends an event to PostHog
func (p *PostHogClient) Capture(ctx context.Context, distinctID string, event string, properties EventProperties) error {
	if !p.IsEnabled() {
		return nil
	}

	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	return p.client.Enqueue(posthog.Capture{
		DistinctId: distinctID,
		Event:      event,
		Properties: props,
	})
}

// TrackGeneration forwards a generation event
func (p *PostHogClient) TrackGeneration(ctx context.Context, ev core.GenEvent) error {
	distinctID := ev.UserID
	if distinctID == "" {
		distinctID = "system"
	}
	return p.Capture(ctx, distinctID, string(ev.Type), eventProperties(ev))
}

// TrackLLMCall tracks LLM API calls for cost and performance monitoring
func (p *PostHogClient) TrackLLMCall(ctx context.Context, model string, calls, tokens int, cost float64) error {
	return p.Capture(ctx, "system", "llm_call", EventProperties{
		"model":  model,
		"calls":  calls,
		"tokens": tokens,
		"cost":   cost,
	})
}

// Shutdown flushes pending events and closes the client
func (p *PostHogClient) Shutdown(ctx context.Context) error {
	if !p.IsEnabled() {
		return nil
	}
	return p.client.Close()
}

func eventProperties(ev core.GenEvent) EventProperties {
	props := EventProperties{
		"rag_used":  ev.RAGUsed,
		"critiqued": ev.Critiqued,
	}
	set := func(k string, v any, ok bool) {
		if ok {
			props[k] = v
		}
	}
	set("site_id", ev.SiteID, ev.SiteID != "")
	set("topic", ev.Topic, ev.Topic != "")
	set("model", ev.Model, ev.Model != "")
	set("mode", string(ev.Mode), ev.Mode != "")
	set("bytes", ev.Bytes, ev.Bytes > 0)
	set("elapsed_ms", ev.ElapsedMS, ev.ElapsedMS > 0)
	set("error", ev.Error, ev.Error != "")
	for k, v := range ev.Metadata {
		props[k] = v
	}
	return props
}
