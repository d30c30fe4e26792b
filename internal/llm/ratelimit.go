package llm

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const embeddingKey = "_embeddings"

// RateLimited throttles a provider per model. Each model gets its own
// token bucket refilled at rpm requests per minute.
type RateLimited struct {
	next Provider
	rpm  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimited wraps p. A non-positive rpm disables limiting.
func NewRateLimited(p Provider, rpm int) *RateLimited {
	return &RateLimited{next: p, rpm: rpm, limiters: map[string]*rate.Limiter{}}
}

// Name reports the wrapped provider's name.
func (r *RateLimited) Name() string { return r.next.Name() }

// Complete waits for the model's limiter then delegates.
func (r *RateLimited) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	if err := r.wait(ctx, opts.Model); err != nil {
		return "", &ProviderError{Provider: r.Name(), Model: opts.Model, Transient: true, Err: err}
	}
	return r.next.Complete(ctx, system, user, opts)
}

// Embed waits for the embedding limiter then delegates.
func (r *RateLimited) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := r.wait(ctx, embeddingKey); err != nil {
		return nil, &ProviderError{Provider: r.Name(), Model: embeddingKey, Transient: true, Err: err}
	}
	return r.next.Embed(ctx, text)
}

func (r *RateLimited) wait(ctx context.Context, key string) error {
	if r.rpm <= 0 {
		return nil
	}
	return r.limiter(key).Wait(ctx)
}

func (r *RateLimited) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[key]
	if !ok {
		burst := r.rpm / 10
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), burst)
		r.limiters[key] = lim
	}
	return lim
}
