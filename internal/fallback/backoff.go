package fallback

import (
	"context"
	"math/rand/v2"
	"time"

	"genpost/internal/llm"
)

// linearBackOff waits base*attempt plus up to jitter before each retry.
type linearBackOff struct {
	base    time.Duration
	jitter  time.Duration
	attempt int
}

func newLinearBackOff(base, jitter time.Duration) *linearBackOff {
	return &linearBackOff{base: base, jitter: jitter}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.base * time.Duration(b.attempt)
	if b.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.jitter)))
	}
	return d
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// timeoutCompleter bounds every provider call. An expired call surfaces as
// context.DeadlineExceeded, which counts as transient.
type timeoutCompleter struct {
	next    llm.Completer
	timeout time.Duration
}

func (t timeoutCompleter) Complete(ctx context.Context, system, user string, opts llm.Options) (string, error) {
	if t.timeout <= 0 {
		return t.next.Complete(ctx, system, user, opts)
	}
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Complete(callCtx, system, user, opts)
}
