// Package ratelimit enforces a process-local token bucket per upstream
// collaborator service (TTS, Fusion), so a burst of claimed segments cannot
// overrun the upstream's own rate limits. Best-effort at cluster scale per
// SPEC_FULL.md — the upstream service is still expected to enforce its own
// limits.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Upstream names the two external collaborators the TTS and Fusion clients
// rate-limit independently.
type Upstream string

const (
	TTS    Upstream = "tts"
	Fusion Upstream = "fusion"
)

// Limiters holds one token bucket per upstream plus a shared "not before"
// deadline used to propagate an upstream 429/Retry-After across the pool.
type Limiters struct {
	mu         sync.Mutex
	buckets    map[Upstream]*rate.Limiter
	notBefore  map[Upstream]time.Time
}

// New constructs limiters from a requests-per-second figure per upstream.
// Burst is set to the ceiling of one second's worth of tokens so a cold
// start can use its full budget immediately.
func New(ttsPerSec, fusionPerSec float64) *Limiters {
	return &Limiters{
		buckets: map[Upstream]*rate.Limiter{
			TTS:    rate.NewLimiter(rate.Limit(ttsPerSec), burstFor(ttsPerSec)),
			Fusion: rate.NewLimiter(rate.Limit(fusionPerSec), burstFor(fusionPerSec)),
		},
		notBefore: map[Upstream]time.Time{},
	}
}

func burstFor(rps float64) int {
	b := int(rps + 0.999)
	if b < 1 {
		b = 1
	}
	return b
}

// Wait blocks until a token is available for the given upstream and any
// pool-wide backoff set by Throttle has elapsed, or ctx is cancelled.
func (l *Limiters) Wait(ctx context.Context, upstream Upstream) error {
	l.mu.Lock()
	until := l.notBefore[upstream]
	l.mu.Unlock()

	if d := time.Until(until); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return l.buckets[upstream].Wait(ctx)
}

// Throttle records that no caller should proceed against upstream until
// delay has elapsed, propagating an observed 429/Retry-After signal across
// every worker sharing this process's pool rather than just the caller
// that saw it.
func (l *Limiters) Throttle(upstream Upstream, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(delay)
	if until.After(l.notBefore[upstream]) {
		l.notBefore[upstream] = until
	}
}
