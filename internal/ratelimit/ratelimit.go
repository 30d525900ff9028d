// Package ratelimit provides the pacing policies adapters apply before each
// outbound request, and a per-client limiter for the inbound HTTP API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy delays the caller until another request may be sent.
type Policy interface {
	Wait(ctx context.Context) error
}

// None never delays.
type None struct{}

func (None) Wait(ctx context.Context) error { return ctx.Err() }

// FixedDelay spaces consecutive requests at least Interval apart.
type FixedDelay struct {
	Interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewFixedDelay returns a policy that admits one request per interval.
func NewFixedDelay(interval time.Duration) *FixedDelay {
	return &FixedDelay{Interval: interval}
}

func (f *FixedDelay) Wait(ctx context.Context) error {
	f.mu.Lock()
	now := time.Now()
	wait := f.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	f.next = now.Add(wait + f.Interval)
	f.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TokenBucket wraps a golang.org/x/time/rate limiter.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket admits perSecond requests per second with the given burst.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// PerWindow builds a token bucket from a documented "n requests per window"
// ceiling.
func PerWindow(n int, window time.Duration, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Every(window/time.Duration(n)), max(burst, 1))}
}

func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
