// Package ratelimit provides the token bucket shared by engine submissions
// and LLM provider calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket.
// A nil limiter, or one built with a non-positive rate, never throttles.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// New allows bursts of up to burst calls (default 5) and
// refills at ratePerMinute. ratePerMinute <= 0 returns nil.
func New(burst int, ratePerMinute float64) *RateLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{
		tokens:   float64(burst),
		max:      float64(burst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

func (rl *RateLimiter) refill(now time.Time) {
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.max {
		rl.tokens = rl.max
	}
	rl.lastTime = now
}

// Allow takes a token if one is available without waiting.
func (rl *RateLimiter) Allow() bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(time.Now())
	if rl.tokens >= 1.0 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	for {
		rl.mu.Lock()
		rl.refill(time.Now())
		if rl.tokens >= 1.0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1.0 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
