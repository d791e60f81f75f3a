package util

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter is a token bucket holding up to burst tokens that refill at a
// fixed per-minute rate. A nil limiter, or one built with perMinute <= 0,
// never blocks.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewRateLimiter returns a full bucket of burst tokens (at least one) that
// refills at perMinute tokens per minute.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		tokens: float64(burst),
		now:    time.Now,
	}
	rl.last = rl.now()
	return rl
}

// Allow takes a token if one is available without waiting.
func (rl *RateLimiter) Allow() bool {
	return rl.reserve() == 0
}

// Wait blocks until a token is taken or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		d := rl.reserve()
		if d == 0 {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve takes a token and returns 0, or returns how long until the next
// token is due.
func (rl *RateLimiter) reserve() time.Duration {
	if rl == nil || rl.rate <= 0 {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens = math.Min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.rate)
	rl.last = now
	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
}
