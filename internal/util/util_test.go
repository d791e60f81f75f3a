package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func(int) error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	var seen []int
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func(attempt int) error {
		seen = append(seen, attempt)
		return errors.New("persistent error")
	})

	if err == nil || err.Error() != "persistent error" {
		t.Fatalf("Retry error = %v, want last error", err)
	}
	if len(seen) != maxAttempts {
		t.Fatalf("Retry called fn %d times, want %d", len(seen), maxAttempts)
	}
	for i, a := range seen {
		if a != i {
			t.Errorf("attempt %d reported as %d", i, a)
		}
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, time.Hour, func(int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("Retry called fn %d times, want 1", calls)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	now := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.last = now

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("token %d refused within burst", i)
		}
	}
	if rl.Allow() {
		t.Fatal("token granted past burst")
	}
	if d := rl.reserve(); d != time.Second {
		t.Errorf("next token due in %v, want 1s", d)
	}

	// Refill never exceeds the burst.
	now = now.Add(time.Hour)
	granted := 0
	for rl.Allow() {
		granted++
	}
	if granted != 3 {
		t.Errorf("granted %d after long idle, want 3", granted)
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	var nilLimiter *RateLimiter
	if err := nilLimiter.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter Wait: %v", err)
	}
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 10; i++ {
		if !rl.Allow() {
			t.Fatal("zero-rate limiter should never block")
		}
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait should not block: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "debug", "json").Debug("hello", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json logger output = %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should map to info")
	}
}
