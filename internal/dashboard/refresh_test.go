package dashboard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRefreshControllerDefaults(t *testing.T) {
	r := NewRefreshController()
	if got := r.Interval(); got != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", got)
	}
}

func TestRefreshControllerSet(t *testing.T) {
	r := NewRefreshController()
	for _, d := range RefreshIntervals {
		if err := r.Set(d); err != nil {
			t.Errorf("Set(%v): %v", d, err)
		}
		if r.Interval() != d {
			t.Errorf("Interval = %v, want %v", r.Interval(), d)
		}
	}

	r.Set(time.Minute)
	if err := r.Set(45 * time.Second); err == nil {
		t.Error("Set(45s) accepted an unsupported interval")
	}
	if r.Interval() != time.Minute {
		t.Errorf("rejected Set changed interval to %v", r.Interval())
	}
}

func TestRefreshControllerCycle(t *testing.T) {
	r := NewRefreshController()
	want := []time.Duration{time.Minute, 5 * time.Minute, 10 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := r.Cycle(); got != w {
			t.Errorf("Cycle #%d = %v, want %v", i, got, w)
		}
	}
}

func TestIntervalLabel(t *testing.T) {
	want := []string{"10s", "30s", "1m", "5m"}
	for i, d := range RefreshIntervals {
		if got := IntervalLabel(d); got != want[i] {
			t.Errorf("IntervalLabel(%v) = %q, want %q", d, got, want[i])
		}
	}
}

func TestRefreshControllerRun(t *testing.T) {
	r := NewRefreshController()
	// Bypass Set to get a test-sized cadence.
	r.interval.Store(int64(5 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan struct{})
	go func() {
		r.Run(ctx, func() {
			if ticks.Add(1) == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if got := ticks.Load(); got != 3 {
		t.Errorf("ticks = %d, want 3", got)
	}
}
