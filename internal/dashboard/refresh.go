package dashboard

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"
)

// RefreshIntervals are the poll intervals a user may pick.
var RefreshIntervals = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
}

// DefaultRefreshInterval is used until the user picks another.
const DefaultRefreshInterval = 30 * time.Second

// RefreshController holds the process-wide poll interval. It is not
// persisted; a new controller always starts at the default.
type RefreshController struct {
	interval atomic.Int64
}

// NewRefreshController returns a controller set to DefaultRefreshInterval.
func NewRefreshController() *RefreshController {
	r := &RefreshController{}
	r.interval.Store(int64(DefaultRefreshInterval))
	return r
}

// Interval returns the current poll interval.
func (r *RefreshController) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// Set changes the poll interval. Only RefreshIntervals are accepted. The
// change applies from the next scheduling check; nothing is refetched.
func (r *RefreshController) Set(d time.Duration) error {
	if !slices.Contains(RefreshIntervals, d) {
		return fmt.Errorf("unsupported refresh interval %s", d)
	}
	r.interval.Store(int64(d))
	return nil
}

// Cycle advances to the next allowed interval, wrapping around, and returns
// it.
func (r *RefreshController) Cycle() time.Duration {
	i := slices.Index(RefreshIntervals, r.Interval())
	next := RefreshIntervals[(i+1)%len(RefreshIntervals)]
	r.interval.Store(int64(next))
	return next
}

// Run calls tick every Interval() until ctx is done. The interval is re-read
// each time the next tick is scheduled.
func (r *RefreshController) Run(ctx context.Context, tick func()) {
	timer := time.NewTimer(r.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			tick()
			timer.Reset(r.Interval())
		}
	}
}

// IntervalLabel renders an interval the way the picker shows it: "10s",
// "30s", "1m", "5m".
func IntervalLabel(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
