package stocksvc

import (
	"testing"
	"time"
)

func TestSchedulerNextRun(t *testing.T) {
	est := time.FixedZone("EST", -5*60*60)
	s := &Scheduler{loc: est, hour: 16, minute: 30}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"morning", time.Date(2024, 3, 8, 9, 0, 0, 0, est), time.Date(2024, 3, 8, 16, 30, 0, 0, est)},
		{"exactly at run time", time.Date(2024, 3, 8, 16, 30, 0, 0, est), time.Date(2024, 3, 9, 16, 30, 0, 0, est)},
		{"evening", time.Date(2024, 3, 8, 20, 0, 0, 0, est), time.Date(2024, 3, 9, 16, 30, 0, 0, est)},
		{"month end", time.Date(2024, 2, 29, 23, 0, 0, 0, est), time.Date(2024, 3, 1, 16, 30, 0, 0, est)},
		{"utc input", time.Date(2024, 3, 8, 21, 0, 0, 0, time.UTC), time.Date(2024, 3, 8, 16, 30, 0, 0, est)},
	}
	for _, tt := range tests {
		if got := s.NextRun(tt.now); !got.Equal(tt.want) {
			t.Errorf("%s: NextRun = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMarketLocation(t *testing.T) {
	loc := MarketLocation()
	winter := time.Date(2024, 1, 15, 12, 0, 0, 0, loc)
	if _, off := winter.Zone(); off != -5*60*60 {
		t.Errorf("winter offset = %d, want -18000", off)
	}
}
