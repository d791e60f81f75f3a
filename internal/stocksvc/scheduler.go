package stocksvc

import (
	"context"
	"log/slog"
	"time"
)

// MarketLocation returns US/Eastern, or a fixed EST zone when the tz
// database is unavailable.
func MarketLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// Scheduler runs Populate once a day after the US close (16:30 Eastern).
type Scheduler struct {
	svc    *Service
	loc    *time.Location
	hour   int
	minute int
	log    *slog.Logger
}

// NewScheduler creates a Scheduler for svc.
func NewScheduler(svc *Service, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		svc:    svc,
		loc:    MarketLocation(),
		hour:   16,
		minute: 30,
		log:    logger.With("component", "scheduler"),
	}
}

// NextRun returns the first run time strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

// Run blocks until ctx is done, populating at each scheduled time. Failures
// are logged and the next day is scheduled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.NextRun(time.Now())
		s.log.Info("next scheduled populate", "at", next, "in", time.Until(next).Round(time.Minute))

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		res, err := s.svc.Populate(ctx, 0)
		if err != nil {
			s.log.Error("scheduled populate failed", "error", err)
			continue
		}
		s.log.Info("scheduled populate done", "updated", res.SuccessCount, "total", res.TotalCount)
	}
}
