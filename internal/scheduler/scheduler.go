package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives the poll loop at a fixed cadence and fires the daily job
// on a cron schedule. Sleep time is the interval minus the cycle's own
// elapsed time, so slow cycles do not push the cadence later and later.
type Scheduler struct {
	cycle    func(ctx context.Context) error
	daily    func(ctx context.Context) error
	interval time.Duration
	runFor   time.Duration
	schedule cron.Schedule
	loc      *time.Location
	log      *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithRunDuration bounds the total run time. Zero means run until the
// context is cancelled.
func WithRunDuration(d time.Duration) Option {
	return func(s *Scheduler) { s.runFor = d }
}

// WithLocation sets the timezone for the daily schedule.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep overrides the inter-cycle sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// New constructs a scheduler. dailySpec is a standard five-field cron
// expression; an empty daily job disables it.
func New(cycle func(ctx context.Context) error, daily func(ctx context.Context) error, interval time.Duration, dailySpec string, logger *log.Logger, opts ...Option) (*Scheduler, error) {
	if cycle == nil {
		return nil, errors.New("scheduler: nil cycle")
	}
	if interval <= 0 {
		return nil, errors.New("scheduler: non-positive interval")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		cycle:    cycle,
		daily:    daily,
		interval: interval,
		loc:      time.Local,
		log:      logger,
		now:      time.Now,
		sleep:    contextSleep,
	}
	if daily != nil && dailySpec != "" {
		schedule, err := cron.ParseStandard(dailySpec)
		if err != nil {
			return nil, err
		}
		s.schedule = schedule
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run loops until the run duration elapses or the context is cancelled.
// Cycle errors are logged and counted but do not stop the loop; the loop
// returns an error only when every cycle in a row has failed beyond the
// tolerance, so a dead feed eventually surfaces to the operator.
func (s *Scheduler) Run(ctx context.Context) error {
	const maxConsecutiveFailures = 10

	start := s.now()
	var deadline time.Time
	if s.runFor > 0 {
		deadline = start.Add(s.runFor)
	}

	var nextDaily time.Time
	if s.schedule != nil {
		nextDaily = s.schedule.Next(start.In(s.loc))
	}

	failures := 0
	for {
		cycleStart := s.now()

		// The daily job runs first so sensors it re-admits are polled in
		// the cycle that follows.
		if s.schedule != nil && !s.now().In(s.loc).Before(nextDaily) {
			if err := s.daily(ctx); err != nil {
				s.log.Printf("scheduler: daily job failed: %v", err)
			}
			nextDaily = s.schedule.Next(s.now().In(s.loc))
		}

		if err := s.cycle(ctx); err != nil {
			failures++
			s.log.Printf("scheduler: cycle failed (%d in a row): %v", failures, err)
			if failures >= maxConsecutiveFailures {
				return errors.New("scheduler: too many consecutive cycle failures")
			}
		} else {
			failures = 0
		}

		if !deadline.IsZero() && !s.now().Before(deadline) {
			s.log.Printf("scheduler: run duration reached, stopping")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		pause := s.interval - s.now().Sub(cycleStart)
		if pause < 0 {
			pause = 0
		}
		if err := s.sleep(ctx, pause); err != nil {
			return err
		}
	}
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
