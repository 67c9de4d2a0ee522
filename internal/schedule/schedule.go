package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"triagebot/internal/logger"
)

// Job is one scheduled run. Errors are logged and the schedule continues.
type Job func(ctx context.Context) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates a five-field cron expression such as "0 9 * * 1-5".
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

type Scheduler struct {
	name  string
	expr  string
	sched cron.Schedule
	loc   *time.Location
	job   Job

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func New(name, expr string, loc *time.Location, job Job) (*Scheduler, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		name:  name,
		expr:  strings.TrimSpace(expr),
		sched: sched,
		loc:   loc,
		job:   job,
		now:   time.Now,
		after: time.After,
	}, nil
}

// Next returns the first activation strictly after now, in the scheduler's zone.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.sched.Next(now.In(s.loc))
}

// Run blocks, firing the job at each activation until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Infof("schedule %s started cron=%q tz=%s", s.name, s.expr, s.loc)
	for {
		now := s.now().In(s.loc)
		next := s.Next(now)
		wait := next.Sub(now)
		logger.Infof("schedule %s next=%s in=%s", s.name, next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

		select {
		case <-ctx.Done():
			logger.Infof("schedule %s stopped", s.name)
			return
		case <-s.after(wait):
		}

		start := s.now()
		if err := s.job(ctx); err != nil {
			logger.Errorf("schedule %s run error=%v", s.name, err)
			continue
		}
		logger.Infof("schedule %s run complete duration=%s", s.name, s.now().Sub(start).Round(time.Millisecond))
	}
}
