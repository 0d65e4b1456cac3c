package generation

import (
	"fmt"
	"time"

	"github.com/me/gosched/pkg/model"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions and descriptors such
// as @hourly or @every 10m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// firing enumerates the fire times of a schedule.
type firing interface {
	// first returns the earliest fire time at or after from.
	first(from time.Time) time.Time
	// next returns the fire time following prev. The zero time means none.
	next(prev time.Time) time.Time
}

type cronFiring struct {
	sched cron.Schedule
	loc   *time.Location
}

// cron's Next is exclusive and rounds up to a whole second, so starting one
// nanosecond early includes from itself and nothing before it.
func (c cronFiring) first(from time.Time) time.Time {
	return c.next(from.Add(-time.Nanosecond))
}

func (c cronFiring) next(prev time.Time) time.Time {
	t := c.sched.Next(prev.In(c.loc))
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

type intervalFiring struct {
	anchor   time.Time
	interval time.Duration
}

func (f intervalFiring) first(from time.Time) time.Time {
	if !from.After(f.anchor) {
		return f.anchor
	}
	steps := (from.Sub(f.anchor) + f.interval - 1) / f.interval
	return f.anchor.Add(steps * f.interval)
}

func (f intervalFiring) next(prev time.Time) time.Time {
	return prev.Add(f.interval)
}

// newFiring builds the fire-time sequence of a cron or interval schedule.
func newFiring(s *model.Schedule) (firing, error) {
	switch s.Kind {
	case model.ScheduleKindCron:
		sched, loc, err := ParseCron(s.CronExpr, s.Timezone)
		if err != nil {
			return nil, err
		}
		return cronFiring{sched: sched, loc: loc}, nil
	case model.ScheduleKindInterval:
		if s.IntervalSecs <= 0 {
			return nil, fmt.Errorf("interval schedule %s: interval_secs must be positive", s.ID)
		}
		anchor := s.CreatedAt
		if s.StartTime != nil {
			anchor = *s.StartTime
		}
		return intervalFiring{anchor: anchor.UTC().Truncate(time.Second), interval: s.Interval()}, nil
	}
	return nil, fmt.Errorf("schedule %s: kind %q has no fire times", s.ID, s.Kind)
}

// ParseCron parses expr and resolves tz (empty means UTC).
func ParseCron(expr, tz string) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, loc, nil
}

// Validate checks a schedule definition before it is stored.
func Validate(s *model.Schedule) []model.FieldError {
	var errs []model.FieldError
	if s.JobID == "" {
		errs = append(errs, model.FieldError{Field: "job_id", Message: "required"})
	}
	if !s.Kind.Valid() {
		errs = append(errs, model.FieldError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", s.Kind)})
	}
	switch s.Kind {
	case model.ScheduleKindCron:
		if s.CronExpr == "" {
			errs = append(errs, model.FieldError{Field: "cron_expr", Message: "required for cron schedules"})
		} else if _, _, err := ParseCron(s.CronExpr, s.Timezone); err != nil {
			errs = append(errs, model.FieldError{Field: "cron_expr", Message: err.Error()})
		}
	case model.ScheduleKindInterval:
		if s.IntervalSecs <= 0 {
			errs = append(errs, model.FieldError{Field: "interval_secs", Message: "must be positive"})
		}
	}
	if s.MaxCount < 0 {
		errs = append(errs, model.FieldError{Field: "max_count", Message: "must not be negative"})
	}
	if s.StartTime != nil && s.EndTime != nil && !s.EndTime.After(*s.StartTime) {
		errs = append(errs, model.FieldError{Field: "end_time", Message: "must be after start_time"})
	}
	return errs
}
