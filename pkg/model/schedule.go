package model

import "time"

// ScheduleKind selects how a Schedule fires.
type ScheduleKind string

const (
	ScheduleKindCron     ScheduleKind = "cron"
	ScheduleKindInterval ScheduleKind = "interval"
	ScheduleKindDaemon   ScheduleKind = "daemon"
	ScheduleKindEvent    ScheduleKind = "event"
	ScheduleKindFlow     ScheduleKind = "flow"
)

// TimeDriven reports whether the generation loop fires this kind on its own.
// Event and flow schedules only fire through an external trigger.
func (k ScheduleKind) TimeDriven() bool {
	switch k {
	case ScheduleKindCron, ScheduleKindInterval, ScheduleKindDaemon:
		return true
	}
	return false
}

// Valid reports whether k is a known kind.
func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleKindCron, ScheduleKindInterval, ScheduleKindDaemon, ScheduleKindEvent, ScheduleKindFlow:
		return true
	}
	return false
}

// Schedule describes when a Job runs.
type Schedule struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	Name         string         `json:"name,omitempty"`
	Kind         ScheduleKind   `json:"kind"`
	CronExpr     string         `json:"cron_expr,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`
	IntervalSecs int            `json:"interval_secs,omitempty"`
	MaxCount     int            `json:"max_count,omitempty"` // 0 = unlimited
	ExecCount    int            `json:"exec_count"`
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Status       ScheduleStatus `json:"status"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	Priority     int            `json:"priority"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Interval returns the fixed interval of an interval schedule.
func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

// ScheduleProgress is what one generation pass writes back to a schedule.
type ScheduleProgress struct {
	ScheduleID string
	NextRunAt  *time.Time
	ExecCount  int
	Status     ScheduleStatus
}
