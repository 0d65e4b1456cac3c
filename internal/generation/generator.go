// Package generation turns enabled schedules into tasks and due tasks into
// dispatchable task instances. Both passes are leader-gated: every write
// carries the caller's fence.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/me/gosched/internal/events"
	"github.com/me/gosched/internal/store"
	"github.com/me/gosched/pkg/model"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobDisabled = errors.New("job is disabled")
)

// Store is the persistence the generator needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListActiveSchedules(ctx context.Context) ([]*model.Schedule, error)
	UpdateScheduleProgress(ctx context.Context, fence *model.Fence, p model.ScheduleProgress, now time.Time) error
	InsertTask(ctx context.Context, fence *model.Fence, task *model.Task) (bool, error)
	CountOpenTasks(ctx context.Context, scheduleID string) (int, error)
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	StartTask(ctx context.Context, fence *model.Fence, taskID string, inst *model.TaskInstance) (bool, error)
}

// Config holds generation settings.
type Config struct {
	Lookahead      time.Duration // generate tasks this far ahead of their fire time
	MisfireGrace   time.Duration // older missed fire times are skipped
	MaxPerSchedule int           // fire times generated per schedule per pass
	BatchSize      int           // tasks turned into instances per pass
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Lookahead:      5 * time.Minute,
		MisfireGrace:   5 * time.Minute,
		MaxPerSchedule: 100,
		BatchSize:      200,
	}
}

// Report summarises one schedule pass.
type Report struct {
	Schedules int
	Generated int
	Expired   int
	Completed int
}

// Generator implements both generation passes.
type Generator struct {
	store  Store
	cfg    Config
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Generator.
func New(st Store, cfg Config, pub events.Publisher, logger *slog.Logger) *Generator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Generator{
		store:  st,
		cfg:    cfg,
		events: pub,
		logger: logger.With("component", "generation"),
		now:    time.Now,
	}
}

// SetClock replaces the time source (tests).
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

// GenerateTasks converts due fire times of every enabled schedule into
// tasks. Inserts are idempotent on (schedule_id, scheduled_time), so a pass
// repeated by a new leader never duplicates work.
func (g *Generator) GenerateTasks(ctx context.Context, fence *model.Fence) (Report, error) {
	var rep Report
	schedules, err := g.store.ListActiveSchedules(ctx)
	if err != nil {
		return rep, fmt.Errorf("list schedules: %w", err)
	}

	for _, s := range schedules {
		rep.Schedules++
		res, err := g.generateSchedule(ctx, fence, s)
		if errors.Is(err, store.ErrFenced) {
			return rep, err
		}
		if err != nil {
			g.logger.Error("generate schedule", "schedule_id", s.ID, "error", err)
			continue
		}
		rep.Generated += res.generated
		switch res.status {
		case model.ScheduleStatusExpired:
			rep.Expired++
		case model.ScheduleStatusCompleted:
			rep.Completed++
		}
	}
	return rep, nil
}

type scheduleResult struct {
	generated int
	status    model.ScheduleStatus
}

func (g *Generator) generateSchedule(ctx context.Context, fence *model.Fence, s *model.Schedule) (scheduleResult, error) {
	now := g.now().UTC()
	res := scheduleResult{status: s.Status}

	if s.EndTime != nil && s.EndTime.Before(now) {
		g.logger.Info("schedule expired", "schedule_id", s.ID, "end_time", *s.EndTime)
		res.status = model.ScheduleStatusExpired
		return res, g.store.UpdateScheduleProgress(ctx, fence, model.ScheduleProgress{
			ScheduleID: s.ID, NextRunAt: s.NextRunAt, ExecCount: s.ExecCount, Status: res.status,
		}, now)
	}

	job, err := g.store.GetJob(ctx, s.JobID)
	if err != nil {
		return res, fmt.Errorf("get job %s: %w", s.JobID, err)
	}
	if job == nil || !job.Enabled {
		g.logger.Debug("skipping schedule of missing or disabled job", "schedule_id", s.ID, "job_id", s.JobID)
		return res, nil
	}

	if s.Kind == model.ScheduleKindDaemon {
		return g.generateDaemon(ctx, fence, s, job, now)
	}

	seq, err := newFiring(s)
	if err != nil {
		return res, err
	}

	horizon := now.Add(g.cfg.Lookahead)
	from := now.Add(-g.cfg.MisfireGrace)
	if s.StartTime != nil && s.StartTime.After(from) {
		from = *s.StartTime
	}

	cursor := time.Time{}
	if s.NextRunAt != nil {
		cursor = *s.NextRunAt
	}
	if cursor.IsZero() || cursor.Before(from) {
		if !cursor.IsZero() {
			g.logger.Warn("skipping missed fire times", "schedule_id", s.ID, "from", cursor, "to", from)
		}
		cursor = seq.first(from)
	}

	count := s.ExecCount
	for i := 0; i < g.cfg.MaxPerSchedule; i++ {
		if cursor.IsZero() || cursor.After(horizon) {
			break
		}
		if s.EndTime != nil && cursor.After(*s.EndTime) {
			break
		}
		if s.MaxCount > 0 && count >= s.MaxCount {
			break
		}
		inserted, err := g.insertTask(ctx, fence, s, job, cursor, now)
		if err != nil {
			return res, err
		}
		if inserted {
			res.generated++
		}
		count++
		cursor = seq.next(cursor)
	}

	p := model.ScheduleProgress{ScheduleID: s.ID, ExecCount: count, Status: model.ScheduleStatusEnabled}
	if !cursor.IsZero() {
		next := cursor
		p.NextRunAt = &next
	}
	if s.MaxCount > 0 && count >= s.MaxCount {
		g.logger.Info("schedule completed", "schedule_id", s.ID, "exec_count", count)
		p.Status = model.ScheduleStatusCompleted
		p.NextRunAt = nil
	}
	res.status = p.Status
	return res, g.store.UpdateScheduleProgress(ctx, fence, p, now)
}

// generateDaemon keeps one open task for an always-on schedule.
func (g *Generator) generateDaemon(ctx context.Context, fence *model.Fence, s *model.Schedule, job *model.Job, now time.Time) (scheduleResult, error) {
	res := scheduleResult{status: s.Status}
	if s.StartTime != nil && s.StartTime.After(now) {
		return res, nil
	}
	if s.MaxCount > 0 && s.ExecCount >= s.MaxCount {
		res.status = model.ScheduleStatusCompleted
		return res, g.store.UpdateScheduleProgress(ctx, fence, model.ScheduleProgress{
			ScheduleID: s.ID, ExecCount: s.ExecCount, Status: res.status,
		}, now)
	}

	open, err := g.store.CountOpenTasks(ctx, s.ID)
	if err != nil {
		return res, fmt.Errorf("count open tasks: %w", err)
	}
	if open > 0 {
		return res, nil
	}

	inserted, err := g.insertTask(ctx, fence, s, job, now.Truncate(time.Second), now)
	if err != nil {
		return res, err
	}
	if !inserted {
		return res, nil
	}
	res.generated = 1
	return res, g.store.UpdateScheduleProgress(ctx, fence, model.ScheduleProgress{
		ScheduleID: s.ID, ExecCount: s.ExecCount + 1, Status: model.ScheduleStatusEnabled,
	}, now)
}

func (g *Generator) insertTask(ctx context.Context, fence *model.Fence, s *model.Schedule, job *model.Job, at, now time.Time) (bool, error) {
	params := make(map[string]any, len(s.Parameters)+1)
	for k, v := range s.Parameters {
		params[k] = v
	}
	params["scheduled_time"] = at.Format(time.RFC3339)

	task := newTask(job, at, now)
	task.ScheduleID = s.ID
	task.Priority = s.Priority
	task.Parameters = params

	inserted, err := g.store.InsertTask(ctx, fence, task)
	if err != nil {
		return false, fmt.Errorf("insert task for %s at %s: %w", s.ID, at.Format(time.RFC3339), err)
	}
	if inserted {
		g.logger.Debug("task generated", "schedule_id", s.ID, "task_id", task.ID, "scheduled_time", at)
		g.events.Publish(ctx, events.Event{
			Kind: events.TaskGenerated, Time: now, JobID: job.ID, TaskID: task.ID,
			Attrs: map[string]any{"schedule_id": s.ID, "scheduled_time": at},
		})
	}
	return inserted, nil
}

// GenerateInstances creates the first instance of every pending task whose
// scheduled time has arrived. Retries never pass through here; they are
// created when the previous attempt fails.
func (g *Generator) GenerateInstances(ctx context.Context, fence *model.Fence) (int, error) {
	now := g.now().UTC()
	tasks, err := g.store.ListDueTasks(ctx, now, g.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}

	created := 0
	for _, task := range tasks {
		inst := &model.TaskInstance{
			ID:          "ti_" + uuid.New().String(),
			TaskID:      task.ID,
			Attempt:     task.RetryCount + 1,
			Status:      model.InstanceStatusPending,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		started, err := g.store.StartTask(ctx, fence, task.ID, inst)
		if err != nil {
			return created, fmt.Errorf("start task %s: %w", task.ID, err)
		}
		if started {
			created++
		}
	}
	return created, nil
}

// GenerateEventTask creates an immediate task for jobID outside of any
// schedule (external trigger). It is not leader-gated.
func (g *Generator) GenerateEventTask(ctx context.Context, jobID string, params map[string]any, priority int) (*model.Task, error) {
	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if !job.Enabled {
		return nil, ErrJobDisabled
	}

	now := g.now().UTC()
	task := newTask(job, now, now)
	task.Priority = priority
	task.Parameters = params

	if _, err := g.store.InsertTask(ctx, nil, task); err != nil {
		return nil, fmt.Errorf("insert event task: %w", err)
	}
	g.logger.Info("event task created", "job_id", jobID, "task_id", task.ID)
	g.events.Publish(ctx, events.Event{Kind: events.TaskGenerated, Time: now, JobID: job.ID, TaskID: task.ID})
	return task, nil
}

func newTask(job *model.Job, at, now time.Time) *model.Task {
	return &model.Task{
		ID:            "task_" + uuid.New().String(),
		JobID:         job.ID,
		Namespace:     job.Namespace,
		ScheduledTime: at,
		Status:        model.TaskStatusPending,
		Config:        job.ExecConfig(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
