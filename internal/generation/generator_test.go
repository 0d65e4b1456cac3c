package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gosched/internal/events"
	"github.com/me/gosched/internal/store"
	"github.com/me/gosched/pkg/model"
)

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var created = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func seedJob(t *testing.T, st *store.SQLiteStore, enabled bool) *model.Job {
	t.Helper()
	job := &model.Job{
		ID: "job_1", Name: "report", Namespace: "default", Command: "true",
		MaxRetries: 1, Enabled: enabled, CreatedAt: created, UpdatedAt: created,
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func seedSchedule(t *testing.T, st *store.SQLiteStore, s *model.Schedule) {
	t.Helper()
	s.JobID = "job_1"
	s.Status = model.ScheduleStatusEnabled
	s.CreatedAt = created
	s.UpdatedAt = created
	if err := st.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
}

func newGenerator(st Store, now time.Time, rec *events.Recorder) *Generator {
	var pub events.Publisher = events.Nop{}
	if rec != nil {
		pub = rec
	}
	g := New(st, DefaultConfig(), pub, discard())
	g.SetClock(func() time.Time { return now })
	return g
}

func TestCronLookaheadWindow(t *testing.T) {
	ctx := context.Background()
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"just outside window", midnight.Add(-5*time.Minute - time.Second), 0},
		{"window opens", midnight.Add(-5 * time.Minute), 1},
		{"at fire time", midnight, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testStore(t)
			seedJob(t, st, true)
			seedSchedule(t, st, &model.Schedule{ID: "sch_1", Kind: model.ScheduleKindCron, CronExpr: "0 0 * * *"})

			rep, err := newGenerator(st, tt.now, nil).GenerateTasks(ctx, nil)
			if err != nil {
				t.Fatalf("GenerateTasks: %v", err)
			}
			if rep.Generated != tt.want {
				t.Fatalf("generated = %d, want %d", rep.Generated, tt.want)
			}
			tasks, err := st.ListTasksBySchedule(ctx, "sch_1")
			if err != nil {
				t.Fatalf("ListTasksBySchedule: %v", err)
			}
			if len(tasks) != tt.want {
				t.Fatalf("tasks = %d, want %d", len(tasks), tt.want)
			}
			if tt.want == 1 && !tasks[0].ScheduledTime.Equal(midnight) {
				t.Errorf("scheduled_time = %v, want %v", tasks[0].ScheduledTime, midnight)
			}
		})
	}
}

func TestCronFirstNotBeforeFrom(t *testing.T) {
	sched, loc, err := ParseCron("* * * * *", "")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	f := cronFiring{sched: sched, loc: loc}
	minute := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{"on a fire time", minute, minute},
		{"half a second past", minute.Add(500 * time.Millisecond), minute.Add(time.Minute)},
		{"one nanosecond past", minute.Add(time.Nanosecond), minute.Add(time.Minute)},
		{"just before", minute.Add(-time.Nanosecond), minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.first(tt.from)
			if !got.Equal(tt.want) {
				t.Errorf("first(%s) = %s, want %s", tt.from, got, tt.want)
			}
			if got.Before(tt.from) {
				t.Errorf("first(%s) = %s is before from", tt.from, got)
			}
		})
	}
}

func TestCronTimezone(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	seedSchedule(t, st, &model.Schedule{
		ID: "sch_1", Kind: model.ScheduleKindCron, CronExpr: "30 9 * * *", Timezone: "Asia/Tokyo",
	})

	// 09:30 JST is 00:30 UTC.
	now := time.Date(2026, 3, 2, 0, 28, 0, 0, time.UTC)
	if _, err := newGenerator(st, now, nil).GenerateTasks(ctx, nil); err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	tasks, _ := st.ListTasksBySchedule(ctx, "sch_1")
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	want := time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)
	if !tasks[0].ScheduledTime.Equal(want) {
		t.Errorf("scheduled_time = %v, want %v", tasks[0].ScheduledTime, want)
	}
}

func TestGenerateTasksIdempotent(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	seedSchedule(t, st, &model.Schedule{ID: "sch_1", Kind: model.ScheduleKindInterval, IntervalSecs: 60})

	now := created.Add(10 * time.Minute)
	rec := &events.Recorder{}
	first := newGenerator(st, now, rec)
	rep, err := first.GenerateTasks(ctx, nil)
	if err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	if rep.Generated == 0 {
		t.Fatal("expected tasks on first pass")
	}

	// A second leader that never saw the cursor update regenerates the same
	// fire times and must not duplicate them.
	sched, _ := st.GetSchedule(ctx, "sch_1")
	sched.NextRunAt = nil
	sched.ExecCount = 0
	second := newGenerator(&staleSchedules{SQLiteStore: st, sched: sched}, now, rec)
	rep2, err := second.GenerateTasks(ctx, nil)
	if err != nil {
		t.Fatalf("GenerateTasks (second): %v", err)
	}
	if rep2.Generated != 0 {
		t.Errorf("second pass generated %d, want 0", rep2.Generated)
	}

	tasks, _ := st.ListTasksBySchedule(ctx, "sch_1")
	seen := map[time.Time]bool{}
	for _, task := range tasks {
		if seen[task.ScheduledTime] {
			t.Errorf("duplicate task for %v", task.ScheduledTime)
		}
		seen[task.ScheduledTime] = true
	}
	if got := rec.Count(events.TaskGenerated); got != len(tasks) {
		t.Errorf("task.generated events = %d, want %d", got, len(tasks))
	}
}

// staleSchedules serves a schedule snapshot taken before the last pass.
type staleSchedules struct {
	*store.SQLiteStore
	sched *model.Schedule
}

func (s *staleSchedules) ListActiveSchedules(context.Context) ([]*model.Schedule, error) {
	return []*model.Schedule{s.sched}, nil
}

func TestIntervalMaxCountCompletes(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	seedSchedule(t, st, &model.Schedule{
		ID: "sch_1", Kind: model.ScheduleKindInterval, IntervalSecs: 30, MaxCount: 3,
	})

	rep, err := newGenerator(st, created.Add(time.Minute), nil).GenerateTasks(ctx, nil)
	if err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	if rep.Generated != 3 || rep.Completed != 1 {
		t.Fatalf("report = %+v, want 3 generated and 1 completed", rep)
	}
	sched, _ := st.GetSchedule(ctx, "sch_1")
	if sched.Status != model.ScheduleStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", sched.Status)
	}
	if sched.ExecCount != 3 {
		t.Errorf("exec_count = %d, want 3", sched.ExecCount)
	}

	// Completed schedules are no longer selected.
	rep, _ = newGenerator(st, created.Add(time.Hour), nil).GenerateTasks(ctx, nil)
	if rep.Schedules != 0 {
		t.Errorf("completed schedule still active")
	}
}

func TestScheduleExpires(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	end := created.Add(time.Hour)
	seedSchedule(t, st, &model.Schedule{
		ID: "sch_1", Kind: model.ScheduleKindInterval, IntervalSecs: 600, EndTime: &end,
	})

	rep, err := newGenerator(st, end.Add(time.Second), nil).GenerateTasks(ctx, nil)
	if err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	if rep.Expired != 1 || rep.Generated != 0 {
		t.Fatalf("report = %+v, want 1 expired", rep)
	}
	sched, _ := st.GetSchedule(ctx, "sch_1")
	if sched.Status != model.ScheduleStatusExpired {
		t.Errorf("status = %s, want EXPIRED", sched.Status)
	}
}

func TestMisfireSkipsOldFireTimes(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	stale := created.Add(time.Minute)
	seedSchedule(t, st, &model.Schedule{
		ID: "sch_1", Kind: model.ScheduleKindInterval, IntervalSecs: 60, NextRunAt: &stale,
	})

	now := created.Add(3 * time.Hour)
	if _, err := newGenerator(st, now, nil).GenerateTasks(ctx, nil); err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	tasks, _ := st.ListTasksBySchedule(ctx, "sch_1")
	cutoff := now.Add(-DefaultConfig().MisfireGrace)
	for _, task := range tasks {
		if task.ScheduledTime.Before(cutoff) {
			t.Errorf("task at %v is older than the misfire grace", task.ScheduledTime)
		}
	}
	if len(tasks) == 0 {
		t.Error("expected tasks inside the grace window")
	}
}

func TestDisabledJobSkipped(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, false)
	seedSchedule(t, st, &model.Schedule{ID: "sch_1", Kind: model.ScheduleKindInterval, IntervalSecs: 60})

	rep, err := newGenerator(st, created.Add(time.Minute), nil).GenerateTasks(ctx, nil)
	if err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	if rep.Generated != 0 {
		t.Errorf("generated = %d for disabled job", rep.Generated)
	}
}

func TestDaemonKeepsOneOpenTask(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	seedSchedule(t, st, &model.Schedule{ID: "sch_1", Kind: model.ScheduleKindDaemon})

	now := created.Add(time.Minute)
	g := newGenerator(st, now, nil)
	for i := 0; i < 3; i++ {
		if _, err := g.GenerateTasks(ctx, nil); err != nil {
			t.Fatalf("GenerateTasks: %v", err)
		}
	}
	tasks, _ := st.ListTasksBySchedule(ctx, "sch_1")
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
}

func TestGenerateInstances(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	seedSchedule(t, st, &model.Schedule{ID: "sch_1", Kind: model.ScheduleKindInterval, IntervalSecs: 60})

	now := created.Add(90 * time.Second)
	g := newGenerator(st, now, nil)
	if _, err := g.GenerateTasks(ctx, nil); err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}

	n, err := g.GenerateInstances(ctx, nil)
	if err != nil {
		t.Fatalf("GenerateInstances: %v", err)
	}
	// Fire times 00:00 and 00:01 are due, the lookahead ones are not.
	if n != 2 {
		t.Fatalf("instances = %d, want 2", n)
	}
	if n, _ := g.GenerateInstances(ctx, nil); n != 0 {
		t.Errorf("second pass created %d instances, want 0", n)
	}

	tasks, _ := st.ListTasksBySchedule(ctx, "sch_1")
	for _, task := range tasks {
		insts, _ := st.ListInstancesByTask(ctx, task.ID)
		due := !task.ScheduledTime.After(now)
		if due && (task.Status != model.TaskStatusDoing || len(insts) != 1 || insts[0].Attempt != 1) {
			t.Errorf("due task %s: status %s, %d instances", task.ID, task.Status, len(insts))
		}
		if !due && len(insts) != 0 {
			t.Errorf("future task %s has instances", task.ID)
		}
	}
}

func TestFencedGenerationAborts(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	seedSchedule(t, st, &model.Schedule{ID: "sch_1", Kind: model.ScheduleKindInterval, IntervalSecs: 60})

	now := created.Add(time.Minute)
	lease, err := st.TryAcquireLease(ctx, "default", "srv-a", 30*time.Second, now)
	if err != nil || lease == nil {
		t.Fatalf("TryAcquireLease: %v", err)
	}
	fence := lease.Fence()

	// srv-b takes over after expiry; srv-a's fence is now stale.
	later := now.Add(time.Minute)
	if _, err := st.TryAcquireLease(ctx, "default", "srv-b", 30*time.Second, later); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	_, err = newGenerator(st, later, nil).GenerateTasks(ctx, &fence)
	if !errors.Is(err, store.ErrFenced) {
		t.Fatalf("err = %v, want ErrFenced", err)
	}
	tasks, _ := st.ListTasksBySchedule(ctx, "sch_1")
	if len(tasks) != 0 {
		t.Errorf("stale leader wrote %d tasks", len(tasks))
	}
}

func TestGenerateEventTask(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seedJob(t, st, true)
	g := newGenerator(st, created, nil)

	task, err := g.GenerateEventTask(ctx, "job_1", map[string]any{"reason": "manual"}, 5)
	if err != nil {
		t.Fatalf("GenerateEventTask: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got == nil || got.Priority != 5 || got.ScheduleID != "" {
		t.Fatalf("stored task = %+v", got)
	}
	if _, err := g.GenerateEventTask(ctx, "missing", nil, 0); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		sched model.Schedule
		field string
	}{
		{"bad cron", model.Schedule{JobID: "j", Kind: model.ScheduleKindCron, CronExpr: "nope"}, "cron_expr"},
		{"missing interval", model.Schedule{JobID: "j", Kind: model.ScheduleKindInterval}, "interval_secs"},
		{"unknown kind", model.Schedule{JobID: "j", Kind: "weekly"}, "kind"},
		{"bad timezone", model.Schedule{JobID: "j", Kind: model.ScheduleKindCron, CronExpr: "@daily", Timezone: "Mars/Base"}, "cron_expr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(&tt.sched)
			if len(errs) == 0 || errs[0].Field != tt.field {
				t.Errorf("errors = %+v, want field %s", errs, tt.field)
			}
		})
	}
	ok := model.Schedule{JobID: "j", Kind: model.ScheduleKindCron, CronExpr: "*/5 * * * *", Timezone: "Europe/Berlin"}
	if errs := Validate(&ok); len(errs) != 0 {
		t.Errorf("valid schedule rejected: %+v", errs)
	}
}
