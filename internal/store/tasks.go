package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/me/gosched/pkg/model"
)

const taskColumns = `id, job_id, schedule_id, namespace, scheduled_time, status, priority,
	parameters, config, retry_count, created_at, updated_at, completed_at`

// InsertTask inserts task unless a task with the same (schedule_id,
// scheduled_time) already exists. It reports whether a row was written.
func (s *SQLiteStore) InsertTask(ctx context.Context, fence *model.Fence, task *model.Task) (bool, error) {
	s.logger.Debug("sql", "op", "insert", "table", "sched_task", "id", task.ID,
		"schedule_id", task.ScheduleID, "scheduled_time", task.ScheduledTime)

	params, err := marshalJSON(nonNilParams(task.Parameters))
	if err != nil {
		return false, fmt.Errorf("marshal parameters: %w", err)
	}
	cfg, err := marshalJSON(task.Config)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}

	var inserted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkFence(ctx, tx, fence, task.CreatedAt); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sched_task (`+taskColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(schedule_id, scheduled_time) DO NOTHING`,
			task.ID, task.JobID, nullString(task.ScheduleID), task.Namespace,
			toMillis(task.ScheduledTime), string(task.Status), task.Priority,
			params, cfg, task.RetryCount,
			toMillis(task.CreatedAt), toMillis(task.UpdatedAt), nullMillis(task.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted = n == 1
		return nil
	})
	return inserted, err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "sched_task", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sched_task WHERE id = ?`, id)
	task, err := scanTask(row)
	if isNoRows(err) {
		return nil, nil
	}
	return task, err
}

func (s *SQLiteStore) ListTasksBySchedule(ctx context.Context, scheduleID string) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list", "table", "sched_task", "schedule_id", scheduleID)
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM sched_task WHERE schedule_id = ? ORDER BY scheduled_time`, scheduleID)
}

// CountOpenTasks counts non-terminal tasks of a schedule.
func (s *SQLiteStore) CountOpenTasks(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sched_task WHERE schedule_id = ? AND status IN (?, ?)`,
		scheduleID, string(model.TaskStatusPending), string(model.TaskStatusDoing),
	).Scan(&n)
	return n, err
}

// ListDueTasks returns pending tasks whose scheduled time has arrived,
// highest priority first and oldest first within a priority.
func (s *SQLiteStore) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_due", "table", "sched_task", "limit", limit)
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM sched_task
		 WHERE status = ? AND scheduled_time <= ?
		 ORDER BY priority DESC, scheduled_time, id LIMIT ?`,
		string(model.TaskStatusPending), toMillis(now), limit,
	)
}

// StartTask moves a pending task to DOING and inserts its first instance in
// one transaction. It reports false when the task was no longer pending.
func (s *SQLiteStore) StartTask(ctx context.Context, fence *model.Fence, taskID string, inst *model.TaskInstance) (bool, error) {
	s.logger.Debug("sql", "op", "start_task", "table", "sched_task", "id", taskID, "instance_id", inst.ID)

	var started bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkFence(ctx, tx, fence, inst.CreatedAt); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE sched_task SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.TaskStatusDoing), toMillis(inst.CreatedAt), taskID, string(model.TaskStatusPending))
		if err != nil {
			return fmt.Errorf("start task %s: %w", taskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := insertInstance(ctx, tx, inst); err != nil {
			return err
		}
		started = true
		return nil
	})
	return started, err
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type taskFields struct {
	task                                model.Task
	scheduleID                          sql.NullString
	status, params, config              string
	scheduledTime, createdAt, updatedAt int64
	completedAt                         sql.NullInt64
}

func (f *taskFields) dest() []any {
	return []any{
		&f.task.ID, &f.task.JobID, &f.scheduleID, &f.task.Namespace, &f.scheduledTime, &f.status,
		&f.task.Priority, &f.params, &f.config, &f.task.RetryCount,
		&f.createdAt, &f.updatedAt, &f.completedAt,
	}
}

func (f *taskFields) build() (*model.Task, error) {
	task := f.task
	if err := json.Unmarshal([]byte(f.params), &task.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(f.config), &task.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	task.ScheduleID = f.scheduleID.String
	task.Status = model.TaskStatus(f.status)
	task.ScheduledTime = fromMillis(f.scheduledTime)
	task.CreatedAt = fromMillis(f.createdAt)
	task.UpdatedAt = fromMillis(f.updatedAt)
	task.CompletedAt = ptrMillis(f.completedAt)
	return &task, nil
}

func scanTask(row scanner) (*model.Task, error) {
	var f taskFields
	if err := row.Scan(f.dest()...); err != nil {
		return nil, err
	}
	return f.build()
}
