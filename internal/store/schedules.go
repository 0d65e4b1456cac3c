package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/me/gosched/pkg/model"
)

const scheduleColumns = `id, job_id, name, kind, cron_expr, timezone, interval_secs, max_count,
	exec_count, start_time, end_time, status, next_run_at, priority, parameters,
	created_at, updated_at`

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	s.logger.Debug("sql", "op", "insert", "table", "sched_schedule", "id", sched.ID)

	params, err := marshalJSON(nonNilParams(sched.Parameters))
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sched_schedule (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.JobID, sched.Name, string(sched.Kind), sched.CronExpr, sched.Timezone,
		sched.IntervalSecs, sched.MaxCount, sched.ExecCount,
		nullMillis(sched.StartTime), nullMillis(sched.EndTime), string(sched.Status),
		nullMillis(sched.NextRunAt), sched.Priority, params,
		toMillis(sched.CreatedAt), toMillis(sched.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert schedule %s: %w", sched.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	s.logger.Debug("sql", "op", "select", "table", "sched_schedule", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM sched_schedule WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if isNoRows(err) {
		return nil, nil
	}
	return sched, err
}

func (s *SQLiteStore) ListSchedulesByJob(ctx context.Context, jobID string) ([]*model.Schedule, error) {
	s.logger.Debug("sql", "op", "list", "table", "sched_schedule", "job_id", jobID)
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM sched_schedule WHERE job_id = ? ORDER BY created_at`, jobID)
}

// ListActiveSchedules returns enabled schedules of time-driven kinds.
func (s *SQLiteStore) ListActiveSchedules(ctx context.Context) ([]*model.Schedule, error) {
	s.logger.Debug("sql", "op", "list", "table", "sched_schedule", "status", model.ScheduleStatusEnabled)
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM sched_schedule
		 WHERE status = ? AND kind IN (?, ?, ?)
		 ORDER BY COALESCE(next_run_at, 0), id`,
		string(model.ScheduleStatusEnabled),
		string(model.ScheduleKindCron), string(model.ScheduleKindInterval), string(model.ScheduleKindDaemon),
	)
}

func (s *SQLiteStore) UpdateScheduleStatus(ctx context.Context, id string, status model.ScheduleStatus, now time.Time) error {
	s.logger.Debug("sql", "op", "update", "table", "sched_schedule", "id", id, "status", status)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sched_schedule SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

// UpdateScheduleProgress persists the generation cursor. It never revives a
// schedule that was disabled while the generation pass was running.
func (s *SQLiteStore) UpdateScheduleProgress(ctx context.Context, fence *model.Fence, p model.ScheduleProgress, now time.Time) error {
	s.logger.Debug("sql", "op", "progress", "table", "sched_schedule", "id", p.ScheduleID)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkFence(ctx, tx, fence, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE sched_schedule SET next_run_at = ?, exec_count = ?, status = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			nullMillis(p.NextRunAt), p.ExecCount, string(p.Status), toMillis(now),
			p.ScheduleID, string(model.ScheduleStatusEnabled),
		)
		if err != nil {
			return fmt.Errorf("update schedule progress %s: %w", p.ScheduleID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...any) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func scanSchedule(row scanner) (*model.Schedule, error) {
	var sched model.Schedule
	var kind, status, paramsJSON string
	var startTime, endTime, nextRunAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&sched.ID, &sched.JobID, &sched.Name, &kind, &sched.CronExpr, &sched.Timezone,
		&sched.IntervalSecs, &sched.MaxCount, &sched.ExecCount,
		&startTime, &endTime, &status, &nextRunAt, &sched.Priority, &paramsJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &sched.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	sched.Kind = model.ScheduleKind(kind)
	sched.Status = model.ScheduleStatus(status)
	sched.StartTime = ptrMillis(startTime)
	sched.EndTime = ptrMillis(endTime)
	sched.NextRunAt = ptrMillis(nextRunAt)
	sched.CreatedAt = fromMillis(createdAt)
	sched.UpdatedAt = fromMillis(updatedAt)
	return &sched, nil
}

func nonNilParams(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
