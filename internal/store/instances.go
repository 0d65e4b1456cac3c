package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/me/gosched/pkg/model"
)

const instanceColumns = `id, task_id, agent_id, attempt, status, available_at, dispatched_at,
	started_at, finished_at, exit_code, error_message, output, created_at, updated_at`

func (s *SQLiteStore) GetTaskInstance(ctx context.Context, id string) (*model.TaskInstance, error) {
	s.logger.Debug("sql", "op", "select", "table", "sched_task_instance", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM sched_task_instance WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if isNoRows(err) {
		return nil, nil
	}
	return inst, err
}

func (s *SQLiteStore) ListInstancesByTask(ctx context.Context, taskID string) ([]*model.TaskInstance, error) {
	s.logger.Debug("sql", "op", "list", "table", "sched_task_instance", "task_id", taskID)
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM sched_task_instance WHERE task_id = ? ORDER BY attempt, created_at`, taskID)
}

// ListInstancesByAgent returns the agent's instances, optionally filtered to
// the given statuses.
func (s *SQLiteStore) ListInstancesByAgent(ctx context.Context, agentID string, statuses ...model.InstanceStatus) ([]*model.TaskInstance, error) {
	s.logger.Debug("sql", "op", "list", "table", "sched_task_instance", "agent_id", agentID)

	query := `SELECT ` + instanceColumns + ` FROM sched_task_instance WHERE agent_id = ?`
	args := []any{agentID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at`
	return s.queryInstances(ctx, query, args...)
}

// ListDispatchable returns pending instances that are available at now,
// highest task priority first and oldest first within a priority.
func (s *SQLiteStore) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]*model.DispatchCandidate, error) {
	s.logger.Debug("sql", "op", "list_dispatchable", "table", "sched_task_instance", "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixColumns("i", instanceColumns)+`, `+prefixColumns("t", taskColumns)+`
		 FROM sched_task_instance i JOIN sched_task t ON t.id = i.task_id
		 WHERE i.status = ? AND i.available_at <= ?
		 ORDER BY t.priority DESC, i.created_at, i.id LIMIT ?`,
		string(model.InstanceStatusPending), toMillis(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DispatchCandidate
	for rows.Next() {
		inst, task, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, &model.DispatchCandidate{Instance: inst, Task: task})
	}
	return out, rows.Err()
}

// ListStaleDispatched returns instances dispatched before the given time that
// were never acknowledged.
func (s *SQLiteStore) ListStaleDispatched(ctx context.Context, before time.Time, limit int) ([]*model.TaskInstance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM sched_task_instance
		 WHERE status = ? AND dispatched_at < ? ORDER BY dispatched_at LIMIT ?`,
		string(model.InstanceStatusDispatched), toMillis(before), limit,
	)
}

// ListInflight returns dispatched and running instances, least recently
// updated first.
func (s *SQLiteStore) ListInflight(ctx context.Context, limit int) ([]*model.TaskInstance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM sched_task_instance
		 WHERE status IN (?, ?) ORDER BY updated_at LIMIT ?`,
		string(model.InstanceStatusDispatched), string(model.InstanceStatusRunning), limit,
	)
}

// CountInflightByAgent counts dispatched and running instances per agent.
func (s *SQLiteStore) CountInflightByAgent(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, COUNT(*) FROM sched_task_instance
		 WHERE status IN (?, ?) AND agent_id != '' GROUP BY agent_id`,
		string(model.InstanceStatusDispatched), string(model.InstanceStatusRunning),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, err
		}
		counts[agentID] = n
	}
	return counts, rows.Err()
}

// MarkDispatched assigns a pending instance to an agent.
func (s *SQLiteStore) MarkDispatched(ctx context.Context, fence *model.Fence, instanceID, agentID string, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "dispatch", "table", "sched_task_instance", "id", instanceID, "agent_id", agentID)

	return s.fencedUpdate(ctx, fence, now,
		`UPDATE sched_task_instance SET status = ?, agent_id = ?, dispatched_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.InstanceStatusDispatched), agentID, toMillis(now), toMillis(now),
		instanceID, string(model.InstanceStatusPending),
	)
}

// RequeueInstance returns a dispatched or running instance to PENDING so it
// can be dispatched again.
func (s *SQLiteStore) RequeueInstance(ctx context.Context, fence *model.Fence, instanceID string, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "requeue", "table", "sched_task_instance", "id", instanceID)

	return s.fencedUpdate(ctx, fence, now,
		`UPDATE sched_task_instance SET status = ?, agent_id = '', dispatched_at = NULL,
		 started_at = NULL, available_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.InstanceStatusPending), toMillis(now), toMillis(now),
		instanceID, string(model.InstanceStatusDispatched), string(model.InstanceStatusRunning),
	)
}

// MarkRunning records the agent's acknowledgement of a dispatched instance.
func (s *SQLiteStore) MarkRunning(ctx context.Context, p model.InstanceProgress, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "running", "table", "sched_task_instance", "id", p.InstanceID)

	started := now
	if p.StartedAt != nil {
		started = *p.StartedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sched_task_instance SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND agent_id = ? AND status = ?`,
		string(model.InstanceStatusRunning), toMillis(started), toMillis(now),
		p.InstanceID, p.AgentID, string(model.InstanceStatusDispatched),
	)
	if err != nil {
		return false, fmt.Errorf("mark running %s: %w", p.InstanceID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteInstance applies a terminal result: the instance row, the task
// outcome and an optional retry instance are written together, and only if
// the instance was still dispatched or running.
func (s *SQLiteStore) CompleteInstance(ctx context.Context, c model.InstanceCompletion, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "complete", "table", "sched_task_instance", "id", c.InstanceID, "status", c.Status)

	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE sched_task_instance SET status = ?, exit_code = ?, error_message = ?, output = ?,
			finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`
		args := []any{
			string(c.Status), c.ExitCode, c.ErrorMessage, c.Output,
			toMillis(c.FinishedAt), toMillis(now),
			c.InstanceID, string(model.InstanceStatusDispatched), string(model.InstanceStatusRunning),
		}
		if c.AgentID != "" {
			query += ` AND agent_id = ?`
			args = append(args, c.AgentID)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("complete instance %s: %w", c.InstanceID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if c.TaskStatus != "" {
			var completedAt any
			if c.TaskStatus.IsTerminal() {
				completedAt = toMillis(c.FinishedAt)
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE sched_task SET status = ?, retry_count = ?, completed_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(c.TaskStatus), c.RetryCount, completedAt, toMillis(now),
				c.TaskID, string(model.TaskStatusDoing))
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE sched_task SET retry_count = ?, updated_at = ? WHERE id = ?`,
				c.RetryCount, toMillis(now), c.TaskID)
		}
		if err != nil {
			return fmt.Errorf("update task %s: %w", c.TaskID, err)
		}

		if c.Retry != nil {
			if err := insertInstance(ctx, tx, c.Retry); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// CancelPendingInstance cancels an instance that was never dispatched, along
// with its task.
func (s *SQLiteStore) CancelPendingInstance(ctx context.Context, instanceID string, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "cancel", "table", "sched_task_instance", "id", instanceID)

	var cancelled bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var taskID string
		err := tx.QueryRowContext(ctx,
			`SELECT task_id FROM sched_task_instance WHERE id = ? AND status = ?`,
			instanceID, string(model.InstanceStatusPending)).Scan(&taskID)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sched_task_instance SET status = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
			string(model.InstanceStatusCancelled), toMillis(now), toMillis(now), instanceID); err != nil {
			return fmt.Errorf("cancel instance %s: %w", instanceID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sched_task SET status = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)`,
			string(model.TaskStatusCancelled), toMillis(now), toMillis(now),
			taskID, string(model.TaskStatusPending), string(model.TaskStatusDoing)); err != nil {
			return fmt.Errorf("cancel task %s: %w", taskID, err)
		}
		cancelled = true
		return nil
	})
	return cancelled, err
}

func (s *SQLiteStore) fencedUpdate(ctx context.Context, fence *model.Fence, now time.Time, query string, args ...any) (bool, error) {
	var updated bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkFence(ctx, tx, fence, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		updated = n == 1
		return nil
	})
	return updated, err
}

func insertInstance(ctx context.Context, tx *sql.Tx, inst *model.TaskInstance) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sched_task_instance (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TaskID, inst.AgentID, inst.Attempt, string(inst.Status),
		toMillis(inst.AvailableAt), nullMillis(inst.DispatchedAt), nullMillis(inst.StartedAt),
		nullMillis(inst.FinishedAt), inst.ExitCode, inst.ErrorMessage, inst.Output,
		toMillis(inst.CreatedAt), toMillis(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...any) ([]*model.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TaskInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type instanceFields struct {
	inst                                         model.TaskInstance
	status                                       string
	availableAt, createdAt, updatedAt            int64
	dispatchedAt, startedAt, finishedAt, exitRaw sql.NullInt64
}

func (f *instanceFields) dest() []any {
	return []any{
		&f.inst.ID, &f.inst.TaskID, &f.inst.AgentID, &f.inst.Attempt, &f.status,
		&f.availableAt, &f.dispatchedAt, &f.startedAt, &f.finishedAt, &f.exitRaw,
		&f.inst.ErrorMessage, &f.inst.Output, &f.createdAt, &f.updatedAt,
	}
}

func (f *instanceFields) build() *model.TaskInstance {
	inst := f.inst
	inst.Status = model.InstanceStatus(f.status)
	inst.AvailableAt = fromMillis(f.availableAt)
	inst.DispatchedAt = ptrMillis(f.dispatchedAt)
	inst.StartedAt = ptrMillis(f.startedAt)
	inst.FinishedAt = ptrMillis(f.finishedAt)
	if f.exitRaw.Valid {
		code := int(f.exitRaw.Int64)
		inst.ExitCode = &code
	}
	inst.CreatedAt = fromMillis(f.createdAt)
	inst.UpdatedAt = fromMillis(f.updatedAt)
	return &inst
}

func scanInstance(row scanner) (*model.TaskInstance, error) {
	var f instanceFields
	if err := row.Scan(f.dest()...); err != nil {
		return nil, err
	}
	return f.build(), nil
}

// scanCandidate scans a joined instance + task row.
func scanCandidate(row scanner) (*model.TaskInstance, *model.Task, error) {
	var f instanceFields
	var tf taskFields
	if err := row.Scan(append(f.dest(), tf.dest()...)...); err != nil {
		return nil, nil, err
	}
	task, err := tf.build()
	if err != nil {
		return nil, nil, err
	}
	return f.build(), task, nil
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
