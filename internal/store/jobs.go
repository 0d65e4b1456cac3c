package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/me/gosched/pkg/model"
)

const jobColumns = `id, name, namespace, command, args, env, timeout_secs, max_retries,
	retry_interval_secs, capture_output, max_output_bytes, tags, limits, enabled,
	created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "sched_job", "id", job.ID)

	cols, err := jobJSON(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sched_job (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Namespace, job.Command, cols.args, cols.env,
		job.TimeoutSecs, job.MaxRetries, job.RetryIntervalSecs,
		boolInt(job.CaptureOutput), job.MaxOutputBytes, cols.tags, cols.limits,
		boolInt(job.Enabled), toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "sched_job", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sched_job WHERE id = ?`, id)
	job, err := scanJob(row)
	if isNoRows(err) {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "sched_job", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sched_job`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sched_job ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "sched_job", "id", job.ID)

	cols, err := jobJSON(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sched_job SET name = ?, namespace = ?, command = ?, args = ?, env = ?,
		 timeout_secs = ?, max_retries = ?, retry_interval_secs = ?, capture_output = ?,
		 max_output_bytes = ?, tags = ?, limits = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		job.Name, job.Namespace, job.Command, cols.args, cols.env,
		job.TimeoutSecs, job.MaxRetries, job.RetryIntervalSecs, boolInt(job.CaptureOutput),
		job.MaxOutputBytes, cols.tags, cols.limits, boolInt(job.Enabled), toMillis(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

type jobColumnsJSON struct {
	args, env, tags, limits string
}

func jobJSON(job *model.Job) (jobColumnsJSON, error) {
	var out jobColumnsJSON
	var err error
	if out.args, err = marshalJSON(nonNilStrings(job.Args)); err != nil {
		return out, fmt.Errorf("marshal args: %w", err)
	}
	if out.env, err = marshalJSON(nonNilEnv(job.Env)); err != nil {
		return out, fmt.Errorf("marshal env: %w", err)
	}
	if out.tags, err = marshalJSON(nonNilStrings(job.Tags)); err != nil {
		return out, fmt.Errorf("marshal tags: %w", err)
	}
	if out.limits, err = marshalJSON(job.Limits); err != nil {
		return out, fmt.Errorf("marshal limits: %w", err)
	}
	return out, nil
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var argsJSON, envJSON, tagsJSON, limitsJSON string
	var capture, enabled int
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID, &job.Name, &job.Namespace, &job.Command, &argsJSON, &envJSON,
		&job.TimeoutSecs, &job.MaxRetries, &job.RetryIntervalSecs,
		&capture, &job.MaxOutputBytes, &tagsJSON, &limitsJSON, &enabled,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &job.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &job.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &job.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(limitsJSON), &job.Limits); err != nil {
		return nil, fmt.Errorf("unmarshal limits: %w", err)
	}
	job.CaptureOutput = capture != 0
	job.Enabled = enabled != 0
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilEnv(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
