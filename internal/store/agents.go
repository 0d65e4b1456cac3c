package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/me/gosched/pkg/model"
)

const agentColumns = `id, address, hostname, version, os_arch, status, tags, max_concurrent_tasks,
	running_tasks, cpu_percent, mem_percent, last_heartbeat_at, registered_at`

// UpsertAgent creates the agent on first registration and refreshes its
// declared identity afterwards. registered_at is kept from the first insert.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	s.logger.Debug("sql", "op", "upsert", "table", "sched_agent", "id", agent.ID)

	tags, err := marshalJSON(nonNilStrings(agent.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sched_agent (`+agentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   address = excluded.address,
		   hostname = excluded.hostname,
		   version = excluded.version,
		   os_arch = excluded.os_arch,
		   status = excluded.status,
		   tags = excluded.tags,
		   max_concurrent_tasks = excluded.max_concurrent_tasks,
		   last_heartbeat_at = excluded.last_heartbeat_at`,
		agent.ID, agent.Address, agent.Hostname, agent.Version, agent.Platform, string(agent.Status),
		tags, agent.MaxConcurrentTasks, agent.RunningTasks, agent.CPUPercent, agent.MemPercent,
		nullMillis(agent.LastHeartbeatAt), toMillis(agent.RegisteredAt),
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	s.logger.Debug("sql", "op", "select", "table", "sched_agent", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM sched_agent WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if isNoRows(err) {
		return nil, nil
	}
	return agent, err
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	s.logger.Debug("sql", "op", "list", "table", "sched_agent")

	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM sched_agent ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentHeartbeat records reported load. A heartbeat brings an
// unhealthy agent back online but never re-enables a disabled one.
func (s *SQLiteStore) UpdateAgentHeartbeat(ctx context.Context, id string, m model.AgentMetrics, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sched_agent SET running_tasks = ?, cpu_percent = ?, mem_percent = ?, last_heartbeat_at = ?,
		 status = CASE WHEN status = ? THEN status ELSE ? END
		 WHERE id = ?`,
		m.RunningTasks, m.CPUPercent, m.MemPercent, toMillis(now),
		string(model.AgentStatusDisabled), string(model.AgentStatusOnline), id,
	)
	if err != nil {
		return fmt.Errorf("update agent heartbeat %s: %w", id, err)
	}
	return nil
}

// SetAgentStatus changes the agent's status unless it is disabled.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, id string, status model.AgentStatus) error {
	s.logger.Debug("sql", "op", "update", "table", "sched_agent", "id", id, "status", status)

	query := `UPDATE sched_agent SET status = ? WHERE id = ? AND status != ?`
	args := []any{string(status), id, string(model.AgentStatusDisabled)}
	if status == model.AgentStatusDisabled {
		query = `UPDATE sched_agent SET status = ? WHERE id = ?`
		args = args[:2]
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set agent status %s: %w", id, err)
	}
	return nil
}

func scanAgent(row scanner) (*model.Agent, error) {
	var agent model.Agent
	var status, tagsJSON string
	var lastHeartbeat sql.NullInt64
	var registeredAt int64

	err := row.Scan(
		&agent.ID, &agent.Address, &agent.Hostname, &agent.Version, &agent.Platform, &status, &tagsJSON,
		&agent.MaxConcurrentTasks, &agent.RunningTasks, &agent.CPUPercent, &agent.MemPercent,
		&lastHeartbeat, &registeredAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &agent.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	agent.Status = model.AgentStatus(status)
	agent.LastHeartbeatAt = ptrMillis(lastHeartbeat)
	agent.RegisteredAt = fromMillis(registeredAt)
	return &agent, nil
}
