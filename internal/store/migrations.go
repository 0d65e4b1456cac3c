package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all scheduler tables. Timestamps are INTEGER
// unix milliseconds. Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sched_job (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		namespace           TEXT NOT NULL DEFAULT 'default',
		command             TEXT NOT NULL,
		args                TEXT NOT NULL DEFAULT '[]',
		env                 TEXT NOT NULL DEFAULT '{}',
		timeout_secs        INTEGER NOT NULL DEFAULT 0,
		max_retries         INTEGER NOT NULL DEFAULT 0,
		retry_interval_secs INTEGER NOT NULL DEFAULT 0,
		capture_output      INTEGER NOT NULL DEFAULT 0,
		max_output_bytes    INTEGER NOT NULL DEFAULT 0,
		tags                TEXT NOT NULL DEFAULT '[]',
		limits              TEXT NOT NULL DEFAULT 'null',
		enabled             INTEGER NOT NULL DEFAULT 1,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sched_schedule (
		id            TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL REFERENCES sched_job(id),
		name          TEXT NOT NULL DEFAULT '',
		kind          TEXT NOT NULL,
		cron_expr     TEXT NOT NULL DEFAULT '',
		timezone      TEXT NOT NULL DEFAULT '',
		interval_secs INTEGER NOT NULL DEFAULT 0,
		max_count     INTEGER NOT NULL DEFAULT 0,
		exec_count    INTEGER NOT NULL DEFAULT 0,
		start_time    INTEGER,
		end_time      INTEGER,
		status        TEXT NOT NULL DEFAULT 'CREATED',
		next_run_at   INTEGER,
		priority      INTEGER NOT NULL DEFAULT 0,
		parameters    TEXT NOT NULL DEFAULT '{}',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_job_id ON sched_schedule(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_status ON sched_schedule(status)`,

	`CREATE TABLE IF NOT EXISTS sched_task (
		id             TEXT PRIMARY KEY,
		job_id         TEXT NOT NULL REFERENCES sched_job(id),
		schedule_id    TEXT,
		namespace      TEXT NOT NULL DEFAULT 'default',
		scheduled_time INTEGER NOT NULL,
		status         TEXT NOT NULL DEFAULT 'PENDING',
		priority       INTEGER NOT NULL DEFAULT 0,
		parameters     TEXT NOT NULL DEFAULT '{}',
		config         TEXT NOT NULL DEFAULT '{}',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		completed_at   INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_schedule_time ON sched_task(schedule_id, scheduled_time)`,
	`CREATE INDEX IF NOT EXISTS idx_task_status_time ON sched_task(status, scheduled_time)`,

	`CREATE TABLE IF NOT EXISTS sched_task_instance (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL REFERENCES sched_task(id),
		agent_id      TEXT NOT NULL DEFAULT '',
		attempt       INTEGER NOT NULL DEFAULT 1,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		available_at  INTEGER NOT NULL,
		dispatched_at INTEGER,
		started_at    INTEGER,
		finished_at   INTEGER,
		exit_code     INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		output        TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instance_task_id ON sched_task_instance(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_instance_status ON sched_task_instance(status, available_at)`,
	`CREATE INDEX IF NOT EXISTS idx_instance_agent ON sched_task_instance(agent_id, status)`,

	`CREATE TABLE IF NOT EXISTS sched_agent (
		id                   TEXT PRIMARY KEY,
		address              TEXT NOT NULL DEFAULT '',
		hostname             TEXT NOT NULL DEFAULT '',
		version              TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL DEFAULT 'ONLINE',
		tags                 TEXT NOT NULL DEFAULT '[]',
		max_concurrent_tasks INTEGER NOT NULL DEFAULT 1,
		running_tasks        INTEGER NOT NULL DEFAULT 0,
		cpu_percent          REAL NOT NULL DEFAULT 0,
		mem_percent          REAL NOT NULL DEFAULT 0,
		last_heartbeat_at    INTEGER,
		registered_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_status ON sched_agent(status)`,

	`CREATE TABLE IF NOT EXISTS sched_server (
		id                TEXT PRIMARY KEY,
		address           TEXT NOT NULL DEFAULT '',
		role              TEXT NOT NULL DEFAULT 'FOLLOWER',
		last_heartbeat_at INTEGER NOT NULL,
		lease_expires_at  INTEGER
	)`,

	// Leadership record, one row per namespace.
	`CREATE TABLE IF NOT EXISTS sched_lease (
		namespace   TEXT PRIMARY KEY,
		holder      TEXT NOT NULL,
		token       INTEGER NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "sched_agent",
		column:   "os_arch",
		alterSQL: "ALTER TABLE sched_agent ADD COLUMN os_arch TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
