package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/me/gosched/pkg/model"
)

// TryAcquireLease attempts to take or renew the leadership record of
// namespace for holder. The write succeeds when the row is absent, expired,
// or already held by holder; the returned lease is whatever the row holds
// afterwards, so callers compare its Holder with their own id.
//
// The fencing token is kept on renewal and incremented on every takeover.
func (s *SQLiteStore) TryAcquireLease(ctx context.Context, namespace, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	s.logger.Debug("sql", "op", "acquire", "table", "sched_lease", "namespace", namespace, "holder", holder)

	nowMs := toMillis(now)
	expires := toMillis(now.Add(ttl))

	var lease *model.Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sched_lease (namespace, holder, token, acquired_at, expires_at)
			 VALUES (?, ?, 1, ?, ?)
			 ON CONFLICT(namespace) DO UPDATE SET
			   token = CASE WHEN sched_lease.holder = excluded.holder AND sched_lease.expires_at > excluded.acquired_at
			                THEN sched_lease.token ELSE sched_lease.token + 1 END,
			   acquired_at = CASE WHEN sched_lease.holder = excluded.holder AND sched_lease.expires_at > excluded.acquired_at
			                THEN sched_lease.acquired_at ELSE excluded.acquired_at END,
			   holder = excluded.holder,
			   expires_at = excluded.expires_at
			 WHERE sched_lease.holder = excluded.holder OR sched_lease.expires_at <= excluded.acquired_at`,
			namespace, holder, nowMs, expires,
		)
		if err != nil {
			return fmt.Errorf("upsert lease %s: %w", namespace, err)
		}
		lease, err = scanLease(tx.QueryRowContext(ctx,
			`SELECT namespace, holder, token, acquired_at, expires_at FROM sched_lease WHERE namespace = ?`,
			namespace))
		return err
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ReleaseLease expires the lease if holder still owns it. The row is kept so
// the next holder's token continues from the current one.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, namespace, holder string) error {
	s.logger.Debug("sql", "op", "release", "table", "sched_lease", "namespace", namespace, "holder", holder)

	_, err := s.db.ExecContext(ctx,
		`UPDATE sched_lease SET expires_at = 0 WHERE namespace = ? AND holder = ?`, namespace, holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", namespace, err)
	}
	return nil
}

func (s *SQLiteStore) GetLease(ctx context.Context, namespace string) (*model.Lease, error) {
	lease, err := scanLease(s.db.QueryRowContext(ctx,
		`SELECT namespace, holder, token, acquired_at, expires_at FROM sched_lease WHERE namespace = ?`,
		namespace))
	if isNoRows(err) {
		return nil, nil
	}
	return lease, err
}

func scanLease(row scanner) (*model.Lease, error) {
	var l model.Lease
	var acquiredAt, expiresAt int64
	if err := row.Scan(&l.Namespace, &l.Holder, &l.Token, &acquiredAt, &expiresAt); err != nil {
		return nil, err
	}
	l.AcquiredAt = fromMillis(acquiredAt)
	l.ExpiresAt = fromMillis(expiresAt)
	return &l, nil
}

func (s *SQLiteStore) UpsertServer(ctx context.Context, node *model.ServerNode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sched_server (id, address, role, last_heartbeat_at, lease_expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   address = excluded.address,
		   role = excluded.role,
		   last_heartbeat_at = excluded.last_heartbeat_at,
		   lease_expires_at = excluded.lease_expires_at`,
		node.ID, node.Address, string(node.Role), toMillis(node.LastHeartbeatAt), nullMillis(node.LeaseExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert server %s: %w", node.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*model.ServerNode, error) {
	node, err := scanServer(s.db.QueryRowContext(ctx,
		`SELECT id, address, role, last_heartbeat_at, lease_expires_at FROM sched_server WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, nil
	}
	return node, err
}

func (s *SQLiteStore) ListServers(ctx context.Context) ([]*model.ServerNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, role, last_heartbeat_at, lease_expires_at FROM sched_server ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*model.ServerNode
	for rows.Next() {
		node, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func scanServer(row scanner) (*model.ServerNode, error) {
	var node model.ServerNode
	var role string
	var lastHeartbeat int64
	var leaseExpires sql.NullInt64
	if err := row.Scan(&node.ID, &node.Address, &role, &lastHeartbeat, &leaseExpires); err != nil {
		return nil, err
	}
	node.Role = model.ServerRole(role)
	node.LastHeartbeatAt = fromMillis(lastHeartbeat)
	node.LeaseExpiresAt = ptrMillis(leaseExpires)
	return &node, nil
}
