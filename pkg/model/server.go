package model

import "time"

// ServerNode is a scheduler process taking part in election.
type ServerNode struct {
	ID              string     `json:"id"`
	Address         string     `json:"address"`
	Role            ServerRole `json:"role"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
}

// Lease is the leadership record of a namespace. Token increases every time
// a different holder takes over (or the lease is re-acquired after expiry).
type Lease struct {
	Namespace  string    `json:"namespace"`
	Holder     string    `json:"holder"`
	Token      int64     `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Valid reports whether the lease is unexpired at now.
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Fence returns the fencing credential for the lease.
func (l *Lease) Fence() Fence {
	return Fence{Namespace: l.Namespace, Holder: l.Holder, Token: l.Token}
}

// Fence is presented with every leader-gated write. The store rejects the
// write unless the lease row still matches it and has not expired.
type Fence struct {
	Namespace string
	Holder    string
	Token     int64
}

// LogStream is the output stream a log line came from.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// Valid reports whether s is a known stream.
func (s LogStream) Valid() bool {
	return s == LogStreamStdout || s == LogStreamStderr
}

// LogGap records a range of sequence numbers that never arrived.
type LogGap struct {
	TaskInstanceID string    `json:"task_instance_id"`
	Stream         LogStream `json:"stream"`
	From           int64     `json:"from"`
	To             int64     `json:"to"`
	Reason         string    `json:"reason"`
	RecordedAt     time.Time `json:"recorded_at"`
}
