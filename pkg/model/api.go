package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	Status string // Optional status filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	Name              string            `json:"name" yaml:"name"`
	Namespace         string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Command           string            `json:"command" yaml:"command"`
	Args              []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	TimeoutSecs       int               `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty"`
	MaxRetries        int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryIntervalSecs int               `json:"retry_interval_secs,omitempty" yaml:"retry_interval_secs,omitempty"`
	CaptureOutput     bool              `json:"capture_output,omitempty" yaml:"capture_output,omitempty"`
	MaxOutputBytes    int64             `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
	Tags              []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Limits            *ResourceLimits   `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// CreateScheduleRequest is the body of POST /api/v1/schedules.
type CreateScheduleRequest struct {
	JobID        string         `json:"job_id"`
	Name         string         `json:"name,omitempty"`
	Kind         ScheduleKind   `json:"kind"`
	CronExpr     string         `json:"cron_expr,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`
	IntervalSecs int            `json:"interval_secs,omitempty"`
	MaxCount     int            `json:"max_count,omitempty"`
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Enabled      bool           `json:"enabled"`
}

// UpdateScheduleStatusRequest is the body of PUT /api/v1/schedules/{id}/status.
type UpdateScheduleStatusRequest struct {
	Status ScheduleStatus `json:"status"`
}

// TriggerJobRequest is the body of POST /api/v1/jobs/{id}/trigger.
type TriggerJobRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

// GenerateTokenRequest is the body of POST /internal/auth/generate-token.
type GenerateTokenRequest struct {
	AgentID       string   `json:"agent_id"`
	ExpirySeconds *int64   `json:"expiry_seconds,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
}

// GenerateTokenResponse is returned by the token endpoint.
type GenerateTokenResponse struct {
	Token     string     `json:"token"`
	AgentID   string     `json:"agent_id"`
	TokenType string     `json:"token_type"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
}

// ClusterStatus is returned by GET /api/v1/cluster.
type ClusterStatus struct {
	ServerID string        `json:"server_id"`
	IsLeader bool          `json:"is_leader"`
	Lease    *Lease        `json:"lease,omitempty"`
	Servers  []*ServerNode `json:"servers"`
}
