package protocol

import (
	"fmt"

	"github.com/me/gosched/pkg/model"
)

// Capabilities is what an agent declares at registration.
type Capabilities struct {
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	Tags               []string `json:"tags,omitempty"`
	OS                 string   `json:"os,omitempty"`
	Arch               string   `json:"arch,omitempty"`
}

// AgentRegister is the first frame an agent sends after connecting.
type AgentRegister struct {
	AgentID      string       `json:"agent_id"`
	Capabilities Capabilities `json:"capabilities"`
	Address      string       `json:"address,omitempty"`
	Hostname     string       `json:"hostname,omitempty"`
	Version      string       `json:"version,omitempty"`
	AuthToken    string       `json:"auth_token"`
}

func (*AgentRegister) Kind() Kind { return KindAgentRegister }

func (m *AgentRegister) Validate() error {
	if err := required("agent_id", m.AgentID); err != nil {
		return err
	}
	if err := required("auth_token", m.AuthToken); err != nil {
		return err
	}
	if m.Capabilities.MaxConcurrentTasks < 0 {
		return fmt.Errorf("max_concurrent_tasks must not be negative")
	}
	return nil
}

// AgentRegisterResponse answers a successful registration, or redirects the
// agent to the current leader.
type AgentRegisterResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	ServerID      string `json:"server_id,omitempty"`
	ServerTime    int64  `json:"server_time"`
	LeaderAddress string `json:"leader_address,omitempty"`
}

func (*AgentRegisterResponse) Kind() Kind { return KindAgentRegisterResponse }

func (*AgentRegisterResponse) Validate() error { return nil }

// Heartbeat reports agent liveness and load.
type Heartbeat struct {
	AgentID            string   `json:"agent_id"`
	Timestamp          int64    `json:"timestamp"`
	RunningTasks       int      `json:"running_tasks"`
	RunningInstanceIDs []string `json:"running_instance_ids,omitempty"`
	CPUPercent         float64  `json:"cpu_percent"`
	MemPercent         float64  `json:"mem_percent"`
}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }

func (m *Heartbeat) Validate() error {
	return required("agent_id", m.AgentID)
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	ServerTime int64 `json:"server_time"`
}

func (*HeartbeatResponse) Kind() Kind { return KindHeartbeatResponse }

func (*HeartbeatResponse) Validate() error { return nil }

// DispatchTask carries a fully resolved task. TaskInstanceID is the
// idempotency key agents de-duplicate on.
type DispatchTask struct {
	TaskInstanceID string                `json:"task_instance_id"`
	TaskID         string                `json:"task_id"`
	JobID          string                `json:"job_id"`
	Attempt        int                   `json:"attempt"`
	Command        string                `json:"command"`
	Args           []string              `json:"args,omitempty"`
	Env            map[string]string     `json:"env,omitempty"`
	Parameters     map[string]any        `json:"parameters,omitempty"`
	TimeoutSecs    int                   `json:"timeout_secs,omitempty"`
	Limits         *model.ResourceLimits `json:"limits,omitempty"`
	CaptureOutput  bool                  `json:"capture_output,omitempty"`
	MaxOutputBytes int64                 `json:"max_output_bytes,omitempty"`
	ScheduledTime  int64                 `json:"scheduled_time"`
}

func (*DispatchTask) Kind() Kind { return KindDispatchTask }

func (m *DispatchTask) Validate() error {
	if err := required("task_instance_id", m.TaskInstanceID); err != nil {
		return err
	}
	if err := required("task_id", m.TaskID); err != nil {
		return err
	}
	if err := required("command", m.Command); err != nil {
		return err
	}
	if m.TimeoutSecs < 0 {
		return fmt.Errorf("timeout_secs must not be negative")
	}
	return nil
}

// TaskInstanceUpdate reports a status change of a dispatched instance. A
// RUNNING update doubles as the dispatch acknowledgement.
type TaskInstanceUpdate struct {
	TaskInstanceID string               `json:"task_instance_id"`
	TaskID         string               `json:"task_id,omitempty"`
	AgentID        string               `json:"agent_id"`
	Status         model.InstanceStatus `json:"status"`
	Timestamp      int64                `json:"timestamp"`
	StartedAt      *int64               `json:"started_at,omitempty"`
	FinishedAt     *int64               `json:"finished_at,omitempty"`
	ExitCode       *int                 `json:"exit_code,omitempty"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	Output         string               `json:"output,omitempty"`

	// LastSequence is the final log sequence per stream, set on terminal
	// updates so trailing lines lost in transit are recorded as a gap.
	LastSequence map[model.LogStream]int64 `json:"last_sequence,omitempty"`
}

func (*TaskInstanceUpdate) Kind() Kind { return KindTaskInstanceUpdate }

func (m *TaskInstanceUpdate) Validate() error {
	if err := required("task_instance_id", m.TaskInstanceID); err != nil {
		return err
	}
	if _, ok := model.ParseInstanceStatus(string(m.Status)); !ok {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	if m.Status == model.InstanceStatusPending || m.Status == model.InstanceStatusDispatched {
		return fmt.Errorf("agents cannot report status %s", m.Status)
	}
	return nil
}

// LogMessage is one captured output line. Sequence starts at 1 for each
// (task_instance_id, stream) pair.
type LogMessage struct {
	TaskInstanceID string          `json:"task_instance_id"`
	Stream         model.LogStream `json:"stream"`
	Content        string          `json:"content"`
	Sequence       int64           `json:"sequence"`
	Timestamp      int64           `json:"timestamp"`
}

func (*LogMessage) Kind() Kind { return KindLogMessage }

func (m *LogMessage) Validate() error {
	if err := required("task_instance_id", m.TaskInstanceID); err != nil {
		return err
	}
	if !m.Stream.Valid() {
		return fmt.Errorf("unknown stream %q", m.Stream)
	}
	if m.Sequence < 1 {
		return fmt.Errorf("sequence must be >= 1, got %d", m.Sequence)
	}
	return nil
}

// CommandKind is the action requested by a Command.
type CommandKind string

const (
	CommandCancel   CommandKind = "cancel"
	CommandPause    CommandKind = "pause"
	CommandResume   CommandKind = "resume"
	CommandShutdown CommandKind = "shutdown"
)

// Command is a server to agent control request. Delivery is best-effort.
type Command struct {
	Command        CommandKind `json:"command"`
	TaskInstanceID string      `json:"task_instance_id,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

func (*Command) Kind() Kind { return KindCommand }

func (m *Command) Validate() error {
	switch m.Command {
	case CommandCancel, CommandPause, CommandResume:
		return required("task_instance_id", m.TaskInstanceID)
	case CommandShutdown:
		return nil
	}
	return fmt.Errorf("unknown command %q", m.Command)
}
