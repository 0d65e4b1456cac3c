package model

import "time"

// Task is one resolved scheduling decision: run this Job at ScheduledTime.
// (ScheduleID, ScheduledTime) is unique; event tasks have no schedule.
type Task struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	ScheduleID    string          `json:"schedule_id,omitempty"`
	Namespace     string          `json:"namespace"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Status        TaskStatus      `json:"status"`
	Priority      int             `json:"priority"`
	Parameters    map[string]any  `json:"parameters,omitempty"`
	Config        ExecConfig      `json:"config"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Instances     []*TaskInstance `json:"instances,omitempty"`
}

// TaskInstance is one physical execution attempt of a Task on one Agent.
type TaskInstance struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	Attempt      int            `json:"attempt"`
	Status       InstanceStatus `json:"status"`
	AvailableAt  time.Time      `json:"available_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Output       string         `json:"output,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DispatchCandidate pairs a dispatchable instance with its owning task.
type DispatchCandidate struct {
	Instance *TaskInstance
	Task     *Task
}

// InstanceCompletion is the atomic write applied when an instance reaches a
// terminal status: the instance result, the task outcome, and an optional
// retry instance.
type InstanceCompletion struct {
	InstanceID   string
	AgentID      string // empty skips the owner check
	Status       InstanceStatus
	ExitCode     *int
	ErrorMessage string
	Output       string
	FinishedAt   time.Time

	TaskID     string
	TaskStatus TaskStatus // empty leaves the task unchanged
	RetryCount int
	Retry      *TaskInstance
}

// InstanceProgress is a non-terminal status change reported by an agent.
type InstanceProgress struct {
	InstanceID string
	AgentID    string
	Status     InstanceStatus
	StartedAt  *time.Time
}
