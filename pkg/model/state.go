package model

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusDoing     TaskStatus = "DOING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusDoing, TaskStatusCancelled},
	TaskStatusDoing:   {TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	return contains(ValidTaskTransitions[s], next)
}

// InstanceStatus represents the lifecycle state of a TaskInstance.
type InstanceStatus string

const (
	InstanceStatusPending    InstanceStatus = "PENDING"
	InstanceStatusDispatched InstanceStatus = "DISPATCHED"
	InstanceStatusRunning    InstanceStatus = "RUNNING"
	InstanceStatusSucceeded  InstanceStatus = "SUCCEEDED"
	InstanceStatusFailed     InstanceStatus = "FAILED"
	InstanceStatusTimeout    InstanceStatus = "TIMEOUT"
	InstanceStatusCancelled  InstanceStatus = "CANCELLED"
)

// String returns the string representation of the instance status.
func (s InstanceStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the instance is in a final state.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusTimeout, InstanceStatusCancelled:
		return true
	}
	return false
}

// Retryable reports whether a terminal status counts as an execution
// failure for the retry policy.
func (s InstanceStatus) Retryable() bool {
	return s == InstanceStatusFailed || s == InstanceStatusTimeout
}

// ValidInstanceTransitions defines the allowed state transitions for
// TaskInstances. Dispatched and Running may fall back to Pending when the
// owning agent is lost (requeue).
var ValidInstanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusPending: {InstanceStatusDispatched, InstanceStatusCancelled},
	InstanceStatusDispatched: {
		InstanceStatusRunning, InstanceStatusPending,
		InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusTimeout, InstanceStatusCancelled,
	},
	InstanceStatusRunning: {
		InstanceStatusPending,
		InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusTimeout, InstanceStatusCancelled,
	},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	return contains(ValidInstanceTransitions[s], next)
}

// ParseInstanceStatus returns the status named by s and whether it is known.
func ParseInstanceStatus(s string) (InstanceStatus, bool) {
	st := InstanceStatus(s)
	switch st {
	case InstanceStatusPending, InstanceStatusDispatched, InstanceStatusRunning,
		InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusTimeout, InstanceStatusCancelled:
		return st, true
	}
	return "", false
}

// ScheduleStatus represents the lifecycle state of a Schedule.
type ScheduleStatus string

const (
	ScheduleStatusCreated   ScheduleStatus = "CREATED"
	ScheduleStatusEnabled   ScheduleStatus = "ENABLED"
	ScheduleStatusDisabled  ScheduleStatus = "DISABLED"
	ScheduleStatusExpired   ScheduleStatus = "EXPIRED"
	ScheduleStatusCompleted ScheduleStatus = "COMPLETED"
)

// IsFinal returns true once a schedule can never generate again.
func (s ScheduleStatus) IsFinal() bool {
	return s == ScheduleStatusExpired || s == ScheduleStatusCompleted
}

// ValidScheduleTransitions defines the allowed state transitions for Schedules.
var ValidScheduleTransitions = map[ScheduleStatus][]ScheduleStatus{
	ScheduleStatusCreated:  {ScheduleStatusEnabled, ScheduleStatusDisabled},
	ScheduleStatusEnabled:  {ScheduleStatusDisabled, ScheduleStatusExpired, ScheduleStatusCompleted},
	ScheduleStatusDisabled: {ScheduleStatusEnabled, ScheduleStatusExpired},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s ScheduleStatus) CanTransitionTo(next ScheduleStatus) bool {
	return contains(ValidScheduleTransitions[s], next)
}

// AgentStatus is the connection status of an Agent as seen by the gateway.
type AgentStatus string

const (
	AgentStatusOnline    AgentStatus = "ONLINE"
	AgentStatusUnhealthy AgentStatus = "UNHEALTHY"
	AgentStatusOffline   AgentStatus = "OFFLINE"
	AgentStatusDisabled  AgentStatus = "DISABLED"
)

// ServerRole is the election role of a scheduler process.
type ServerRole string

const (
	ServerRoleLeader   ServerRole = "LEADER"
	ServerRoleFollower ServerRole = "FOLLOWER"
)

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
