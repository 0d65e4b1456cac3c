package store

import (
	"context"
	"errors"
	"time"

	"github.com/me/gosched/pkg/model"
)

// ErrFenced is returned by a leader-gated write whose fence no longer
// matches an unexpired lease.
var ErrFenced = errors.New("store: lease fence rejected")

// Store defines the persistence interface for the scheduler.
//
// Getters return (nil, nil) when the row does not exist. Methods that take a
// *model.Fence run only while that fence matches the current, unexpired
// lease of its namespace; a nil fence skips the check.
type Store interface {
	// Job operations
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)
	UpdateJob(ctx context.Context, job *model.Job) error

	// Schedule operations
	CreateSchedule(ctx context.Context, sched *model.Schedule) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedulesByJob(ctx context.Context, jobID string) ([]*model.Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]*model.Schedule, error)
	UpdateScheduleStatus(ctx context.Context, id string, status model.ScheduleStatus, now time.Time) error
	UpdateScheduleProgress(ctx context.Context, fence *model.Fence, p model.ScheduleProgress, now time.Time) error

	// Task operations
	InsertTask(ctx context.Context, fence *model.Fence, task *model.Task) (bool, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasksBySchedule(ctx context.Context, scheduleID string) ([]*model.Task, error)
	CountOpenTasks(ctx context.Context, scheduleID string) (int, error)
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	StartTask(ctx context.Context, fence *model.Fence, taskID string, inst *model.TaskInstance) (bool, error)

	// TaskInstance operations
	GetTaskInstance(ctx context.Context, id string) (*model.TaskInstance, error)
	ListInstancesByTask(ctx context.Context, taskID string) ([]*model.TaskInstance, error)
	ListInstancesByAgent(ctx context.Context, agentID string, statuses ...model.InstanceStatus) ([]*model.TaskInstance, error)
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]*model.DispatchCandidate, error)
	ListStaleDispatched(ctx context.Context, before time.Time, limit int) ([]*model.TaskInstance, error)
	ListInflight(ctx context.Context, limit int) ([]*model.TaskInstance, error)
	CountInflightByAgent(ctx context.Context) (map[string]int, error)
	MarkDispatched(ctx context.Context, fence *model.Fence, instanceID, agentID string, now time.Time) (bool, error)
	RequeueInstance(ctx context.Context, fence *model.Fence, instanceID string, now time.Time) (bool, error)
	MarkRunning(ctx context.Context, p model.InstanceProgress, now time.Time) (bool, error)
	CompleteInstance(ctx context.Context, c model.InstanceCompletion, now time.Time) (bool, error)
	CancelPendingInstance(ctx context.Context, instanceID string, now time.Time) (bool, error)

	// Agent operations
	UpsertAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id string, m model.AgentMetrics, now time.Time) error
	SetAgentStatus(ctx context.Context, id string, status model.AgentStatus) error

	// Server and lease operations
	UpsertServer(ctx context.Context, node *model.ServerNode) error
	GetServer(ctx context.Context, id string) (*model.ServerNode, error)
	ListServers(ctx context.Context) ([]*model.ServerNode, error)
	TryAcquireLease(ctx context.Context, namespace, holder string, ttl time.Duration, now time.Time) (*model.Lease, error)
	ReleaseLease(ctx context.Context, namespace, holder string) error
	GetLease(ctx context.Context, namespace string) (*model.Lease, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
