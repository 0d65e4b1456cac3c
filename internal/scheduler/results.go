package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/gosched/internal/events"
	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

// ResultStore is the persistence Results needs.
type ResultStore interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskInstance(ctx context.Context, id string) (*model.TaskInstance, error)
	ListInstancesByAgent(ctx context.Context, agentID string, statuses ...model.InstanceStatus) ([]*model.TaskInstance, error)
	MarkRunning(ctx context.Context, p model.InstanceProgress, now time.Time) (bool, error)
	CompleteInstance(ctx context.Context, c model.InstanceCompletion, now time.Time) (bool, error)
}

// Requeuer returns a lost agent's work to the queue.
type Requeuer interface {
	RequeueAgent(ctx context.Context, fence *model.Fence, agentID string) (int, error)
	Requeue(ctx context.Context, fence *model.Fence, inst *model.TaskInstance, reason string) (bool, error)
}

// LogSink receives streamed log lines.
type LogSink interface {
	Receive(m *protocol.LogMessage) error
	Finish(instanceID string, last map[model.LogStream]int64)
}

// Results applies what agents report: acknowledgements, terminal results
// with the retry policy, log lines, and connection loss.
type Results struct {
	store    ResultStore
	leader   Leadership
	requeuer Requeuer
	logs     LogSink
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	missing map[string]map[string]bool // agent id -> running instances absent from its last heartbeat
}

// NewResults creates a Results handler.
func NewResults(st ResultStore, leader Leadership, requeuer Requeuer, logs LogSink, pub events.Publisher, logger *slog.Logger) *Results {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Results{
		store:    st,
		leader:   leader,
		requeuer: requeuer,
		logs:     logs,
		events:   pub,
		logger:   logger.With("component", "results"),
		now:      time.Now,
		missing:  make(map[string]map[string]bool),
	}
}

// SetClock replaces the time source (tests).
func (r *Results) SetClock(now func() time.Time) {
	r.now = now
}

// InstanceUpdate applies one status report. Duplicate and late reports are
// ignored by the store's conditional updates.
func (r *Results) InstanceUpdate(ctx context.Context, agentID string, u *protocol.TaskInstanceUpdate) {
	if err := r.apply(ctx, agentID, u); err != nil {
		r.logger.Error("apply instance update", "instance_id", u.TaskInstanceID,
			"agent_id", agentID, "status", u.Status, "error", err)
	}
}

func (r *Results) apply(ctx context.Context, agentID string, u *protocol.TaskInstanceUpdate) error {
	now := r.now().UTC()

	if u.Status == model.InstanceStatusRunning {
		ok, err := r.store.MarkRunning(ctx, model.InstanceProgress{
			InstanceID: u.TaskInstanceID,
			AgentID:    agentID,
			Status:     u.Status,
			StartedAt:  millisPtr(u.StartedAt),
		}, now)
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Debug("stale running report ignored", "instance_id", u.TaskInstanceID, "agent_id", agentID)
		}
		return nil
	}

	inst, err := r.store.GetTaskInstance(ctx, u.TaskInstanceID)
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if inst == nil || inst.Status.IsTerminal() || inst.AgentID != agentID {
		r.logger.Debug("stale result ignored", "instance_id", u.TaskInstanceID, "agent_id", agentID)
		return nil
	}
	task, err := r.store.GetTask(ctx, inst.TaskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", inst.TaskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %s of instance %s not found", inst.TaskID, inst.ID)
	}

	finished := now
	if f := millisPtr(u.FinishedAt); f != nil {
		finished = *f
	}
	c := model.InstanceCompletion{
		InstanceID:   inst.ID,
		AgentID:      agentID,
		Status:       u.Status,
		ExitCode:     u.ExitCode,
		ErrorMessage: u.ErrorMessage,
		Output:       u.Output,
		FinishedAt:   finished,
		TaskID:       task.ID,
		RetryCount:   task.RetryCount,
	}
	applyRetryPolicy(&c, inst, task, now)

	ok, err := r.store.CompleteInstance(ctx, c, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	r.logs.Finish(inst.ID, u.LastSequence)
	r.logger.Info("instance finished", "instance_id", inst.ID, "task_id", task.ID,
		"status", c.Status, "attempt", inst.Attempt, "task_status", c.TaskStatus, "retry", c.Retry != nil)
	r.events.Publish(ctx, events.Event{
		Kind: events.InstanceFinished, Time: now, JobID: task.JobID, TaskID: task.ID,
		TaskInstanceID: inst.ID, AgentID: agentID, Status: string(c.Status),
	})
	return nil
}

// applyRetryPolicy decides the task outcome of a terminal instance: a new
// attempt while retries remain, otherwise a final task status.
func applyRetryPolicy(c *model.InstanceCompletion, inst *model.TaskInstance, task *model.Task, now time.Time) {
	switch {
	case c.Status == model.InstanceStatusSucceeded:
		c.TaskStatus = model.TaskStatusSucceeded
	case c.Status == model.InstanceStatusCancelled:
		c.TaskStatus = model.TaskStatusCancelled
	case c.Status.Retryable() && task.RetryCount < task.Config.MaxRetries:
		c.RetryCount = task.RetryCount + 1
		c.Retry = &model.TaskInstance{
			ID:          "ti_" + uuid.New().String(),
			TaskID:      task.ID,
			Attempt:     inst.Attempt + 1,
			Status:      model.InstanceStatusPending,
			AvailableAt: c.FinishedAt.Add(task.Config.RetryInterval()),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	default:
		c.TaskStatus = model.TaskStatusFailed
	}
}

// Log forwards a log line to the reorder pipeline.
func (r *Results) Log(agentID string, m *protocol.LogMessage) {
	if err := r.logs.Receive(m); err != nil {
		r.logger.Warn("log line dropped", "agent_id", agentID, "instance_id", m.TaskInstanceID, "error", err)
	}
}

// AgentLost requeues the work of a disconnected agent.
func (r *Results) AgentLost(agentID string) {
	fence, ok := r.leader.Fence()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.requeuer.RequeueAgent(ctx, fence, agentID); err != nil {
		r.logger.Error("requeue lost agent", "agent_id", agentID, "error", err)
	}

	r.mu.Lock()
	delete(r.missing, agentID)
	r.mu.Unlock()
}

// RunningReport compares the instances an agent says it runs with the
// RUNNING rows assigned to it. A row missing from two consecutive reports is
// requeued; a single miss may be a terminal update still in flight.
func (r *Results) RunningReport(ctx context.Context, agentID string, running []string) {
	fence, ok := r.leader.Fence()
	if !ok {
		return
	}
	insts, err := r.store.ListInstancesByAgent(ctx, agentID, model.InstanceStatusRunning)
	if err != nil {
		r.logger.Error("list running instances", "agent_id", agentID, "error", err)
		return
	}

	reported := make(map[string]bool, len(running))
	for _, id := range running {
		reported[id] = true
	}

	r.mu.Lock()
	prev := r.missing[agentID]
	absent := make(map[string]bool)
	var lost []*model.TaskInstance
	for _, inst := range insts {
		if reported[inst.ID] {
			continue
		}
		if prev[inst.ID] {
			lost = append(lost, inst)
			continue
		}
		absent[inst.ID] = true
	}
	if len(absent) == 0 {
		delete(r.missing, agentID)
	} else {
		r.missing[agentID] = absent
	}
	r.mu.Unlock()

	for _, inst := range lost {
		if _, err := r.requeuer.Requeue(ctx, fence, inst, "not running on agent"); err != nil {
			r.logger.Error("requeue missing instance", "instance_id", inst.ID, "agent_id", agentID, "error", err)
		}
	}
}

func millisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
