// Package dispatch assigns pending task instances to connected agents and
// returns work to the queue when an agent goes away.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gosched/internal/events"
	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

var (
	ErrInstanceNotFound = errors.New("task instance not found")
	ErrAlreadyFinished  = errors.New("task instance already finished")
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetTaskInstance(ctx context.Context, id string) (*model.TaskInstance, error)
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]*model.DispatchCandidate, error)
	ListStaleDispatched(ctx context.Context, before time.Time, limit int) ([]*model.TaskInstance, error)
	ListInflight(ctx context.Context, limit int) ([]*model.TaskInstance, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
	ListInstancesByAgent(ctx context.Context, agentID string, statuses ...model.InstanceStatus) ([]*model.TaskInstance, error)
	CountInflightByAgent(ctx context.Context) (map[string]int, error)
	MarkDispatched(ctx context.Context, fence *model.Fence, instanceID, agentID string, now time.Time) (bool, error)
	RequeueInstance(ctx context.Context, fence *model.Fence, instanceID string, now time.Time) (bool, error)
	CancelPendingInstance(ctx context.Context, instanceID string, now time.Time) (bool, error)
}

// Registry is the set of live agent connections.
type Registry interface {
	Snapshot() []AgentSnapshot
	Send(agentID string, m protocol.Message) error
}

// Config holds dispatch settings.
type Config struct {
	BatchSize     int
	AckTimeout    time.Duration // dispatched instances not acknowledged in time are requeued
	OrphanTimeout time.Duration // in-flight work of agents absent and silent this long is requeued
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 200, AckTimeout: 60 * time.Second, OrphanTimeout: 90 * time.Second}
}

// Report summarises one dispatch cycle.
type Report struct {
	Considered int
	Dispatched int
	NoAgent    int // left pending: no eligible agent
	SendFailed int // reverted to pending after a failed send
}

// Dispatcher matches pending instances to agents.
type Dispatcher struct {
	store    Store
	registry Registry
	scorer   Scorer
	cfg      Config
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastUsed map[string]time.Time
}

// New creates a Dispatcher. A nil scorer selects DefaultScorer.
func New(st Store, reg Registry, scorer Scorer, cfg Config, pub events.Publisher, logger *slog.Logger) *Dispatcher {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Dispatcher{
		store:    st,
		registry: reg,
		scorer:   scorer,
		cfg:      cfg,
		events:   pub,
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
		lastUsed: make(map[string]time.Time),
	}
}

// SetClock replaces the time source (tests).
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// DispatchPending runs one dispatch cycle. Instances with no eligible agent
// stay pending for the next cycle.
func (d *Dispatcher) DispatchPending(ctx context.Context, fence *model.Fence) (Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rep Report
	now := d.now().UTC()

	candidates, err := d.store.ListDispatchable(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list dispatchable: %w", err)
	}
	if len(candidates) == 0 {
		return rep, nil
	}

	agents := d.registry.Snapshot()
	inflight, err := d.store.CountInflightByAgent(ctx)
	if err != nil {
		return rep, fmt.Errorf("count inflight: %w", err)
	}
	broken := make(map[string]bool)

	for _, c := range candidates {
		rep.Considered++
		var chosen string
		for _, r := range rank(agents, inflight, d.lastUsed, c.Task.Config.Tags, d.scorer) {
			if !broken[r.agent.ID] {
				chosen = r.agent.ID
				break
			}
		}
		if chosen == "" {
			rep.NoAgent++
			continue
		}

		ok, err := d.store.MarkDispatched(ctx, fence, c.Instance.ID, chosen, now)
		if err != nil {
			return rep, fmt.Errorf("mark dispatched %s: %w", c.Instance.ID, err)
		}
		if !ok {
			continue
		}

		if err := d.registry.Send(chosen, dispatchMessage(c)); err != nil {
			d.logger.Warn("dispatch send failed", "instance_id", c.Instance.ID, "agent_id", chosen, "error", err)
			broken[chosen] = true
			rep.SendFailed++
			if _, rerr := d.store.RequeueInstance(ctx, fence, c.Instance.ID, now); rerr != nil {
				return rep, fmt.Errorf("requeue %s: %w", c.Instance.ID, rerr)
			}
			continue
		}

		inflight[chosen]++
		d.lastUsed[chosen] = now
		rep.Dispatched++
		d.logger.Info("instance dispatched", "instance_id", c.Instance.ID, "task_id", c.Task.ID,
			"agent_id", chosen, "attempt", c.Instance.Attempt)
		d.events.Publish(ctx, events.Event{
			Kind: events.InstanceDispatched, Time: now, JobID: c.Task.JobID, TaskID: c.Task.ID,
			TaskInstanceID: c.Instance.ID, AgentID: chosen,
		})
	}
	return rep, nil
}

func dispatchMessage(c *model.DispatchCandidate) *protocol.DispatchTask {
	cfg := c.Task.Config
	return &protocol.DispatchTask{
		TaskInstanceID: c.Instance.ID,
		TaskID:         c.Task.ID,
		JobID:          c.Task.JobID,
		Attempt:        c.Instance.Attempt,
		Command:        cfg.Command,
		Args:           cfg.Args,
		Env:            cfg.Env,
		Parameters:     c.Task.Parameters,
		TimeoutSecs:    cfg.TimeoutSecs,
		Limits:         cfg.Limits,
		CaptureOutput:  cfg.CaptureOutput,
		MaxOutputBytes: cfg.MaxOutputBytes,
		ScheduledTime:  c.Task.ScheduledTime.UnixMilli(),
	}
}

// RequeueAgent returns every dispatched or running instance of a lost agent
// to the queue.
func (d *Dispatcher) RequeueAgent(ctx context.Context, fence *model.Fence, agentID string) (int, error) {
	insts, err := d.store.ListInstancesByAgent(ctx, agentID,
		model.InstanceStatusDispatched, model.InstanceStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list instances of %s: %w", agentID, err)
	}

	now := d.now().UTC()
	n := 0
	for _, inst := range insts {
		ok, err := d.store.RequeueInstance(ctx, fence, inst.ID, now)
		if err != nil {
			return n, fmt.Errorf("requeue %s: %w", inst.ID, err)
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		d.logger.Warn("requeued instances of lost agent", "agent_id", agentID, "count", n)
	}
	return n, nil
}

// RequeueStale requeues dispatched instances whose agent never acknowledged
// them within the ack timeout. The agent is told to drop the instance in
// case it is merely slow.
func (d *Dispatcher) RequeueStale(ctx context.Context, fence *model.Fence) (int, error) {
	now := d.now().UTC()
	stale, err := d.store.ListStaleDispatched(ctx, now.Add(-d.cfg.AckTimeout), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}

	n := 0
	for _, inst := range stale {
		ok, err := d.store.RequeueInstance(ctx, fence, inst.ID, now)
		if err != nil {
			return n, fmt.Errorf("requeue %s: %w", inst.ID, err)
		}
		if !ok {
			continue
		}
		n++
		d.logger.Warn("dispatch not acknowledged, requeued", "instance_id", inst.ID, "agent_id", inst.AgentID)
		d.dropOnAgent(inst, "dispatch not acknowledged")
	}
	return n, nil
}

// RequeueOrphaned requeues dispatched and running instances whose agent has
// no session here and has not sent a heartbeat within the orphan timeout.
// It covers work left behind by a previous leader or by an agent that never
// came back.
func (d *Dispatcher) RequeueOrphaned(ctx context.Context, fence *model.Fence) (int, error) {
	insts, err := d.store.ListInflight(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list inflight: %w", err)
	}
	if len(insts) == 0 {
		return 0, nil
	}

	connected := make(map[string]bool)
	for _, a := range d.registry.Snapshot() {
		connected[a.ID] = true
	}
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	lastSeen := make(map[string]time.Time, len(agents))
	for _, a := range agents {
		if a.LastHeartbeatAt != nil {
			lastSeen[a.ID] = *a.LastHeartbeatAt
		}
	}

	now := d.now().UTC()
	cutoff := now.Add(-d.cfg.OrphanTimeout)
	n := 0
	for _, inst := range insts {
		if connected[inst.AgentID] {
			continue
		}
		if seen, ok := lastSeen[inst.AgentID]; ok && seen.After(cutoff) {
			continue
		}
		ok, err := d.store.RequeueInstance(ctx, fence, inst.ID, now)
		if err != nil {
			return n, fmt.Errorf("requeue %s: %w", inst.ID, err)
		}
		if ok {
			n++
			d.logger.Warn("orphaned instance requeued", "instance_id", inst.ID,
				"agent_id", inst.AgentID, "status", inst.Status)
		}
	}
	return n, nil
}

// Requeue returns one dispatched or running instance to the queue and tells
// its agent to drop it.
func (d *Dispatcher) Requeue(ctx context.Context, fence *model.Fence, inst *model.TaskInstance, reason string) (bool, error) {
	ok, err := d.store.RequeueInstance(ctx, fence, inst.ID, d.now().UTC())
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", inst.ID, err)
	}
	if ok {
		d.logger.Warn("instance requeued", "instance_id", inst.ID, "agent_id", inst.AgentID, "reason", reason)
		d.dropOnAgent(inst, reason)
	}
	return ok, nil
}

// dropOnAgent is a best-effort cancel for an instance taken away from its agent.
func (d *Dispatcher) dropOnAgent(inst *model.TaskInstance, reason string) {
	err := d.registry.Send(inst.AgentID, &protocol.Command{
		Command: protocol.CommandCancel, TaskInstanceID: inst.ID, Reason: reason,
	})
	if err != nil {
		d.logger.Debug("cancel not delivered", "instance_id", inst.ID, "agent_id", inst.AgentID, "error", err)
	}
}

// CancelInstance cancels a pending instance directly, or asks the owning
// agent to stop a dispatched or running one. The final status of the latter
// arrives with the agent's update.
func (d *Dispatcher) CancelInstance(ctx context.Context, id, reason string) (*model.TaskInstance, error) {
	inst, err := d.store.GetTaskInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	if inst == nil {
		return nil, ErrInstanceNotFound
	}
	if inst.Status.IsTerminal() {
		return inst, ErrAlreadyFinished
	}

	if inst.Status == model.InstanceStatusPending {
		ok, err := d.store.CancelPendingInstance(ctx, id, d.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("cancel %s: %w", id, err)
		}
		if ok {
			d.logger.Info("pending instance cancelled", "instance_id", id)
			return d.store.GetTaskInstance(ctx, id)
		}
		// Dispatched meanwhile; fall through to the agent path.
		if inst, err = d.store.GetTaskInstance(ctx, id); err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, ErrAlreadyFinished
		}
	}

	if reason == "" {
		reason = "cancelled by user"
	}
	if err := d.registry.Send(inst.AgentID, &protocol.Command{
		Command: protocol.CommandCancel, TaskInstanceID: id, Reason: reason,
	}); err != nil {
		return inst, fmt.Errorf("send cancel to %s: %w", inst.AgentID, err)
	}
	d.logger.Info("cancel sent", "instance_id", id, "agent_id", inst.AgentID)
	return inst, nil
}
