package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/gosched/internal/events"
	"github.com/me/gosched/internal/store"
	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRegistry struct {
	mu      sync.Mutex
	agents  []AgentSnapshot
	fail    map[string]bool
	sent    map[string][]protocol.Message
	sendErr error
}

func newFakeRegistry(agents ...AgentSnapshot) *fakeRegistry {
	return &fakeRegistry{
		agents:  agents,
		fail:    map[string]bool{},
		sent:    map[string][]protocol.Message{},
		sendErr: errors.New("connection closed"),
	}
}

func (r *fakeRegistry) Snapshot() []AgentSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AgentSnapshot(nil), r.agents...)
}

func (r *fakeRegistry) Send(agentID string, m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[agentID] {
		return r.sendErr
	}
	r.sent[agentID] = append(r.sent[agentID], m)
	return nil
}

func (r *fakeRegistry) count(agentID string, kind protocol.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent[agentID] {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

func online(id string, max int, tags ...string) AgentSnapshot {
	return AgentSnapshot{ID: id, Status: model.AgentStatusOnline, MaxConcurrentTasks: max, Tags: tags}
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seed creates n due tasks each with a pending first instance ti_<i>.
func seed(t *testing.T, st *store.SQLiteStore, n int, tags ...string) {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{
		ID: "job_1", Name: "j", Namespace: "default", Command: "true", Tags: tags,
		Enabled: true, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for i := 0; i < n; i++ {
		task := &model.Task{
			ID: fmt.Sprintf("task_%d", i), JobID: job.ID, Namespace: "default",
			ScheduledTime: t0, Status: model.TaskStatusPending, Config: job.ExecConfig(),
			CreatedAt: t0, UpdatedAt: t0,
		}
		if _, err := st.InsertTask(ctx, nil, task); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}
		inst := &model.TaskInstance{
			ID: fmt.Sprintf("ti_%d", i), TaskID: task.ID, Attempt: 1, Status: model.InstanceStatusPending,
			AvailableAt: t0, CreatedAt: t0.Add(time.Duration(i) * time.Millisecond), UpdatedAt: t0,
		}
		if _, err := st.StartTask(ctx, nil, task.ID, inst); err != nil {
			t.Fatalf("StartTask: %v", err)
		}
	}
}

func newDispatcher(st Store, reg Registry, rec *events.Recorder) *Dispatcher {
	var pub events.Publisher = events.Nop{}
	if rec != nil {
		pub = rec
	}
	d := New(st, reg, nil, DefaultConfig(), pub, discard())
	d.SetClock(func() time.Time { return t0.Add(time.Second) })
	return d
}

func status(t *testing.T, st *store.SQLiteStore, id string) *model.TaskInstance {
	t.Helper()
	inst, err := st.GetTaskInstance(context.Background(), id)
	if err != nil || inst == nil {
		t.Fatalf("GetTaskInstance %s: %v", id, err)
	}
	return inst
}

func TestDefaultScorer(t *testing.T) {
	s := DefaultScorer()
	idle := online("idle", 4)
	busy := online("busy", 4)
	busy.CPUPercent = 90
	if s.Score(idle, 0) >= s.Score(busy, 0) {
		t.Error("busy agent should score higher than idle agent")
	}
	if got := s.Score(online("a", 4), 2); got != 0.3 {
		t.Errorf("score = %v, want 0.3", got)
	}
	// Reported running tasks win over a lower in-flight count.
	reported := online("r", 4)
	reported.RunningTasks = 4
	if got := s.Score(reported, 1); got != 0.6 {
		t.Errorf("score = %v, want 0.6", got)
	}
}

func TestEligibility(t *testing.T) {
	unhealthy := online("u", 2)
	unhealthy.Status = model.AgentStatusUnhealthy
	tests := []struct {
		name     string
		agent    AgentSnapshot
		inflight int
		tags     []string
		want     bool
	}{
		{"online with slot", online("a", 2), 1, nil, true},
		{"full", online("a", 2), 2, nil, false},
		{"unhealthy", unhealthy, 0, nil, false},
		{"missing tag", online("a", 2, "linux"), 0, []string{"gpu"}, false},
		{"tag superset", online("a", 2, "linux", "gpu"), 0, []string{"gpu"}, true},
		{"zero capacity", online("a", 0), 0, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eligible(tt.agent, tt.inflight, tt.tags); got != tt.want {
				t.Errorf("eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatchPicksLowestScore(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 1)

	loaded := online("loaded", 4)
	loaded.CPUPercent = 80
	reg := newFakeRegistry(loaded, online("idle", 4))
	rec := &events.Recorder{}

	rep, err := newDispatcher(st, reg, rec).DispatchPending(ctx, nil)
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if rep.Dispatched != 1 {
		t.Fatalf("report = %+v", rep)
	}
	inst := status(t, st, "ti_0")
	if inst.Status != model.InstanceStatusDispatched || inst.AgentID != "idle" {
		t.Errorf("instance = %s on %q, want DISPATCHED on idle", inst.Status, inst.AgentID)
	}
	if reg.count("idle", protocol.KindDispatchTask) != 1 {
		t.Error("dispatch message not sent")
	}
	if rec.Count(events.InstanceDispatched) != 1 {
		t.Error("instance.dispatched not published")
	}
}

func TestDispatchSpreadsTies(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 4)
	reg := newFakeRegistry(online("a", 10), online("b", 10))

	if _, err := newDispatcher(st, reg, nil).DispatchPending(ctx, nil); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	a, b := reg.count("a", protocol.KindDispatchTask), reg.count("b", protocol.KindDispatchTask)
	if a != 2 || b != 2 {
		t.Errorf("a=%d b=%d, want 2 each", a, b)
	}
}

func TestDispatchRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 3)
	reg := newFakeRegistry(online("a", 2))

	rep, err := newDispatcher(st, reg, nil).DispatchPending(ctx, nil)
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if rep.Dispatched != 2 || rep.NoAgent != 1 {
		t.Fatalf("report = %+v, want 2 dispatched 1 without agent", rep)
	}
	if st := status(t, st, "ti_2"); st.Status != model.InstanceStatusPending {
		t.Errorf("overflow instance = %s, want PENDING", st.Status)
	}
}

func TestDispatchTagFilter(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 1, "gpu")
	reg := newFakeRegistry(online("cpu-only", 4, "linux"))

	rep, _ := newDispatcher(st, reg, nil).DispatchPending(ctx, nil)
	if rep.NoAgent != 1 {
		t.Fatalf("report = %+v, want no eligible agent", rep)
	}

	reg.agents = append(reg.agents, online("gpu-box", 4, "linux", "gpu"))
	rep, _ = newDispatcher(st, reg, nil).DispatchPending(ctx, nil)
	if rep.Dispatched != 1 || status(t, st, "ti_0").AgentID != "gpu-box" {
		t.Errorf("report = %+v, want dispatch to gpu-box", rep)
	}
}

func TestDispatchSendFailureRequeues(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 1)
	reg := newFakeRegistry(online("a", 4), online("b", 4))
	reg.fail["a"] = true

	rep, err := newDispatcher(st, reg, nil).DispatchPending(ctx, nil)
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if rep.SendFailed != 1 {
		t.Fatalf("report = %+v, want one failed send", rep)
	}
	// The instance went back to pending; the next cycle skips the broken agent.
	if inst := status(t, st, "ti_0"); inst.Status != model.InstanceStatusPending {
		t.Fatalf("status = %s, want PENDING", inst.Status)
	}
	reg.agents = reg.agents[1:]
	if rep, _ := newDispatcher(st, reg, nil).DispatchPending(ctx, nil); rep.Dispatched != 1 {
		t.Errorf("redispatch report = %+v", rep)
	}
}

func TestRequeueAgent(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 2)
	reg := newFakeRegistry(online("a", 4))
	d := newDispatcher(st, reg, nil)
	if _, err := d.DispatchPending(ctx, nil); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if _, err := st.MarkRunning(ctx, model.InstanceProgress{
		InstanceID: "ti_0", AgentID: "a", Status: model.InstanceStatusRunning,
	}, t0.Add(time.Second)); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	n, err := d.RequeueAgent(ctx, nil, "a")
	if err != nil {
		t.Fatalf("RequeueAgent: %v", err)
	}
	if n != 2 {
		t.Fatalf("requeued = %d, want 2", n)
	}
	for _, id := range []string{"ti_0", "ti_1"} {
		if inst := status(t, st, id); inst.Status != model.InstanceStatusPending || inst.AgentID != "" {
			t.Errorf("%s = %s on %q, want unassigned PENDING", id, inst.Status, inst.AgentID)
		}
	}
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 1)
	reg := newFakeRegistry(online("a", 4))
	d := newDispatcher(st, reg, nil)
	if _, err := d.DispatchPending(ctx, nil); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}

	if n, _ := d.RequeueStale(ctx, nil); n != 0 {
		t.Fatalf("fresh dispatch requeued")
	}
	d.SetClock(func() time.Time { return t0.Add(2 * time.Minute) })
	n, err := d.RequeueStale(ctx, nil)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	if reg.count("a", protocol.KindCommand) != 1 {
		t.Error("agent was not told to drop the stale instance")
	}
}

func TestRequeueStaleUndeliveredCancelLogged(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 1)
	reg := newFakeRegistry(online("a", 4))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := New(st, reg, nil, DefaultConfig(), nil, logger)
	d.SetClock(func() time.Time { return t0.Add(time.Second) })
	if _, err := d.DispatchPending(ctx, nil); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}

	reg.mu.Lock()
	reg.fail["a"] = true
	reg.mu.Unlock()
	d.SetClock(func() time.Time { return t0.Add(2 * time.Minute) })
	if n, err := d.RequeueStale(ctx, nil); err != nil || n != 1 {
		t.Fatalf("RequeueStale = %d, %v", n, err)
	}
	if out := buf.String(); !strings.Contains(out, "cancel not delivered") || !strings.Contains(out, "connection closed") {
		t.Errorf("undelivered cancel not logged: %s", out)
	}
}

func TestRequeueOrphaned(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 3)
	reg := newFakeRegistry(online("a", 1), online("b", 1), online("c", 1))
	d := newDispatcher(st, reg, nil)
	if rep, err := d.DispatchPending(ctx, nil); err != nil || rep.Dispatched != 3 {
		t.Fatalf("DispatchPending = %+v, %v", rep, err)
	}

	owner := map[string]string{}
	for _, id := range []string{"ti_0", "ti_1", "ti_2"} {
		owner[status(t, st, id).AgentID] = id
	}
	recent, stale := t0, t0.Add(-10*time.Minute)
	for id, seen := range map[string]*time.Time{"a": &recent, "b": &stale, "c": &stale} {
		if err := st.UpsertAgent(ctx, &model.Agent{
			ID: id, Status: model.AgentStatusOffline, LastHeartbeatAt: seen, RegisteredAt: stale,
		}); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
	}

	// a and b lost their sessions; only b has been silent past the timeout.
	reg.mu.Lock()
	reg.agents = []AgentSnapshot{online("c", 1)}
	reg.mu.Unlock()

	n, err := d.RequeueOrphaned(ctx, nil)
	if err != nil {
		t.Fatalf("RequeueOrphaned: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	if inst := status(t, st, owner["b"]); inst.Status != model.InstanceStatusPending || inst.AgentID != "" {
		t.Errorf("b's instance = %s on %q, want unassigned PENDING", inst.Status, inst.AgentID)
	}
	for _, agent := range []string{"a", "c"} {
		if inst := status(t, st, owner[agent]); inst.Status != model.InstanceStatusDispatched {
			t.Errorf("%s's instance = %s, want DISPATCHED", agent, inst.Status)
		}
	}
}

func TestCancelInstance(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	seed(t, st, 2)
	reg := newFakeRegistry()
	d := newDispatcher(st, reg, nil)

	inst, err := d.CancelInstance(ctx, "ti_0", "")
	if err != nil {
		t.Fatalf("CancelInstance pending: %v", err)
	}
	if inst.Status != model.InstanceStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", inst.Status)
	}
	if _, err := d.CancelInstance(ctx, "ti_0", ""); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("second cancel err = %v, want ErrAlreadyFinished", err)
	}
	if _, err := d.CancelInstance(ctx, "nope", ""); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("err = %v, want ErrInstanceNotFound", err)
	}

	reg.agents = []AgentSnapshot{online("a", 4)}
	if _, err := d.DispatchPending(ctx, nil); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if _, err := d.CancelInstance(ctx, "ti_1", "operator"); err != nil {
		t.Fatalf("CancelInstance dispatched: %v", err)
	}
	if reg.count("a", protocol.KindCommand) != 1 {
		t.Error("cancel command not sent to owning agent")
	}
	if inst := status(t, st, "ti_1"); inst.Status != model.InstanceStatusDispatched {
		t.Errorf("status = %s, want DISPATCHED until the agent reports", inst.Status)
	}
}
