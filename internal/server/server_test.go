package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/gosched/internal/auth"
	"github.com/me/gosched/internal/dispatch"
	"github.com/me/gosched/internal/events"
	"github.com/me/gosched/internal/gateway"
	"github.com/me/gosched/internal/generation"
	"github.com/me/gosched/internal/logpipe"
	"github.com/me/gosched/internal/store"
	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

type fakeLeader struct {
	id     string
	leader bool
	lease  *model.Lease
}

func (f *fakeLeader) ServerID() string    { return f.id }
func (f *fakeLeader) IsLeader() bool      { return f.leader }
func (f *fakeLeader) Lease() *model.Lease { return f.lease }

// fakeRegistry records the commands sent to agents.
type fakeRegistry struct {
	mu      sync.Mutex
	sent    []protocol.Message
	sendErr error
}

func (r *fakeRegistry) Snapshot() []dispatch.AgentSnapshot { return nil }

func (r *fakeRegistry) Send(agentID string, m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, m)
	return nil
}

type harness struct {
	srv    *Server
	st     *store.SQLiteStore
	gen    *generation.Generator
	reg    *fakeRegistry
	sink   *logpipe.FileSink
	tokens *auth.TokenService
	leader *fakeLeader
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testServer(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	h := &harness{
		st:     testStore(t),
		reg:    &fakeRegistry{},
		leader: &fakeLeader{id: "srv-1", leader: true},
	}
	h.gen = generation.New(h.st, generation.DefaultConfig(), events.Nop{}, logger)
	disp := dispatch.New(h.st, h.reg, nil, dispatch.DefaultConfig(), events.Nop{}, logger)

	sink, err := logpipe.NewFileSink(t.TempDir(), 1, 1)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	t.Cleanup(func() { sink.CloseAll() })
	h.sink = sink

	key, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	h.tokens, err = auth.NewTokenService(key, auth.DefaultConfig(), "srv-1")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	all := append([]Option{
		WithTriggerer(h.gen),
		WithCanceller(disp),
		WithLogReader(sink),
		WithTokenIssuer(h.tokens, 600, 10),
		WithVersion("test"),
	}, opts...)
	h.srv = New(h.st, h.leader, logger, all...)
	return h
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string) envelope {
	t.Helper()
	code, env := do(t, srv, "GET", path, "")
	if code != http.StatusOK {
		t.Fatalf("GET %s: status=%d, want 200, error=%+v", path, code, env.Error)
	}
	return env
}

func do(t *testing.T, srv *Server, method, path, body string) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v (body=%s)", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return v
}

func createJob(t *testing.T, srv *Server, body string) *model.Job {
	t.Helper()
	code, env := do(t, srv, "POST", "/api/v1/jobs", body)
	if code != http.StatusCreated {
		t.Fatalf("POST /jobs: status=%d, error=%+v", code, env.Error)
	}
	return decode[*model.Job](t, env)
}

// pendingInstance triggers job and turns the resulting task into an instance.
func pendingInstance(t *testing.T, h *harness, jobID string) *model.TaskInstance {
	t.Helper()
	task, err := h.gen.GenerateEventTask(context.Background(), jobID, nil, 0)
	if err != nil {
		t.Fatalf("GenerateEventTask: %v", err)
	}
	if _, err := h.gen.GenerateInstances(context.Background(), nil); err != nil {
		t.Fatalf("GenerateInstances: %v", err)
	}
	insts, err := h.st.ListInstancesByTask(context.Background(), task.ID)
	if err != nil || len(insts) != 1 {
		t.Fatalf("ListInstancesByTask = %d, %v", len(insts), err)
	}
	return insts[0]
}

func TestHealth(t *testing.T) {
	h := testServer(t)
	env := doGet(t, h.srv, "/api/v1/health")
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	data := decode[healthResponse](t, env)
	if data.Status != "healthy" {
		t.Errorf("health status = %q, want healthy", data.Status)
	}
	if data.Version != "test" || data.Role != "leader" || data.ServerID != "srv-1" {
		t.Errorf("health = %+v", data)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	h := testServer(t)
	job := createJob(t, h.srv, `{"name":"backup","command":"tar","args":["-czf","/tmp/x.tgz","/etc"],"max_retries":2,"tags":["linux"]}`)

	if !strings.HasPrefix(job.ID, "job_") {
		t.Errorf("id = %q, want job_ prefix", job.ID)
	}
	if job.Namespace != "default" || !job.Enabled {
		t.Errorf("job = %+v", job)
	}

	env := doGet(t, h.srv, "/api/v1/jobs/"+job.ID)
	var got struct {
		model.Job
		Schedules []*model.Schedule `json:"schedules"`
	}
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "backup" || got.MaxRetries != 2 || len(got.Args) != 3 {
		t.Errorf("job = %+v", got.Job)
	}
	if got.Schedules == nil || len(got.Schedules) != 0 {
		t.Errorf("schedules = %v, want empty list", got.Schedules)
	}
}

func TestCreateJobValidation(t *testing.T) {
	h := testServer(t)
	code, env := do(t, h.srv, "POST", "/api/v1/jobs", `{"name":"","timeout_secs":-1}`)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if env.Status != "error" || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v", env.Error)
	}
	fields := map[string]bool{}
	for _, d := range env.Error.Details {
		fields[d.Field] = true
	}
	for _, f := range []string{"name", "command", "timeout_secs"} {
		if !fields[f] {
			t.Errorf("missing detail for %s in %+v", f, env.Error.Details)
		}
	}
}

func TestCreateJobInvalidJSON(t *testing.T) {
	h := testServer(t)
	code, env := do(t, h.srv, "POST", "/api/v1/jobs", "not json")
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestListJobsPagination(t *testing.T) {
	h := testServer(t)
	for _, name := range []string{"a", "b", "c"} {
		createJob(t, h.srv, `{"name":"`+name+`","command":"true"}`)
	}

	env := doGet(t, h.srv, "/api/v1/jobs?limit=2")
	jobs := decode[[]*model.Job](t, env)
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	if env.Pagination == nil || env.Pagination.Total != 3 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}

	env = doGet(t, h.srv, "/api/v1/jobs?limit=2&offset=2")
	if jobs := decode[[]*model.Job](t, env); len(jobs) != 1 || env.Pagination.HasMore {
		t.Errorf("second page: len=%d pagination=%+v", len(jobs), env.Pagination)
	}

	if code, _ := do(t, h.srv, "GET", "/api/v1/jobs?limit=many", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	h := testServer(t)
	code, env := do(t, h.srv, "GET", "/api/v1/jobs/job_missing", "")
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if env.Error.Code != model.ErrNotFound {
		t.Errorf("code = %s, want NOT_FOUND", env.Error.Code)
	}
}

func TestTriggerJobAndGetTask(t *testing.T) {
	h := testServer(t)
	job := createJob(t, h.srv, `{"name":"report","command":"echo"}`)

	code, env := do(t, h.srv, "POST", "/api/v1/jobs/"+job.ID+"/trigger", `{"parameters":{"day":"monday"},"priority":5}`)
	if code != http.StatusCreated {
		t.Fatalf("trigger status = %d, error=%+v", code, env.Error)
	}
	task := decode[*model.Task](t, env)
	if task.JobID != job.ID || task.Priority != 5 || task.ScheduleID != "" {
		t.Errorf("task = %+v", task)
	}
	if task.Parameters["day"] != "monday" {
		t.Errorf("parameters = %v", task.Parameters)
	}

	if _, err := h.gen.GenerateInstances(context.Background(), nil); err != nil {
		t.Fatalf("GenerateInstances: %v", err)
	}
	got := decode[*model.Task](t, doGet(t, h.srv, "/api/v1/tasks/"+task.ID))
	if got.Status != model.TaskStatusDoing || len(got.Instances) != 1 {
		t.Fatalf("task = %+v with %d instances", got, len(got.Instances))
	}

	inst := decode[*model.TaskInstance](t, doGet(t, h.srv, "/api/v1/task-instances/"+got.Instances[0].ID))
	if inst.TaskID != task.ID || inst.Status != model.InstanceStatusPending || inst.Attempt != 1 {
		t.Errorf("instance = %+v", inst)
	}
}

func TestTriggerJobErrors(t *testing.T) {
	h := testServer(t)
	if code, _ := do(t, h.srv, "POST", "/api/v1/jobs/job_missing/trigger", ""); code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", code)
	}

	job := createJob(t, h.srv, `{"name":"off","command":"true"}`)
	job.Enabled = false
	if err := h.st.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if code, _ := do(t, h.srv, "POST", "/api/v1/jobs/"+job.ID+"/trigger", ""); code != http.StatusConflict {
		t.Errorf("disabled job status = %d, want 409", code)
	}

	bare := New(h.st, nil, discardLogger())
	code, env := do(t, bare, "POST", "/api/v1/jobs/"+job.ID+"/trigger", "")
	if code != http.StatusServiceUnavailable || env.Error.Code != model.ErrUnavailable {
		t.Errorf("without triggerer: status=%d error=%+v", code, env.Error)
	}
}

func TestCreateSchedule(t *testing.T) {
	h := testServer(t)
	job := createJob(t, h.srv, `{"name":"nightly","command":"true"}`)

	code, env := do(t, h.srv, "POST", "/api/v1/schedules",
		`{"job_id":"`+job.ID+`","kind":"cron","cron_expr":"0 2 * * *","timezone":"Europe/Berlin","enabled":true}`)
	if code != http.StatusCreated {
		t.Fatalf("status = %d, error=%+v", code, env.Error)
	}
	sched := decode[*model.Schedule](t, env)
	if sched.Status != model.ScheduleStatusEnabled || sched.Kind != model.ScheduleKindCron {
		t.Errorf("schedule = %+v", sched)
	}

	got := decode[*model.Schedule](t, doGet(t, h.srv, "/api/v1/schedules/"+sched.ID))
	if got.CronExpr != "0 2 * * *" || got.Timezone != "Europe/Berlin" {
		t.Errorf("schedule = %+v", got)
	}
}

func TestCreateScheduleRejects(t *testing.T) {
	h := testServer(t)
	job := createJob(t, h.srv, `{"name":"j","command":"true"}`)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad cron", `{"job_id":"` + job.ID + `","kind":"cron","cron_expr":"every day"}`, http.StatusBadRequest},
		{"interval without period", `{"job_id":"` + job.ID + `","kind":"interval"}`, http.StatusBadRequest},
		{"unknown kind", `{"job_id":"` + job.ID + `","kind":"sometimes"}`, http.StatusBadRequest},
		{"unknown job", `{"job_id":"job_missing","kind":"daemon"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, env := do(t, h.srv, "POST", "/api/v1/schedules", tt.body); code != tt.want {
				t.Errorf("status = %d, want %d (error=%+v)", code, tt.want, env.Error)
			}
		})
	}
}

func TestUpdateScheduleStatus(t *testing.T) {
	h := testServer(t)
	job := createJob(t, h.srv, `{"name":"j","command":"true"}`)
	_, env := do(t, h.srv, "POST", "/api/v1/schedules", `{"job_id":"`+job.ID+`","kind":"interval","interval_secs":60}`)
	sched := decode[*model.Schedule](t, env)
	if sched.Status != model.ScheduleStatusCreated {
		t.Fatalf("status = %s, want CREATED", sched.Status)
	}

	path := "/api/v1/schedules/" + sched.ID + "/status"
	for _, want := range []model.ScheduleStatus{model.ScheduleStatusEnabled, model.ScheduleStatusDisabled, model.ScheduleStatusEnabled} {
		code, env := do(t, h.srv, "PUT", path, `{"status":"`+string(want)+`"}`)
		if code != http.StatusOK {
			t.Fatalf("PUT %s: status=%d error=%+v", want, code, env.Error)
		}
		if got := decode[*model.Schedule](t, env); got.Status != want {
			t.Errorf("status = %s, want %s", got.Status, want)
		}
	}

	if code, _ := do(t, h.srv, "PUT", path, `{"status":"EXPIRED"}`); code != http.StatusBadRequest {
		t.Errorf("EXPIRED status = %d, want 400", code)
	}
	if code, _ := do(t, h.srv, "PUT", "/api/v1/schedules/sched_missing/status", `{"status":"ENABLED"}`); code != http.StatusNotFound {
		t.Errorf("missing schedule status = %d, want 404", code)
	}
}

func TestCancelPendingInstance(t *testing.T) {
	h := testServer(t)
	job := createJob(t, h.srv, `{"name":"j","command":"true"}`)
	inst := pendingInstance(t, h, job.ID)

	code, env := do(t, h.srv, "POST", "/api/v1/task-instances/"+inst.ID+"/cancel", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, error=%+v", code, env.Error)
	}
	if got := decode[*model.TaskInstance](t, env); got.Status != model.InstanceStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}

	code, env = do(t, h.srv, "POST", "/api/v1/task-instances/"+inst.ID+"/cancel", "")
	if code != http.StatusConflict || !strings.Contains(env.Error.Message, "CANCELLED") {
		t.Errorf("second cancel: status=%d error=%+v", code, env.Error)
	}
	if code, _ := do(t, h.srv, "POST", "/api/v1/task-instances/ti_missing/cancel", ""); code != http.StatusNotFound {
		t.Errorf("missing instance status = %d, want 404", code)
	}
}

func TestCancelDispatchedInstance(t *testing.T) {
	h := testServer(t)
	job := createJob(t, h.srv, `{"name":"j","command":"sleep","args":["60"]}`)
	inst := pendingInstance(t, h, job.ID)
	if ok, err := h.st.MarkDispatched(context.Background(), nil, inst.ID, "agent-1", time.Now().UTC()); !ok || err != nil {
		t.Fatalf("MarkDispatched = %v, %v", ok, err)
	}

	code, env := do(t, h.srv, "POST", "/api/v1/task-instances/"+inst.ID+"/cancel", `{"reason":"operator"}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, error=%+v", code, env.Error)
	}
	h.reg.mu.Lock()
	sent := h.reg.sent
	h.reg.mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("sent %d commands, want 1", len(sent))
	}
	cmd, ok := sent[0].(*protocol.Command)
	if !ok || cmd.Command != protocol.CommandCancel || cmd.TaskInstanceID != inst.ID || cmd.Reason != "operator" {
		t.Errorf("command = %+v", sent[0])
	}

	h.reg.sendErr = gateway.ErrAgentNotConnected
	code, env = do(t, h.srv, "POST", "/api/v1/task-instances/"+inst.ID+"/cancel", "")
	if code != http.StatusServiceUnavailable || env.Error.Code != model.ErrUnavailable {
		t.Errorf("disconnected agent: status=%d error=%+v", code, env.Error)
	}
}

func TestInstanceLogs(t *testing.T) {
	h := testServer(t)
	job := createJob(t, h.srv, `{"name":"j","command":"true"}`)
	inst := pendingInstance(t, h, job.ID)

	key := logpipe.Key{InstanceID: inst.ID, Stream: model.LogStreamStdout}
	now := time.Now().UTC()
	for i, line := range []string{"first", "second"} {
		if err := h.sink.Write(key, logpipe.Entry{Sequence: int64(i + 1), Content: line, Timestamp: now}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	gap := model.LogGap{TaskInstanceID: inst.ID, Stream: model.LogStreamStdout, From: 3, To: 4, Reason: "timeout", RecordedAt: now}
	if err := h.sink.Gap(gap); err != nil {
		t.Fatalf("Gap: %v", err)
	}

	logs := decode[logsResponse](t, doGet(t, h.srv, "/api/v1/task-instances/"+inst.ID+"/logs"))
	if logs.Stream != model.LogStreamStdout {
		t.Errorf("stream = %q, want stdout", logs.Stream)
	}
	if !strings.Contains(logs.Content, "first") || strings.Index(logs.Content, "first") > strings.Index(logs.Content, "second") {
		t.Errorf("content = %q", logs.Content)
	}
	if len(logs.Gaps) != 1 || logs.Gaps[0].From != 3 {
		t.Errorf("gaps = %+v", logs.Gaps)
	}

	stderr := decode[logsResponse](t, doGet(t, h.srv, "/api/v1/task-instances/"+inst.ID+"/logs?stream=stderr"))
	if stderr.Content != "" || len(stderr.Gaps) != 0 {
		t.Errorf("stderr = %+v, want empty", stderr)
	}

	if code, _ := do(t, h.srv, "GET", "/api/v1/task-instances/"+inst.ID+"/logs?stream=stdin", ""); code != http.StatusBadRequest {
		t.Errorf("bad stream status = %d, want 400", code)
	}
	if code, _ := do(t, h.srv, "GET", "/api/v1/task-instances/ti_missing/logs", ""); code != http.StatusNotFound {
		t.Errorf("missing instance status = %d, want 404", code)
	}
}

func TestListAgents(t *testing.T) {
	h := testServer(t)
	now := time.Now().UTC()
	for _, id := range []string{"agent-a", "agent-b"} {
		if err := h.st.UpsertAgent(context.Background(), &model.Agent{
			ID: id, Status: model.AgentStatusOnline, MaxConcurrentTasks: 4, RegisteredAt: now,
		}); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
	}

	env := doGet(t, h.srv, "/api/v1/agents")
	agents := decode[[]*model.Agent](t, env)
	if len(agents) != 2 || env.Pagination.Total != 2 {
		t.Errorf("agents = %d, pagination = %+v", len(agents), env.Pagination)
	}
}

func TestCluster(t *testing.T) {
	h := testServer(t)
	expires := time.Now().Add(30 * time.Second).UTC()
	h.leader.lease = &model.Lease{Namespace: "default", Holder: "srv-1", Token: 3, ExpiresAt: expires}
	if err := h.st.UpsertServer(context.Background(), &model.ServerNode{
		ID: "srv-1", Address: "10.0.0.1:8090", Role: model.ServerRoleLeader, LastHeartbeatAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}

	status := decode[model.ClusterStatus](t, doGet(t, h.srv, "/api/v1/cluster"))
	if status.ServerID != "srv-1" || !status.IsLeader {
		t.Errorf("status = %+v", status)
	}
	if status.Lease == nil || status.Lease.Token != 3 {
		t.Errorf("lease = %+v", status.Lease)
	}
	if len(status.Servers) != 1 || status.Servers[0].Address != "10.0.0.1:8090" {
		t.Errorf("servers = %+v", status.Servers)
	}
}

func TestGatewayMounted(t *testing.T) {
	var hit bool
	gw := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	h := testServer(t, WithGateway(gw))

	req := httptest.NewRequest("GET", "/api/v1/gateway/ws", nil)
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	if !hit {
		t.Error("gateway handler not reached")
	}
}

func generateToken(t *testing.T, h *harness, remote, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest("POST", "/internal/auth/generate-token", strings.NewReader(body))
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.srv.InternalHandler().ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON: %v (body=%s)", err, w.Body.String())
	}
	return w.Code, env
}

func TestGenerateToken(t *testing.T) {
	h := testServer(t)

	code, env := generateToken(t, h, "127.0.0.1:40000", `{"agent_id":"agent-7","expiry_seconds":3600,"permissions":["execute"]}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d, error=%+v", code, env.Error)
	}
	resp := decode[model.GenerateTokenResponse](t, env)
	if resp.AgentID != "agent-7" || resp.TokenType != "Bearer" || resp.ExpiresAt == nil {
		t.Errorf("response = %+v", resp)
	}
	if d := resp.ExpiresAt.Sub(resp.IssuedAt); d != time.Hour {
		t.Errorf("lifetime = %s, want 1h", d)
	}

	claims, err := h.tokens.Verify(resp.Token, "agent-7")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !claims.HasPermission("execute") {
		t.Errorf("permissions = %v", claims.Permissions)
	}
	if _, err := h.tokens.Verify(resp.Token, "agent-8"); err == nil {
		t.Error("token verified for another agent")
	}
}

func TestGenerateTokenNoExpiry(t *testing.T) {
	h := testServer(t)
	code, env := generateToken(t, h, "[::1]:40000", `{"agent_id":"agent-7","expiry_seconds":0}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d, error=%+v", code, env.Error)
	}
	if resp := decode[model.GenerateTokenResponse](t, env); resp.ExpiresAt != nil {
		t.Errorf("expires_at = %v, want none", resp.ExpiresAt)
	}
}

func TestGenerateTokenRejects(t *testing.T) {
	h := testServer(t)

	tests := []struct {
		name   string
		remote string
		body   string
		want   int
		code   model.ErrorCode
	}{
		{"remote peer", "192.0.2.1:1234", `{"agent_id":"a"}`, http.StatusForbidden, model.ErrForbidden},
		{"missing agent", "127.0.0.1:1", `{}`, http.StatusBadRequest, model.ErrValidation},
		{"negative expiry", "127.0.0.1:1", `{"agent_id":"a","expiry_seconds":-5}`, http.StatusBadRequest, model.ErrValidation},
		{"bad json", "127.0.0.1:1", `{`, http.StatusBadRequest, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := generateToken(t, h, tt.remote, tt.body)
			if code != tt.want || env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("status=%d error=%+v, want %d %s", code, env.Error, tt.want, tt.code)
			}
		})
	}
}

func TestGenerateTokenRateLimited(t *testing.T) {
	h := testServer(t)
	h.srv = New(h.st, h.leader, discardLogger(), WithTokenIssuer(h.tokens, 1, 1))

	if code, env := generateToken(t, h, "127.0.0.1:1", `{"agent_id":"a"}`); code != http.StatusOK {
		t.Fatalf("first request: status=%d error=%+v", code, env.Error)
	}
	code, env := generateToken(t, h, "127.0.0.1:1", `{"agent_id":"a"}`)
	if code != http.StatusTooManyRequests || env.Error.Code != model.ErrRateLimited {
		t.Errorf("second request: status=%d error=%+v", code, env.Error)
	}
}

func TestTokenEndpointNotOnPublicRouter(t *testing.T) {
	h := testServer(t)
	req := httptest.NewRequest("POST", "/internal/auth/generate-token", strings.NewReader(`{"agent_id":"a"}`))
	req.RemoteAddr = "127.0.0.1:1"
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8091", true},
		{"127.5.5.5:1", true},
		{"[::1]:8091", true},
		{"10.0.0.1:8091", false},
		{"[2001:db8::1]:80", false},
		{"localhost:80", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.addr); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
