//go:build unix

package agent

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

// recorder collects emitted messages and signals terminal updates.
type recorder struct {
	mu       sync.Mutex
	msgs     []protocol.Message
	terminal chan *protocol.TaskInstanceUpdate
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan *protocol.TaskInstanceUpdate, 16)}
}

func (r *recorder) emit(m protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	if u, ok := m.(*protocol.TaskInstanceUpdate); ok && u.Status.IsTerminal() {
		r.terminal <- u
	}
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) *protocol.TaskInstanceUpdate {
	t.Helper()
	select {
	case u := <-r.terminal:
		return u
	case <-time.After(timeout):
		t.Fatalf("no terminal update within %s", timeout)
		return nil
	}
}

func (r *recorder) updates(instanceID string) []*protocol.TaskInstanceUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.TaskInstanceUpdate
	for _, m := range r.msgs {
		if u, ok := m.(*protocol.TaskInstanceUpdate); ok && u.TaskInstanceID == instanceID {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) logs(stream model.LogStream) []*protocol.LogMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.LogMessage
	for _, m := range r.msgs {
		if l, ok := m.(*protocol.LogMessage); ok && l.Stream == stream {
			out = append(out, l)
		}
	}
	return out
}

func testManager(t *testing.T, max int) (*ProcessManager, *recorder) {
	t.Helper()
	rec := newRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pm := NewProcessManager(ProcessConfig{
		MaxConcurrent: max,
		WorkDir:       t.TempDir(),
		Env:           map[string]string{"AGENT_LEVEL": "agent"},
		KillGrace:     200 * time.Millisecond,
		WatchInterval: 50 * time.Millisecond,
	}, rec.emit, logger)
	t.Cleanup(func() { pm.Shutdown("test done", 5*time.Second) })
	return pm, rec
}

func shTask(id, script string) *protocol.DispatchTask {
	return &protocol.DispatchTask{
		TaskInstanceID: id,
		TaskID:         "task_" + id,
		JobID:          "job_1",
		Attempt:        1,
		Command:        "sh",
		Args:           []string{"-c", script},
	}
}

func TestProcessSucceedsAndStreamsLogs(t *testing.T) {
	pm, rec := testManager(t, 2)

	d := shTask("ti_ok", "echo one; echo two; echo oops >&2")
	d.CaptureOutput = true
	if err := pm.Start(d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	u := rec.wait(t, 5*time.Second)

	if u.Status != model.InstanceStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED (%s)", u.Status, u.ErrorMessage)
	}
	if u.ExitCode == nil || *u.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", u.ExitCode)
	}
	if u.StartedAt == nil || u.FinishedAt == nil {
		t.Error("expected started_at and finished_at")
	}
	if !strings.Contains(u.Output, "one\ntwo\n") {
		t.Errorf("output = %q, want stdout lines", u.Output)
	}

	updates := rec.updates("ti_ok")
	if len(updates) != 2 || updates[0].Status != model.InstanceStatusRunning {
		t.Fatalf("updates = %d, want RUNNING then terminal", len(updates))
	}

	stdout := rec.logs(model.LogStreamStdout)
	if len(stdout) != 2 {
		t.Fatalf("stdout lines = %d, want 2", len(stdout))
	}
	for i, l := range stdout {
		if l.Sequence != int64(i+1) {
			t.Errorf("stdout[%d].Sequence = %d, want %d", i, l.Sequence, i+1)
		}
	}
	stderr := rec.logs(model.LogStreamStderr)
	if len(stderr) != 1 || stderr[0].Sequence != 1 || stderr[0].Content != "oops" {
		t.Errorf("stderr = %+v, want one line with sequence 1", stderr)
	}
}

func TestProcessNonZeroExit(t *testing.T) {
	pm, rec := testManager(t, 2)

	if err := pm.Start(shTask("ti_fail", "exit 3")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	u := rec.wait(t, 5*time.Second)
	if u.Status != model.InstanceStatusFailed {
		t.Errorf("status = %s, want FAILED", u.Status)
	}
	if u.ExitCode == nil || *u.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", u.ExitCode)
	}
}

func TestProcessEnvironment(t *testing.T) {
	pm, rec := testManager(t, 2)

	d := shTask("ti_env", `echo "$GOSCHED_TASK_INSTANCE_ID $AGENT_LEVEL $TASK_LEVEL $GOSCHED_ATTEMPT"`)
	d.Env = map[string]string{"TASK_LEVEL": "task"}
	if err := pm.Start(d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.wait(t, 5*time.Second)

	stdout := rec.logs(model.LogStreamStdout)
	if len(stdout) != 1 {
		t.Fatalf("stdout lines = %d, want 1", len(stdout))
	}
	if want := "ti_env agent task 1"; stdout[0].Content != want {
		t.Errorf("content = %q, want %q", stdout[0].Content, want)
	}
}

func TestProcessTimeout(t *testing.T) {
	pm, rec := testManager(t, 2)

	d := shTask("ti_slow", "sleep 30")
	d.TimeoutSecs = 1
	start := time.Now()
	if err := pm.Start(d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	u := rec.wait(t, 10*time.Second)
	if u.Status != model.InstanceStatusTimeout {
		t.Errorf("status = %s, want TIMEOUT", u.Status)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestProcessIgnoringSIGTERMIsKilled(t *testing.T) {
	pm, rec := testManager(t, 2)

	if err := pm.Start(shTask("ti_stubborn", "trap '' TERM; while true; do sleep 0.1; done")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := pm.Cancel("ti_stubborn", "user request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	u := rec.wait(t, 10*time.Second)
	if u.Status != model.InstanceStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", u.Status)
	}
	if u.ErrorMessage != "user request" {
		t.Errorf("error message = %q, want cancel reason", u.ErrorMessage)
	}
}

func TestProcessDuplicateRejected(t *testing.T) {
	pm, rec := testManager(t, 2)

	d := shTask("ti_dup", "sleep 0.2")
	if err := pm.Start(d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pm.Start(d); !errors.Is(err, ErrDuplicateInstance) {
		t.Errorf("second Start = %v, want ErrDuplicateInstance", err)
	}
	rec.wait(t, 5*time.Second)

	// Already finished instances are remembered too.
	if err := pm.Start(d); !errors.Is(err, ErrDuplicateInstance) {
		t.Errorf("Start after finish = %v, want ErrDuplicateInstance", err)
	}
}

func TestProcessCapacity(t *testing.T) {
	pm, rec := testManager(t, 1)

	if err := pm.Start(shTask("ti_a", "sleep 0.3")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pm.Start(shTask("ti_b", "true")); !errors.Is(err, ErrCapacity) {
		t.Errorf("Start over capacity = %v, want ErrCapacity", err)
	}
	rec.wait(t, 5*time.Second)
	if err := pm.Start(shTask("ti_b", "true")); err != nil {
		t.Errorf("Start after slot freed: %v", err)
	}
	rec.wait(t, 5*time.Second)
}

func TestProcessSpawnFailure(t *testing.T) {
	pm, rec := testManager(t, 1)

	d := shTask("ti_missing", "")
	d.Command = "/nonexistent/gosched-test-binary"
	d.Args = nil
	if err := pm.Start(d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	u := rec.wait(t, 5*time.Second)
	if u.Status != model.InstanceStatusFailed || u.ErrorMessage == "" {
		t.Errorf("update = %+v, want FAILED with message", u)
	}
	if got := rec.updates("ti_missing"); len(got) != 1 {
		t.Errorf("updates = %d, want only the terminal one", len(got))
	}
	if len(pm.Running()) != 0 {
		t.Errorf("running = %v, want none", pm.Running())
	}
}

func TestProcessOutputTailCapped(t *testing.T) {
	pm, rec := testManager(t, 1)

	d := shTask("ti_tail", "for i in 1 2 3 4 5 6 7 8 9; do echo line$i; done")
	d.CaptureOutput = true
	d.MaxOutputBytes = 12
	if err := pm.Start(d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	u := rec.wait(t, 5*time.Second)
	if len(u.Output) > 12 {
		t.Errorf("output length = %d, want <= 12", len(u.Output))
	}
	if !strings.HasSuffix(u.Output, "line9\n") {
		t.Errorf("output = %q, want the tail", u.Output)
	}
}

func TestProcessMemoryLimit(t *testing.T) {
	pm, rec := testManager(t, 1)

	// The shell holds a 4 MB variable, well over the 1 MB ceiling.
	d := shTask("ti_mem", "x=$(head -c 4000000 /dev/zero | tr '\\0' a); sleep 30")
	d.Limits = &model.ResourceLimits{MaxMemoryMB: 1}
	if err := pm.Start(d); err != nil {
		t.Fatalf("Start: %v", err)
	}
	u := rec.wait(t, 10*time.Second)
	if u.Status != model.InstanceStatusFailed {
		t.Errorf("status = %s, want FAILED", u.Status)
	}
	if !strings.Contains(u.ErrorMessage, "memory limit") {
		t.Errorf("error message = %q, want memory limit reason", u.ErrorMessage)
	}
}

func TestPauseResumeUnknown(t *testing.T) {
	pm, _ := testManager(t, 1)
	if err := pm.Pause("nope"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("Pause = %v, want ErrUnknownInstance", err)
	}
	if err := pm.Cancel("nope", ""); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("Cancel = %v, want ErrUnknownInstance", err)
	}
}

func TestPauseResume(t *testing.T) {
	pm, rec := testManager(t, 1)

	if err := pm.Start(shTask("ti_p", "sleep 0.5")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := pm.Pause("ti_p"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := pm.Resume("ti_p"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if u := rec.wait(t, 5*time.Second); u.Status != model.InstanceStatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", u.Status)
	}
}

func TestShutdownCancelsAll(t *testing.T) {
	pm, rec := testManager(t, 2)

	pm.Start(shTask("ti_1", "sleep 30"))
	pm.Start(shTask("ti_2", "sleep 30"))
	time.Sleep(100 * time.Millisecond)

	if !pm.Shutdown("bye", 5*time.Second) {
		t.Fatal("Shutdown timed out")
	}
	for i := 0; i < 2; i++ {
		if u := rec.wait(t, time.Second); u.Status != model.InstanceStatusCancelled {
			t.Errorf("status = %s, want CANCELLED", u.Status)
		}
	}
}

func TestSafeDirName(t *testing.T) {
	tests := map[string]string{
		"":            "adhoc",
		"..":          "adhoc",
		"job_1":       "job_1",
		"../etc":      ".._etc",
		"a/b":         "a_b",
		"job-2.daily": "job-2.daily",
	}
	for in, want := range tests {
		if got := safeDirName(in); got != want {
			t.Errorf("safeDirName(%q) = %q, want %q", in, got, want)
		}
	}
}
