package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

var (
	// ErrCapacity is returned when the agent already runs its maximum
	// number of concurrent processes.
	ErrCapacity = errors.New("agent at capacity")
	// ErrDuplicateInstance is returned for a task instance that is running
	// or ran recently on this agent.
	ErrDuplicateInstance = errors.New("duplicate task instance")
	// ErrUnknownInstance is returned by control operations for an instance
	// that is not running here.
	ErrUnknownInstance = errors.New("task instance not running")
)

const (
	defaultOutputBytes = 64 * 1024
	maxLineBytes       = 64 * 1024
	cpuStrikes         = 3
)

// ProcessConfig configures the ProcessManager.
type ProcessConfig struct {
	MaxConcurrent int
	WorkDir       string
	Env           map[string]string
	KillGrace     time.Duration
	WatchInterval time.Duration
	SeenTTL       time.Duration
}

// DefaultProcessConfig returns sensible defaults.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		MaxConcurrent: 4,
		WorkDir:       filepath.Join(os.TempDir(), "gosched-agent"),
		KillGrace:     10 * time.Second,
		WatchInterval: time.Second,
		SeenTTL:       time.Hour,
	}
}

// ProcessManager runs dispatched task instances as local process groups and
// reports their progress through emit.
type ProcessManager struct {
	cfg    ProcessConfig
	emit   func(protocol.Message)
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*runningProcess
	seen   *cache.Cache
	wg     sync.WaitGroup
}

type runningProcess struct {
	task    *protocol.DispatchTask
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	mu         sync.Mutex
	proc       *os.Process
	paused     bool
	stopStatus model.InstanceStatus
	stopReason string
}

// NewProcessManager creates a ProcessManager. emit receives every status
// update and log line; it must not block for long.
func NewProcessManager(cfg ProcessConfig, emit func(protocol.Message), logger *slog.Logger) *ProcessManager {
	def := DefaultProcessConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = def.WatchInterval
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = def.SeenTTL
	}
	return &ProcessManager{
		cfg:    cfg,
		emit:   emit,
		logger: logger.With("component", "process-manager"),
		active: make(map[string]*runningProcess),
		seen:   cache.New(cfg.SeenTTL, 2*cfg.SeenTTL),
	}
}

// Start launches the process for d. Rejections (duplicate, capacity) send no
// update. A process that cannot be spawned is reported FAILED.
func (pm *ProcessManager) Start(d *protocol.DispatchTask) error {
	pm.mu.Lock()
	if _, ok := pm.active[d.TaskInstanceID]; ok {
		pm.mu.Unlock()
		return ErrDuplicateInstance
	}
	if _, ok := pm.seen.Get(d.TaskInstanceID); ok {
		pm.mu.Unlock()
		return ErrDuplicateInstance
	}
	if len(pm.active) >= pm.cfg.MaxConcurrent {
		pm.mu.Unlock()
		return ErrCapacity
	}
	p := &runningProcess{task: d, done: make(chan struct{})}
	pm.active[d.TaskInstanceID] = p
	pm.seen.SetDefault(d.TaskInstanceID, struct{}{})
	pm.wg.Add(1)
	pm.mu.Unlock()

	if err := pm.spawn(p); err != nil {
		pm.logger.Warn("spawn failed", "task_instance_id", d.TaskInstanceID, "command", d.Command, "error", err)
		pm.finish(p, &protocol.TaskInstanceUpdate{
			TaskInstanceID: d.TaskInstanceID,
			TaskID:         d.TaskID,
			Status:         model.InstanceStatusFailed,
			ErrorMessage:   err.Error(),
		})
		return nil
	}
	go pm.supervise(p)
	return nil
}

func (pm *ProcessManager) spawn(p *runningProcess) error {
	d := p.task
	dir := filepath.Join(pm.cfg.WorkDir, safeDirName(d.JobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = dir
	cmd.Env = pm.environ(d)
	cmd.WaitDelay = pm.cfg.KillGrace
	setProcessGroup(cmd)

	p.cmd = cmd
	return nil
}

func (pm *ProcessManager) environ(d *protocol.DispatchTask) []string {
	env := os.Environ()
	for _, k := range sortedKeys(pm.cfg.Env) {
		env = append(env, k+"="+pm.cfg.Env[k])
	}
	for _, k := range sortedKeys(d.Env) {
		env = append(env, k+"="+d.Env[k])
	}
	env = append(env,
		"GOSCHED_TASK_INSTANCE_ID="+d.TaskInstanceID,
		"GOSCHED_TASK_ID="+d.TaskID,
		"GOSCHED_JOB_ID="+d.JobID,
		"GOSCHED_ATTEMPT="+strconv.Itoa(d.Attempt),
	)
	if d.ScheduledTime > 0 {
		env = append(env, "GOSCHED_SCHEDULED_TIME="+time.UnixMilli(d.ScheduledTime).UTC().Format(time.RFC3339))
	}
	if len(d.Parameters) > 0 {
		if data, err := json.Marshal(d.Parameters); err == nil {
			env = append(env, "GOSCHED_PARAMS="+string(data))
		}
	}
	return env
}

// supervise starts the process and waits for it. It owns the pipes, the
// timeout timer and the resource watchdog.
func (pm *ProcessManager) supervise(p *runningProcess) {
	d := p.task
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p.cmd.Stdout = stdoutW
	p.cmd.Stderr = stderrW

	if err := p.cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		pm.logger.Warn("start failed", "task_instance_id", d.TaskInstanceID, "command", d.Command, "error", err)
		pm.finish(p, &protocol.TaskInstanceUpdate{
			TaskInstanceID: d.TaskInstanceID,
			TaskID:         d.TaskID,
			Status:         model.InstanceStatusFailed,
			ErrorMessage:   fmt.Sprintf("start %s: %v", d.Command, err),
		})
		return
	}
	p.started = time.Now()
	p.mu.Lock()
	p.proc = p.cmd.Process
	pending := p.stopStatus != ""
	p.mu.Unlock()
	if pending {
		pm.terminate(p)
	}
	startedAt := p.started.UnixMilli()
	pm.logger.Info("process started", "task_instance_id", d.TaskInstanceID, "pid", p.cmd.Process.Pid, "command", d.Command)
	pm.emit(&protocol.TaskInstanceUpdate{
		TaskInstanceID: d.TaskInstanceID,
		TaskID:         d.TaskID,
		Status:         model.InstanceStatusRunning,
		Timestamp:      startedAt,
		StartedAt:      &startedAt,
	})

	limit := d.MaxOutputBytes
	if limit <= 0 {
		limit = defaultOutputBytes
	}
	var tail *tailBuffer
	if d.CaptureOutput {
		tail = newTailBuffer(int(limit))
	}

	var pumps sync.WaitGroup
	var outSeq, errSeq int64
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		outSeq = pm.pump(d.TaskInstanceID, model.LogStreamStdout, stdoutR, tail)
	}()
	go func() {
		defer pumps.Done()
		errSeq = pm.pump(d.TaskInstanceID, model.LogStreamStderr, stderrR, tail)
	}()

	if d.TimeoutSecs > 0 {
		timeout := time.Duration(d.TimeoutSecs) * time.Second
		timer := time.AfterFunc(timeout, func() {
			pm.stop(p, model.InstanceStatusTimeout, fmt.Sprintf("timed out after %s", timeout))
		})
		defer timer.Stop()
	}
	if d.Limits != nil && (d.Limits.MaxMemoryMB > 0 || d.Limits.MaxCPUPercent > 0) {
		go pm.watch(p, d.Limits)
	}

	waitErr := p.cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	pumps.Wait()

	finishedAt := time.Now().UnixMilli()
	u := &protocol.TaskInstanceUpdate{
		TaskInstanceID: d.TaskInstanceID,
		TaskID:         d.TaskID,
		Timestamp:      finishedAt,
		StartedAt:      &startedAt,
		FinishedAt:     &finishedAt,
		LastSequence:   lastSequences(outSeq, errSeq),
	}
	if p.cmd.ProcessState != nil {
		code := p.cmd.ProcessState.ExitCode()
		u.ExitCode = &code
	}
	if tail != nil {
		u.Output = tail.String()
	}

	p.mu.Lock()
	stopStatus, stopReason := p.stopStatus, p.stopReason
	p.mu.Unlock()

	switch {
	case stopStatus != "":
		u.Status = stopStatus
		u.ErrorMessage = stopReason
	case waitErr == nil:
		u.Status = model.InstanceStatusSucceeded
	default:
		u.Status = model.InstanceStatusFailed
		u.ErrorMessage = waitErr.Error()
	}
	pm.logger.Info("process finished",
		"task_instance_id", d.TaskInstanceID,
		"status", u.Status,
		"duration", time.Since(p.started).Round(time.Millisecond),
	)
	pm.finish(p, u)
}

func (pm *ProcessManager) finish(p *runningProcess, u *protocol.TaskInstanceUpdate) {
	if u.Timestamp == 0 {
		u.Timestamp = time.Now().UnixMilli()
	}
	if u.FinishedAt == nil {
		at := u.Timestamp
		u.FinishedAt = &at
	}
	pm.mu.Lock()
	delete(pm.active, p.task.TaskInstanceID)
	final := *u
	pm.seen.SetDefault(p.task.TaskInstanceID, &final)
	pm.mu.Unlock()
	close(p.done)

	pm.emit(u)
	pm.wg.Done()
}

func lastSequences(stdout, stderr int64) map[model.LogStream]int64 {
	out := make(map[model.LogStream]int64, 2)
	if stdout > 0 {
		out[model.LogStreamStdout] = stdout
	}
	if stderr > 0 {
		out[model.LogStreamStderr] = stderr
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// pump forwards one output stream as log messages and returns the last
// sequence sent. Sequence numbers start at 1 per stream. Lines longer than
// maxLineBytes are split.
func (pm *ProcessManager) pump(instanceID string, stream model.LogStream, r io.Reader, tail *tailBuffer) int64 {
	br := bufio.NewReaderSize(r, maxLineBytes)
	var seq int64
	for {
		line, _, err := br.ReadLine()
		if len(line) > 0 || err == nil {
			seq++
			text := string(line)
			pm.emit(&protocol.LogMessage{
				TaskInstanceID: instanceID,
				Stream:         stream,
				Content:        text,
				Sequence:       seq,
				Timestamp:      time.Now().UnixMilli(),
			})
			if tail != nil {
				tail.WriteLine(text)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				pm.logger.Debug("read output", "task_instance_id", instanceID, "stream", stream, "error", err)
			}
			io.Copy(io.Discard, r)
			return seq
		}
	}
}

// watch enforces resource ceilings on the process and its direct children.
func (pm *ProcessManager) watch(p *runningProcess, limits *model.ResourceLimits) {
	p.mu.Lock()
	pid := p.proc.Pid
	p.mu.Unlock()
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		pm.logger.Debug("watchdog disabled", "task_instance_id", p.task.TaskInstanceID, "error", err)
		return
	}
	ticker := time.NewTicker(pm.cfg.WatchInterval)
	defer ticker.Stop()

	strikes := 0
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		if limits.MaxMemoryMB > 0 {
			if rss := groupRSS(proc); rss > uint64(limits.MaxMemoryMB)<<20 {
				pm.stop(p, model.InstanceStatusFailed,
					fmt.Sprintf("memory limit exceeded: %d MB > %d MB", rss>>20, limits.MaxMemoryMB))
				return
			}
		}
		if limits.MaxCPUPercent > 0 {
			pct, err := proc.Percent(0)
			if err != nil {
				continue
			}
			if pct > limits.MaxCPUPercent {
				strikes++
			} else {
				strikes = 0
			}
			if strikes >= cpuStrikes {
				pm.stop(p, model.InstanceStatusFailed,
					fmt.Sprintf("cpu limit exceeded: %.1f%% > %.1f%%", pct, limits.MaxCPUPercent))
				return
			}
		}
	}
}

func groupRSS(proc *process.Process) uint64 {
	var total uint64
	if mi, err := proc.MemoryInfo(); err == nil {
		total += mi.RSS
	}
	children, _ := proc.Children()
	for _, c := range children {
		if mi, err := c.MemoryInfo(); err == nil {
			total += mi.RSS
		}
	}
	return total
}

// stop records why the instance is being stopped and terminates its process
// group. The first recorded reason wins. A process that has not started yet
// is terminated as soon as it does.
func (pm *ProcessManager) stop(p *runningProcess, status model.InstanceStatus, reason string) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	if p.stopStatus != "" {
		p.mu.Unlock()
		return
	}
	p.stopStatus = status
	p.stopReason = reason
	started := p.proc != nil
	p.mu.Unlock()

	pm.logger.Info("stopping process", "task_instance_id", p.task.TaskInstanceID, "status", status, "reason", reason)
	if started {
		pm.terminate(p)
	}
}

// terminate sends SIGTERM to the group, then SIGKILL once the grace period
// passes.
func (pm *ProcessManager) terminate(p *runningProcess) {
	p.mu.Lock()
	proc, paused := p.proc, p.paused
	p.mu.Unlock()

	if err := signalGroup(proc, sigTerm); err != nil {
		signalGroup(proc, sigKill)
		return
	}
	if paused {
		signalGroup(proc, sigCont)
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(pm.cfg.KillGrace):
			pm.logger.Warn("process ignored SIGTERM, killing", "task_instance_id", p.task.TaskInstanceID)
			signalGroup(proc, sigKill)
		}
	}()
}

// Cancel stops a running instance; its final status is CANCELLED.
func (pm *ProcessManager) Cancel(instanceID, reason string) error {
	p := pm.get(instanceID)
	if p == nil {
		return ErrUnknownInstance
	}
	if reason == "" {
		reason = "cancelled"
	}
	pm.stop(p, model.InstanceStatusCancelled, reason)
	return nil
}

// Pause suspends the process group of a running instance.
func (pm *ProcessManager) Pause(instanceID string) error {
	return pm.setPaused(instanceID, true)
}

// Resume continues a paused instance.
func (pm *ProcessManager) Resume(instanceID string) error {
	return pm.setPaused(instanceID, false)
}

func (pm *ProcessManager) setPaused(instanceID string, paused bool) error {
	p := pm.get(instanceID)
	if p == nil {
		return ErrUnknownInstance
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return ErrUnknownInstance
	}
	sig := sigCont
	if paused {
		sig = sigStop
	}
	if err := signalGroup(p.proc, sig); err != nil {
		return fmt.Errorf("signal %s: %w", instanceID, err)
	}
	p.paused = paused
	return nil
}

// Running returns the ids of instances currently running, sorted.
func (pm *ProcessManager) Running() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return sortedKeys(pm.active)
}

// Result returns the terminal update of an instance that finished here
// within the seen TTL.
func (pm *ProcessManager) Result(instanceID string) (*protocol.TaskInstanceUpdate, bool) {
	v, ok := pm.seen.Get(instanceID)
	if !ok {
		return nil, false
	}
	u, ok := v.(*protocol.TaskInstanceUpdate)
	if !ok {
		return nil, false
	}
	out := *u
	return &out, true
}

// Active reports whether instanceID is running.
func (pm *ProcessManager) Active(instanceID string) bool {
	return pm.get(instanceID) != nil
}

// Shutdown cancels every running instance and waits up to timeout for all of
// them to report. It returns false on timeout.
func (pm *ProcessManager) Shutdown(reason string, timeout time.Duration) bool {
	pm.mu.Lock()
	procs := make([]*runningProcess, 0, len(pm.active))
	for _, p := range pm.active {
		procs = append(procs, p)
	}
	pm.mu.Unlock()
	for _, p := range procs {
		pm.stop(p, model.InstanceStatusCancelled, reason)
	}

	done := make(chan struct{})
	go func() {
		pm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (pm *ProcessManager) get(instanceID string) *runningProcess {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.active[instanceID]
}

// tailBuffer keeps the last max bytes of captured output.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func safeDirName(id string) string {
	if id == "" || id == "." || id == ".." {
		return "adhoc"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
