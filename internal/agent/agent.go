// Package agent is the execution side: it keeps a websocket session with the
// leading scheduler, runs dispatched task instances as local processes and
// streams their status and output back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

// ErrRegistrationRefused is returned when the server rejects registration
// without naming a leader to follow.
var ErrRegistrationRefused = errors.New("registration refused")

const maxOutbox = 1000

// Config holds agent configuration.
type Config struct {
	AgentID    string
	Token      string
	ServerURLs []string
	Tags       []string
	Address    string
	Version    string

	Process ProcessConfig

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	SendQueue         int
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns an agent Config with default timings.
func DefaultConfig() Config {
	return Config{
		Process:           DefaultProcessConfig(),
		HeartbeatInterval: 10 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReconnectMin:      time.Second,
		ReconnectMax:      30 * time.Second,
		SendQueue:         1024,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Agent is the long running agent process.
type Agent struct {
	cfg     Config
	pm      *ProcessManager
	dialer  *websocket.Dialer
	metrics HostMetrics
	logger  *slog.Logger

	mu     sync.Mutex
	sess   *session
	outbox []*protocol.TaskInstanceUpdate
	stop   context.CancelFunc
}

// New creates an Agent from configuration.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if len(cfg.ServerURLs) == 0 {
		return nil, fmt.Errorf("at least one server url is required")
	}
	for _, s := range cfg.ServerURLs {
		if _, err := gatewayURL(s); err != nil {
			return nil, err
		}
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	logger = logger.With("component", "agent", "agent_id", cfg.AgentID)
	a := &Agent{
		cfg:     cfg,
		metrics: SystemMetrics,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		logger: logger,
	}
	a.pm = NewProcessManager(cfg.Process, a.emit, logger)
	return a, nil
}

// SetMetrics replaces the host metrics source (tests).
func (a *Agent) SetMetrics(m HostMetrics) {
	a.metrics = m
}

// Processes exposes the process manager.
func (a *Agent) Processes() *ProcessManager {
	return a.pm
}

// Run connects to the servers and executes dispatched work until ctx is
// cancelled or the server sends a shutdown command. On the way out every
// running process is cancelled and its final update delivered when a
// session is still open.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.pm.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", a.pm.cfg.WorkDir, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.stop = cancel
	a.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ReconnectMin
	bo.MaxInterval = a.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	next := 0
	redirect := ""
	redirects := 0
	for {
		target := redirect
		redirect = ""
		if target == "" {
			target, _ = gatewayURL(a.cfg.ServerURLs[next%len(a.cfg.ServerURLs)])
			next++
		}

		registered, err := a.session(ctx, target)
		if ctx.Err() != nil {
			break
		}
		if registered {
			bo.Reset()
			redirects = 0
		}

		var re *RedirectError
		if errors.As(err, &re) && re.Leader != "" && redirects < len(a.cfg.ServerURLs)+1 {
			if u, uerr := gatewayURL(re.Leader); uerr == nil {
				a.logger.Info("following leader redirect", "from", target, "leader", u)
				redirect = u
				redirects++
				continue
			}
		}

		wait := bo.NextBackOff()
		a.logger.Warn("disconnected, reconnecting", "server", target, "error", err, "retry_in", wait.Round(time.Millisecond))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	// No session is open any more; processes still running are cancelled and
	// their final updates stay in the outbox.
	if !a.pm.Shutdown("agent shutting down", a.cfg.ShutdownTimeout) {
		a.logger.Warn("processes still running at exit", "running", len(a.pm.Running()))
	}
	return nil
}

// session dials url, registers and serves the connection until it ends.
func (a *Agent) session(ctx context.Context, url string) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	ws, _, err := a.dialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", url, err)
	}

	s := newSession(ws, a.cfg.SendQueue, a.cfg.WriteTimeout)
	defer s.close()

	if err := a.register(s); err != nil {
		return false, err
	}
	a.logger.Info("registered", "server", url, "server_id", s.serverID, "session_id", s.id)

	a.mu.Lock()
	a.sess = s
	pending := a.outbox
	a.outbox = nil
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.sess == s {
			a.sess = nil
		}
		a.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return s.writeLoop(gctx.Done()) })
	g.Go(func() error { return a.readLoop(s) })
	g.Go(func() error {
		a.heartbeatLoop(gctx, s)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-ctx.Done():
			a.logger.Info("shutting down, cancelling running processes", "running", len(a.pm.Running()))
			if !a.pm.Shutdown("agent shutting down", a.cfg.ShutdownTimeout) {
				a.logger.Warn("processes did not stop in time")
			}
			s.beginClose()
		}
		return nil
	})
	// A blocked reader only returns once the socket is closed.
	go func() {
		<-gctx.Done()
		s.close()
	}()

	for _, u := range pending {
		if err := s.enqueue(u, true); err != nil {
			a.hold(u)
		}
	}

	err = g.Wait()
	if errors.Is(err, errClosing) {
		err = nil
	}
	return true, err
}

func (a *Agent) register(s *session) error {
	hostname, _ := os.Hostname()
	data, err := protocol.Encode(&protocol.AgentRegister{
		AgentID: a.cfg.AgentID,
		Capabilities: protocol.Capabilities{
			MaxConcurrentTasks: a.pm.cfg.MaxConcurrent,
			Tags:               a.cfg.Tags,
			OS:                 runtime.GOOS,
			Arch:               runtime.GOARCH,
		},
		Address:   a.cfg.Address,
		Hostname:  hostname,
		Version:   a.cfg.Version,
		AuthToken: a.cfg.Token,
	})
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	s.ws.SetReadDeadline(time.Now().Add(a.cfg.DialTimeout))
	_, reply, err := s.ws.ReadMessage()
	if err != nil {
		// The gateway closes without a reply when authentication fails.
		return fmt.Errorf("register: no response (check the agent token): %w", err)
	}
	msg, err := protocol.Decode(reply)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	resp, ok := msg.(*protocol.AgentRegisterResponse)
	if !ok {
		return fmt.Errorf("register: unexpected %s", msg.Kind())
	}
	if !resp.Success {
		if resp.LeaderAddress != "" {
			return &RedirectError{Leader: resp.LeaderAddress}
		}
		return fmt.Errorf("%w: %s", ErrRegistrationRefused, resp.Message)
	}
	s.id = resp.SessionID
	s.serverID = resp.ServerID
	return nil
}

// heartbeatLoop sends a heartbeat right away and then at every interval.
func (a *Agent) heartbeatLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		cpuPct, memPct := a.metrics()
		running := a.pm.Running()
		err := s.enqueue(&protocol.Heartbeat{
			AgentID:            a.cfg.AgentID,
			Timestamp:          time.Now().UnixMilli(),
			RunningTasks:       len(running),
			RunningInstanceIDs: running,
			CPUPercent:         cpuPct,
			MemPercent:         memPct,
		}, false)
		if err != nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// readLoop handles server frames until the connection fails.
func (a *Agent) readLoop(s *session) error {
	for {
		s.ws.SetReadDeadline(time.Now().Add(3 * a.cfg.HeartbeatInterval))
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("invalid message", "error", err)
			continue
		}
		switch m := msg.(type) {
		case *protocol.DispatchTask:
			a.dispatch(m)
		case *protocol.Command:
			a.command(m)
		case *protocol.HeartbeatResponse:
		default:
			a.logger.Debug("ignoring message", "kind", msg.Kind())
		}
	}
}

func (a *Agent) dispatch(d *protocol.DispatchTask) {
	err := a.pm.Start(d)
	switch {
	case err == nil:
		a.logger.Info("task accepted", "task_instance_id", d.TaskInstanceID, "attempt", d.Attempt)
	case errors.Is(err, ErrDuplicateInstance):
		// A redelivery is answered with what is already known: RUNNING while
		// the process lives, its terminal update once it finished.
		if a.pm.Active(d.TaskInstanceID) {
			now := time.Now().UnixMilli()
			a.emit(&protocol.TaskInstanceUpdate{
				TaskInstanceID: d.TaskInstanceID,
				TaskID:         d.TaskID,
				Status:         model.InstanceStatusRunning,
				Timestamp:      now,
			})
		} else if u, ok := a.pm.Result(d.TaskInstanceID); ok {
			a.logger.Info("redelivered instance already finished, resending result",
				"task_instance_id", d.TaskInstanceID, "status", u.Status)
			a.emit(u)
			return
		}
		a.logger.Info("duplicate dispatch ignored", "task_instance_id", d.TaskInstanceID)
	case errors.Is(err, ErrCapacity):
		a.logger.Warn("dispatch rejected, at capacity", "task_instance_id", d.TaskInstanceID, "running", len(a.pm.Running()))
	default:
		a.logger.Error("dispatch failed", "task_instance_id", d.TaskInstanceID, "error", err)
	}
}

func (a *Agent) command(c *protocol.Command) {
	var err error
	switch c.Command {
	case protocol.CommandCancel:
		err = a.pm.Cancel(c.TaskInstanceID, c.Reason)
	case protocol.CommandPause:
		err = a.pm.Pause(c.TaskInstanceID)
	case protocol.CommandResume:
		err = a.pm.Resume(c.TaskInstanceID)
	case protocol.CommandShutdown:
		a.logger.Info("shutdown requested by server", "reason", c.Reason)
		a.mu.Lock()
		stop := a.stop
		a.mu.Unlock()
		if stop != nil {
			stop()
		}
		return
	}
	if err != nil {
		a.logger.Warn("command failed", "command", c.Command, "task_instance_id", c.TaskInstanceID, "error", err)
		return
	}
	a.logger.Info("command applied", "command", c.Command, "task_instance_id", c.TaskInstanceID)
}

// emit forwards process output to the current session. Log lines are dropped
// while disconnected; status updates wait in the outbox for the next session.
func (a *Agent) emit(m protocol.Message) {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()

	u, isUpdate := m.(*protocol.TaskInstanceUpdate)
	if isUpdate {
		u.AgentID = a.cfg.AgentID
	}
	if s == nil {
		if isUpdate {
			a.hold(u)
		}
		return
	}
	if err := s.enqueue(m, isUpdate); err != nil {
		if isUpdate {
			a.hold(u)
			return
		}
		a.logger.Debug("log line dropped", "error", err)
	}
}

func (a *Agent) hold(u *protocol.TaskInstanceUpdate) {
	if !u.Status.IsTerminal() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.outbox) >= maxOutbox {
		a.outbox = a.outbox[1:]
	}
	a.outbox = append(a.outbox, u)
}
