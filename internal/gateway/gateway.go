// Package gateway terminates the persistent agent connections. It
// authenticates registrations, tracks liveness, routes agent reports to the
// scheduler and delivers dispatches and commands to agents.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/me/gosched/internal/auth"
	"github.com/me/gosched/internal/dispatch"
	"github.com/me/gosched/internal/events"
	"github.com/me/gosched/pkg/model"
	"github.com/me/gosched/pkg/protocol"
)

// Store is the persistence the gateway needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpsertAgent(ctx context.Context, agent *model.Agent) error
	UpdateAgentHeartbeat(ctx context.Context, id string, m model.AgentMetrics, now time.Time) error
	SetAgentStatus(ctx context.Context, id string, status model.AgentStatus) error
	GetLease(ctx context.Context, namespace string) (*model.Lease, error)
	GetServer(ctx context.Context, id string) (*model.ServerNode, error)
}

// Verifier checks an agent's token against the id it claims.
type Verifier interface {
	Verify(token, agentID string) (*auth.Claims, error)
}

// Leadership tells the gateway whether this server may accept agents.
type Leadership interface {
	IsLeader() bool
	ServerID() string
}

// Handler receives what agents report.
type Handler interface {
	InstanceUpdate(ctx context.Context, agentID string, u *protocol.TaskInstanceUpdate)
	Log(agentID string, m *protocol.LogMessage)
	AgentLost(agentID string)
	RunningReport(ctx context.Context, agentID string, running []string)
}

// Config holds gateway settings.
type Config struct {
	Namespace        string
	RegisterTimeout  time.Duration // deadline for the first frame
	HeartbeatTimeout time.Duration // silent agents become unhealthy
	DropTimeout      time.Duration // silent agents are disconnected
	WriteTimeout     time.Duration
	SendQueue        int
	MaxMessageBytes  int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:        "default",
		RegisterTimeout:  10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		DropTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendQueue:        64,
		MaxMessageBytes:  1 << 20,
	}
}

// Gateway is the websocket endpoint agents connect to.
type Gateway struct {
	store    Store
	verifier Verifier
	leader   Leadership
	handler  Handler
	cfg      Config
	events   events.Publisher
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu    sync.RWMutex
	conns map[string]*conn
}

// New creates a Gateway.
func New(st Store, verifier Verifier, leader Leadership, handler Handler, cfg Config, pub events.Publisher, logger *slog.Logger) *Gateway {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Gateway{
		store:    st,
		verifier: verifier,
		leader:   leader,
		handler:  handler,
		cfg:      cfg,
		events:   pub,
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		now:      time.Now,
		conns:    make(map[string]*conn),
	}
}

// SetClock replaces the time source (tests).
func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(g.cfg.MaxMessageBytes)

	c := newConn("sess_"+uuid.New().String(), ws, g.cfg.SendQueue, g.now())
	reg, err := g.register(r.Context(), c, r.RemoteAddr)
	if err != nil {
		g.logger.Warn("registration rejected", "remote", r.RemoteAddr, "session", c.sessionID, "error", err)
		c.transition(StateDisconnected)
		c.close()
		return
	}

	go c.writeLoop(g.cfg.WriteTimeout)
	g.reply(c, &protocol.AgentRegisterResponse{
		Success:    true,
		SessionID:  c.sessionID,
		ServerID:   g.leader.ServerID(),
		ServerTime: g.now().UnixMilli(),
	})
	g.logger.Info("agent registered", "agent_id", reg.AgentID, "session", c.sessionID,
		"max_concurrent_tasks", reg.Capabilities.MaxConcurrentTasks, "tags", reg.Capabilities.Tags)
	g.events.Publish(r.Context(), events.Event{
		Kind: events.AgentConnected, Time: g.now(), ServerID: g.leader.ServerID(), AgentID: reg.AgentID,
	})

	g.readLoop(r.Context(), c)
	g.disconnect(c)
}

var errRedirected = errors.New("not the leader, agent redirected")

// register runs Connecting -> Authenticating -> Registered.
func (g *Gateway) register(ctx context.Context, c *conn, remote string) (*protocol.AgentRegister, error) {
	c.ws.SetReadDeadline(time.Now().Add(g.cfg.RegisterTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read register: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	reg, ok := msg.(*protocol.AgentRegister)
	if !ok {
		return nil, fmt.Errorf("first message is %s, want %s", msg.Kind(), protocol.KindAgentRegister)
	}
	if err := c.transition(StateAuthenticating); err != nil {
		return nil, err
	}

	if !g.leader.IsLeader() {
		g.writeDirect(c, &protocol.AgentRegisterResponse{
			Success:       false,
			Message:       "not the leader",
			ServerID:      g.leader.ServerID(),
			ServerTime:    g.now().UnixMilli(),
			LeaderAddress: g.leaderAddress(ctx),
		})
		return nil, errRedirected
	}

	// Authentication failures close the socket without a reply.
	if _, err := g.verifier.Verify(reg.AuthToken, reg.AgentID); err != nil {
		return nil, fmt.Errorf("agent %s: %w", reg.AgentID, err)
	}

	existing, err := g.store.GetAgent(ctx, reg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if existing != nil && existing.Status == model.AgentStatusDisabled {
		g.writeDirect(c, &protocol.AgentRegisterResponse{
			Success: false, Message: "agent is disabled", ServerTime: g.now().UnixMilli(),
		})
		return nil, fmt.Errorf("agent %s is disabled", reg.AgentID)
	}

	now := g.now()
	address := reg.Address
	if address == "" {
		address = remote
	}
	err = g.store.UpsertAgent(ctx, &model.Agent{
		ID:                 reg.AgentID,
		Address:            address,
		Hostname:           reg.Hostname,
		Version:            reg.Version,
		Platform:           platform(reg.Capabilities),
		Status:             model.AgentStatusOnline,
		Tags:               reg.Capabilities.Tags,
		MaxConcurrentTasks: reg.Capabilities.MaxConcurrentTasks,
		LastHeartbeatAt:    &now,
		RegisteredAt:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}

	c.mu.Lock()
	c.agentID = reg.AgentID
	c.caps = reg.Capabilities
	c.lastSeen = now
	c.mu.Unlock()
	if err := c.transition(StateRegistered); err != nil {
		return nil, err
	}

	g.mu.Lock()
	old := g.conns[reg.AgentID]
	g.conns[reg.AgentID] = c
	g.mu.Unlock()
	if old != nil {
		g.logger.Info("agent reconnected, replacing session", "agent_id", reg.AgentID, "old_session", old.sessionID)
		old.mu.Lock()
		old.replaced = true
		old.mu.Unlock()
		old.close()
	}
	return reg, nil
}

func platform(caps protocol.Capabilities) string {
	if caps.OS == "" {
		return ""
	}
	return caps.OS + "/" + caps.Arch
}

// leaderAddress looks up the advertised address of the current lease holder.
func (g *Gateway) leaderAddress(ctx context.Context) string {
	lease, err := g.store.GetLease(ctx, g.cfg.Namespace)
	if err != nil || !lease.Valid(g.now()) {
		return ""
	}
	srv, err := g.store.GetServer(ctx, lease.Holder)
	if err != nil || srv == nil {
		return ""
	}
	return srv.Address
}

// writeDirect writes a frame before the writer goroutine exists.
func (g *Gateway) writeDirect(c *conn, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		g.logger.Error("encode", "kind", m.Kind(), "error", err)
		return
	}
	c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		g.logger.Debug("write", "session", c.sessionID, "error", err)
	}
}

func (g *Gateway) reply(c *conn, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		g.logger.Error("encode", "kind", m.Kind(), "error", err)
		return
	}
	if err := c.enqueue(data); err != nil {
		g.logger.Warn("reply dropped", "agent_id", c.agentID, "kind", m.Kind(), "error", err)
	}
}

func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	for {
		c.ws.SetReadDeadline(time.Now().Add(g.cfg.DropTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("read", "agent_id", c.agentID, "error", err)
			}
			return
		}
		now := g.now()
		c.touch(now)

		msg, err := protocol.Decode(data)
		if err != nil {
			g.logger.Warn("bad frame", "agent_id", c.agentID, "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			g.heartbeat(ctx, c, m, now)
		case *protocol.TaskInstanceUpdate:
			m.AgentID = c.agentID
			g.handler.InstanceUpdate(ctx, c.agentID, m)
		case *protocol.LogMessage:
			g.handler.Log(c.agentID, m)
		default:
			g.logger.Warn("unexpected message from agent", "agent_id", c.agentID, "kind", msg.Kind())
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, c *conn, m *protocol.Heartbeat, now time.Time) {
	if m.AgentID != c.agentID {
		g.logger.Warn("heartbeat for another agent ignored", "agent_id", c.agentID, "claimed", m.AgentID)
		return
	}
	if c.currentState() == StateRegistered {
		c.transition(StateActive)
	}

	c.mu.Lock()
	recovered := !c.healthy
	c.healthy = true
	c.running = m.RunningTasks
	c.cpu = m.CPUPercent
	c.mem = m.MemPercent
	c.mu.Unlock()

	metrics := model.AgentMetrics{RunningTasks: m.RunningTasks, CPUPercent: m.CPUPercent, MemPercent: m.MemPercent}
	if err := g.store.UpdateAgentHeartbeat(ctx, c.agentID, metrics, now); err != nil {
		g.logger.Error("update heartbeat", "agent_id", c.agentID, "error", err)
	}
	if recovered {
		g.logger.Info("agent healthy again", "agent_id", c.agentID)
	}
	g.reply(c, &protocol.HeartbeatResponse{ServerTime: now.UnixMilli()})
	g.handler.RunningReport(ctx, c.agentID, m.RunningInstanceIDs)
}

// disconnect runs once the read loop ended.
func (g *Gateway) disconnect(c *conn) {
	c.close()
	c.transition(StateDisconnected)

	g.mu.Lock()
	if g.conns[c.agentID] == c {
		delete(g.conns, c.agentID)
	}
	g.mu.Unlock()

	c.mu.Lock()
	replaced := c.replaced
	c.mu.Unlock()
	if replaced {
		return
	}

	g.logger.Warn("agent disconnected", "agent_id", c.agentID, "session", c.sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.SetAgentStatus(ctx, c.agentID, model.AgentStatusOffline); err != nil {
		g.logger.Error("set agent offline", "agent_id", c.agentID, "error", err)
	}
	g.handler.AgentLost(c.agentID)
	g.events.Publish(ctx, events.Event{
		Kind: events.AgentLost, Time: g.now(), ServerID: g.leader.ServerID(), AgentID: c.agentID,
	})
}

// Send queues a message for an agent. It never blocks.
func (g *Gateway) Send(agentID string, m protocol.Message) error {
	g.mu.RLock()
	c := g.conns[agentID]
	g.mu.RUnlock()
	if c == nil {
		return ErrAgentNotConnected
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// Snapshot lists active connections for the dispatcher, sorted by agent id.
func (g *Gateway) Snapshot() []dispatch.AgentSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]dispatch.AgentSnapshot, 0, len(g.conns))
	for id, c := range g.conns {
		c.mu.Lock()
		if c.state == StateActive {
			status := model.AgentStatusOnline
			if !c.healthy {
				status = model.AgentStatusUnhealthy
			}
			out = append(out, dispatch.AgentSnapshot{
				ID:                 id,
				Status:             status,
				Tags:               c.caps.Tags,
				MaxConcurrentTasks: c.caps.MaxConcurrentTasks,
				RunningTasks:       c.running,
				CPUPercent:         c.cpu,
				MemPercent:         c.mem,
			})
		}
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connected reports whether agentID has a live session.
func (g *Gateway) Connected(agentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[agentID] != nil
}

// Sweep marks silent agents unhealthy and drops those silent for too long.
func (g *Gateway) Sweep(ctx context.Context) {
	now := g.now()
	g.mu.RLock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		silent := now.Sub(c.lastSeen)
		becameUnhealthy := c.healthy && silent > g.cfg.HeartbeatTimeout
		if becameUnhealthy {
			c.healthy = false
		}
		agentID := c.agentID
		c.mu.Unlock()

		switch {
		case silent > g.cfg.DropTimeout:
			g.logger.Warn("dropping silent agent", "agent_id", agentID, "silent", silent.String())
			c.close()
		case becameUnhealthy:
			g.logger.Warn("agent unhealthy", "agent_id", agentID, "silent", silent.String())
			if err := g.store.SetAgentStatus(ctx, agentID, model.AgentStatusUnhealthy); err != nil {
				g.logger.Error("set agent unhealthy", "agent_id", agentID, "error", err)
			}
		}
	}
}

// Run sweeps every interval until ctx is done.
func (g *Gateway) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// CloseAll disconnects every agent, e.g. after losing leadership so agents
// re-home to the new leader.
func (g *Gateway) CloseAll(reason string) {
	g.mu.RLock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	if len(conns) > 0 {
		g.logger.Info("closing agent connections", "count", len(conns), "reason", reason)
	}
	for _, c := range conns {
		c.close()
	}
}

var _ dispatch.Registry = (*Gateway)(nil)
