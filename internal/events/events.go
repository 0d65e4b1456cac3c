// Package events publishes scheduler lifecycle events for external
// consumers. Publishing is fire-and-forget: a failed publish is logged and
// never affects scheduling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Kind names an event type. It is also the subject suffix on NATS.
type Kind string

const (
	TaskGenerated      Kind = "task.generated"
	InstanceDispatched Kind = "instance.dispatched"
	InstanceFinished   Kind = "instance.finished"
	LeaderChanged      Kind = "leader.changed"
	AgentConnected     Kind = "agent.connected"
	AgentLost          Kind = "agent.lost"
)

// Event is one lifecycle notification.
type Event struct {
	Kind           Kind           `json:"kind"`
	Time           time.Time      `json:"time"`
	ServerID       string         `json:"server_id,omitempty"`
	JobID          string         `json:"job_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	TaskInstanceID string         `json:"task_instance_id,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	Status         string         `json:"status,omitempty"`
	Attrs          map[string]any `json:"attrs,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

func (Nop) Close() error { return nil }

// NATSPublisher publishes events as JSON to "<prefix>.<kind>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to url. The connection reconnects forever in the
// background.
func NewNATSPublisher(url, prefix, name string, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "events")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal event", "kind", ev.Kind, "error", err)
		return
	}
	if err := p.nc.Publish(p.Subject(ev.Kind), data); err != nil {
		p.logger.Warn("publish event", "kind", ev.Kind, "error", err)
	}
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// Recorder keeps published events in memory. Tests use it to assert on
// emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were published.
func (r *Recorder) Count(kind Kind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
