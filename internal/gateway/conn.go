package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/me/gosched/pkg/protocol"
)

var (
	ErrAgentNotConnected = errors.New("agent not connected")
	ErrSendQueueFull     = errors.New("agent send queue full")
)

// conn is one websocket session with an agent.
type conn struct {
	sessionID string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	state    ConnState
	agentID  string
	caps     protocol.Capabilities
	lastSeen time.Time
	healthy  bool
	replaced bool
	running  int
	cpu      float64
	mem      float64
}

func newConn(sessionID string, ws *websocket.Conn, queue int, now time.Time) *conn {
	return &conn{
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		state:     StateConnecting,
		lastSeen:  now,
		healthy:   true,
	}
}

// enqueue hands a frame to the writer without blocking.
func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrAgentNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the send queue until the connection closes.
func (c *conn) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

// close shuts the socket; the read loop then observes the error and cleans up.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}
