package agent

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/me/gosched/pkg/protocol"
)

const gatewayPath = "/api/v1/gateway/ws"

var (
	errSessionClosed = errors.New("session closed")
	errClosing       = errors.New("session closing")
)

// RedirectError is returned when the server is not the leader and names the
// address to reconnect to.
type RedirectError struct {
	Leader string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirected to leader %s", e.Leader)
}

// session is one registered websocket connection. Writes go through a single
// writer goroutine fed by send.
type session struct {
	ws           *websocket.Conn
	id           string
	serverID     string
	writeTimeout time.Duration

	send    chan []byte
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
	closeMu sync.Once
}

func newSession(ws *websocket.Conn, queue int, writeTimeout time.Duration) *session {
	return &session{
		ws:           ws,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
	}
}

// enqueue queues m for the writer. With wait set it blocks until the frame
// is queued or the session ends; otherwise a full queue drops the frame.
func (s *session) enqueue(m protocol.Message, wait bool) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	if !wait {
		select {
		case s.send <- data:
			return nil
		default:
			return fmt.Errorf("send queue full, dropped %s", m.Kind())
		}
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// writeLoop drains the send queue. After beginClose it flushes what is queued
// and sends a close frame.
func (s *session) writeLoop(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case data := <-s.send:
			if err := s.write(data); err != nil {
				return err
			}
		case <-s.closing:
			for drained := false; !drained; {
				select {
				case data := <-s.send:
					if err := s.write(data); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down")
			s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
			return errClosing
		}
	}
}

func (s *session) write(data []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// beginClose asks the writer to flush and close.
func (s *session) beginClose() {
	s.closeMu.Do(func() { close(s.closing) })
}

// close tears the connection down and unblocks pending enqueues.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}

// gatewayURL turns a server address into the gateway websocket URL. Bare
// host:port and http(s) URLs are accepted.
func gatewayURL(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("empty server address")
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse server address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, addr)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server address %q has no host", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = gatewayPath
	}
	return u.String(), nil
}
