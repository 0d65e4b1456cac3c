package gateway

import "fmt"

// ConnState is the lifecycle state of one agent connection.
type ConnState string

const (
	StateConnecting     ConnState = "CONNECTING"
	StateAuthenticating ConnState = "AUTHENTICATING"
	StateRegistered     ConnState = "REGISTERED"
	StateActive         ConnState = "ACTIVE"
	StateDisconnected   ConnState = "DISCONNECTED"
)

// ValidConnTransitions defines the allowed connection state transitions.
// Any state may fall to Disconnected.
var ValidConnTransitions = map[ConnState][]ConnState{
	StateConnecting:     {StateAuthenticating, StateDisconnected},
	StateAuthenticating: {StateRegistered, StateDisconnected},
	StateRegistered:     {StateActive, StateDisconnected},
	StateActive:         {StateDisconnected},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s ConnState) CanTransitionTo(next ConnState) bool {
	for _, st := range ValidConnTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// transition moves c to next or reports why it cannot.
func (c *conn) transition(next ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransitionTo(next) {
		return fmt.Errorf("connection %s: invalid transition %s -> %s", c.sessionID, c.state, next)
	}
	c.state = next
	return nil
}

func (c *conn) currentState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
