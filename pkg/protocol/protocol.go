// Package protocol defines the messages exchanged between the gateway and
// agents over their persistent connection. Every frame is an Envelope whose
// payload type is selected by Kind and validated when decoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the payload type carried by an Envelope.
type Kind string

const (
	KindAgentRegister         Kind = "agent_register"
	KindAgentRegisterResponse Kind = "agent_register_response"
	KindHeartbeat             Kind = "heartbeat"
	KindHeartbeatResponse     Kind = "heartbeat_response"
	KindDispatchTask          Kind = "dispatch_task"
	KindTaskInstanceUpdate    Kind = "task_instance_update"
	KindLogMessage            Kind = "log_message"
	KindCommand               Kind = "command"
)

// ErrUnknownKind is returned by Decode for an envelope kind it does not know.
var ErrUnknownKind = errors.New("unknown message kind")

// Envelope is the frame written on the wire.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
	Validate() error
}

// Encode wraps m in an envelope and serializes it.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: m.Kind(), Payload: payload})
}

// Decode parses a frame into its typed payload and validates it.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var m Message
	switch env.Kind {
	case KindAgentRegister:
		m = &AgentRegister{}
	case KindAgentRegisterResponse:
		m = &AgentRegisterResponse{}
	case KindHeartbeat:
		m = &Heartbeat{}
	case KindHeartbeatResponse:
		m = &HeartbeatResponse{}
	case KindDispatchTask:
		m = &DispatchTask{}
	case KindTaskInstanceUpdate:
		m = &TaskInstanceUpdate{}
	case KindLogMessage:
		m = &LogMessage{}
	case KindCommand:
		m = &Command{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("decode %s: missing payload", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return m, nil
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}
