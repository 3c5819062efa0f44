// Package wire implements the framing codec for the bidirectional socket
// between the cloud dispatch fabric and a connected worker: envelope
// serialization, per-kind payload schema validation, and envelope
// construction helpers.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed enumeration of message kinds carried on the wire.
type Kind string

const (
	KindAuthRequest    Kind = "AuthRequest"
	KindAuthResponse   Kind = "AuthResponse"
	KindHeartbeatPing  Kind = "HeartbeatPing"
	KindHeartbeatPong  Kind = "HeartbeatPong"
	KindTaskSubmit     Kind = "TaskSubmit"
	KindTaskAck        Kind = "TaskAck"
	KindTaskProgress   Kind = "TaskProgress"
	KindTaskStream     Kind = "TaskStream"
	KindTaskComplete   Kind = "TaskComplete"
	KindTaskError      Kind = "TaskError"
	KindTaskCancel     Kind = "TaskCancel"
	KindTaskCancelled  Kind = "TaskCancelled"
	KindAgentStatus    Kind = "AgentStatus"
	KindSystemRestart  Kind = "SystemRestart"
)

// Envelope is the wire format for every message exchanged over the socket.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// MalformedMessage reports a payload that failed schema validation, or an
// envelope that failed to parse at all.
type MalformedMessage struct {
	Kind   Kind
	Reason string
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("malformed message (kind=%s): %s", e.Kind, e.Reason)
}

// NewEnvelope builds a fresh envelope with a server-generated id and
// timestamp, marshaling payload into the envelope's payload field.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %s: %w", kind, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      kind,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Encode serializes an envelope to JSON bytes.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses raw bytes into an envelope without validating the payload
// against its kind's schema — callers that need validation should call
// Validate afterward.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &MalformedMessage{Reason: fmt.Sprintf("decode envelope: %s", err)}
	}
	if env.ID == "" || env.Type == "" {
		return Envelope{}, &MalformedMessage{Kind: env.Type, Reason: "missing id or type"}
	}
	return env, nil
}

// UnmarshalPayload decodes an envelope's payload into dst.
func UnmarshalPayload(env Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &MalformedMessage{Kind: env.Type, Reason: fmt.Sprintf("unmarshal payload: %s", err)}
	}
	return nil
}
