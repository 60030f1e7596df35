// Package bus delivers messages between the coordinator and agents with
// priority ordering, at-least-once redelivery and dead-lettering.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broadcast addresses every receiver registered when the message is sent.
const Broadcast = "*"

// Message types exchanged between the coordinator and agents.
const (
	TypeTaskAssign     = "task.assign"
	TypeTaskCancel     = "task.cancel"
	TypeTaskStatus     = "task.status"
	TypeAgentHeartbeat = "agent.heartbeat"
)

// MessageStatus tracks a message through delivery.
type MessageStatus int

const (
	StatusQueued MessageStatus = iota
	StatusDelivered
	StatusFailed // Last attempt failed, waiting for redelivery
	StatusDeadLettered
)

func (s MessageStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Message is a unit of delivery. Redeliveries keep the same ID so receivers
// can discard duplicates.
type Message struct {
	ID               string
	SenderID         string
	ReceiverID       string // Agent id, coordinator id or Broadcast
	Type             string
	Payload          json.RawMessage
	Priority         int // Lower is delivered first
	CreatedAt        time.Time
	DeliveryAttempts int
	Status           MessageStatus
	LastError        string
	NextAttemptAt    time.Time
}

// NewMessage builds a message with a fresh id and a JSON-encoded payload.
func NewMessage(sender, receiver, msgType string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Message{
		ID:         uuid.NewString(),
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       msgType,
		Payload:    data,
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of message %s: %w", m.Type, m.ID, err)
	}
	return nil
}

// Clone returns a copy that does not share the payload buffer.
func (m Message) Clone() Message {
	cp := m
	cp.Payload = append(json.RawMessage(nil), m.Payload...)
	return cp
}

// AssignPayload is the body of a task.assign message.
type AssignPayload struct {
	TaskID       string          `json:"task_id"`
	Title        string          `json:"title"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Attempt      int             `json:"attempt"`
}

// CancelPayload is the body of a task.cancel message.
type CancelPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// StatusPayload is the body of a task.status report. Status is a task status
// name such as "completed" or "failed". AssignmentID echoes the id of the
// task.assign message that started the attempt being reported on.
type StatusPayload struct {
	TaskID       string `json:"task_id"`
	AgentID      string `json:"agent_id"`
	AssignmentID string `json:"assignment_id,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

// HeartbeatPayload is the body of an agent.heartbeat message. A non-empty
// Error marks the agent unhealthy.
type HeartbeatPayload struct {
	AgentID string    `json:"agent_id"`
	SentAt  time.Time `json:"sent_at"`
	Error   string    `json:"error,omitempty"`
}
