package events

import (
	"time"

	"github.com/aristath/taskmesh/internal/registry"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Subject() string // task, agent or message id the event is about
}

// Topic constants
const (
	TopicTask     = "task"
	TopicAgent    = "agent"
	TopicDelivery = "delivery"
	TopicProgress = "progress"
)

// Event type constants
const (
	EventTypeTaskStatusChanged  = "task.status_changed"
	EventTypeAgentStatusChanged = "agent.status_changed"
	EventTypeDeliveryFailed     = "delivery.failed"
	EventTypeProgress           = "engine.progress"
)

// TaskStatusChangedEvent is published on every task status transition.
type TaskStatusChangedEvent struct {
	TaskID     string
	OldStatus  scheduler.TaskStatus
	NewStatus  scheduler.TaskStatus
	AgentID    string // Assigned agent, if any
	RetryCount int
	Reason     string
	BlockedBy  string // Root failed task when NewStatus is Blocked
	Timestamp  time.Time
}

func (e TaskStatusChangedEvent) EventType() string { return EventTypeTaskStatusChanged }
func (e TaskStatusChangedEvent) Subject() string   { return e.TaskID }

// AgentStatusChangedEvent is published when an agent's status moves.
type AgentStatusChangedEvent struct {
	AgentID   string
	OldStatus registry.AgentStatus
	NewStatus registry.AgentStatus
	Timestamp time.Time
}

func (e AgentStatusChangedEvent) EventType() string { return EventTypeAgentStatusChanged }
func (e AgentStatusChangedEvent) Subject() string   { return e.AgentID }

// DeliveryFailedEvent is published when a message is dead-lettered.
type DeliveryFailedEvent struct {
	MessageID   string
	ReceiverID  string
	MessageType string
	TaskID      string // Set for task-scoped messages
	Attempts    int
	Err         error
	Timestamp   time.Time
}

func (e DeliveryFailedEvent) EventType() string { return EventTypeDeliveryFailed }
func (e DeliveryFailedEvent) Subject() string   { return e.MessageID }

// ProgressEvent summarizes task counts by status after the coordinator handles an event.
type ProgressEvent struct {
	Total     int
	Pending   int
	Ready     int
	Blocked   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) Subject() string   { return "" }

// Done reports whether every task reached a terminal status.
func (e ProgressEvent) Done() bool {
	return e.Total == e.Completed+e.Failed+e.Cancelled
}

// Settled reports whether nothing is running or waiting for an agent. Remaining
// Pending or Blocked tasks cannot progress without manual intervention.
func (e ProgressEvent) Settled() bool {
	return e.Ready == 0 && e.Running == 0
}
