package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/persistence"
	"github.com/aristath/taskmesh/internal/registry"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// ID is the bus address of the coordinator.
const ID = "coordinator"

// NoRetries as TaskSpec.MaxRetries gives a task exactly one attempt.
const NoRetries = -1

// TaskSpec describes a task to submit.
type TaskSpec struct {
	ID                   string // Generated when empty
	Title                string
	RequiredCapabilities []string
	DependsOn            []string // Blocking dependencies, must already exist
	Priority             int      // Lower is more urgent
	MaxRetries           int      // Zero uses Config.DefaultMaxRetries, NoRetries allows a single attempt
	Timeout              time.Duration
	Payload              json.RawMessage // Forwarded to the agent in task.assign
}

// AgentSpec describes an agent to register.
type AgentSpec struct {
	ID           string // Generated when empty
	Type         string
	Capabilities []string
	Capacity     int
	Receiver     bus.Receiver // Where task.assign and task.cancel are delivered; nil for agents polled out of band
}

// TaskStatusView is the externally visible state of a task.
type TaskStatusView struct {
	TaskID          string
	Title           string
	Status          scheduler.TaskStatus
	AssignedAgentID string
	RetryCount      int
	MaxRetries      int
	UpdatedAt       time.Time
	Reason          string
	BlockedBy       string // Root failed or cancelled task when Blocked
}

func viewOf(task *scheduler.Task) TaskStatusView {
	return TaskStatusView{
		TaskID:          task.ID,
		Title:           task.Title,
		Status:          task.Status,
		AssignedAgentID: task.AssignedAgentID,
		RetryCount:      task.RetryCount,
		MaxRetries:      task.MaxRetries,
		UpdatedAt:       task.UpdatedAt,
		Reason:          task.Reason,
		BlockedBy:       task.BlockedBy,
	}
}

// StatusReport is an agent's report on a task it was assigned.
type StatusReport struct {
	TaskID       string
	AgentID      string
	AssignmentID string               // task.assign message id; empty means the current attempt
	Status       scheduler.TaskStatus // Running, Completed or Failed
	Reason       string
}

// Journal records state changes so a restarted coordinator can resume.
// persistence.SQLiteStore implements it.
type Journal interface {
	SaveTask(ctx context.Context, task *scheduler.Task) error
	SaveEdge(ctx context.Context, edge scheduler.Edge) error
	SaveAgent(ctx context.Context, agent *registry.Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
	SaveDeadLetter(ctx context.Context, msg bus.Message) error
	Load(ctx context.Context) (*persistence.Snapshot, error)
}

// Metrics receives scheduling measurements. metrics.Collector implements it.
type Metrics interface {
	TaskSubmitted()
	TaskTransition(from, to scheduler.TaskStatus)
	TaskDispatched(agentID string)
	ReadyQueueDepth(n int)
	AgentLoad(agentID string, load, capacity int)
	AgentRemoved(agentID string)
}

type noopMetrics struct{}

func (noopMetrics) TaskSubmitted() {}
func (noopMetrics) TaskTransition(_, _ scheduler.TaskStatus) {}
func (noopMetrics) TaskDispatched(string) {}
func (noopMetrics) ReadyQueueDepth(int) {}
func (noopMetrics) AgentLoad(string, int, int) {}
func (noopMetrics) AgentRemoved(string) {}
