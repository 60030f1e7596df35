package scheduler

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All blocking dependencies completed, waiting for an agent
	TaskBlocked                     // An upstream task failed or was cancelled
	TaskRunning                     // Assigned to an agent
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Finished with error, retries exhausted
	TaskCancelled                   // Cancelled on request
)

var taskStatusNames = [...]string{
	TaskPending:   "pending",
	TaskReady:     "ready",
	TaskBlocked:   "blocked",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskCancelled: "cancelled",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(taskStatusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return taskStatusNames[s]
}

// Terminal reports whether no further transitions are expected without manual intervention.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// MarshalText encodes the status by name so wire payloads stay readable.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *TaskStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseTaskStatus converts a status name into a TaskStatus.
func ParseTaskStatus(name string) (TaskStatus, error) {
	for i, n := range taskStatusNames {
		if strings.EqualFold(n, name) {
			return TaskStatus(i), nil
		}
	}
	return TaskPending, fmt.Errorf("unknown task status %q", name)
}

// EdgeKind distinguishes gating edges from advisory ones.
type EdgeKind int

const (
	EdgeBlocks  EdgeKind = iota // Gates readiness of the target
	EdgeInforms                 // Advisory only, never blocks
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeBlocks:
		return "blocks"
	case EdgeInforms:
		return "informs"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseEdgeKind converts "blocks" or "informs" into an EdgeKind.
func ParseEdgeKind(name string) (EdgeKind, error) {
	switch strings.ToLower(name) {
	case "", "blocks":
		return EdgeBlocks, nil
	case "informs":
		return EdgeInforms, nil
	default:
		return EdgeBlocks, fmt.Errorf("unknown edge kind %q", name)
	}
}

// Edge is a directed dependency: To depends on From.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -%s-> %s", e.From, e.Kind, e.To)
}

// Task represents a unit of work tracked by the engine.
type Task struct {
	ID                   string
	Title                string
	Status               TaskStatus
	Priority             int      // Lower is more urgent
	RequiredCapabilities []string // Sorted, de-duplicated
	DependsOn            []string // Blocking dependencies declared at submission
	AssignedAgentID      string
	RetryCount           int
	MaxRetries           int
	Reason               string        // Why the task failed or is blocked
	BlockedBy            string        // Root failed/cancelled task when Blocked
	Timeout              time.Duration // Execution timeout, zero means unbounded
	Payload              []byte        // Opaque, forwarded to the agent
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            time.Time
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	cp.RequiredCapabilities = slices.Clone(t.RequiredCapabilities)
	cp.DependsOn = slices.Clone(t.DependsOn)
	cp.Payload = slices.Clone(t.Payload)
	return &cp
}

// NormalizeSet sorts and de-duplicates a list of tags, dropping empty entries.
func NormalizeSet(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
