// Package registry tracks agents, their declared capabilities, capacity and liveness.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// AgentStatus is the liveness/availability state of an agent.
type AgentStatus int

const (
	AgentIdle    AgentStatus = iota // Online, no tasks
	AgentBusy                       // Online, at least one task
	AgentOffline                    // Missed heartbeats
	AgentError                      // Reported itself unhealthy
)

func (s AgentStatus) String() string {
	switch s {
	case AgentIdle:
		return "idle"
	case AgentBusy:
		return "busy"
	case AgentOffline:
		return "offline"
	case AgentError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s AgentStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Online reports whether the agent may receive work.
func (s AgentStatus) Online() bool {
	return s == AgentIdle || s == AgentBusy
}

// Agent is a registered worker.
type Agent struct {
	ID            string
	Type          string
	Capabilities  []string // Sorted, de-duplicated
	Capacity      int      // Max concurrent tasks
	CurrentLoad   int
	Status        AgentStatus
	Reason        string // Set with AgentError
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Capabilities = slices.Clone(a.Capabilities)
	return &cp
}

// HasAll reports whether the agent's capability set is a superset of required.
func (a *Agent) HasAll(required []string) bool {
	for _, c := range required {
		if _, found := slices.BinarySearch(a.Capabilities, c); !found {
			return false
		}
	}
	return true
}

// Utilization is CurrentLoad / Capacity.
func (a *Agent) Utilization() float64 {
	if a.Capacity <= 0 {
		return 1
	}
	return float64(a.CurrentLoad) / float64(a.Capacity)
}

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrDuplicateAgent   = errors.New("agent already registered")
	ErrNoCapableAgent   = errors.New("no capable agent available")
	ErrCapacityExceeded = errors.New("agent capacity exceeded")
	ErrInvalidCapacity  = errors.New("agent capacity must be positive")
)

// NoCapableAgentError is returned when no online agent with spare capacity
// declares every required capability.
type NoCapableAgentError struct {
	Required []string
}

func (e *NoCapableAgentError) Error() string {
	if len(e.Required) == 0 {
		return "no agent with spare capacity"
	}
	return fmt.Sprintf("no agent with spare capacity offers [%s]", strings.Join(e.Required, ", "))
}

func (e *NoCapableAgentError) Unwrap() error { return ErrNoCapableAgent }

// CapacityExceededError is returned by Reserve when the agent is full.
type CapacityExceededError struct {
	AgentID  string
	Capacity int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("agent %q is at capacity %d", e.AgentID, e.Capacity)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

func agentNotFound(agentID string) error {
	return fmt.Errorf("agent %q: %w", agentID, ErrAgentNotFound)
}

func normalize(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
