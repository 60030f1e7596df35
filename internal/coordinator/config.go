package coordinator

import (
	"fmt"
	"strings"
	"time"
)

// FailurePolicy decides what happens to the dependents of a task that failed
// for good or was cancelled.
type FailurePolicy int

const (
	// PolicyCascade marks every transitive dependent Blocked.
	PolicyCascade FailurePolicy = iota
	// PolicyIsolate marks only direct dependents Blocked; deeper ones stay
	// Pending until the failed task is retried.
	PolicyIsolate
)

func (p FailurePolicy) String() string {
	switch p {
	case PolicyCascade:
		return "cascade"
	case PolicyIsolate:
		return "isolate"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseFailurePolicy converts "cascade" or "isolate" into a FailurePolicy.
// An empty name selects cascade.
func ParseFailurePolicy(name string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cascade":
		return PolicyCascade, nil
	case "isolate":
		return PolicyIsolate, nil
	default:
		return PolicyCascade, fmt.Errorf("unknown failure policy %q", name)
	}
}

// Config controls scheduling behavior.
type Config struct {
	FailurePolicy FailurePolicy

	// TreatInfraFailureAsRetryable requeues tasks lost to an agent going
	// offline or reporting an error without consuming a retry.
	TreatInfraFailureAsRetryable bool

	RescanInterval       time.Duration // Periodic dispatch of tasks still waiting for an agent
	TimeoutCheckInterval time.Duration // How often execution timeouts are checked
	DefaultMaxRetries    int           // Used when a TaskSpec asks for the default
	TaskTimeout          time.Duration // Execution timeout for tasks without their own; zero is unbounded
	EventBuffer          int           // Command channel capacity
	MaxReselect          int           // Candidate re-selections when a reservation races
}

// DefaultConfig returns cascade failures, a 2s rescan and unbounded execution time.
func DefaultConfig() Config {
	return Config{
		FailurePolicy:        PolicyCascade,
		RescanInterval:       2 * time.Second,
		TimeoutCheckInterval: time.Second,
		DefaultMaxRetries:    2,
		EventBuffer:          256,
		MaxReselect:          3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RescanInterval <= 0 {
		c.RescanInterval = def.RescanInterval
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = def.TimeoutCheckInterval
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.MaxReselect <= 0 {
		c.MaxReselect = def.MaxReselect
	}
	return c
}
