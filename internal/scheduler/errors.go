package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateTask = errors.New("duplicate task")
	ErrTaskNotFound  = errors.New("task not found")
	ErrCycleDetected = errors.New("dependency cycle detected")
)

// DuplicateTaskError is returned when a task id is registered twice.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already exists", e.TaskID)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }

// CycleDetectedError is returned when an edge would close a cycle.
// Path is the existing chain from To back to From.
type CycleDetectedError struct {
	From string
	To   string
	Path []string
}

func (e *CycleDetectedError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency %q -> %q would create a cycle", e.From, e.To)
	}
	return fmt.Sprintf("dependency %q -> %q would create a cycle via %s",
		e.From, e.To, strings.Join(e.Path, " -> "))
}

func (e *CycleDetectedError) Unwrap() error { return ErrCycleDetected }

func notFound(taskID string) error {
	return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
}
