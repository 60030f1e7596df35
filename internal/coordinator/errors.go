package coordinator

import (
	"errors"
	"fmt"

	"github.com/aristath/taskmesh/internal/scheduler"
)

var (
	ErrRetriesExhausted   = errors.New("task retries exhausted")
	ErrNotCancelable      = errors.New("task cannot be cancelled")
	ErrNotRetryable       = errors.New("task cannot be retried")
	ErrCoordinatorStopped = errors.New("coordinator stopped")
	ErrAlreadyRunning     = errors.New("coordinator already running")
)

// RetriesExhaustedError is recorded as the reason of a task that failed for
// good. It reaches callers through the task status stream, never as a return value.
type RetriesExhaustedError struct {
	TaskID   string
	Attempts int
	Last     string // Reason given for the final failure
}

func (e *RetriesExhaustedError) Error() string {
	if e.Last == "" {
		return fmt.Sprintf("task %q failed after %d attempts", e.TaskID, e.Attempts)
	}
	return fmt.Sprintf("task %q failed after %d attempts: %s", e.TaskID, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return ErrRetriesExhausted }

// NotCancelableError is returned by CancelTask for tasks that already finished.
type NotCancelableError struct {
	TaskID string
	Status scheduler.TaskStatus
}

func (e *NotCancelableError) Error() string {
	return fmt.Sprintf("task %q is %s and cannot be cancelled", e.TaskID, e.Status)
}

func (e *NotCancelableError) Unwrap() error { return ErrNotCancelable }

// NotRetryableError is returned by RetryTask for tasks that are not Failed.
type NotRetryableError struct {
	TaskID string
	Status scheduler.TaskStatus
}

func (e *NotRetryableError) Error() string {
	return fmt.Sprintf("task %q is %s; only failed tasks can be retried", e.TaskID, e.Status)
}

func (e *NotRetryableError) Unwrap() error { return ErrNotRetryable }

func taskNotFound(taskID string) error {
	return fmt.Errorf("task %q: %w", taskID, scheduler.ErrTaskNotFound)
}
