package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SaveTask saves or updates a task. Submission order is kept across updates.
// Dependencies are journaled separately with SaveEdge.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	caps, err := json.Marshal(task.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, seq, title, status, priority, capabilities, assigned_agent_id,
			retry_count, max_retries, reason, blocked_by, timeout, payload, created_at, updated_at, started_at)
		VALUES (?, COALESCE((SELECT MAX(seq) FROM tasks), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			priority = excluded.priority,
			capabilities = excluded.capabilities,
			assigned_agent_id = excluded.assigned_agent_id,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			reason = excluded.reason,
			blocked_by = excluded.blocked_by,
			timeout = excluded.timeout,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at
	`, task.ID, task.Title, int(task.Status), task.Priority, string(caps), task.AssignedAgentID,
		task.RetryCount, task.MaxRetries, task.Reason, task.BlockedBy, int64(task.Timeout), task.Payload,
		toNanos(task.CreatedAt), toNanos(task.UpdatedAt), toNanos(task.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `id, title, status, priority, capabilities, assigned_agent_id, retry_count,
	max_retries, reason, blocked_by, timeout, payload, created_at, updated_at, started_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		task    scheduler.Task
		status  int
		caps    string
		timeout int64
		created int64
		updated int64
		started int64
	)
	err := row.Scan(&task.ID, &task.Title, &status, &task.Priority, &caps, &task.AssignedAgentID,
		&task.RetryCount, &task.MaxRetries, &task.Reason, &task.BlockedBy, &timeout, &task.Payload,
		&created, &updated, &started)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(caps), &task.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities of task %s: %w", task.ID, err)
	}
	task.Status = scheduler.TaskStatus(status)
	task.Timeout = time.Duration(timeout)
	task.CreatedAt = fromNanos(created)
	task.UpdatedAt = fromNanos(updated)
	task.StartedAt = fromNanos(started)
	return &task, nil
}

// GetTask retrieves a task by ID, including its blocking dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id FROM task_dependencies
		WHERE to_id = ? AND kind = ?
		ORDER BY from_id
	`, taskID, int(scheduler.EdgeBlocks))
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return task, nil
}

// ListTasks returns all tasks in submission order with their blocking
// dependencies filled in.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	byID := make(map[string]*scheduler.Task)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Dependencies are read after the task cursor is closed; the store
	// holds a single connection.
	edges, err := s.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.Kind != scheduler.EdgeBlocks {
			continue
		}
		if task, ok := byID[e.To]; ok {
			task.DependsOn = append(task.DependsOn, e.From)
		}
	}

	return tasks, nil
}

// SaveEdge records a dependency. Both tasks must already be saved.
func (s *SQLiteStore) SaveEdge(ctx context.Context, edge scheduler.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (from_id, to_id, kind)
		VALUES (?, ?, ?)
		ON CONFLICT(from_id, to_id) DO UPDATE SET kind = excluded.kind
	`, edge.From, edge.To, int(edge.Kind))
	if err != nil {
		return fmt.Errorf("failed to insert dependency %s: %w", edge, err)
	}
	return nil
}

// ListEdges returns every dependency ordered by endpoints.
func (s *SQLiteStore) ListEdges(ctx context.Context) ([]scheduler.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, kind FROM task_dependencies
		ORDER BY from_id, to_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var edges []scheduler.Edge
	for rows.Next() {
		var (
			e    scheduler.Edge
			kind int
		)
		if err := rows.Scan(&e.From, &e.To, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		e.Kind = scheduler.EdgeKind(kind)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return edges, nil
}
