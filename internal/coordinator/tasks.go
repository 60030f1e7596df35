package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/scheduler"
)

func (c *Coordinator) submit(ctx context.Context, spec TaskSpec) (string, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := c.store.Get(id); exists {
		return "", &scheduler.DuplicateTaskError{TaskID: id}
	}
	if len(spec.Payload) > 0 && !json.Valid(spec.Payload) {
		return "", fmt.Errorf("task %q: payload is not valid JSON", id)
	}

	// Dependencies must already be known
	deps := scheduler.NormalizeSet(spec.DependsOn)
	for _, dep := range deps {
		if dep == id {
			return "", &scheduler.CycleDetectedError{From: id, To: id}
		}
		if !c.graph.HasTask(dep) {
			return "", fmt.Errorf("dependency of %q: %w", id, taskNotFound(dep))
		}
	}

	maxRetries := spec.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = c.cfg.DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.cfg.TaskTimeout
	}

	now := c.now()
	task := &scheduler.Task{
		ID:                   id,
		Title:                spec.Title,
		Status:               scheduler.TaskPending,
		Priority:             spec.Priority,
		RequiredCapabilities: scheduler.NormalizeSet(spec.RequiredCapabilities),
		DependsOn:            deps,
		MaxRetries:           maxRetries,
		Timeout:              timeout,
		Payload:              spec.Payload,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	// Graph first, then the store; undo the graph if either step fails
	if err := c.graph.AddTask(task); err != nil {
		return "", err
	}
	for _, dep := range deps {
		if err := c.graph.AddDependency(dep, id); err != nil {
			c.graph.RemoveTask(id)
			return "", err
		}
	}
	if err := c.store.Add(task); err != nil {
		c.graph.RemoveTask(id)
		return "", err
	}
	c.counts[scheduler.TaskPending]++
	c.metrics.TaskSubmitted()

	// Journal the task and its edges
	c.save(ctx, task)
	for _, dep := range deps {
		c.saveEdge(ctx, scheduler.Edge{From: dep, To: id, Kind: scheduler.EdgeBlocks})
	}

	c.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("title", task.Title),
		zap.Strings("depends_on", deps),
		zap.Int("priority", task.Priority),
	)

	// A failed or cancelled dependency blocks the task right away
	if root, blocked := c.blockingRoot(id); blocked {
		c.block(ctx, id, root)
	} else if c.graph.IsReady(id) {
		c.makeReady(ctx, id, nil)
	}
	return id, nil
}

func (c *Coordinator) addDependency(ctx context.Context, from, to string, kind scheduler.EdgeKind) error {
	if err := c.graph.AddEdge(from, to, kind); err != nil {
		return err
	}
	c.saveEdge(ctx, scheduler.Edge{From: from, To: to, Kind: kind})
	if kind != scheduler.EdgeBlocks {
		return nil
	}

	task, err := c.store.Update(to, func(t *scheduler.Task) {
		if !slices.Contains(t.DependsOn, from) {
			t.DependsOn = scheduler.NormalizeSet(append(t.DependsOn, from))
		}
	})
	if err != nil {
		return err
	}

	// A new blocker only affects tasks that have not started.
	switch task.Status {
	case scheduler.TaskReady:
		if root, blocked := c.blockingRoot(to); blocked {
			c.block(ctx, to, root)
		} else if !c.graph.IsCompleted(from) {
			_, _ = c.setStatus(ctx, to, scheduler.TaskPending, nil)
		}
	case scheduler.TaskPending:
		if root, blocked := c.blockingRoot(to); blocked {
			c.block(ctx, to, root)
		}
	}
	return nil
}

func (c *Coordinator) saveEdge(ctx context.Context, edge scheduler.Edge) {
	if c.journal == nil {
		return
	}
	if err := c.journal.SaveEdge(ctx, edge); err != nil {
		c.logger.Warn("journal edge failed", zap.Stringer("edge", edge), zap.Error(err))
	}
}

func (c *Coordinator) report(ctx context.Context, r StatusReport) error {
	task, ok := c.store.Get(r.TaskID)
	if !ok {
		return taskNotFound(r.TaskID)
	}
	// Only the current attempt may move the task: a report from an earlier
	// attempt can arrive after a timeout handed the task back to the same agent
	current := c.assignments[r.TaskID]
	if task.Status != scheduler.TaskRunning || task.AssignedAgentID != r.AgentID ||
		(r.AssignmentID != "" && r.AssignmentID != current) {
		c.logger.Debug("stale status report ignored",
			zap.String("task_id", r.TaskID),
			zap.String("agent_id", r.AgentID),
			zap.String("assignment_id", r.AssignmentID),
			zap.String("current_assignment", current),
			zap.Stringer("reported", r.Status),
			zap.Stringer("status", task.Status),
			zap.String("assigned_to", task.AssignedAgentID),
		)
		return nil
	}

	switch r.Status {
	case scheduler.TaskRunning:
		return nil
	case scheduler.TaskCompleted:
		c.complete(ctx, task)
		return nil
	case scheduler.TaskFailed:
		reason := r.Reason
		if reason == "" {
			reason = "agent reported failure"
		}
		c.fail(ctx, task.ID, reason, true)
		return nil
	default:
		return fmt.Errorf("task %q: agents cannot report status %s", r.TaskID, r.Status)
	}
}

// complete finishes a task and promotes the dependents it unblocked in the
// same pass.
func (c *Coordinator) complete(ctx context.Context, task *scheduler.Task) {
	c.release(ctx, task.AssignedAgentID)
	if _, err := c.setStatus(ctx, task.ID, scheduler.TaskCompleted, func(t *scheduler.Task) {
		t.Reason = ""
	}); err != nil {
		c.logger.Error("failed to complete task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	successors, err := c.graph.MarkCompleted(task.ID)
	if err != nil {
		c.logger.Error("graph out of sync", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	c.promote(ctx, successors)
}

// fail handles a failed attempt of a Running task. When consumeRetry is false
// the attempt does not count against the task's retry budget.
func (c *Coordinator) fail(ctx context.Context, taskID, reason string, consumeRetry bool) {
	task, ok := c.store.Get(taskID)
	if !ok || task.Status != scheduler.TaskRunning {
		return
	}
	c.release(ctx, task.AssignedAgentID)

	// Infrastructure failures go straight back to the ready queue
	if !consumeRetry {
		c.logger.Info("task requeued without consuming a retry",
			zap.String("task_id", taskID),
			zap.String("agent_id", task.AssignedAgentID),
			zap.String("reason", reason),
		)
		c.makeReady(ctx, taskID, func(t *scheduler.Task) { t.Reason = reason })
		return
	}

	// Retry while the budget lasts
	if task.RetryCount < task.MaxRetries {
		c.logger.Info("task attempt failed, retrying",
			zap.String("task_id", taskID),
			zap.Int("retry", task.RetryCount+1),
			zap.Int("max_retries", task.MaxRetries),
			zap.String("reason", reason),
		)
		c.makeReady(ctx, taskID, func(t *scheduler.Task) {
			t.RetryCount++
			t.Reason = reason
		})
		return
	}

	// Out of retries: fail permanently and block dependents
	exhausted := &RetriesExhaustedError{TaskID: taskID, Attempts: task.RetryCount + 1, Last: reason}
	if _, err := c.setStatus(ctx, taskID, scheduler.TaskFailed, func(t *scheduler.Task) {
		t.Reason = exhausted.Error()
	}); err != nil {
		c.logger.Error("failed to mark task failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.logger.Warn("task failed permanently", zap.String("task_id", taskID), zap.Error(exhausted))
	c.applyFailurePolicy(ctx, taskID)
}

// applyFailurePolicy blocks the dependents of a failed or cancelled root task.
func (c *Coordinator) applyFailurePolicy(ctx context.Context, rootID string) {
	var targets []string
	switch c.cfg.FailurePolicy {
	case PolicyIsolate:
		targets = c.graph.Successors(rootID)
	default:
		targets = c.graph.Descendants(rootID)
	}

	for _, id := range targets {
		c.block(ctx, id, rootID)
	}
}

// block marks a task that has not started Blocked on behalf of root.
func (c *Coordinator) block(ctx context.Context, taskID, rootID string) {
	status, ok := c.store.Status(taskID)
	if !ok {
		return
	}
	switch status {
	case scheduler.TaskPending, scheduler.TaskReady, scheduler.TaskBlocked:
	default:
		return
	}

	rootStatus, _ := c.store.Status(rootID)
	_, _ = c.setStatus(ctx, taskID, scheduler.TaskBlocked, func(t *scheduler.Task) {
		t.BlockedBy = rootID
		t.Reason = fmt.Sprintf("dependency %s %s", rootID, rootStatus)
	})
}

// blockingRoot reports whether a blocking predecessor of taskID failed, was
// cancelled or, under the cascade policy, is itself blocked. It returns the
// root task responsible.
func (c *Coordinator) blockingRoot(taskID string) (string, bool) {
	for _, pred := range c.graph.Predecessors(taskID) {
		task, ok := c.store.Get(pred)
		if !ok {
			continue
		}
		switch task.Status {
		case scheduler.TaskFailed, scheduler.TaskCancelled:
			return pred, true
		case scheduler.TaskBlocked:
			if c.cfg.FailurePolicy == PolicyCascade && task.BlockedBy != "" {
				return task.BlockedBy, true
			}
		}
	}
	return "", false
}

func (c *Coordinator) cancel(ctx context.Context, taskID string) error {
	task, ok := c.store.Get(taskID)
	if !ok {
		return taskNotFound(taskID)
	}

	switch task.Status {
	case scheduler.TaskCompleted, scheduler.TaskFailed:
		return &NotCancelableError{TaskID: taskID, Status: task.Status}
	case scheduler.TaskCancelled:
		return nil
	case scheduler.TaskRunning:
		// Free the agent and tell it to stop
		c.release(ctx, task.AssignedAgentID)
		c.sendCancel(task)
	}

	if _, err := c.setStatus(ctx, taskID, scheduler.TaskCancelled, func(t *scheduler.Task) {
		t.Reason = "cancelled"
		t.BlockedBy = ""
	}); err != nil {
		return err
	}
	c.logger.Info("task cancelled", zap.String("task_id", taskID), zap.Stringer("was", task.Status))
	c.applyFailurePolicy(ctx, taskID)
	return nil
}

// sendCancel tells the assigned agent to stop. Delivery is best effort and
// nothing waits for an acknowledgement.
func (c *Coordinator) sendCancel(task *scheduler.Task) {
	msg, err := bus.NewMessage(ID, task.AssignedAgentID, bus.TypeTaskCancel, bus.CancelPayload{
		TaskID: task.ID,
		Reason: "cancelled",
	})
	if err == nil {
		msg.Priority = task.Priority
		_, err = c.bus.Send(msg)
	}
	if err != nil {
		c.logger.Warn("failed to send cancellation",
			zap.String("task_id", task.ID),
			zap.String("agent_id", task.AssignedAgentID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) retry(ctx context.Context, taskID string) error {
	task, ok := c.store.Get(taskID)
	if !ok {
		return taskNotFound(taskID)
	}
	if task.Status != scheduler.TaskFailed {
		return &NotRetryableError{TaskID: taskID, Status: task.Status}
	}

	if _, err := c.setStatus(ctx, taskID, scheduler.TaskPending, func(t *scheduler.Task) {
		t.RetryCount = 0
		t.Reason = ""
		t.AssignedAgentID = ""
	}); err != nil {
		return err
	}
	c.logger.Info("task retried manually", zap.String("task_id", taskID))

	// Release everything this task blocked, unless another root still blocks it.
	for _, id := range c.graph.Descendants(taskID) {
		dep, ok := c.store.Get(id)
		if !ok || dep.Status != scheduler.TaskBlocked || dep.BlockedBy != taskID {
			continue
		}
		_, _ = c.setStatus(ctx, id, scheduler.TaskPending, func(t *scheduler.Task) {
			t.BlockedBy = ""
			t.Reason = ""
		})
		if root, blocked := c.blockingRoot(id); blocked {
			c.block(ctx, id, root)
		}
	}

	if root, blocked := c.blockingRoot(taskID); blocked {
		c.block(ctx, taskID, root)
	} else if c.graph.IsReady(taskID) {
		c.makeReady(ctx, taskID, nil)
	}
	return nil
}

// checkTimeouts fails Running tasks that exceeded their execution timeout.
func (c *Coordinator) checkTimeouts(ctx context.Context) {
	now := c.now()
	expired := c.store.Filter(func(t *scheduler.Task) bool {
		return t.Status == scheduler.TaskRunning && t.Timeout > 0 && now.Sub(t.StartedAt) > t.Timeout
	})
	for _, task := range expired {
		c.logger.Warn("task execution timed out",
			zap.String("task_id", task.ID),
			zap.String("agent_id", task.AssignedAgentID),
			zap.Duration("timeout", task.Timeout),
		)
		c.sendCancel(task)
		c.fail(ctx, task.ID, fmt.Sprintf("execution exceeded %s", task.Timeout), true)
	}
}

// rescan re-evaluates Pending tasks whose blockers completed. Dispatch of
// queued Ready tasks runs after every command, so the tick itself is enough
// to retry tasks that were waiting for an agent.
func (c *Coordinator) rescan(ctx context.Context) {
	pending := c.store.Filter(func(t *scheduler.Task) bool { return t.Status == scheduler.TaskPending })
	ids := make([]string, 0, len(pending))
	for _, task := range pending {
		ids = append(ids, task.ID)
	}
	c.promote(ctx, ids)
}
