package coordinator

import (
	"cmp"
	"container/heap"
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/registry"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// readyQueue holds Ready task ids ordered by priority, then by the time they
// became ready. Entries whose task is no longer Ready are dropped on pop.
type readyQueue struct {
	items  []readyItem
	queued map[string]bool
	seq    uint64
}

type readyItem struct {
	taskID   string
	priority int
	seq      uint64
}

func newReadyQueue() readyQueue {
	return readyQueue{queued: make(map[string]bool)}
}

func (q readyQueue) Len() int { return len(q.items) }

func (q readyQueue) Less(i, j int) bool {
	if c := cmp.Compare(q.items[i].priority, q.items[j].priority); c != 0 {
		return c < 0
	}
	return q.items[i].seq < q.items[j].seq
}

func (q readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *readyQueue) Push(x any) { q.items = append(q.items, x.(readyItem)) }

func (q *readyQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

func (q *readyQueue) add(taskID string, priority int) {
	if q.queued[taskID] {
		return
	}
	q.queued[taskID] = true
	q.seq++
	heap.Push(q, readyItem{taskID: taskID, priority: priority, seq: q.seq})
}

func (q *readyQueue) next() (readyItem, bool) {
	if q.Len() == 0 {
		return readyItem{}, false
	}
	item := heap.Pop(q).(readyItem)
	delete(q.queued, item.taskID)
	return item, true
}

// setStatus moves a task to status, applies mutate, journals the record and
// publishes the transition.
func (c *Coordinator) setStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, mutate func(*scheduler.Task)) (*scheduler.Task, error) {
	var old scheduler.TaskStatus
	task, err := c.store.Update(taskID, func(t *scheduler.Task) {
		old = t.Status
		t.Status = status
		t.UpdatedAt = c.now()
		if mutate != nil {
			mutate(t)
		}
	})
	if err != nil {
		return nil, err
	}

	// Leaving Running retires the attempt's assignment id
	if old == scheduler.TaskRunning && status != scheduler.TaskRunning {
		delete(c.assignments, taskID)
	}
	if old != status {
		c.counts[old]--
		c.counts[status]++
		c.metrics.TaskTransition(old, status)
	}
	c.save(ctx, task)

	c.logger.Debug("task transition",
		zap.String("task_id", taskID),
		zap.Stringer("from", old),
		zap.Stringer("to", status),
		zap.String("agent_id", task.AssignedAgentID),
		zap.String("reason", task.Reason),
	)
	c.events.Publish(events.TopicTask, events.TaskStatusChangedEvent{
		TaskID:     task.ID,
		OldStatus:  old,
		NewStatus:  status,
		AgentID:    task.AssignedAgentID,
		RetryCount: task.RetryCount,
		Reason:     task.Reason,
		BlockedBy:  task.BlockedBy,
		Timestamp:  task.UpdatedAt,
	})
	return task, nil
}

// makeReady marks a task Ready and queues it for dispatch.
func (c *Coordinator) makeReady(ctx context.Context, taskID string, mutate func(*scheduler.Task)) {
	task, err := c.setStatus(ctx, taskID, scheduler.TaskReady, func(t *scheduler.Task) {
		t.AssignedAgentID = ""
		t.BlockedBy = ""
		if mutate != nil {
			mutate(t)
		}
	})
	if err != nil {
		c.logger.Error("failed to mark task ready", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.ready.add(task.ID, task.Priority)
}

// promote marks each listed task Ready if all of its blockers completed.
func (c *Coordinator) promote(ctx context.Context, taskIDs []string) {
	for _, id := range taskIDs {
		if status, _ := c.store.Status(id); status != scheduler.TaskPending {
			continue
		}
		if c.graph.IsReady(id) {
			c.makeReady(ctx, id, nil)
		}
	}
}

// dispatch assigns queued Ready tasks to agents until the queue is drained or
// every remaining task lacks a capable agent. Tasks without an agent stay
// Ready and are retried on the next event or rescan.
func (c *Coordinator) dispatch(ctx context.Context) {
	var waiting []readyItem
	defer func() {
		for _, item := range waiting {
			c.ready.add(item.taskID, item.priority)
		}
		c.metrics.ReadyQueueDepth(c.ready.Len())
	}()

	for {
		item, ok := c.ready.next()
		if !ok {
			return
		}
		task, ok := c.store.Get(item.taskID)
		if !ok || task.Status != scheduler.TaskReady {
			continue
		}

		err := c.assign(ctx, task)
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrNoCapableAgent), errors.Is(err, registry.ErrCapacityExceeded):
			waiting = append(waiting, item)
		default:
			c.logger.Error("dispatch failed", zap.String("task_id", task.ID), zap.Error(err))
			waiting = append(waiting, item)
		}
	}
}

// assign reserves capacity on the best candidate, marks the task Running and
// sends it the assignment. A reservation that loses a race triggers a new
// selection, a bounded number of times.
func (c *Coordinator) assign(ctx context.Context, task *scheduler.Task) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxReselect; attempt++ {
		agent, err := c.agents.SelectCandidate(task.RequiredCapabilities)
		if err != nil {
			return err
		}

		// Another reservation may have filled the agent since selection
		change, err := c.agents.Reserve(agent.ID)
		if errors.Is(err, registry.ErrCapacityExceeded) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}
		c.agentChanged(ctx, change)

		return c.start(ctx, task, agent.ID)
	}
	return lastErr
}

func (c *Coordinator) start(ctx context.Context, task *scheduler.Task, agentID string) error {
	attempt := task.RetryCount + 1
	msg, err := bus.NewMessage(ID, agentID, bus.TypeTaskAssign, bus.AssignPayload{
		TaskID:       task.ID,
		Title:        task.Title,
		Capabilities: task.RequiredCapabilities,
		Payload:      task.Payload,
		Attempt:      attempt,
	})
	if err != nil {
		c.release(ctx, agentID)
		return err
	}
	msg.Priority = task.Priority

	// Mark Running before sending so a fast report finds the attempt
	if _, err := c.setStatus(ctx, task.ID, scheduler.TaskRunning, func(t *scheduler.Task) {
		t.AssignedAgentID = agentID
		t.StartedAt = c.now()
		t.Reason = ""
		t.BlockedBy = ""
	}); err != nil {
		c.release(ctx, agentID)
		return err
	}

	// Remember the message id: reports and delivery failures are matched against it
	c.assignments[task.ID] = msg.ID
	if _, err := c.bus.Send(msg); err != nil {
		c.fail(ctx, task.ID, "send assignment: "+err.Error(), true)
		return nil
	}

	c.metrics.TaskDispatched(agentID)
	c.logger.Info("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID),
		zap.Int("attempt", attempt),
	)
	return nil
}

// release returns one unit of an agent's capacity if the agent still exists.
func (c *Coordinator) release(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	change, err := c.agents.Release(agentID)
	if err != nil {
		if !errors.Is(err, registry.ErrAgentNotFound) {
			c.logger.Warn("release failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		return
	}
	c.agentChanged(ctx, change)
}

// agentChanged publishes agent status transitions and refreshes load metrics.
func (c *Coordinator) agentChanged(ctx context.Context, change registry.StatusChange) {
	agent, ok := c.agents.Get(change.AgentID)
	if ok {
		c.metrics.AgentLoad(agent.ID, agent.CurrentLoad, agent.Capacity)
	}
	if !change.Changed() {
		return
	}

	if ok && c.journal != nil {
		if err := c.journal.SaveAgent(ctx, agent); err != nil {
			c.logger.Warn("journal agent failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	c.events.Publish(events.TopicAgent, events.AgentStatusChangedEvent{
		AgentID:   change.AgentID,
		OldStatus: change.Old,
		NewStatus: change.New,
		Timestamp: c.now(),
	})
}

func (c *Coordinator) save(ctx context.Context, task *scheduler.Task) {
	if c.journal == nil {
		return
	}
	if err := c.journal.SaveTask(ctx, task); err != nil {
		c.logger.Warn("journal task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// publishProgress emits a ProgressEvent when the task counts changed.
func (c *Coordinator) publishProgress() {
	p := events.ProgressEvent{
		Total:     c.store.Len(),
		Pending:   c.counts[scheduler.TaskPending],
		Ready:     c.counts[scheduler.TaskReady],
		Blocked:   c.counts[scheduler.TaskBlocked],
		Running:   c.counts[scheduler.TaskRunning],
		Completed: c.counts[scheduler.TaskCompleted],
		Failed:    c.counts[scheduler.TaskFailed],
		Cancelled: c.counts[scheduler.TaskCancelled],
	}
	// Compare without the timestamp
	cmpView := p
	cmpView.Timestamp = c.progress.Timestamp
	if cmpView == c.progress {
		return
	}
	p.Timestamp = c.now()
	c.progress = p
	c.events.Publish(events.TopicProgress, p)
}
