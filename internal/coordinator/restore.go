package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/persistence"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// restore rebuilds the task store and graph from a journal snapshot. Agents
// are not restored: they re-register when they reconnect.
func (c *Coordinator) restore(ctx context.Context, snapshot *persistence.Snapshot) error {
	if c.store.Len() > 0 {
		return errors.New("restore requires an empty coordinator")
	}
	if snapshot == nil || len(snapshot.Tasks) == 0 {
		return nil
	}

	tasks := make([]*scheduler.Task, 0, len(snapshot.Tasks))
	requeued := 0
	for _, task := range snapshot.Tasks {
		task = task.Clone()
		if task.Status == scheduler.TaskRunning {
			task.Status = scheduler.TaskReady
			task.AssignedAgentID = ""
			task.Reason = "requeued after restart"
			requeued++
		}
		tasks = append(tasks, task)
	}

	if err := c.graph.Import(tasks, snapshot.Edges); err != nil {
		c.resetState()
		return fmt.Errorf("import graph: %w", err)
	}
	if _, err := c.graph.Validate(); err != nil {
		c.resetState()
		return fmt.Errorf("restored graph: %w", err)
	}

	for _, task := range tasks {
		if err := c.store.Add(task); err != nil {
			c.resetState()
			return err
		}
		c.counts[task.Status]++
	}

	var pending []string
	for _, task := range tasks {
		switch task.Status {
		case scheduler.TaskReady:
			c.ready.add(task.ID, task.Priority)
			c.save(ctx, task)
		case scheduler.TaskPending:
			pending = append(pending, task.ID)
		}
	}
	c.promote(ctx, pending)

	c.logger.Info("state restored",
		zap.Int("tasks", len(tasks)),
		zap.Int("edges", len(snapshot.Edges)),
		zap.Int("requeued", requeued),
		zap.Int("dead_letters", len(snapshot.DeadLetters)),
	)
	return nil
}

// resetState drops a partially restored state.
func (c *Coordinator) resetState() {
	c.store = scheduler.NewStore()
	c.graph = scheduler.NewGraph(c.store)
	c.ready = newReadyQueue()
	clear(c.assignments)
	clear(c.counts)
}
