package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/registry"
	"github.com/aristath/taskmesh/internal/scheduler"
)

func (c *Coordinator) registerAgent(ctx context.Context, spec AgentSpec) (string, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if id == ID {
		return "", fmt.Errorf("agent id %q is reserved", id)
	}

	agent, err := c.agents.Register(&registry.Agent{
		ID:            id,
		Type:          spec.Type,
		Capabilities:  spec.Capabilities,
		Capacity:      spec.Capacity,
		LastHeartbeat: c.now(),
	})
	if err != nil {
		return "", err
	}

	if spec.Receiver != nil {
		if err := c.bus.Register(id, spec.Receiver); err != nil {
			_, _ = c.agents.Deregister(id)
			return "", fmt.Errorf("attach agent %q to bus: %w", id, err)
		}
	}

	c.agentChanged(ctx, registry.StatusChange{AgentID: id, Old: registry.AgentOffline, New: agent.Status})
	return id, nil
}

func (c *Coordinator) deregisterAgent(ctx context.Context, agentID string) error {
	agent, err := c.agents.Deregister(agentID)
	if err != nil {
		return err
	}
	c.bus.Unregister(agentID)
	c.metrics.AgentRemoved(agentID)

	if c.journal != nil {
		if err := c.journal.DeleteAgent(ctx, agentID); err != nil {
			c.logger.Warn("journal agent removal failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	c.events.Publish(events.TopicAgent, events.AgentStatusChangedEvent{
		AgentID:   agentID,
		OldStatus: agent.Status,
		NewStatus: registry.AgentOffline,
		Timestamp: c.now(),
	})

	c.reassign(ctx, agentID, "agent deregistered")
	return nil
}

// heartbeat records liveness. A non-empty errReason marks the agent unhealthy
// instead and requeues its running tasks.
func (c *Coordinator) heartbeat(ctx context.Context, agentID string, ts time.Time, errReason string) error {
	if errReason != "" {
		change, err := c.agents.MarkError(agentID, errReason)
		if err != nil {
			return err
		}
		c.agentChanged(ctx, change)
		c.reassign(ctx, agentID, "agent error: "+errReason)
		return nil
	}

	change, err := c.agents.Heartbeat(agentID, ts)
	if err != nil {
		return err
	}
	c.agentChanged(ctx, change)
	return nil
}

// sweep takes silent agents offline and requeues their running tasks.
func (c *Coordinator) sweep(ctx context.Context, now time.Time) {
	for _, change := range c.agents.Sweep(now) {
		c.agentChanged(ctx, change)
		c.reassign(ctx, change.AgentID, "agent offline")
	}
}

// reassign fails every task running on agentID as an infrastructure failure.
func (c *Coordinator) reassign(ctx context.Context, agentID, reason string) {
	lost := c.store.Filter(func(t *scheduler.Task) bool {
		return t.Status == scheduler.TaskRunning && t.AssignedAgentID == agentID
	})
	for _, task := range lost {
		c.logger.Warn("reassigning task from lost agent",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID),
			zap.String("reason", reason),
		)
		c.fail(ctx, task.ID, reason, !c.cfg.TreatInfraFailureAsRetryable)
	}
}
