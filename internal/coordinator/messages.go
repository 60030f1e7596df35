package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// handleMessage processes messages agents send to the coordinator. It runs on
// a bus worker and hands the work to the loop.
func (c *Coordinator) handleMessage(ctx context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.TypeTaskStatus:
		var p bus.StatusPayload
		if err := msg.Decode(&p); err != nil {
			return c.discard(msg, err)
		}
		status, err := scheduler.ParseTaskStatus(p.Status)
		if err != nil {
			return c.discard(msg, err)
		}
		agentID := p.AgentID
		if agentID == "" {
			agentID = msg.SenderID
		}
		err = c.ReportStatus(ctx, StatusReport{
			TaskID:       p.TaskID,
			AgentID:      agentID,
			AssignmentID: p.AssignmentID,
			Status:       status,
			Reason:       p.Reason,
		})
		if err != nil && !errors.Is(err, ErrCoordinatorStopped) && ctx.Err() == nil {
			// Unknown task or bad status: redelivery cannot fix it
			return c.discard(msg, err)
		}
		return err

	case bus.TypeAgentHeartbeat:
		var p bus.HeartbeatPayload
		if err := msg.Decode(&p); err != nil {
			return c.discard(msg, err)
		}
		agentID := p.AgentID
		if agentID == "" {
			agentID = msg.SenderID
		}
		ts := p.SentAt
		if ts.IsZero() {
			ts = c.now()
		}
		err := c.do(ctx, "agent_heartbeat", func(ctx context.Context) error {
			return c.heartbeat(ctx, agentID, ts, p.Error)
		})
		if err != nil && !errors.Is(err, ErrCoordinatorStopped) && ctx.Err() == nil {
			return c.discard(msg, err)
		}
		return err

	default:
		return c.discard(msg, fmt.Errorf("unsupported message type %q", msg.Type))
	}
}

// discard logs a message that can never be processed and acknowledges it.
func (c *Coordinator) discard(msg bus.Message, err error) error {
	c.logger.Warn("discarding message",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.String("sender_id", msg.SenderID),
		zap.Error(err),
	)
	return nil
}

// onDeliveryFailure is the bus dead-letter handler.
func (c *Coordinator) onDeliveryFailure(f *bus.DeliveryFailure) {
	c.post(context.Background(), "delivery_failed", func(ctx context.Context) {
		c.deliveryFailed(ctx, f)
	})
}

// deliveryFailed treats an undeliverable assignment exactly like the agent
// reporting the task failed.
func (c *Coordinator) deliveryFailed(ctx context.Context, f *bus.DeliveryFailure) {
	msg := f.Message
	if c.journal != nil {
		if err := c.journal.SaveDeadLetter(ctx, msg); err != nil {
			c.logger.Warn("journal dead letter failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}

	var taskID string
	switch msg.Type {
	case bus.TypeTaskAssign:
		var p bus.AssignPayload
		if err := msg.Decode(&p); err == nil {
			taskID = p.TaskID
		}
	case bus.TypeTaskCancel:
		var p bus.CancelPayload
		if err := msg.Decode(&p); err == nil {
			taskID = p.TaskID
		}
	}

	c.events.Publish(events.TopicDelivery, events.DeliveryFailedEvent{
		MessageID:   msg.ID,
		ReceiverID:  msg.ReceiverID,
		MessageType: msg.Type,
		TaskID:      taskID,
		Attempts:    msg.DeliveryAttempts,
		Err:         f.Err,
		Timestamp:   c.now(),
	})

	if msg.Type != bus.TypeTaskAssign || taskID == "" {
		return
	}
	// Only the assignment of the current attempt can fail the task
	if c.assignments[taskID] != msg.ID {
		return
	}
	task, ok := c.store.Get(taskID)
	if !ok || task.Status != scheduler.TaskRunning || task.AssignedAgentID != msg.ReceiverID {
		return
	}
	c.fail(ctx, taskID, "assignment undeliverable: "+f.Err.Error(), true)
}
