package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/registry"
)

// SaveAgent saves or updates an agent record.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *registry.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, type, capabilities, capacity, current_load, status, reason, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			capabilities = excluded.capabilities,
			capacity = excluded.capacity,
			current_load = excluded.current_load,
			status = excluded.status,
			reason = excluded.reason,
			last_heartbeat = excluded.last_heartbeat
	`, agent.ID, agent.Type, string(caps), agent.Capacity, agent.CurrentLoad, int(agent.Status), agent.Reason,
		toNanos(agent.LastHeartbeat), toNanos(agent.RegisteredAt))
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	return nil
}

// DeleteAgent removes an agent record. Deleting an unknown agent is not an error.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", agentID, err)
	}
	return nil
}

// ListAgents returns all agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*registry.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, capabilities, capacity, current_load, status, reason, last_heartbeat, registered_at
		FROM agents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*registry.Agent
	for rows.Next() {
		var (
			agent      registry.Agent
			caps       string
			status     int
			heartbeat  int64
			registered int64
		)
		if err := rows.Scan(&agent.ID, &agent.Type, &caps, &agent.Capacity, &agent.CurrentLoad,
			&status, &agent.Reason, &heartbeat, &registered); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities of agent %s: %w", agent.ID, err)
		}
		agent.Status = registry.AgentStatus(status)
		agent.LastHeartbeat = fromNanos(heartbeat)
		agent.RegisteredAt = fromNanos(registered)
		agents = append(agents, &agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// SaveDeadLetter records a message the bus gave up on.
func (s *SQLiteStore) SaveDeadLetter(ctx context.Context, msg bus.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, sender_id, receiver_id, type, payload, priority, created_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error
	`, msg.ID, msg.SenderID, msg.ReceiverID, msg.Type, []byte(msg.Payload), msg.Priority,
		toNanos(msg.CreatedAt), msg.DeliveryAttempts, msg.LastError)
	if err != nil {
		return fmt.Errorf("failed to save dead letter %s: %w", msg.ID, err)
	}
	return nil
}

// ListDeadLetters returns dead-lettered messages, oldest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]bus.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, type, payload, priority, created_at, attempts, last_error
		FROM dead_letters
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var msgs []bus.Message
	for rows.Next() {
		var (
			msg     bus.Message
			payload []byte
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Type, &payload,
			&msg.Priority, &created, &msg.DeliveryAttempts, &msg.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		msg.Payload = payload
		msg.CreatedAt = fromNanos(created)
		msg.Status = bus.StatusDeadLettered
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return msgs, nil
}
