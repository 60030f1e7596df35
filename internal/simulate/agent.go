// Package simulate provides in-process agents that execute assignments by
// sleeping and reporting back over the message bus.
package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/coordinator"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// Instructions steer a simulated execution. They travel in the task payload.
type Instructions struct {
	WorkMillis   int    `json:"work_ms,omitempty"`       // Overrides AgentConfig.Work
	FailAttempts int    `json:"fail_attempts,omitempty"` // Attempts that fail before one succeeds
	FailReason   string `json:"fail_reason,omitempty"`
}

// TaskResult represents the outcome of one simulated attempt.
type TaskResult struct {
	TaskID    string
	Attempt   int
	Success   bool
	Cancelled bool
	Reason    string
}

// AgentConfig configures a simulated agent.
type AgentConfig struct {
	ID                string
	Type              string
	Capabilities      []string
	Capacity          int           // Default 1
	Work              time.Duration // Default execution time
	HeartbeatInterval time.Duration // Default 5s
}

// Agent executes task.assign messages and reports task.status messages.
type Agent struct {
	cfg    AgentConfig
	bus    *bus.Bus
	inbox  *bus.Inbox
	logger *zap.Logger

	// Work outlives the delivery that started it.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]*attempt // task id -> running attempt
	results []TaskResult
}

type attempt struct {
	assignmentID string
	cancel       context.CancelFunc
}

// NewAgent creates an agent that replies over b. Duplicate assignments are
// suppressed through dedup; nil keeps them in memory.
func NewAgent(cfg AgentConfig, b *bus.Bus, dedup bus.DedupStore, logger *zap.Logger) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.New("simulated agent needs an id")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, stop := context.WithCancel(context.Background())
	a := &Agent{
		cfg:     cfg,
		bus:     b,
		logger:  logger.With(zap.String("component", "simulated_agent"), zap.String("agent_id", cfg.ID)),
		ctx:     ctx,
		stop:    stop,
		running: make(map[string]*attempt),
	}
	a.inbox = bus.NewInbox(cfg.ID, dedup, a.handle, logger)
	return a, nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.cfg.ID }

// Spec returns the registration request for this agent.
func (a *Agent) Spec() coordinator.AgentSpec {
	return coordinator.AgentSpec{
		ID:           a.cfg.ID,
		Type:         a.cfg.Type,
		Capabilities: a.cfg.Capabilities,
		Capacity:     a.cfg.Capacity,
		Receiver:     a.inbox,
	}
}

// Run sends heartbeats until ctx is cancelled, then abandons running work
// and waits for it to stop.
func (a *Agent) Run(ctx context.Context) error {
	defer func() {
		a.stop()
		a.wg.Wait()
	}()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.send(bus.TypeAgentHeartbeat, bus.HeartbeatPayload{AgentID: a.cfg.ID, SentAt: time.Now()})
		}
	}
}

// Results returns the attempts finished so far in completion order.
func (a *Agent) Results() []TaskResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]TaskResult(nil), a.results...)
}

// Running returns how many attempts are in progress.
func (a *Agent) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

func (a *Agent) handle(_ context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.TypeTaskAssign:
		var p bus.AssignPayload
		if err := msg.Decode(&p); err != nil {
			a.logger.Warn("malformed assignment dropped", zap.String("message_id", msg.ID), zap.Error(err))
			return nil
		}
		a.startWork(msg.ID, p)
		return nil

	case bus.TypeTaskCancel:
		var p bus.CancelPayload
		if err := msg.Decode(&p); err != nil {
			a.logger.Warn("malformed cancellation dropped", zap.String("message_id", msg.ID), zap.Error(err))
			return nil
		}
		a.mu.Lock()
		run, ok := a.running[p.TaskID]
		a.mu.Unlock()
		if ok {
			run.cancel()
		}
		return nil

	default:
		a.logger.Debug("ignoring message", zap.String("type", msg.Type))
		return nil
	}
}

func (a *Agent) startWork(assignmentID string, p bus.AssignPayload) {
	if a.ctx.Err() != nil {
		a.logger.Debug("agent stopped, assignment ignored", zap.String("task_id", p.TaskID))
		return
	}

	var in Instructions
	if len(p.Payload) > 0 {
		if err := json.Unmarshal(p.Payload, &in); err != nil {
			a.logger.Debug("payload carries no instructions", zap.String("task_id", p.TaskID))
		}
	}

	ctx, cancel := context.WithCancel(a.ctx)
	run := &attempt{assignmentID: assignmentID, cancel: cancel}
	a.mu.Lock()
	if prev, ok := a.running[p.TaskID]; ok {
		// A newer attempt supersedes the old one
		prev.cancel()
	}
	a.running[p.TaskID] = run
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.execute(ctx, run, p, in)
	}()
}

func (a *Agent) execute(ctx context.Context, run *attempt, p bus.AssignPayload, in Instructions) {
	defer run.cancel()

	a.report(run, p.TaskID, scheduler.TaskRunning, "")

	work := a.cfg.Work
	if in.WorkMillis > 0 {
		work = time.Duration(in.WorkMillis) * time.Millisecond
	}

	result := TaskResult{TaskID: p.TaskID, Attempt: p.Attempt}
	timer := time.NewTimer(work)
	select {
	case <-ctx.Done():
		timer.Stop()
		result.Cancelled = true
		result.Reason = "cancelled"
	case <-timer.C:
		if p.Attempt <= in.FailAttempts {
			result.Reason = in.FailReason
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("simulated failure on attempt %d", p.Attempt)
			}
		} else {
			result.Success = true
		}
	}

	// Record before reporting so the outcome is visible once the coordinator sees it
	a.mu.Lock()
	if a.running[p.TaskID] == run {
		delete(a.running, p.TaskID)
	}
	a.results = append(a.results, result)
	a.mu.Unlock()

	switch {
	case result.Cancelled:
	case result.Success:
		a.report(run, p.TaskID, scheduler.TaskCompleted, "")
	default:
		a.report(run, p.TaskID, scheduler.TaskFailed, result.Reason)
	}

	a.logger.Debug("attempt finished",
		zap.String("task_id", p.TaskID),
		zap.Int("attempt", p.Attempt),
		zap.Bool("success", result.Success),
		zap.Bool("cancelled", result.Cancelled),
	)
}

func (a *Agent) report(run *attempt, taskID string, status scheduler.TaskStatus, reason string) {
	a.send(bus.TypeTaskStatus, bus.StatusPayload{
		TaskID:       taskID,
		AgentID:      a.cfg.ID,
		AssignmentID: run.assignmentID,
		Status:       status.String(),
		Reason:       reason,
	})
}

func (a *Agent) send(msgType string, payload any) {
	msg, err := bus.NewMessage(a.cfg.ID, coordinator.ID, msgType, payload)
	if err != nil {
		a.logger.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if _, err := a.bus.Send(msg); err != nil {
		a.logger.Warn("failed to send message", zap.String("type", msgType), zap.Error(err))
	}
}
