package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds liveness settings.
type Config struct {
	HeartbeatTimeout time.Duration // Offline after this long without a heartbeat
	SweepInterval    time.Duration // How often the liveness sweep runs
}

// DefaultConfig returns a 30s heartbeat timeout swept every 5s.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    5 * time.Second,
	}
}

// StatusChange describes an agent status transition caused by a registry call.
type StatusChange struct {
	AgentID string
	Old     AgentStatus
	New     AgentStatus
}

// Changed reports whether the status actually moved.
func (c StatusChange) Changed() bool {
	return c.Old != c.New
}

// Registry tracks agents. Reserve and Release are atomic with respect to each
// other, so CurrentLoad never exceeds Capacity even under concurrent callers.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*Agent),
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Config returns the registry's liveness settings.
func (r *Registry) Config() Config {
	return r.cfg
}

// Register adds an agent. The stored record starts Idle with zero load.
func (r *Registry) Register(agent *Agent) (*Agent, error) {
	if agent.ID == "" {
		return nil, fmt.Errorf("agent id is empty")
	}
	if agent.Capacity <= 0 {
		return nil, fmt.Errorf("agent %q: %w", agent.ID, ErrInvalidCapacity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return nil, fmt.Errorf("agent %q: %w", agent.ID, ErrDuplicateAgent)
	}

	now := r.now()
	stored := agent.Clone()
	stored.Capabilities = normalize(agent.Capabilities)
	stored.CurrentLoad = 0
	stored.Status = AgentIdle
	stored.RegisteredAt = now
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = now
	}
	r.agents[stored.ID] = stored

	r.logger.Info("agent registered",
		zap.String("agent_id", stored.ID),
		zap.String("type", stored.Type),
		zap.Strings("capabilities", stored.Capabilities),
		zap.Int("capacity", stored.Capacity),
	)
	return stored.Clone(), nil
}

// Deregister removes an agent and returns its last known state.
func (r *Registry) Deregister(agentID string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, agentNotFound(agentID)
	}
	delete(r.agents, agentID)

	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return agent.Clone(), nil
}

// Heartbeat records liveness. An Offline or Error agent comes back online;
// tasks it held before going offline are not handed back to it.
func (r *Registry) Heartbeat(agentID string, ts time.Time) (StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return StatusChange{}, agentNotFound(agentID)
	}

	if ts.After(agent.LastHeartbeat) {
		agent.LastHeartbeat = ts
	}

	change := StatusChange{AgentID: agentID, Old: agent.Status, New: agent.Status}
	if !agent.Status.Online() {
		agent.Reason = ""
		agent.Status = loadStatus(agent)
		change.New = agent.Status
		r.logger.Info("agent back online", zap.String("agent_id", agentID), zap.Stringer("was", change.Old))
	}
	return change, nil
}

// SelectCandidate returns the online agent with spare capacity whose
// capabilities cover required, preferring the lowest load ratio, then the most
// recent heartbeat, then the lowest id.
func (r *Registry) SelectCandidate(required []string) (*Agent, error) {
	required = normalize(required)

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Agent
	for _, agent := range r.agents {
		if !agent.Status.Online() || agent.CurrentLoad >= agent.Capacity {
			continue
		}
		if !agent.HasAll(required) {
			continue
		}
		if best == nil || better(agent, best) {
			best = agent
		}
	}

	if best == nil {
		return nil, &NoCapableAgentError{Required: required}
	}
	return best.Clone(), nil
}

func better(a, b *Agent) bool {
	ua, ub := a.Utilization(), b.Utilization()
	if ua != ub {
		return ua < ub
	}
	if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
		return a.LastHeartbeat.After(b.LastHeartbeat)
	}
	return strings.Compare(a.ID, b.ID) < 0
}

// Reserve takes one unit of the agent's capacity.
func (r *Registry) Reserve(agentID string) (StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return StatusChange{}, agentNotFound(agentID)
	}
	if !agent.Status.Online() {
		return StatusChange{}, &CapacityExceededError{AgentID: agentID, Capacity: agent.Capacity}
	}
	if agent.CurrentLoad >= agent.Capacity {
		return StatusChange{}, &CapacityExceededError{AgentID: agentID, Capacity: agent.Capacity}
	}

	change := StatusChange{AgentID: agentID, Old: agent.Status}
	agent.CurrentLoad++
	agent.Status = loadStatus(agent)
	change.New = agent.Status
	return change, nil
}

// Release returns one unit of capacity. Load never drops below zero.
func (r *Registry) Release(agentID string) (StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return StatusChange{}, agentNotFound(agentID)
	}

	change := StatusChange{AgentID: agentID, Old: agent.Status, New: agent.Status}
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	if agent.Status.Online() {
		agent.Status = loadStatus(agent)
		change.New = agent.Status
	}
	return change, nil
}

// MarkError records that an agent reported itself unhealthy. Its load is
// cleared because the coordinator reassigns its tasks.
func (r *Registry) MarkError(agentID, reason string) (StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return StatusChange{}, agentNotFound(agentID)
	}

	change := StatusChange{AgentID: agentID, Old: agent.Status, New: AgentError}
	agent.Status = AgentError
	agent.Reason = reason
	agent.CurrentLoad = 0
	r.logger.Warn("agent reported error", zap.String("agent_id", agentID), zap.String("reason", reason))
	return change, nil
}

// Sweep marks every online agent whose last heartbeat is older than the
// heartbeat timeout as Offline and returns the transitions. It is the only
// code path that produces the Offline status.
func (r *Registry) Sweep(now time.Time) []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []StatusChange
	for _, agent := range r.agents {
		if agent.Status == AgentOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}

		changes = append(changes, StatusChange{AgentID: agent.ID, Old: agent.Status, New: AgentOffline})
		agent.Status = AgentOffline
		agent.CurrentLoad = 0

		r.logger.Warn("agent missed heartbeat deadline",
			zap.String("agent_id", agent.ID),
			zap.Duration("silence", now.Sub(agent.LastHeartbeat)),
		)
	}

	slices.SortFunc(changes, func(a, b StatusChange) int { return strings.Compare(a.AgentID, b.AgentID) })
	return changes
}

// RunSweeper calls onTick every SweepInterval until ctx is cancelled. The
// callback is expected to hand the tick to the coordinator, which calls Sweep.
func (r *Registry) RunSweeper(ctx context.Context, onTick func(now time.Time)) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.mu.Lock()
			now := r.now()
			r.mu.Unlock()
			onTick(now)
		}
	}
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

// Get returns a copy of the agent.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return agent.Clone(), true
}

// List returns copies of all agents sorted by id.
func (r *Registry) List() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent.Clone())
	}
	slices.SortFunc(agents, func(a, b *Agent) int { return strings.Compare(a.ID, b.ID) })
	return agents
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func loadStatus(agent *Agent) AgentStatus {
	if agent.CurrentLoad > 0 {
		return AgentBusy
	}
	return AgentIdle
}
