package simulate

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/coordinator"
)

// Fleet is a group of identical simulated agents.
type Fleet struct {
	agents []*Agent
}

// NewFleet creates n agents from template. Agent ids are the template id (or
// "sim") followed by "-1" through "-n".
func NewFleet(n int, template AgentConfig, b *bus.Bus, dedup bus.DedupStore, logger *zap.Logger) (*Fleet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("fleet size must be positive, got %d", n)
	}
	prefix := template.ID
	if prefix == "" {
		prefix = "sim"
	}

	f := &Fleet{}
	for i := 1; i <= n; i++ {
		cfg := template
		cfg.ID = fmt.Sprintf("%s-%d", prefix, i)
		agent, err := NewAgent(cfg, b, dedup, logger)
		if err != nil {
			return nil, err
		}
		f.agents = append(f.agents, agent)
	}
	return f, nil
}

// Agents returns the fleet members.
func (f *Fleet) Agents() []*Agent { return f.agents }

// Register registers every agent with the coordinator.
func (f *Fleet) Register(ctx context.Context, c *coordinator.Coordinator) error {
	for _, agent := range f.agents {
		if _, err := c.RegisterAgent(ctx, agent.Spec()); err != nil {
			return fmt.Errorf("register %s: %w", agent.ID(), err)
		}
	}
	return nil
}

// Run runs every agent until ctx is cancelled.
func (f *Fleet) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, agent := range f.agents {
		g.Go(func() error { return agent.Run(gctx) })
	}
	return g.Wait()
}

// Results returns the finished attempts of every agent.
func (f *Fleet) Results() []TaskResult {
	var all []TaskResult
	for _, agent := range f.agents {
		all = append(all, agent.Results()...)
	}
	return all
}
