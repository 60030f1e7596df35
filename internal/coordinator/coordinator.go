// Package coordinator owns task and agent state and decides what runs where.
//
// All state changes happen on a single goroutine that consumes commands from
// a channel. Public methods post a command and wait for its reply on a
// private channel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/registry"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// Deps are the collaborators of a Coordinator. Nil fields get defaults.
type Deps struct {
	Logger   *zap.Logger
	Registry *registry.Registry
	Bus      *bus.Bus
	Events   *events.EventBus
	Journal  Journal        // Nil disables persistence
	Metrics  Metrics        // Nil discards measurements
	Dedup    bus.DedupStore // Backs the coordinator's inbox; in-memory when nil
	Clock    func() time.Time
}

// command is one unit of work for the loop.
type command struct {
	name string
	run  func(ctx context.Context)
}

// Coordinator schedules tasks onto agents.
type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	agents  *registry.Registry
	bus     *bus.Bus
	events  *events.EventBus
	journal Journal
	metrics Metrics
	inbox   *bus.Inbox
	now     func() time.Time

	cmds    chan command
	done    chan struct{}
	running atomic.Bool

	// Owned by the loop goroutine.
	store       *scheduler.Store
	graph       *scheduler.Graph
	ready       readyQueue
	assignments map[string]string // task id -> task.assign message of the current attempt
	counts      map[scheduler.TaskStatus]int
	progress    events.ProgressEvent
}

// New wires a coordinator and registers its inbox on the bus.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(registry.DefaultConfig(), logger)
	}
	if deps.Bus == nil {
		deps.Bus = bus.New(bus.DefaultConfig(), logger)
	}
	if deps.Events == nil {
		deps.Events = events.NewEventBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	store := scheduler.NewStore()
	c := &Coordinator{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "coordinator")),
		agents:      deps.Registry,
		bus:         deps.Bus,
		events:      deps.Events,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		now:         deps.Clock,
		cmds:        make(chan command, cfg.EventBuffer),
		done:        make(chan struct{}),
		store:       store,
		graph:       scheduler.NewGraph(store),
		ready:       newReadyQueue(),
		assignments: make(map[string]string),
		counts:      make(map[scheduler.TaskStatus]int),
	}

	c.inbox = bus.NewInbox(ID, deps.Dedup, c.handleMessage, logger)
	if err := c.bus.Register(ID, c.inbox); err != nil {
		return nil, fmt.Errorf("register coordinator inbox: %w", err)
	}
	c.bus.OnFailure(c.onDeliveryFailure)

	return c, nil
}

// Events returns the status stream. It is closed when Run returns.
func (c *Coordinator) Events() *events.EventBus { return c.events }

// Registry returns the agent registry.
func (c *Coordinator) Registry() *registry.Registry { return c.agents }

// Bus returns the message bus agents use to reach the coordinator.
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Run processes commands until ctx is cancelled. It also runs the message bus,
// the agent liveness sweeper and the rescan and timeout tickers, and stops
// them all together. Run may be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.loop(gctx) })
	g.Go(func() error { return c.bus.Run(gctx) })
	g.Go(func() error {
		return c.agents.RunSweeper(gctx, func(now time.Time) {
			c.post(gctx, "sweep", func(ctx context.Context) { c.sweep(ctx, now) })
		})
	})
	g.Go(func() error {
		return c.every(gctx, c.cfg.RescanInterval, "rescan", c.rescan)
	})
	g.Go(func() error {
		return c.every(gctx, c.cfg.TimeoutCheckInterval, "timeouts", c.checkTimeouts)
	})

	c.logger.Info("coordinator started",
		zap.Stringer("failure_policy", c.cfg.FailurePolicy),
		zap.Duration("rescan_interval", c.cfg.RescanInterval),
	)
	err := g.Wait()
	c.logger.Info("coordinator stopped")
	return err
}

func (c *Coordinator) loop(ctx context.Context) error {
	defer close(c.done)
	defer c.events.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.cmds:
			cmd.run(ctx)
			c.dispatch(ctx)
			c.publishProgress()
		}
	}
}

// every posts fn to the loop on each tick.
func (c *Coordinator) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.post(ctx, name, fn)
		}
	}
}

// post enqueues a command without waiting for it to run.
func (c *Coordinator) post(ctx context.Context, name string, fn func(context.Context)) {
	select {
	case c.cmds <- command{name: name, run: fn}:
	case <-ctx.Done():
	case <-c.done:
	}
}

// do runs fn on the loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, name string, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	cmd := command{name: name, run: func(ctx context.Context) { reply <- fn(ctx) }}

	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCoordinatorStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCoordinatorStopped
	}
}

// SubmitTask adds a task. It fails with a CycleDetectedError if a dependency
// would close a cycle and with ErrTaskNotFound for an unknown dependency.
func (c *Coordinator) SubmitTask(ctx context.Context, spec TaskSpec) (string, error) {
	var id string
	err := c.do(ctx, "submit_task", func(ctx context.Context) error {
		var err error
		id, err = c.submit(ctx, spec)
		return err
	})
	return id, err
}

// GetTaskStatus returns the current state of a task.
func (c *Coordinator) GetTaskStatus(ctx context.Context, taskID string) (TaskStatusView, error) {
	var view TaskStatusView
	err := c.do(ctx, "get_task_status", func(context.Context) error {
		task, ok := c.store.Get(taskID)
		if !ok {
			return taskNotFound(taskID)
		}
		view = viewOf(task)
		return nil
	})
	return view, err
}

// ListTasks returns every task in submission order.
func (c *Coordinator) ListTasks(ctx context.Context) ([]TaskStatusView, error) {
	var views []TaskStatusView
	err := c.do(ctx, "list_tasks", func(context.Context) error {
		for _, task := range c.store.List() {
			views = append(views, viewOf(task))
		}
		return nil
	})
	return views, err
}

// ExecutionOrder returns a valid execution order of all tasks.
func (c *Coordinator) ExecutionOrder(ctx context.Context) ([]string, error) {
	var order []string
	err := c.do(ctx, "execution_order", func(context.Context) error {
		var err error
		order, err = c.graph.TopologicalOrder().Collect()
		return err
	})
	return order, err
}

// Dependencies returns every edge in the graph.
func (c *Coordinator) Dependencies(ctx context.Context) ([]scheduler.Edge, error) {
	var edges []scheduler.Edge
	err := c.do(ctx, "dependencies", func(context.Context) error {
		edges = c.graph.Edges()
		return nil
	})
	return edges, err
}

// CancelTask cancels a task that has not finished. Dependents follow the
// failure policy with the cancelled task as root.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, "cancel_task", func(ctx context.Context) error {
		return c.cancel(ctx, taskID)
	})
}

// RetryTask returns a Failed task to the queue with a fresh retry budget and
// releases the dependents it blocked.
func (c *Coordinator) RetryTask(ctx context.Context, taskID string) error {
	return c.do(ctx, "retry_task", func(ctx context.Context) error {
		return c.retry(ctx, taskID)
	})
}

// AddDependency adds an edge from -> to of the given kind.
func (c *Coordinator) AddDependency(ctx context.Context, from, to string, kind scheduler.EdgeKind) error {
	return c.do(ctx, "add_dependency", func(ctx context.Context) error {
		return c.addDependency(ctx, from, to, kind)
	})
}

// ReportStatus applies an agent's task report. Reports about tasks that are
// no longer running on that agent are ignored.
func (c *Coordinator) ReportStatus(ctx context.Context, report StatusReport) error {
	return c.do(ctx, "status_reported", func(ctx context.Context) error {
		return c.report(ctx, report)
	})
}

// RegisterAgent adds an agent and attaches its receiver to the bus.
func (c *Coordinator) RegisterAgent(ctx context.Context, spec AgentSpec) (string, error) {
	var id string
	err := c.do(ctx, "register_agent", func(ctx context.Context) error {
		var err error
		id, err = c.registerAgent(ctx, spec)
		return err
	})
	return id, err
}

// DeregisterAgent removes an agent. Its running tasks are requeued as an
// infrastructure failure.
func (c *Coordinator) DeregisterAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, "deregister_agent", func(ctx context.Context) error {
		return c.deregisterAgent(ctx, agentID)
	})
}

// Heartbeat records that an agent is alive.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) error {
	return c.do(ctx, "agent_heartbeat", func(ctx context.Context) error {
		return c.heartbeat(ctx, agentID, c.now(), "")
	})
}

// ReportAgentError marks an agent unhealthy. Its running tasks are requeued as
// an infrastructure failure until the next heartbeat brings it back.
func (c *Coordinator) ReportAgentError(ctx context.Context, agentID, reason string) error {
	if reason == "" {
		reason = "agent reported an error"
	}
	return c.do(ctx, "agent_error", func(ctx context.Context) error {
		return c.heartbeat(ctx, agentID, c.now(), reason)
	})
}

// Restore loads the journal into an empty coordinator. Running tasks come
// back Ready because their agents are gone.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.journal == nil {
		return errors.New("no journal configured")
	}
	snapshot, err := c.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	return c.do(ctx, "restore", func(ctx context.Context) error {
		return c.restore(ctx, snapshot)
	})
}
