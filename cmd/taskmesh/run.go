package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskmesh/internal/config"
	"github.com/aristath/taskmesh/internal/coordinator"
	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/logging"
	"github.com/aristath/taskmesh/internal/scheduler"
	"github.com/aristath/taskmesh/internal/simulate"
)

const defaultWork = 100 * time.Millisecond

type runOptions struct {
	planPath string
	agents   int
	resume   bool
	timeout  time.Duration
	poll     time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := runOptions{poll: 100 * time.Millisecond}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task plan on simulated agents",
		Long: `Submit every task of a YAML plan and execute it on a fleet of simulated
agents until nothing is running or waiting for an agent.

Exits non-zero when any task did not complete.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return runPlan(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.planPath, "plan", "", "plan file (required)")
	cmd.Flags().IntVar(&opts.agents, "agents", 0, "number of simulated agents (overrides the plan)")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "restore tasks from the journal before submitting")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runPlan(ctx context.Context, out io.Writer, cfg *config.Config, opts runOptions) error {
	plan, err := LoadPlan(opts.planPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	count := plan.Agents.Count
	if opts.agents > 0 {
		count = opts.agents
	}
	if count <= 0 {
		count = 1
	}
	work := plan.Agents.Work
	if work <= 0 {
		work = defaultWork
	}
	fleet, err := simulate.NewFleet(count, simulate.AgentConfig{
		ID:                "sim",
		Type:              "simulated",
		Capabilities:      plan.Agents.Capabilities,
		Capacity:          plan.Agents.Capacity,
		Work:              work,
		HeartbeatInterval: cfg.Registry.HeartbeatTimeout / 3,
	}, a.bus, a.dedup, logger)
	if err != nil {
		return err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.coordinator.Run(gctx) })
	g.Go(func() error { return fleet.Run(gctx) })
	g.Go(func() error { return a.serveMetrics(gctx) })

	views, driveErr := drive(gctx, a, plan, fleet, opts)
	stop()
	if err := g.Wait(); err != nil && driveErr == nil {
		driveErr = err
	}
	if driveErr != nil {
		return driveErr
	}

	return summarize(out, views)
}

// drive submits the plan and waits until it settles.
func drive(ctx context.Context, a *app, plan *Plan, fleet *simulate.Fleet, opts runOptions) ([]coordinator.TaskStatusView, error) {
	c := a.coordinator

	if opts.resume {
		if a.journal == nil {
			return nil, errors.New("--resume needs persistence.enabled")
		}
		if err := c.Restore(ctx); err != nil {
			return nil, fmt.Errorf("restoring journal: %w", err)
		}
	}

	progress := c.Events().Subscribe(events.TopicProgress, 64)
	defer c.Events().Unsubscribe(progress)

	if err := fleet.Register(ctx, c); err != nil {
		return nil, err
	}
	if err := submitPlan(ctx, c, plan); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("plan did not settle: %w", ctx.Err())
		case ev, ok := <-progress:
			if !ok {
				return nil, coordinator.ErrCoordinatorStopped
			}
			if p, isProgress := ev.(events.ProgressEvent); isProgress {
				a.logger.Debug("progress",
					zap.Int("total", p.Total),
					zap.Int("running", p.Running),
					zap.Int("completed", p.Completed),
					zap.Int("failed", p.Failed),
				)
			}
		case <-ticker.C:
			views, err := c.ListTasks(ctx)
			if err != nil {
				return nil, err
			}
			if settled(views) {
				return views, nil
			}
		}
	}
}

// submitPlan submits the tasks the coordinator does not know yet, then adds
// the informs edges.
func submitPlan(ctx context.Context, c *coordinator.Coordinator, plan *Plan) error {
	ordered, err := plan.SubmissionOrder()
	if err != nil {
		return err
	}

	existing, err := c.ListTasks(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, v := range existing {
		known[v.TaskID] = true
	}

	for _, t := range ordered {
		if known[t.ID] {
			continue
		}
		spec, err := t.Spec()
		if err != nil {
			return err
		}
		if _, err := c.SubmitTask(ctx, spec); err != nil {
			return fmt.Errorf("submitting %q: %w", t.ID, err)
		}
	}

	edges, err := c.Dependencies(ctx)
	if err != nil {
		return err
	}
	have := make(map[scheduler.Edge]bool, len(edges))
	for _, e := range edges {
		have[e] = true
	}
	for _, e := range plan.InformsEdges() {
		if have[e] {
			continue
		}
		if err := c.AddDependency(ctx, e.From, e.To, e.Kind); err != nil {
			return fmt.Errorf("adding informs edge %s -> %s: %w", e.From, e.To, err)
		}
	}
	return nil
}

// settled reports whether no task is running or waiting for an agent.
func settled(views []coordinator.TaskStatusView) bool {
	for _, v := range views {
		if v.Status == scheduler.TaskReady || v.Status == scheduler.TaskRunning {
			return false
		}
	}
	return true
}

func summarize(out io.Writer, views []coordinator.TaskStatusView) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tRETRIES\tDETAIL")

	incomplete := 0
	for _, v := range views {
		detail := v.Reason
		if v.BlockedBy != "" {
			detail = "blocked by " + v.BlockedBy
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", v.TaskID, v.Status, v.RetryCount, v.MaxRetries, detail)
		if v.Status != scheduler.TaskCompleted {
			incomplete++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if incomplete > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", incomplete, len(views))
	}
	fmt.Fprintf(out, "All %d tasks completed\n", len(views))
	return nil
}
