package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskmesh/internal/coordinator"
	"github.com/aristath/taskmesh/internal/scheduler"
	"github.com/aristath/taskmesh/internal/simulate"
)

// Plan is a YAML description of tasks and the simulated agents that run them.
type Plan struct {
	Agents PlanAgents `yaml:"agents"`
	Tasks  []PlanTask `yaml:"tasks"`
}

// PlanAgents describes the simulated fleet.
type PlanAgents struct {
	Count        int           `yaml:"count"`
	Capabilities []string      `yaml:"capabilities"`
	Capacity     int           `yaml:"capacity"`
	Work         time.Duration `yaml:"work"`
}

// PlanTask describes one task.
type PlanTask struct {
	ID           string        `yaml:"id"`
	Title        string        `yaml:"title"`
	Capabilities []string      `yaml:"capabilities"`
	DependsOn    []string      `yaml:"depends_on"`
	Informs      []string      `yaml:"informs"` // Non-blocking edges to later tasks
	Priority     int           `yaml:"priority"`
	MaxRetries   *int          `yaml:"max_retries"` // Unset uses the configured default, 0 means one attempt
	Timeout      time.Duration `yaml:"timeout"`

	// Simulation knobs
	Work         time.Duration `yaml:"work"`
	FailAttempts int           `yaml:"fail_attempts"`
	FailReason   string        `yaml:"fail_reason"`
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	return &plan, nil
}

// Validate checks ids and references. Cycles are left to the coordinator.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return errors.New("plan has no tasks")
	}

	var errs []error
	ids := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("task %d has no id", i+1))
		case ids[t.ID]:
			errs = append(errs, fmt.Errorf("duplicate task id %q", t.ID))
		}
		ids[t.ID] = true
		if t.MaxRetries != nil && *t.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("task %q has negative max_retries", t.ID))
		}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				errs = append(errs, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
		for _, to := range t.Informs {
			if !ids[to] {
				errs = append(errs, fmt.Errorf("task %q informs unknown task %q", t.ID, to))
			}
		}
	}
	return errors.Join(errs...)
}

// SubmissionOrder returns the tasks ordered so that every task follows its
// blocking dependencies, keeping plan order otherwise. It fails when the
// dependencies form a cycle.
func (p *Plan) SubmissionOrder() ([]PlanTask, error) {
	submitted := make(map[string]bool, len(p.Tasks))
	remaining := p.Tasks
	var ordered []PlanTask

	for len(remaining) > 0 {
		var deferred []PlanTask
		for _, t := range remaining {
			if allSubmitted(t.DependsOn, submitted) {
				ordered = append(ordered, t)
				submitted[t.ID] = true
			} else {
				deferred = append(deferred, t)
			}
		}
		if len(deferred) == len(remaining) {
			return nil, fmt.Errorf("dependency cycle among %d tasks starting at %q", len(deferred), deferred[0].ID)
		}
		remaining = deferred
	}
	return ordered, nil
}

func allSubmitted(ids []string, submitted map[string]bool) bool {
	for _, id := range ids {
		if !submitted[id] {
			return false
		}
	}
	return true
}

// Spec converts the task into a submission request.
func (t PlanTask) Spec() (coordinator.TaskSpec, error) {
	var maxRetries int
	if t.MaxRetries != nil {
		maxRetries = *t.MaxRetries
		if maxRetries == 0 {
			maxRetries = coordinator.NoRetries
		}
	}

	payload, err := json.Marshal(simulate.Instructions{
		WorkMillis:   int(t.Work / time.Millisecond),
		FailAttempts: t.FailAttempts,
		FailReason:   t.FailReason,
	})
	if err != nil {
		return coordinator.TaskSpec{}, fmt.Errorf("encoding instructions for %q: %w", t.ID, err)
	}

	title := t.Title
	if title == "" {
		title = t.ID
	}
	return coordinator.TaskSpec{
		ID:                   t.ID,
		Title:                title,
		RequiredCapabilities: t.Capabilities,
		DependsOn:            t.DependsOn,
		Priority:             t.Priority,
		MaxRetries:           maxRetries,
		Timeout:              t.Timeout,
		Payload:              payload,
	}, nil
}

// InformsEdges returns the non-blocking edges declared by the plan.
func (p *Plan) InformsEdges() []scheduler.Edge {
	var edges []scheduler.Edge
	for _, t := range p.Tasks {
		for _, to := range t.Informs {
			edges = append(edges, scheduler.Edge{From: t.ID, To: to, Kind: scheduler.EdgeInforms})
		}
	}
	return edges
}
