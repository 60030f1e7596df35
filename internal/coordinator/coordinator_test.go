package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/persistence"
	"github.com/aristath/taskmesh/internal/registry"
	"github.com/aristath/taskmesh/internal/scheduler"
)

const waitFor = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	c      *Coordinator
	clock  *fakeClock
	cancel context.CancelFunc
	done   chan error
}

// newHarness runs a coordinator whose tickers never fire during a test; time
// driven behavior is exercised by calling the tick handlers directly.
func newHarness(t *testing.T, cfg Config, journal Journal) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.Config{HeartbeatTimeout: 30 * time.Second, SweepInterval: time.Hour}, nil)
	reg.SetClock(clock.Now)
	b := bus.New(bus.Config{
		BaseDelay:           time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		MaxDeliveryAttempts: 2,
		DeliveryTimeout:     time.Second,
		Workers:             4,
	}, nil)

	cfg.RescanInterval = time.Hour
	cfg.TimeoutCheckInterval = time.Hour
	deps := Deps{Registry: reg, Bus: b, Clock: clock.Now}
	if journal != nil {
		deps.Journal = journal
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{c: c, clock: clock, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- c.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	// Make stop idempotent for the cleanup that follows an explicit call
	h.done <- nil
}

// run executes fn on the coordinator loop.
func (h *harness) run(t *testing.T, fn func(ctx context.Context)) {
	t.Helper()
	require.NoError(t, h.c.do(context.Background(), "test", func(ctx context.Context) error {
		fn(ctx)
		return nil
	}))
}

func (h *harness) submit(t *testing.T, spec TaskSpec) string {
	t.Helper()
	id, err := h.c.SubmitTask(context.Background(), spec)
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, id string) TaskStatusView {
	t.Helper()
	view, err := h.c.GetTaskStatus(context.Background(), id)
	require.NoError(t, err)
	return view
}

func (h *harness) eventually(t *testing.T, id string, want scheduler.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, err := h.c.GetTaskStatus(context.Background(), id)
		return err == nil && view.Status == want
	}, waitFor, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func (h *harness) report(t *testing.T, taskID, agentID string, status scheduler.TaskStatus) {
	t.Helper()
	require.NoError(t, h.c.ReportStatus(context.Background(), StatusReport{
		TaskID:  taskID,
		AgentID: agentID,
		Status:  status,
		Reason:  "reported by test",
	}))
}

// assignment returns the id of the task.assign message of the task's current attempt.
func (h *harness) assignment(t *testing.T, taskID string) string {
	t.Helper()
	var id string
	h.run(t, func(context.Context) { id = h.c.assignments[taskID] })
	require.NotEmpty(t, id, "task %s has no live assignment", taskID)
	return id
}

// fakeAgent records the messages the coordinator sends to it.
type fakeAgent struct {
	assigns chan bus.AssignPayload
	cancels chan bus.CancelPayload
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		assigns: make(chan bus.AssignPayload, 16),
		cancels: make(chan bus.CancelPayload, 16),
	}
}

func (a *fakeAgent) Deliver(_ context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.TypeTaskAssign:
		var p bus.AssignPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		a.assigns <- p
	case bus.TypeTaskCancel:
		var p bus.CancelPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		a.cancels <- p
	}
	return nil
}

func (a *fakeAgent) nextAssign(t *testing.T) bus.AssignPayload {
	t.Helper()
	select {
	case p := <-a.assigns:
		return p
	case <-time.After(waitFor):
		t.Fatal("no task assigned")
		return bus.AssignPayload{}
	}
}

func (a *fakeAgent) nextCancel(t *testing.T) bus.CancelPayload {
	t.Helper()
	select {
	case p := <-a.cancels:
		return p
	case <-time.After(waitFor):
		t.Fatal("no cancellation received")
		return bus.CancelPayload{}
	}
}

func (a *fakeAgent) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case p := <-a.assigns:
		t.Fatalf("unexpected assignment of %s", p.TaskID)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) agent(t *testing.T, id string, capacity int, caps ...string) *fakeAgent {
	t.Helper()
	a := newFakeAgent()
	_, err := h.c.RegisterAgent(context.Background(), AgentSpec{
		ID:           id,
		Type:         "test",
		Capabilities: caps,
		Capacity:     capacity,
		Receiver:     a,
	})
	require.NoError(t, err)
	return a
}

func TestSubmitReadiness(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	a := h.submit(t, TaskSpec{ID: "a", Title: "first"})
	b := h.submit(t, TaskSpec{ID: "b", DependsOn: []string{a}})

	assert.Equal(t, scheduler.TaskReady, h.status(t, a).Status)
	assert.Equal(t, scheduler.TaskPending, h.status(t, b).Status)

	order, err := h.c.ExecutionOrder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)

	generated := h.submit(t, TaskSpec{Title: "no id"})
	assert.NotEmpty(t, generated)

	views, err := h.c.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, "a", views[0].TaskID)
	assert.Equal(t, generated, views[2].TaskID)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()
	h.submit(t, TaskSpec{ID: "a"})

	tests := []struct {
		name    string
		spec    TaskSpec
		wantErr error
	}{
		{"duplicate id", TaskSpec{ID: "a"}, scheduler.ErrDuplicateTask},
		{"unknown dependency", TaskSpec{ID: "b", DependsOn: []string{"ghost"}}, scheduler.ErrTaskNotFound},
		{"self dependency", TaskSpec{ID: "c", DependsOn: []string{"c"}}, scheduler.ErrCycleDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.c.SubmitTask(ctx, tt.spec)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("invalid payload", func(t *testing.T) {
		_, err := h.c.SubmitTask(ctx, TaskSpec{ID: "d", Payload: []byte("{not json")})
		assert.Error(t, err)
	})

	views, err := h.c.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 1, "rejected submissions leave no trace")
}

func TestAddDependency(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()

	h.submit(t, TaskSpec{ID: "a"})
	h.submit(t, TaskSpec{ID: "b", DependsOn: []string{"a"}})
	h.submit(t, TaskSpec{ID: "c"})

	var cycle *scheduler.CycleDetectedError
	err := h.c.AddDependency(ctx, "b", "a", scheduler.EdgeInforms)
	require.ErrorAs(t, err, &cycle, "advisory edges count toward cycles")
	assert.Equal(t, []string{"a", "b"}, cycle.Path)

	require.NoError(t, h.c.AddDependency(ctx, "a", "c", scheduler.EdgeInforms))
	assert.Equal(t, scheduler.TaskReady, h.status(t, "c").Status, "informs edges never block")

	require.NoError(t, h.c.AddDependency(ctx, "b", "c", scheduler.EdgeBlocks))
	assert.Equal(t, scheduler.TaskPending, h.status(t, "c").Status)

	edges, err := h.c.Dependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []scheduler.Edge{
		{From: "a", To: "b", Kind: scheduler.EdgeBlocks},
		{From: "a", To: "c", Kind: scheduler.EdgeInforms},
		{From: "b", To: "c", Kind: scheduler.EdgeBlocks},
	}, edges)
}

func TestDispatchEndToEnd(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	progress := h.c.Events().Subscribe(events.TopicProgress, 256)

	h.submit(t, TaskSpec{ID: "a", RequiredCapabilities: []string{"go"}})
	h.submit(t, TaskSpec{ID: "b", DependsOn: []string{"a"}, Priority: 0, RequiredCapabilities: []string{"go"}})
	h.submit(t, TaskSpec{ID: "c", DependsOn: []string{"a"}, Priority: 1})

	agent := h.agent(t, "worker", 1, "go", "docker")

	p := agent.nextAssign(t)
	assert.Equal(t, "a", p.TaskID)
	assert.Equal(t, 1, p.Attempt)
	view := h.status(t, "a")
	assert.Equal(t, scheduler.TaskRunning, view.Status)
	assert.Equal(t, "worker", view.AssignedAgentID)
	agent.assertIdle(t)

	h.report(t, "a", "worker", scheduler.TaskCompleted)
	assert.Equal(t, "b", agent.nextAssign(t).TaskID, "lower priority value runs first")
	assert.Equal(t, scheduler.TaskReady, h.status(t, "c").Status, "capacity is exhausted")

	h.report(t, "b", "worker", scheduler.TaskCompleted)
	assert.Equal(t, "c", agent.nextAssign(t).TaskID)
	h.report(t, "c", "worker", scheduler.TaskCompleted)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, scheduler.TaskCompleted, h.status(t, id).Status)
	}
	got, ok := h.c.Registry().Get("worker")
	require.True(t, ok)
	assert.Equal(t, 0, got.CurrentLoad)
	assert.Equal(t, registry.AgentIdle, got.Status)

	var last events.ProgressEvent
	for {
		select {
		case ev := <-progress:
			last = ev.(events.ProgressEvent)
			continue
		default:
		}
		break
	}
	assert.True(t, last.Done())
	assert.Equal(t, 3, last.Completed)
}

func TestCapabilityMismatchWaits(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.submit(t, TaskSpec{ID: "gpu", RequiredCapabilities: []string{"cuda"}})
	cpu := h.agent(t, "cpu", 2, "go")
	cpu.assertIdle(t)
	assert.Equal(t, scheduler.TaskReady, h.status(t, "gpu").Status)

	gpu := h.agent(t, "gpu-box", 1, "cuda")
	assert.Equal(t, "gpu", gpu.nextAssign(t).TaskID)
}

func TestRetryBudget(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	agent := h.agent(t, "w", 1)

	h.submit(t, TaskSpec{ID: "a", MaxRetries: 1})

	assert.Equal(t, 1, agent.nextAssign(t).Attempt)
	h.report(t, "a", "w", scheduler.TaskFailed)

	assert.Equal(t, 2, agent.nextAssign(t).Attempt)
	view := h.status(t, "a")
	assert.Equal(t, scheduler.TaskRunning, view.Status)
	assert.Equal(t, 1, view.RetryCount)

	h.report(t, "a", "w", scheduler.TaskFailed)
	view = h.status(t, "a")
	assert.Equal(t, scheduler.TaskFailed, view.Status)
	assert.Contains(t, view.Reason, "failed after 2 attempts")
	agent.assertIdle(t)
}

func TestDefaultMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultMaxRetries = 4
	h := newHarness(t, cfg, nil)

	h.submit(t, TaskSpec{ID: "default"})
	h.submit(t, TaskSpec{ID: "none", MaxRetries: NoRetries})
	h.submit(t, TaskSpec{ID: "custom", MaxRetries: 1})

	assert.Equal(t, 4, h.status(t, "default").MaxRetries)
	assert.Equal(t, 0, h.status(t, "none").MaxRetries)
	assert.Equal(t, 1, h.status(t, "custom").MaxRetries)
}

func TestFailurePolicy(t *testing.T) {
	tests := []struct {
		policy FailurePolicy
		wantB  scheduler.TaskStatus
		wantC  scheduler.TaskStatus
	}{
		{PolicyCascade, scheduler.TaskBlocked, scheduler.TaskBlocked},
		{PolicyIsolate, scheduler.TaskBlocked, scheduler.TaskPending},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FailurePolicy = tt.policy
			h := newHarness(t, cfg, nil)
			agent := h.agent(t, "w", 1)

			h.submit(t, TaskSpec{ID: "a", MaxRetries: NoRetries})
			h.submit(t, TaskSpec{ID: "b", DependsOn: []string{"a"}})
			h.submit(t, TaskSpec{ID: "c", DependsOn: []string{"b"}})

			agent.nextAssign(t)
			h.report(t, "a", "w", scheduler.TaskFailed)

			assert.Equal(t, scheduler.TaskFailed, h.status(t, "a").Status)
			b := h.status(t, "b")
			assert.Equal(t, tt.wantB, b.Status)
			assert.Equal(t, "a", b.BlockedBy)
			assert.Equal(t, tt.wantC, h.status(t, "c").Status)

			// Late submissions see the failed root too
			h.submit(t, TaskSpec{ID: "d", DependsOn: []string{"a"}})
			assert.Equal(t, scheduler.TaskBlocked, h.status(t, "d").Status)
		})
	}
}

func TestRetryTaskUnblocksDependents(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	agent := h.agent(t, "w", 1)
	ctx := context.Background()

	h.submit(t, TaskSpec{ID: "a", MaxRetries: NoRetries})
	h.submit(t, TaskSpec{ID: "b", DependsOn: []string{"a"}})
	h.submit(t, TaskSpec{ID: "c", DependsOn: []string{"b"}})

	agent.nextAssign(t)
	h.report(t, "a", "w", scheduler.TaskFailed)
	require.Equal(t, scheduler.TaskBlocked, h.status(t, "c").Status)

	var notRetryable *NotRetryableError
	require.ErrorAs(t, h.c.RetryTask(ctx, "b"), &notRetryable)
	assert.Equal(t, scheduler.TaskBlocked, notRetryable.Status)
	assert.ErrorIs(t, h.c.RetryTask(ctx, "ghost"), scheduler.ErrTaskNotFound)

	require.NoError(t, h.c.RetryTask(ctx, "a"))
	p := agent.nextAssign(t)
	assert.Equal(t, "a", p.TaskID)
	assert.Equal(t, 1, p.Attempt, "manual retry resets the budget")

	for _, id := range []string{"b", "c"} {
		view := h.status(t, id)
		assert.Equal(t, scheduler.TaskPending, view.Status)
		assert.Empty(t, view.BlockedBy)
	}

	h.report(t, "a", "w", scheduler.TaskCompleted)
	assert.Equal(t, "b", agent.nextAssign(t).TaskID)
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()
	agent := h.agent(t, "w", 1)

	h.submit(t, TaskSpec{ID: "a"})
	h.submit(t, TaskSpec{ID: "b", DependsOn: []string{"a"}})
	h.submit(t, TaskSpec{ID: "c", DependsOn: []string{"b"}})
	agent.nextAssign(t)

	t.Run("pending task blocks its dependents", func(t *testing.T) {
		require.NoError(t, h.c.CancelTask(ctx, "b"))
		assert.Equal(t, scheduler.TaskCancelled, h.status(t, "b").Status)
		c := h.status(t, "c")
		assert.Equal(t, scheduler.TaskBlocked, c.Status)
		assert.Equal(t, "b", c.BlockedBy)
	})

	t.Run("cancelling twice is a no-op", func(t *testing.T) {
		assert.NoError(t, h.c.CancelTask(ctx, "b"))
	})

	t.Run("running task is stopped and its agent released", func(t *testing.T) {
		require.NoError(t, h.c.CancelTask(ctx, "a"))
		assert.Equal(t, "a", agent.nextCancel(t).TaskID)
		assert.Equal(t, scheduler.TaskCancelled, h.status(t, "a").Status)

		got, ok := h.c.Registry().Get("w")
		require.True(t, ok)
		assert.Equal(t, 0, got.CurrentLoad)

		// The cancelled attempt's late report changes nothing
		h.report(t, "a", "w", scheduler.TaskCompleted)
		assert.Equal(t, scheduler.TaskCancelled, h.status(t, "a").Status)
	})

	t.Run("finished tasks cannot be cancelled", func(t *testing.T) {
		h.submit(t, TaskSpec{ID: "d"})
		assert.Equal(t, "d", agent.nextAssign(t).TaskID)
		h.report(t, "d", "w", scheduler.TaskCompleted)

		err := h.c.CancelTask(ctx, "d")
		assert.ErrorIs(t, err, ErrNotCancelable)
	})

	t.Run("unknown task", func(t *testing.T) {
		assert.ErrorIs(t, h.c.CancelTask(ctx, "ghost"), scheduler.ErrTaskNotFound)
	})
}

func TestStaleReportsIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()
	agent := h.agent(t, "w", 1)

	h.submit(t, TaskSpec{ID: "a"})
	agent.nextAssign(t)

	h.report(t, "a", "someone-else", scheduler.TaskCompleted)
	assert.Equal(t, scheduler.TaskRunning, h.status(t, "a").Status)

	h.report(t, "a", "w", scheduler.TaskRunning)
	assert.Equal(t, scheduler.TaskRunning, h.status(t, "a").Status)

	err := h.c.ReportStatus(ctx, StatusReport{TaskID: "ghost", AgentID: "w", Status: scheduler.TaskCompleted})
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)

	err = h.c.ReportStatus(ctx, StatusReport{TaskID: "a", AgentID: "w", Status: scheduler.TaskBlocked})
	assert.Error(t, err)
}

func TestAgentLossRequeues(t *testing.T) {
	tests := []struct {
		name      string
		infra     bool
		wantRetry int
	}{
		{"infra failure consumes a retry", false, 1},
		{"infra failure is free", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TreatInfraFailureAsRetryable = tt.infra
			h := newHarness(t, cfg, nil)
			ctx := context.Background()

			first := h.agent(t, "first", 1)
			h.submit(t, TaskSpec{ID: "a", MaxRetries: 3})
			first.nextAssign(t)

			require.NoError(t, h.c.DeregisterAgent(ctx, "first"))
			view := h.status(t, "a")
			assert.Equal(t, scheduler.TaskReady, view.Status)
			assert.Equal(t, tt.wantRetry, view.RetryCount)
			assert.Empty(t, view.AssignedAgentID)

			second := h.agent(t, "second", 1)
			assert.Equal(t, "a", second.nextAssign(t).TaskID)
			assert.Equal(t, "second", h.status(t, "a").AssignedAgentID)
		})
	}
}

func TestOfflineAgentSweep(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()
	agentEvents := h.c.Events().Subscribe(events.TopicAgent, 64)

	agent := h.agent(t, "w", 1)
	h.submit(t, TaskSpec{ID: "a", MaxRetries: NoRetries})
	agent.nextAssign(t)

	h.clock.Advance(time.Minute)
	h.run(t, func(ctx context.Context) { h.c.sweep(ctx, h.clock.Now()) })

	got, ok := h.c.Registry().Get("w")
	require.True(t, ok)
	assert.Equal(t, registry.AgentOffline, got.Status)
	view := h.status(t, "a")
	assert.Equal(t, scheduler.TaskFailed, view.Status, "the lost attempt used the only try")

	// A heartbeat brings the agent back, but not the old task
	require.NoError(t, h.c.Heartbeat(ctx, "w"))
	got, _ = h.c.Registry().Get("w")
	assert.True(t, got.Status.Online())
	agent.assertIdle(t)

	var sawOffline bool
	for len(agentEvents) > 0 {
		ev := (<-agentEvents).(events.AgentStatusChangedEvent)
		if ev.AgentID == "w" && ev.NewStatus == registry.AgentOffline {
			sawOffline = true
		}
	}
	assert.True(t, sawOffline)
}

func TestAgentErrorRequeues(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()

	flaky := h.agent(t, "flaky", 1)
	h.submit(t, TaskSpec{ID: "a", MaxRetries: 2})
	flaky.nextAssign(t)

	require.NoError(t, h.c.ReportAgentError(ctx, "flaky", "disk full"))
	got, ok := h.c.Registry().Get("flaky")
	require.True(t, ok)
	assert.Equal(t, registry.AgentError, got.Status)
	assert.Equal(t, scheduler.TaskReady, h.status(t, "a").Status)

	require.NoError(t, h.c.Heartbeat(ctx, "flaky"))
	assert.Equal(t, "a", flaky.nextAssign(t).TaskID)

	assert.ErrorIs(t, h.c.Heartbeat(ctx, "ghost"), registry.ErrAgentNotFound)
}

func TestRegisterAgentValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := h.c.RegisterAgent(ctx, AgentSpec{ID: ID, Capacity: 1})
	assert.Error(t, err, "the coordinator address is reserved")

	_, err = h.c.RegisterAgent(ctx, AgentSpec{ID: "zero", Capacity: 0})
	assert.ErrorIs(t, err, registry.ErrInvalidCapacity)

	id, err := h.c.RegisterAgent(ctx, AgentSpec{Capacity: 1, Receiver: newFakeAgent()})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, h.c.Bus().Receivers(), id)

	require.NoError(t, h.c.DeregisterAgent(ctx, id))
	assert.NotContains(t, h.c.Bus().Receivers(), id)
	assert.ErrorIs(t, h.c.DeregisterAgent(ctx, id), registry.ErrAgentNotFound)
}

func TestExecutionTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	agent := h.agent(t, "w", 1)

	h.submit(t, TaskSpec{ID: "slow", Timeout: time.Second, MaxRetries: NoRetries})
	agent.nextAssign(t)

	h.run(t, h.c.checkTimeouts)
	assert.Equal(t, scheduler.TaskRunning, h.status(t, "slow").Status)

	h.clock.Advance(2 * time.Second)
	h.run(t, h.c.checkTimeouts)

	assert.Equal(t, "slow", agent.nextCancel(t).TaskID)
	view := h.status(t, "slow")
	assert.Equal(t, scheduler.TaskFailed, view.Status)
	assert.Contains(t, view.Reason, "execution exceeded 1s")
}

func TestLateReportFromTimedOutAttemptIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()
	agent := h.agent(t, "w", 1)

	h.submit(t, TaskSpec{ID: "a", Timeout: time.Second, MaxRetries: 1})
	assert.Equal(t, 1, agent.nextAssign(t).Attempt)
	first := h.assignment(t, "a")

	h.clock.Advance(2 * time.Second)
	h.run(t, h.c.checkTimeouts)
	assert.Equal(t, "a", agent.nextCancel(t).TaskID)

	// The only agent with capacity gets the task back
	assert.Equal(t, 2, agent.nextAssign(t).Attempt)
	second := h.assignment(t, "a")
	require.NotEqual(t, first, second)

	require.NoError(t, h.c.ReportStatus(ctx, StatusReport{
		TaskID:       "a",
		AgentID:      "w",
		AssignmentID: first,
		Status:       scheduler.TaskFailed,
		Reason:       "late failure of attempt 1",
	}))
	view := h.status(t, "a")
	assert.Equal(t, scheduler.TaskRunning, view.Status)
	assert.Equal(t, "w", view.AssignedAgentID)
	assert.Equal(t, 1, view.RetryCount, "the late report must not consume the second attempt")
	agent.assertIdle(t)

	require.NoError(t, h.c.ReportStatus(ctx, StatusReport{
		TaskID:       "a",
		AgentID:      "w",
		AssignmentID: second,
		Status:       scheduler.TaskCompleted,
	}))
	assert.Equal(t, scheduler.TaskCompleted, h.status(t, "a").Status)
}

func TestUndeliverableAssignmentFailsAttempt(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	deliveries := h.c.Events().Subscribe(events.TopicDelivery, 16)

	_, err := h.c.RegisterAgent(context.Background(), AgentSpec{
		ID:       "broken",
		Capacity: 1,
		Receiver: bus.ReceiverFunc(func(context.Context, bus.Message) error {
			return errors.New("connection refused")
		}),
	})
	require.NoError(t, err)

	h.submit(t, TaskSpec{ID: "a", MaxRetries: NoRetries})
	h.eventually(t, "a", scheduler.TaskFailed)
	assert.Contains(t, h.status(t, "a").Reason, "assignment undeliverable")

	select {
	case ev := <-deliveries:
		failed := ev.(events.DeliveryFailedEvent)
		assert.Equal(t, "a", failed.TaskID)
		assert.Equal(t, "broken", failed.ReceiverID)
		assert.Equal(t, bus.TypeTaskAssign, failed.MessageType)
		assert.Equal(t, 2, failed.Attempts)
	case <-time.After(waitFor):
		t.Fatal("no delivery failure event")
	}

	got, ok := h.c.Registry().Get("broken")
	require.True(t, ok)
	assert.Equal(t, 0, got.CurrentLoad)
}

// busAgent completes every task it is assigned by reporting over the bus.
func busAgent(b *bus.Bus, id string) bus.Receiver {
	return bus.ReceiverFunc(func(_ context.Context, msg bus.Message) error {
		if msg.Type != bus.TypeTaskAssign {
			return nil
		}
		var p bus.AssignPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		reply, err := bus.NewMessage(id, ID, bus.TypeTaskStatus, bus.StatusPayload{
			TaskID:       p.TaskID,
			AssignmentID: msg.ID,
			Status:       scheduler.TaskCompleted.String(),
		})
		if err != nil {
			return err
		}
		_, err = b.Send(reply)
		return err
	})
}

func TestStatusReportsOverBus(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := h.c.RegisterAgent(ctx, AgentSpec{ID: "sim", Capacity: 2, Receiver: busAgent(h.c.Bus(), "sim")})
	require.NoError(t, err)

	h.submit(t, TaskSpec{ID: "a"})
	h.submit(t, TaskSpec{ID: "b", DependsOn: []string{"a"}})
	h.submit(t, TaskSpec{ID: "c", DependsOn: []string{"a", "b"}})
	h.eventually(t, "c", scheduler.TaskCompleted)

	heartbeat, err := bus.NewMessage("sim", ID, bus.TypeAgentHeartbeat, bus.HeartbeatPayload{Error: "overheating"})
	require.NoError(t, err)
	_, err = h.c.Bus().Send(heartbeat)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		agent, ok := h.c.Registry().Get("sim")
		return ok && agent.Status == registry.AgentError
	}, waitFor, 5*time.Millisecond)

	// Garbage is acknowledged and dropped, not redelivered
	junk, err := bus.NewMessage("sim", ID, "agent.gossip", map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = h.c.Bus().Send(junk)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.c.Bus().Stats().Queued == 0 && h.c.Bus().Stats().InFlight == 0
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.c.Bus().DeadLetters())
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	journal, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	first := newHarness(t, DefaultConfig(), journal)
	first.submit(t, TaskSpec{ID: "a", Title: "build", Priority: 2})
	first.submit(t, TaskSpec{ID: "b", DependsOn: []string{"a"}})
	first.submit(t, TaskSpec{ID: "c"})
	require.NoError(t, first.c.AddDependency(ctx, "c", "b", scheduler.EdgeInforms))

	agent := first.agent(t, "w", 1)
	require.Equal(t, "c", agent.nextAssign(t).TaskID)
	first.report(t, "c", "w", scheduler.TaskCompleted)
	require.Equal(t, "a", agent.nextAssign(t).TaskID)
	first.stop()
	assert.ErrorIs(t, first.c.CancelTask(ctx, "a"), ErrCoordinatorStopped)

	second := newHarness(t, DefaultConfig(), journal)
	require.NoError(t, second.c.Restore(ctx))

	a := second.status(t, "a")
	assert.Equal(t, scheduler.TaskReady, a.Status, "running tasks come back ready")
	assert.Empty(t, a.AssignedAgentID)
	assert.Equal(t, "build", a.Title)
	assert.Equal(t, scheduler.TaskPending, second.status(t, "b").Status)
	assert.Equal(t, scheduler.TaskCompleted, second.status(t, "c").Status)

	edges, err := second.c.Dependencies(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	assert.Error(t, second.c.Restore(ctx), "restore needs an empty coordinator")

	fresh := second.agent(t, "w2", 1)
	assert.Equal(t, "a", fresh.nextAssign(t).TaskID)
	second.report(t, "a", "w2", scheduler.TaskCompleted)
	assert.Equal(t, "b", fresh.nextAssign(t).TaskID)
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	assert.ErrorIs(t, h.c.Run(context.Background()), ErrAlreadyRunning)
}
