package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{HeartbeatTimeout: 30 * time.Second, SweepInterval: time.Second}, nil)
	r.SetClock(clock.Now)
	return r, clock
}

func mustRegister(t *testing.T, r *Registry, id string, capacity int, caps ...string) {
	t.Helper()
	_, err := r.Register(&Agent{ID: id, Type: "worker", Capabilities: caps, Capacity: capacity})
	require.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(&Agent{ID: "a", Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = r.Register(&Agent{Capacity: 1})
	assert.Error(t, err)

	mustRegister(t, r, "a", 1, "go", "go", " sql ")
	agent, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"go", "sql"}, agent.Capabilities)
	assert.Equal(t, AgentIdle, agent.Status)

	_, err = r.Register(&Agent{ID: "a", Capacity: 1})
	assert.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestSelectCandidate(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, r *Registry, clock *fakeClock)
		required []string
		wantID   string
		wantErr  error
	}{
		{
			name: "capability superset matches",
			setup: func(t *testing.T, r *Registry, _ *fakeClock) {
				mustRegister(t, r, "narrow", 2, "go")
				mustRegister(t, r, "wide", 2, "go", "sql", "docs")
			},
			required: []string{"sql", "go"},
			wantID:   "wide",
		},
		{
			name: "no capable agent",
			setup: func(t *testing.T, r *Registry, _ *fakeClock) {
				mustRegister(t, r, "a", 2, "go")
			},
			required: []string{"rust"},
			wantErr:  ErrNoCapableAgent,
		},
		{
			name: "lowest load ratio wins",
			setup: func(t *testing.T, r *Registry, _ *fakeClock) {
				mustRegister(t, r, "half", 2, "go")
				mustRegister(t, r, "third", 3, "go")
				_, _ = r.Reserve("half")
				_, _ = r.Reserve("third")
			},
			required: []string{"go"},
			wantID:   "third",
		},
		{
			name: "full agents are skipped",
			setup: func(t *testing.T, r *Registry, _ *fakeClock) {
				mustRegister(t, r, "full", 1, "go")
				_, _ = r.Reserve("full")
			},
			required: []string{"go"},
			wantErr:  ErrNoCapableAgent,
		},
		{
			name: "tie broken by most recent heartbeat",
			setup: func(t *testing.T, r *Registry, clock *fakeClock) {
				mustRegister(t, r, "a", 1, "go")
				mustRegister(t, r, "b", 1, "go")
				clock.Advance(time.Second)
				_, _ = r.Heartbeat("b", clock.Now())
			},
			required: []string{"go"},
			wantID:   "b",
		},
		{
			name: "offline agents are skipped",
			setup: func(t *testing.T, r *Registry, clock *fakeClock) {
				mustRegister(t, r, "stale", 1, "go")
				clock.Advance(time.Minute)
				mustRegister(t, r, "fresh", 1, "go")
				r.Sweep(clock.Now())
			},
			required: []string{"go"},
			wantID:   "fresh",
		},
		{
			name: "empty requirement matches any agent",
			setup: func(t *testing.T, r *Registry, _ *fakeClock) {
				mustRegister(t, r, "x", 1)
			},
			wantID: "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, clock := newTestRegistry(t)
			tt.setup(t, r, clock)

			agent, err := r.SelectCandidate(tt.required)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var noAgent *NoCapableAgentError
				assert.True(t, errors.As(err, &noAgent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, agent.ID)
		})
	}
}

func TestReserveReleaseStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "a", 2, "go")

	change, err := r.Reserve("a")
	require.NoError(t, err)
	assert.Equal(t, StatusChange{AgentID: "a", Old: AgentIdle, New: AgentBusy}, change)

	_, err = r.Reserve("a")
	require.NoError(t, err)

	_, err = r.Reserve("a")
	var capErr *CapacityExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 2, capErr.Capacity)

	_, _ = r.Release("a")
	change, err = r.Release("a")
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, change.New)

	// Releasing an idle agent is harmless
	_, err = r.Release("a")
	require.NoError(t, err)
	agent, _ := r.Get("a")
	assert.Equal(t, 0, agent.CurrentLoad)

	_, err = r.Reserve("missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestConcurrentReserveNeverExceedsCapacity(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "a", 5, "go")

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reserve("a")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrCapacityExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(45), rejected.Load())
	agent, _ := r.Get("a")
	assert.Equal(t, 5, agent.CurrentLoad)
}

func TestSweepAndHeartbeatRecovery(t *testing.T) {
	r, clock := newTestRegistry(t)
	mustRegister(t, r, "a", 2, "go")
	mustRegister(t, r, "b", 2, "go")
	_, _ = r.Reserve("a")

	clock.Advance(20 * time.Second)
	_, _ = r.Heartbeat("b", clock.Now())
	clock.Advance(15 * time.Second)

	changes := r.Sweep(clock.Now())
	require.Len(t, changes, 1)
	assert.Equal(t, StatusChange{AgentID: "a", Old: AgentBusy, New: AgentOffline}, changes[0])

	agent, _ := r.Get("a")
	assert.Equal(t, 0, agent.CurrentLoad, "offline agents drop their load")

	// A second sweep does not report the same agent again
	assert.Empty(t, r.Sweep(clock.Now()))

	change, err := r.Heartbeat("a", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, AgentOffline, change.Old)
	assert.Equal(t, AgentIdle, change.New)

	_, err = r.Heartbeat("missing", clock.Now())
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestMarkErrorTakesAgentOutOfRotation(t *testing.T) {
	r, clock := newTestRegistry(t)
	mustRegister(t, r, "a", 1, "go")

	change, err := r.MarkError("a", "disk full")
	require.NoError(t, err)
	assert.Equal(t, AgentError, change.New)

	_, err = r.SelectCandidate([]string{"go"})
	assert.ErrorIs(t, err, ErrNoCapableAgent)

	change, err = r.Heartbeat("a", clock.Now())
	require.NoError(t, err)
	assert.True(t, change.Changed())
	assert.Equal(t, AgentIdle, change.New)
}

func TestDeregister(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "a", 1)

	agent, err := r.Deregister("a")
	require.NoError(t, err)
	assert.Equal(t, "a", agent.ID)
	assert.Equal(t, 0, r.Len())

	_, err = r.Deregister("a")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRunSweeperTicks(t *testing.T) {
	r := New(Config{HeartbeatTimeout: time.Second, SweepInterval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ticks := make(chan time.Time, 4)
	done := make(chan error, 1)
	go func() {
		done <- r.RunSweeper(ctx, func(now time.Time) {
			select {
			case ticks <- now:
			default:
			}
		})
	}()

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("sweeper never ticked")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
