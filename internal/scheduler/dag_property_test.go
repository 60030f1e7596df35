package scheduler

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// For any sequence of AddDependency calls the accepted graph stays acyclic,
// and a rejected call leaves the edge set untouched.
func TestProperty_AcyclicityPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "nodes")
		g := NewGraph(nil)
		for i := 0; i < n; i++ {
			if err := g.AddTask(&Task{ID: fmt.Sprintf("t%d", i), Priority: rapid.IntRange(0, 3).Draw(t, "priority")}); err != nil {
				t.Fatalf("add task: %v", err)
			}
		}

		steps := rapid.IntRange(0, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			from := fmt.Sprintf("t%d", rapid.IntRange(0, n-1).Draw(t, "from"))
			to := fmt.Sprintf("t%d", rapid.IntRange(0, n-1).Draw(t, "to"))

			before := g.Edges()
			err := g.AddDependency(from, to)
			if err != nil {
				if !errors.Is(err, ErrCycleDetected) {
					t.Fatalf("unexpected error: %v", err)
				}
				after := g.Edges()
				if fmt.Sprint(before) != fmt.Sprint(after) {
					t.Fatalf("rejected edge %s->%s mutated graph: %v -> %v", from, to, before, after)
				}
			}

			if cyclic := g.DetectCycles(); len(cyclic) != 0 {
				t.Fatalf("graph contains cycle edges %v", cyclic)
			}
		}
	})
}

// TopologicalOrder places the source of every edge strictly before its target.
func TestProperty_TopologicalValidity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 15).Draw(t, "nodes")
		g := NewGraph(nil)
		for i := 0; i < n; i++ {
			_ = g.AddTask(&Task{ID: fmt.Sprintf("t%d", i), Priority: rapid.IntRange(0, 5).Draw(t, "priority")})
		}
		for i := 0; i < n*2; i++ {
			from := fmt.Sprintf("t%d", rapid.IntRange(0, n-1).Draw(t, "from"))
			to := fmt.Sprintf("t%d", rapid.IntRange(0, n-1).Draw(t, "to"))
			_ = g.AddDependency(from, to) // cycles are rejected, which is fine here
		}

		order, err := g.TopologicalOrder().Collect()
		if err != nil {
			t.Fatalf("order: %v", err)
		}
		if len(order) != n {
			t.Fatalf("expected %d ids, got %d", n, len(order))
		}

		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		for _, e := range g.Edges() {
			if pos[e.From] >= pos[e.To] {
				t.Fatalf("edge %s violates order %v", e, order)
			}
		}
	})
}
