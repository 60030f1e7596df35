package scheduler

import "slices"

// DetectCycles returns every edge that participates in a cycle, using
// Tarjan's strongly connected components. The result is empty unless a bulk
// Import bypassed the per-edge check.
func (g *Graph) DetectCycles() []Edge {
	t := tarjan{
		g:       g,
		index:   make(map[string]int, len(g.nodes)),
		lowlink: make(map[string]int, len(g.nodes)),
		onStack: make(map[string]bool, len(g.nodes)),
		comp:    make(map[string]int, len(g.nodes)),
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if _, visited := t.index[id]; !visited {
			t.strongConnect(id)
		}
	}

	var cyclic []Edge
	for from, targets := range g.out {
		for to, kind := range targets {
			if from == to || (t.comp[from] == t.comp[to] && t.sizes[t.comp[from]] > 1) {
				cyclic = append(cyclic, Edge{From: from, To: to, Kind: kind})
			}
		}
	}
	sortEdges(cyclic)
	return cyclic
}

type tarjan struct {
	g       *Graph
	counter int
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	comp    map[string]int
	sizes   []int
}

func (t *tarjan) strongConnect(id string) {
	t.index[id] = t.counter
	t.lowlink[id] = t.counter
	t.counter++
	t.stack = append(t.stack, id)
	t.onStack[id] = true

	for next := range t.g.out[id] {
		if _, visited := t.index[next]; !visited {
			t.strongConnect(next)
			t.lowlink[id] = min(t.lowlink[id], t.lowlink[next])
		} else if t.onStack[next] {
			t.lowlink[id] = min(t.lowlink[id], t.index[next])
		}
	}

	if t.lowlink[id] != t.index[id] {
		return
	}

	compID := len(t.sizes)
	size := 0
	for {
		top := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[top] = false
		t.comp[top] = compID
		size++
		if top == id {
			break
		}
	}
	t.sizes = append(t.sizes, size)
}
