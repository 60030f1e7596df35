package scheduler

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/gammazero/toposort"
)

// StatusSource reports the current status of a task. The Store implements it.
type StatusSource interface {
	Status(taskID string) (TaskStatus, bool)
}

type node struct {
	id        string
	priority  int
	seq       uint64 // insertion order, FIFO tie-break
	completed bool
}

// Graph is a directed acyclic graph of task ids.
// Edges run from a dependency to its dependent. The graph never owns task
// records; task status is read through a StatusSource.
//
// Graph is not safe for concurrent use; the coordinator loop is its only writer.
type Graph struct {
	states  StatusSource
	nodes   map[string]*node
	out     map[string]map[string]EdgeKind // from -> to -> kind
	in      map[string]map[string]EdgeKind // to -> from -> kind
	nextSeq uint64
}

// NewGraph creates an empty graph reading task status from states.
// A nil states treats every task as Pending.
func NewGraph(states StatusSource) *Graph {
	return &Graph{
		states: states,
		nodes:  make(map[string]*node),
		out:    make(map[string]map[string]EdgeKind),
		in:     make(map[string]map[string]EdgeKind),
	}
}

// AddTask registers a task node. Returns DuplicateTaskError if the id exists.
// Tasks already Completed are registered as completed nodes.
func (g *Graph) AddTask(task *Task) error {
	if _, exists := g.nodes[task.ID]; exists {
		return &DuplicateTaskError{TaskID: task.ID}
	}

	g.nodes[task.ID] = &node{
		id:        task.ID,
		priority:  task.Priority,
		seq:       g.nextSeq,
		completed: task.Status == TaskCompleted,
	}
	g.nextSeq++
	return nil
}

// RemoveTask deletes a node together with all of its edges.
func (g *Graph) RemoveTask(taskID string) bool {
	if _, ok := g.nodes[taskID]; !ok {
		return false
	}
	for to := range g.out[taskID] {
		delete(g.in[to], taskID)
	}
	for from := range g.in[taskID] {
		delete(g.out[from], taskID)
	}
	delete(g.out, taskID)
	delete(g.in, taskID)
	delete(g.nodes, taskID)
	return true
}

// HasTask reports whether the id is a node in the graph.
func (g *Graph) HasTask(taskID string) bool {
	_, ok := g.nodes[taskID]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// AddDependency adds a blocking edge: to cannot become ready until from is completed.
func (g *Graph) AddDependency(from, to string) error {
	return g.AddEdge(from, to, EdgeBlocks)
}

// AddEdge adds an edge of the given kind after checking that it would not close
// a cycle. On error the graph is left unchanged. Re-adding an existing edge
// updates its kind.
func (g *Graph) AddEdge(from, to string, kind EdgeKind) error {
	if _, ok := g.nodes[from]; !ok {
		return notFound(from)
	}
	if _, ok := g.nodes[to]; !ok {
		return notFound(to)
	}
	if from == to {
		return &CycleDetectedError{From: from, To: to}
	}
	if _, exists := g.out[from][to]; !exists {
		if path := g.pathBetween(to, from); path != nil {
			return &CycleDetectedError{From: from, To: to, Path: path}
		}
	}

	g.link(from, to, kind)
	return nil
}

func (g *Graph) link(from, to string, kind EdgeKind) {
	if g.out[from] == nil {
		g.out[from] = make(map[string]EdgeKind)
	}
	if g.in[to] == nil {
		g.in[to] = make(map[string]EdgeKind)
	}
	g.out[from][to] = kind
	g.in[to][from] = kind
}

// pathBetween runs a depth-first search from start and returns the path to
// target, or nil if target is unreachable. Edges of every kind are followed.
func (g *Graph) pathBetween(start, target string) []string {
	parent := map[string]string{start: ""}
	stack := []string{start}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur == target {
			var path []string
			for id := cur; id != ""; id = parent[id] {
				path = append(path, id)
			}
			slices.Reverse(path)
			return path
		}

		for next := range g.out[cur] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			stack = append(stack, next)
		}
	}
	return nil
}

// RemoveDependency removes the edge from -> to. Returns false if absent.
func (g *Graph) RemoveDependency(from, to string) bool {
	if _, ok := g.out[from][to]; !ok {
		return false
	}
	delete(g.out[from], to)
	delete(g.in[to], from)
	return true
}

// MarkCompleted marks a task completed and returns its direct blocking
// successors, whose readiness must be re-evaluated.
func (g *Graph) MarkCompleted(taskID string) ([]string, error) {
	n, ok := g.nodes[taskID]
	if !ok {
		return nil, notFound(taskID)
	}
	n.completed = true
	return g.Successors(taskID), nil
}

// IsCompleted reports whether the node has been marked completed.
func (g *Graph) IsCompleted(taskID string) bool {
	n, ok := g.nodes[taskID]
	return ok && n.completed
}

// IsReady reports whether every blocking predecessor is completed and the task
// itself is Pending or Blocked.
func (g *Graph) IsReady(taskID string) bool {
	if _, ok := g.nodes[taskID]; !ok {
		return false
	}

	status := TaskPending
	if g.states != nil {
		s, ok := g.states.Status(taskID)
		if !ok {
			return false
		}
		status = s
	}
	if status != TaskPending && status != TaskBlocked {
		return false
	}

	return g.blockersDone(taskID)
}

func (g *Graph) blockersDone(taskID string) bool {
	for from, kind := range g.in[taskID] {
		if kind != EdgeBlocks {
			continue
		}
		if !g.nodes[from].completed {
			return false
		}
	}
	return true
}

// Predecessors returns the blocking dependencies of a task, sorted by id.
func (g *Graph) Predecessors(taskID string) []string {
	var preds []string
	for from, kind := range g.in[taskID] {
		if kind == EdgeBlocks {
			preds = append(preds, from)
		}
	}
	slices.Sort(preds)
	return preds
}

// Successors returns the direct blocking dependents of a task in scheduling
// order (priority, then insertion).
func (g *Graph) Successors(taskID string) []string {
	var succ []string
	for to, kind := range g.out[taskID] {
		if kind == EdgeBlocks {
			succ = append(succ, to)
		}
	}
	g.sortBySchedule(succ)
	return succ
}

// Descendants returns every task transitively blocked by taskID, breadth first.
func (g *Graph) Descendants(taskID string) []string {
	seen := map[string]bool{taskID: true}
	var result []string
	queue := g.Successors(taskID)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		result = append(result, cur)
		queue = append(queue, g.Successors(cur)...)
	}
	return result
}

// Edges returns a snapshot of all edges sorted by (from, to).
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for from, targets := range g.out {
		for to, kind := range targets {
			edges = append(edges, Edge{From: from, To: to, Kind: kind})
		}
	}
	sortEdges(edges)
	return edges
}

func (g *Graph) sortBySchedule(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		na, nb := g.nodes[a], g.nodes[b]
		if c := cmp.Compare(na.priority, nb.priority); c != 0 {
			return c
		}
		return cmp.Compare(na.seq, nb.seq)
	})
}

func sortEdges(edges []Edge) {
	slices.SortFunc(edges, func(a, b Edge) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		return strings.Compare(a.To, b.To)
	})
}

// Import bulk-loads tasks and edges without the per-edge cycle check.
// Used when restoring from a journal; call DetectCycles or Validate afterwards.
func (g *Graph) Import(tasks []*Task, edges []Edge) error {
	for _, task := range tasks {
		if err := g.AddTask(task); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("edge %s: %w", e, notFound(e.From))
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("edge %s: %w", e, notFound(e.To))
		}
		g.link(e.From, e.To, e.Kind)
	}
	return nil
}

// Validate runs a full topological sort using gammazero/toposort.
// Returns ordered task ids or an error wrapping ErrCycleDetected.
func (g *Graph) Validate() ([]string, error) {
	var edges []toposort.Edge
	for id := range g.nodes {
		if len(g.in[id]) == 0 {
			// Root node - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
		}
		for to := range g.out[id] {
			edges = append(edges, toposort.Edge{id, to})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Nodes that only sit on a cycle never reach the sorted output
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("%w: %d of %d tasks unreachable by topological sort",
			ErrCycleDetected, len(g.nodes)-len(order), len(g.nodes))
	}

	return order, nil
}
