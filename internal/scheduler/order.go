package scheduler

import (
	"container/heap"
	"fmt"
	"iter"
)

// OrderIterator yields task ids in a valid execution order using Kahn's
// algorithm. It works on a snapshot taken when it was created, produces each
// id once, and cannot be restarted.
type OrderIterator struct {
	indegree map[string]int
	out      map[string][]string
	ready    scheduleHeap
	emitted  int
	total    int
	err      error
	done     bool
}

// TopologicalOrder returns an iterator over task ids where every edge's source
// precedes its target. Ties between equally unblocked tasks go to the lower
// priority value, then to the earlier inserted task.
func (g *Graph) TopologicalOrder() *OrderIterator {
	it := &OrderIterator{
		indegree: make(map[string]int, len(g.nodes)),
		out:      make(map[string][]string, len(g.nodes)),
		total:    len(g.nodes),
		ready:    scheduleHeap{lookup: make(map[string]scheduleItem, len(g.nodes))},
	}

	for id, n := range g.nodes {
		item := scheduleItem{id: id, priority: n.priority, seq: n.seq}
		it.ready.lookup[id] = item
		it.indegree[id] = len(g.in[id])
		targets := make([]string, 0, len(g.out[id]))
		for to := range g.out[id] {
			targets = append(targets, to)
		}
		it.out[id] = targets
		if it.indegree[id] == 0 {
			it.ready.items = append(it.ready.items, item)
		}
	}
	heap.Init(&it.ready)
	return it
}

// Next returns the next task id, or false once the sequence is exhausted.
func (it *OrderIterator) Next() (string, bool) {
	if it.done {
		return "", false
	}
	if it.ready.Len() == 0 {
		it.done = true
		if it.emitted < it.total {
			it.err = fmt.Errorf("%w: %d tasks left unordered", ErrCycleDetected, it.total-it.emitted)
		}
		return "", false
	}

	item := heap.Pop(&it.ready).(scheduleItem)
	it.emitted++
	for _, to := range it.out[item.id] {
		it.indegree[to]--
		if it.indegree[to] == 0 {
			heap.Push(&it.ready, it.ready.lookup[to])
		}
	}
	return item.id, true
}

// Err reports ErrCycleDetected if the sequence ended before every task was
// emitted. Only possible after a bulk Import that introduced a cycle.
func (it *OrderIterator) Err() error {
	return it.err
}

// All adapts the iterator to a range-over-func sequence. Ranging consumes it.
func (it *OrderIterator) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			id, ok := it.Next()
			if !ok || !yield(id) {
				return
			}
		}
	}
}

// Collect drains the iterator into a slice.
func (it *OrderIterator) Collect() ([]string, error) {
	ids := make([]string, 0, it.total)
	for id := range it.All() {
		ids = append(ids, id)
	}
	return ids, it.Err()
}

type scheduleItem struct {
	id       string
	priority int
	seq      uint64
}

// scheduleHeap orders items by priority then insertion sequence.
type scheduleHeap struct {
	items  []scheduleItem
	lookup map[string]scheduleItem
}

func (h scheduleHeap) Len() int { return len(h.items) }
func (h scheduleHeap) Less(i, j int) bool {
	if h.items[i].priority != h.items[j].priority {
		return h.items[i].priority < h.items[j].priority
	}
	return h.items[i].seq < h.items[j].seq
}
func (h scheduleHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *scheduleHeap) Push(x any)   { h.items = append(h.items, x.(scheduleItem)) }
func (h *scheduleHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
