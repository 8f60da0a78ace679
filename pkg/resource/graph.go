package resource

import (
	"container/heap"
	"slices"
)

// Graph is a validated, immutable set of resource definitions and their
// parent edges. Every dependent resource has exactly one parent, so the graph
// is a forest rooted at the independent resources.
type Graph struct {
	declared []Definition
	order    []Definition
	index    map[string]int // name -> declaration index
	children map[string][]string
}

// NewGraph validates defs and computes their execution order. Validation is
// eager: duplicate names, unknown parents, inconsistent definitions and cycles
// are all reported here, before any fetch can happen.
func NewGraph(defs ...Definition) (*Graph, error) {
	order, err := BuildExecutionOrder(defs)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		declared: slices.Clone(defs),
		order:    order,
		index:    make(map[string]int, len(defs)),
		children: make(map[string][]string),
	}
	for i, d := range defs {
		g.index[d.Name] = i
		if d.Kind == KindDependent {
			g.children[d.Parent] = append(g.children[d.Parent], d.Name)
		}
	}
	return g, nil
}

// Definitions returns the definitions in declaration order.
func (g *Graph) Definitions() []Definition {
	return slices.Clone(g.declared)
}

// Order returns the definitions in execution order: parents before dependents,
// ties broken by declaration order.
func (g *Graph) Order() []Definition {
	return slices.Clone(g.order)
}

// Lookup returns the definition named name.
func (g *Graph) Lookup(name string) (Definition, bool) {
	i, ok := g.index[name]
	if !ok {
		return Definition{}, false
	}
	return g.declared[i], true
}

// Children returns the names of resources whose parent is name, in
// declaration order.
func (g *Graph) Children(name string) []string {
	return slices.Clone(g.children[name])
}

// Len returns the number of resources.
func (g *Graph) Len() int {
	return len(g.declared)
}

// BuildExecutionOrder sorts defs so every parent precedes its dependents.
// Among resources that are ready at the same time the one declared first wins,
// so the order is deterministic and follows the declaration as closely as the
// edges allow.
func BuildExecutionOrder(defs []Definition) ([]Definition, error) {
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := index[d.Name]; dup {
			return nil, &DuplicateResourceError{Resource: d.Name}
		}
		index[d.Name] = i
	}

	parent := make([]int, len(defs))
	indeg := make([]int, len(defs))
	outgoing := make([][]int, len(defs))
	for i, d := range defs {
		parent[i] = -1
		if d.Kind != KindDependent {
			continue
		}
		p, ok := index[d.Parent]
		if !ok {
			return nil, &UnknownParentError{Resource: d.Name, Parent: d.Parent}
		}
		parent[i] = p
		indeg[i]++
		outgoing[p] = append(outgoing[p], i)
	}

	ready := &indexHeap{}
	for i := range defs {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]Definition, 0, len(defs))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, defs[n])
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(order) != len(defs) {
		return nil, &CycleError{Path: cycleWitness(defs, parent, indeg)}
	}
	return order, nil
}

// cycleWitness walks parent pointers from the first unsorted resource until a
// resource repeats. With a single parent per resource the walk always lands
// on the cycle.
func cycleWitness(defs []Definition, parent, indeg []int) []string {
	start := -1
	for i := range defs {
		if indeg[i] > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	seen := make(map[int]int)
	var walk []int
	for cur := start; cur >= 0; cur = parent[cur] {
		if at, ok := seen[cur]; ok {
			loop := walk[at:]
			path := make([]string, 0, len(loop)+1)
			// walk follows child -> parent; report parent -> child.
			for i := len(loop) - 1; i >= 0; i-- {
				path = append(path, defs[loop[i]].Name)
			}
			return append(path, defs[loop[len(loop)-1]].Name)
		}
		seen[cur] = len(walk)
		walk = append(walk, cur)
	}
	return nil
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
