package engine

import (
	"container/heap"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mkeeter/halfspace/pkg/world"
)

// Graph is the dependency graph of one set of blocks.
type Graph struct {
	// Order lists every block with producers before consumers. Ties are
	// broken by display order. Members of a cycle are placed together at
	// the position of their earliest member.
	Order []world.BlockID

	// Edges holds one edge per resolved reference, excluding self references.
	Edges []Edge

	// Cycles holds one error per cycle, in order of their first member.
	Cycles []*BlockError

	// Levels groups blocks by dependency depth. Blocks in a level depend only
	// on blocks in earlier levels; a cycle occupies a single level.
	Levels [][]world.BlockID

	producers  map[world.BlockID][]world.BlockID
	dependents map[world.BlockID][]world.BlockID
	cycleOf    map[world.BlockID]*BlockError
	position   map[world.BlockID]int
}

// Producers returns the distinct blocks id depends on, in display order.
func (g *Graph) Producers(id world.BlockID) []world.BlockID {
	return slices.Clone(g.producers[id])
}

// Dependents returns the distinct blocks that depend on id, in display order.
func (g *Graph) Dependents(id world.BlockID) []world.BlockID {
	return slices.Clone(g.dependents[id])
}

// Cycle returns the cycle error for a block that is part of a cycle.
func (g *Graph) Cycle(id world.BlockID) (*BlockError, bool) {
	e, ok := g.cycleOf[id]
	return e, ok
}

// GraphBuilder builds a dependency graph from blocks and their references.
type GraphBuilder struct {
	// order is the display order
	order []world.BlockID

	// owners maps names to the blocks that own them
	owners map[string]world.BlockID

	// refs maps blocks to the references they read
	refs map[world.BlockID][]Reference

	// adjacencyList maps blocks to their producers
	adjacencyList map[world.BlockID][]world.BlockID

	// reverseAdjacencyList maps blocks to their dependents
	reverseAdjacencyList map[world.BlockID][]world.BlockID

	// selfLoops holds blocks that reference themselves
	selfLoops map[world.BlockID]bool

	position map[world.BlockID]int
	edges    []Edge
}

// NewGraphBuilder creates a builder. order is the display order, owners
// maps each referenceable name to its block, refs holds each block's
// references.
func NewGraphBuilder(order []world.BlockID, owners map[string]world.BlockID, refs map[world.BlockID][]Reference) *GraphBuilder {
	return &GraphBuilder{
		order:                order,
		owners:               owners,
		refs:                 refs,
		adjacencyList:        make(map[world.BlockID][]world.BlockID),
		reverseAdjacencyList: make(map[world.BlockID][]world.BlockID),
		selfLoops:            make(map[world.BlockID]bool),
		position:             make(map[world.BlockID]int, len(order)),
	}
}

// Build derives edges, detects cycles and computes the evaluation order.
// Cycles do not make Build fail; they are reported in Graph.Cycles and the
// remaining blocks are still ordered.
func (b *GraphBuilder) Build() *Graph {
	b.initialize()

	components, cycles := b.detectCycles()

	g := &Graph{
		Edges:      b.edges,
		Cycles:     cycles,
		producers:  b.adjacencyList,
		dependents: b.reverseAdjacencyList,
		cycleOf:    make(map[world.BlockID]*BlockError),
		position:   b.position,
	}
	for _, cycle := range cycles {
		for _, id := range components[b.componentOf(components, cycle.Cycle[0])] {
			g.cycleOf[id] = cycle
		}
	}
	g.Order, g.Levels = b.topoSort(components)
	return g
}

// initialize builds adjacency lists. Producers are listed in display order.
func (b *GraphBuilder) initialize() {
	for i, id := range b.order {
		b.position[id] = i
	}

	for _, consumer := range b.order {
		seen := make(map[world.BlockID]bool)
		for _, ref := range b.refs[consumer] {
			producer, ok := b.owners[ref.Name]
			if !ok {
				continue
			}
			if producer == consumer {
				b.selfLoops[consumer] = true
				continue
			}
			b.edges = append(b.edges, Edge{Consumer: consumer, Producer: producer, Output: ref.Output})
			if !seen[producer] {
				seen[producer] = true
				b.adjacencyList[consumer] = append(b.adjacencyList[consumer], producer)
				b.reverseAdjacencyList[producer] = append(b.reverseAdjacencyList[producer], consumer)
			}
		}
		sort.Slice(b.adjacencyList[consumer], func(i, j int) bool {
			return b.position[b.adjacencyList[consumer][i]] < b.position[b.adjacencyList[consumer][j]]
		})
	}
	for _, deps := range b.reverseAdjacencyList {
		sort.Slice(deps, func(i, j int) bool { return b.position[deps[i]] < b.position[deps[j]] })
	}
}

// detectCycles finds strongly connected components with a depth-first
// search from every block in display order, following edges from consumer
// to producer. When the search reaches a block already on the current path
// the path slice from that block onward is a cycle. The first such slice
// found in each component is reported.
func (b *GraphBuilder) detectCycles() ([][]world.BlockID, []*BlockError) {
	var (
		index      int
		indices    = make(map[world.BlockID]int, len(b.order))
		lowlink    = make(map[world.BlockID]int, len(b.order))
		onStack    = make(map[world.BlockID]bool, len(b.order))
		stack      []world.BlockID
		path       []world.BlockID
		onPath     = make(map[world.BlockID]int)
		candidates [][]world.BlockID
		components [][]world.BlockID
	)

	var strongConnect func(v world.BlockID)
	strongConnect = func(v world.BlockID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true
		onPath[v] = len(path)
		path = append(path, v)

		for _, w := range b.adjacencyList[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
				if start, ok := onPath[w]; ok {
					candidates = append(candidates, slices.Clone(path[start:]))
				}
			}
		}

		path = path[:len(path)-1]
		delete(onPath, v)

		if lowlink[v] == indices[v] {
			var component []world.BlockID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			sort.Slice(component, func(i, j int) bool { return b.position[component[i]] < b.position[component[j]] })
			components = append(components, component)
		}
	}

	for _, id := range b.order {
		if _, visited := indices[id]; !visited {
			strongConnect(id)
		}
	}

	componentOf := make(map[world.BlockID]int, len(b.order))
	for i, c := range components {
		for _, id := range c {
			componentOf[id] = i
		}
	}

	reported := make(map[int]*BlockError)
	for _, path := range candidates {
		c := componentOf[path[0]]
		if _, done := reported[c]; !done {
			reported[c] = NewCycleError(path)
		}
	}
	for i, c := range components {
		if len(c) == 1 && b.selfLoops[c[0]] {
			reported[i] = NewCycleError(c)
		}
	}

	cycles := make([]*BlockError, 0, len(reported))
	for _, e := range reported {
		cycles = append(cycles, e)
	}
	sort.Slice(cycles, func(i, j int) bool {
		return b.position[components[componentOf[cycles[i].Block]][0]] <
			b.position[components[componentOf[cycles[j].Block]][0]]
	})
	return components, cycles
}

func (b *GraphBuilder) componentOf(components [][]world.BlockID, id world.BlockID) int {
	for i, c := range components {
		if slices.Contains(c, id) {
			return i
		}
	}
	return -1
}

// topoSort orders the component graph with Kahn's algorithm, always taking
// the ready component whose earliest member comes first in display order.
func (b *GraphBuilder) topoSort(components [][]world.BlockID) ([]world.BlockID, [][]world.BlockID) {
	componentOf := make(map[world.BlockID]int, len(b.order))
	for i, c := range components {
		for _, id := range c {
			componentOf[id] = i
		}
	}

	inDegree := make([]int, len(components))
	dependents := make([]map[int]bool, len(components))
	for i := range components {
		dependents[i] = make(map[int]bool)
	}
	for i, c := range components {
		producers := make(map[int]bool)
		for _, id := range c {
			for _, p := range b.adjacencyList[id] {
				if pc := componentOf[p]; pc != i && !producers[pc] {
					producers[pc] = true
					dependents[pc][i] = true
				}
			}
		}
		inDegree[i] = len(producers)
	}

	first := func(i int) int { return b.position[components[i][0]] }
	ready := &componentHeap{less: func(x, y int) bool { return first(x) < first(y) }}
	level := make([]int, len(components))
	for i := range components {
		if inDegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]world.BlockID, 0, len(b.order))
	var levels [][]world.BlockID
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, components[i]...)

		for len(levels) <= level[i] {
			levels = append(levels, nil)
		}
		levels[level[i]] = append(levels[level[i]], components[i]...)

		for d := range dependents[i] {
			level[d] = max(level[d], level[i]+1)
			inDegree[d]--
			if inDegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	for _, l := range levels {
		sort.Slice(l, func(i, j int) bool { return b.position[l[i]] < b.position[l[j]] })
	}
	return order, levels
}

// componentHeap is a min-heap of component indices.
type componentHeap struct {
	items []int
	less  func(x, y int) bool
}

func (h *componentHeap) Len() int           { return len(h.items) }
func (h *componentHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *componentHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *componentHeap) Push(x any)         { h.items = append(h.items, x.(int)) }
func (h *componentHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// ToDOT renders the graph in Graphviz DOT format. Cycle members are drawn
// in red.
func (g *Graph) ToDOT(names map[world.BlockID]string) string {
	var sb strings.Builder
	sb.WriteString("digraph halfspace {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box];\n\n")

	for _, id := range g.Order {
		label := names[id]
		if label == "" {
			label = id.String()
		}
		attrs := fmt.Sprintf("label=%q", label)
		if _, inCycle := g.cycleOf[id]; inCycle {
			attrs += ", color=red"
		}
		fmt.Fprintf(&sb, "  %q [%s];\n", id.String(), attrs)
	}
	sb.WriteString("\n")

	for _, e := range g.Edges {
		if e.Output != "" {
			fmt.Fprintf(&sb, "  %q -> %q [label=%q];\n", e.Producer.String(), e.Consumer.String(), e.Output)
		} else {
			fmt.Fprintf(&sb, "  %q -> %q;\n", e.Producer.String(), e.Consumer.String())
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// graphSignature identifies everything Build reads, so an unchanged
// signature means the previous graph can be reused.
func graphSignature(order []world.BlockID, owners map[string]world.BlockID, refs map[world.BlockID][]Reference) string {
	var sb strings.Builder
	for _, id := range order {
		fmt.Fprintf(&sb, "%d:", id)
		for _, ref := range refs[id] {
			if producer, ok := owners[ref.Name]; ok {
				fmt.Fprintf(&sb, "%d.%q,", producer, ref.Output)
			}
		}
		sb.WriteString(";")
	}
	return sb.String()
}
