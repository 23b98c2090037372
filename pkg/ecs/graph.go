package ecs

import (
	"container/heap"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// EdgeKind records why an edge exists in a dependency graph.
type EdgeKind int

const (
	// EdgeExplicit comes from a runs-before or runs-after declaration.
	EdgeExplicit EdgeKind = iota

	// EdgeConflict comes from overlapping accesses, oriented by registration order.
	EdgeConflict
)

// String returns the string representation of the edge kind.
func (k EdgeKind) String() string {
	switch k {
	case EdgeExplicit:
		return "explicit"
	case EdgeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Edge is a "must complete before" relationship between two entry indices.
type Edge struct {
	From int
	To   int
	Kind EdgeKind
}

// dependencyGraph is a DAG over the entry indices of one channel.
type dependencyGraph struct {
	// adjacency maps a node to its dependents.
	adjacency [][]int

	// reverse maps a node to its dependencies.
	reverse [][]int

	// edges lists every edge in insertion order.
	edges []Edge

	edgeSet map[[2]int]struct{}

	// levels groups nodes that may run concurrently, ordered by index.
	levels [][]int

	// order is the deterministic total order used by exclusive execution.
	order []int
}

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{edgeSet: make(map[[2]int]struct{})}
}

func (g *dependencyGraph) clone() *dependencyGraph {
	return &dependencyGraph{
		adjacency: cloneLists(g.adjacency),
		reverse:   cloneLists(g.reverse),
		edges:     append([]Edge(nil), g.edges...),
		edgeSet:   maps.Clone(g.edgeSet),
		levels:    cloneLists(g.levels),
		order:     append([]int(nil), g.order...),
	}
}

func cloneLists(lists [][]int) [][]int {
	if lists == nil {
		return nil
	}
	out := make([][]int, len(lists))
	for i, l := range lists {
		out[i] = append([]int(nil), l...)
	}
	return out
}

// reset drops every edge and prepares the graph for n nodes.
func (g *dependencyGraph) reset(n int) {
	g.adjacency = resizeLists(g.adjacency, n)
	g.reverse = resizeLists(g.reverse, n)
	g.edges = g.edges[:0]
	clear(g.edgeSet)
	g.levels = nil
	g.order = nil
}

func resizeLists(lists [][]int, n int) [][]int {
	if cap(lists) < n {
		lists = make([][]int, n)
	}
	lists = lists[:n]
	for i := range lists {
		lists[i] = lists[i][:0]
	}
	return lists
}

// addEdge adds from->to once. It returns false for duplicates and self edges.
func (g *dependencyGraph) addEdge(from, to int, kind EdgeKind) bool {
	if from == to {
		return false
	}
	key := [2]int{from, to}
	if _, exists := g.edgeSet[key]; exists {
		return false
	}
	g.edgeSet[key] = struct{}{}
	g.adjacency[from] = append(g.adjacency[from], to)
	g.reverse[to] = append(g.reverse[to], from)
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind})
	return true
}

// reaches reports whether a path from -> to exists.
func (g *dependencyGraph) reaches(from, to int) bool {
	if from == to {
		return true
	}
	visited := make([]bool, len(g.adjacency))
	stack := []int{from}
	visited[from] = true
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.adjacency[node] {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// findCycle uses depth-first search and returns the node path of the first
// cycle found, closed by repeating its first node, or nil.
func (g *dependencyGraph) findCycle() []int {
	visited := make([]bool, len(g.adjacency))
	onStack := make([]bool, len(g.adjacency))
	path := make([]int, 0, len(g.adjacency))

	var visit func(node int) []int
	visit = func(node int) []int {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, dependent := range g.adjacency[node] {
			if !visited[dependent] {
				if cycle := visit(dependent); cycle != nil {
					return cycle
				}
			} else if onStack[dependent] {
				for i, id := range path {
					if id == dependent {
						cycle := append([]int(nil), path[i:]...)
						return append(cycle, dependent)
					}
				}
			}
		}

		onStack[node] = false
		path = path[:len(path)-1]
		return nil
	}

	for node := range g.adjacency {
		if !visited[node] {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns levels with Kahn's algorithm and derives the exclusive
// total order. It must only be called on an acyclic graph.
func (g *dependencyGraph) computeLevels() error {
	n := len(g.adjacency)
	inDegree := make([]int, n)
	for node := range g.reverse {
		inDegree[node] = len(g.reverse[node])
	}

	current := make([]int, 0)
	for node := 0; node < n; node++ {
		if inDegree[node] == 0 {
			current = append(current, node)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Ints(current)
		g.levels = append(g.levels, current)
		processed += len(current)

		next := make([]int, 0)
		for _, node := range current {
			for _, dependent := range g.adjacency[node] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != n {
		return NewInternalError("failed to level all systems - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	g.order = g.lowestIndexOrder()
	return nil
}

// lowestIndexOrder is Kahn's algorithm that always takes the ready node with
// the lowest registration index.
func (g *dependencyGraph) lowestIndexOrder() []int {
	n := len(g.adjacency)
	inDegree := make([]int, n)
	ready := &intHeap{}
	for node := 0; node < n; node++ {
		inDegree[node] = len(g.reverse[node])
		if inDegree[node] == 0 {
			*ready = append(*ready, node)
		}
	}
	heap.Init(ready)

	order := make([]int, 0, n)
	for ready.Len() > 0 {
		node := heap.Pop(ready).(int)
		order = append(order, node)
		for _, dependent := range g.adjacency[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}
	return order
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *intHeap) Push(x any) { *h = append(*h, x.(int)) }

func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// formatCycle renders a cycle path for error messages.
func formatCycle(cycle []Label) string {
	parts := make([]string, len(cycle))
	for i, l := range cycle {
		parts[i] = string(l)
	}
	return strings.Join(parts, " -> ")
}

// describeEdge renders an edge between two labels.
func describeEdge(from, to Label, kind EdgeKind) string {
	return fmt.Sprintf("%s -> %s (%s)", from, to, kind)
}
