package ecs

import (
	"fmt"
	"maps"
)

// ChannelKind identifies one of the three scheduling slots of a schedule.
type ChannelKind int

const (
	// ChannelExclusiveStart runs first, one system at a time.
	ChannelExclusiveStart ChannelKind = iota

	// ChannelParallel runs level by level on the worker pool.
	ChannelParallel

	// ChannelExclusiveEnd runs last, one system at a time.
	ChannelExclusiveEnd
)

// String returns the string representation of the channel kind.
func (k ChannelKind) String() string {
	switch k {
	case ChannelExclusiveStart:
		return "exclusive-start"
	case ChannelParallel:
		return "parallel"
	case ChannelExclusiveEnd:
		return "exclusive-end"
	default:
		return "unknown"
	}
}

// ParseChannelKind parses the manifest spelling of a channel.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch s {
	case "start", "exclusive-start":
		return ChannelExclusiveStart, nil
	case "", "parallel":
		return ChannelParallel, nil
	case "end", "exclusive-end":
		return ChannelExclusiveEnd, nil
	default:
		return 0, fmt.Errorf("unknown channel %q", s)
	}
}

// SystemChannel is an ordered set of systems and the dependency graph derived
// from their declarations. Labels referenced by ordering constraints are only
// resolved within the same channel.
type SystemChannel struct {
	kind    ChannelKind
	entries []*SystemEntry
	index   map[Label]int
	graph   *dependencyGraph

	// built holds the entry labels as of the last rebuild, by graph node.
	built []Label
}

func newSystemChannel(kind ChannelKind) *SystemChannel {
	return &SystemChannel{
		kind:  kind,
		index: make(map[Label]int),
		graph: newDependencyGraph(),
	}
}

// Kind returns the slot the channel occupies.
func (c *SystemChannel) Kind() ChannelKind {
	return c.kind
}

// Len returns the number of registered systems.
func (c *SystemChannel) Len() int {
	return len(c.entries)
}

// Entries returns the registered entries in registration order.
func (c *SystemChannel) Entries() []*SystemEntry {
	return append([]*SystemEntry(nil), c.entries...)
}

// Has reports whether label is registered in the channel.
func (c *SystemChannel) Has(label Label) bool {
	_, ok := c.index[label]
	return ok
}

// snapshot copies the channel so that later registrations and rebuilds do not
// affect it. System bodies are shared.
func (c *SystemChannel) snapshot() *SystemChannel {
	entries := make([]*SystemEntry, len(c.entries))
	for i, e := range c.entries {
		entries[i] = &SystemEntry{Label: e.Label, System: e.System, Access: e.Access.clone()}
	}
	return &SystemChannel{
		kind:    c.kind,
		entries: entries,
		index:   maps.Clone(c.index),
		graph:   c.graph.clone(),
		built:   append([]Label(nil), c.built...),
	}
}

func (c *SystemChannel) add(entry *SystemEntry) {
	c.index[entry.Label] = len(c.entries)
	c.entries = append(c.entries, entry)
}

func (c *SystemChannel) remove(label Label) bool {
	i, ok := c.index[label]
	if !ok {
		return false
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	delete(c.index, label)
	for j := i; j < len(c.entries); j++ {
		c.index[c.entries[j].Label] = j
	}
	return true
}

// rebuild recomputes descriptors, edges, levels and the exclusive order.
// When strict is set, a conflict that an explicit ordering reverses is an error
// instead of being resolved in favour of the explicit ordering.
func (c *SystemChannel) rebuild(strict bool) error {
	c.graph.reset(len(c.entries))
	c.built = c.built[:0]
	for _, entry := range c.entries {
		c.built = append(c.built, entry.Label)
	}

	for _, entry := range c.entries {
		if err := entry.collect(); err != nil {
			if se, ok := err.(*SchedulerError); ok {
				return se.WithChannel(c.kind.String())
			}
			return err
		}
	}

	explicit := c.addExplicitEdges()
	if cycle := c.graph.findCycle(); cycle != nil {
		return c.cycleError(cycle)
	}

	if err := c.addConflictEdges(explicit > 0, strict); err != nil {
		return err
	}

	// Conflict edges follow registration order and cannot close a cycle on
	// their own; this guards that invariant.
	if cycle := c.graph.findCycle(); cycle != nil {
		return c.cycleError(cycle)
	}

	if err := c.graph.computeLevels(); err != nil {
		if se, ok := err.(*SchedulerError); ok {
			return se.WithChannel(c.kind.String())
		}
		return err
	}
	return nil
}

// addExplicitEdges materializes runs-before and runs-after constraints whose
// target resolves in this channel. It returns the number of edges added.
func (c *SystemChannel) addExplicitEdges() int {
	added := 0
	for i, entry := range c.entries {
		for _, label := range entry.Access.runsBefore.order {
			if j, ok := c.index[label]; ok && c.graph.addEdge(i, j, EdgeExplicit) {
				added++
			}
		}
		for _, label := range entry.Access.runsAfter.order {
			if j, ok := c.index[label]; ok && c.graph.addEdge(j, i, EdgeExplicit) {
				added++
			}
		}
	}
	return added
}

// addConflictEdges orders every conflicting pair by registration index unless
// an explicit path already orders it the other way.
func (c *SystemChannel) addConflictEdges(hasExplicit, strict bool) error {
	for i := 0; i < len(c.entries); i++ {
		a := c.entries[i].Access
		for j := i + 1; j < len(c.entries); j++ {
			if !a.ConflictsWith(c.entries[j].Access) {
				continue
			}
			if hasExplicit && c.graph.reaches(j, i) {
				if strict {
					return NewConfigurationError(
						fmt.Sprintf("explicit ordering runs %s before %s against registration order of conflicting accesses",
							c.entries[j].Label, c.entries[i].Label),
						nil,
					).WithCode(ErrCodeOrderingContradiction).
						WithLabel(c.entries[j].Label).
						WithChannel(c.kind.String()).
						WithDetail("other", string(c.entries[i].Label))
				}
				continue
			}
			c.graph.addEdge(i, j, EdgeConflict)
		}
	}
	return nil
}

func (c *SystemChannel) cycleError(cycle []int) error {
	labels := make([]Label, len(cycle))
	for i, node := range cycle {
		labels[i] = c.entries[node].Label
	}
	return NewConfigurationError(
		fmt.Sprintf("circular dependency detected: %s", formatCycle(labels)),
		nil,
	).WithCode(ErrCodeDependencyCycle).
		WithLabel(labels[0]).
		WithChannel(c.kind.String()).
		WithDetail("cycle", formatCycle(labels))
}

// Levels returns the labels of each level, in level order, as of the last
// successful rebuild.
func (c *SystemChannel) Levels() [][]Label {
	levels := make([][]Label, len(c.graph.levels))
	for i, level := range c.graph.levels {
		levels[i] = make([]Label, len(level))
		for k, node := range level {
			levels[i][k] = c.built[node]
		}
	}
	return levels
}

// Order returns the labels in exclusive execution order as of the last
// successful rebuild.
func (c *SystemChannel) Order() []Label {
	order := make([]Label, len(c.graph.order))
	for i, node := range c.graph.order {
		order[i] = c.built[node]
	}
	return order
}

// Edges returns the edges of the last rebuild.
func (c *SystemChannel) Edges() []Edge {
	return append([]Edge(nil), c.graph.edges...)
}

// DependsOn reports whether a path from `before` to `after` exists in the last
// rebuilt graph.
func (c *SystemChannel) DependsOn(after, before Label) bool {
	i, ok := c.index[before]
	if !ok {
		return false
	}
	j, ok := c.index[after]
	if !ok || i >= len(c.graph.adjacency) || j >= len(c.graph.adjacency) {
		return false
	}
	return c.graph.reaches(i, j)
}
