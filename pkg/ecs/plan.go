package ecs

import (
	"fmt"
	"strings"
)

// Plan is a snapshot of a rebuilt schedule.
type Plan struct {
	Schedule string        `json:"schedule" yaml:"schedule"`
	Rebuild  uint64        `json:"rebuild" yaml:"rebuild"`
	Channels []ChannelPlan `json:"channels" yaml:"channels"`
}

// ChannelPlan describes one channel of a plan.
type ChannelPlan struct {
	Kind    string       `json:"kind" yaml:"kind"`
	Order   []string     `json:"order" yaml:"order"`
	Levels  [][]string   `json:"levels" yaml:"levels"`
	Systems []SystemPlan `json:"systems" yaml:"systems"`
	Edges   []EdgePlan   `json:"edges" yaml:"edges"`
}

// SystemPlan describes one system of a channel plan.
type SystemPlan struct {
	Label  string `json:"label" yaml:"label"`
	Index  int    `json:"index" yaml:"index"`
	Level  int    `json:"level" yaml:"level"`
	Access Access `json:"access" yaml:"access"`
}

// EdgePlan is an edge between two labels.
type EdgePlan struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	Kind string `json:"kind" yaml:"kind"`
}

func (s *Schedule) planLocked() *Plan {
	plan := &Plan{Schedule: s.name, Rebuild: s.rebuilds}
	for _, c := range s.channels {
		plan.Channels = append(plan.Channels, c.plan())
	}
	return plan
}

func (c *SystemChannel) plan() ChannelPlan {
	cp := ChannelPlan{
		Kind:    c.kind.String(),
		Order:   labelStrings(c.Order()),
		Systems: make([]SystemPlan, 0, len(c.entries)),
		Edges:   make([]EdgePlan, 0, len(c.graph.edges)),
	}

	levelOf := make(map[int]int, len(c.entries))
	for level, nodes := range c.graph.levels {
		cp.Levels = append(cp.Levels, make([]string, 0, len(nodes)))
		for _, node := range nodes {
			levelOf[node] = level
			cp.Levels[level] = append(cp.Levels[level], string(c.entries[node].Label))
		}
	}

	for i, entry := range c.entries {
		cp.Systems = append(cp.Systems, SystemPlan{
			Label:  string(entry.Label),
			Index:  i,
			Level:  levelOf[i],
			Access: entry.Access.Snapshot(),
		})
	}

	for _, e := range c.graph.edges {
		cp.Edges = append(cp.Edges, EdgePlan{
			From: string(c.entries[e.From].Label),
			To:   string(c.entries[e.To].Label),
			Kind: e.Kind.String(),
		})
	}
	return cp
}

func labelStrings(labels []Label) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}

// Channel returns the plan of the channel with the given kind.
func (p *Plan) Channel(kind ChannelKind) *ChannelPlan {
	for i := range p.Channels {
		if p.Channels[i].Kind == kind.String() {
			return &p.Channels[i]
		}
	}
	return nil
}

// String renders the plan as indented text.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "schedule %s (rebuild %d)\n", p.Schedule, p.Rebuild)
	for _, c := range p.Channels {
		if len(c.Systems) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "  %s:\n", c.Kind)
		if c.Kind == ChannelParallel.String() {
			for i, level := range c.Levels {
				fmt.Fprintf(&sb, "    level %d: %s\n", i, strings.Join(level, ", "))
			}
		} else {
			fmt.Fprintf(&sb, "    order: %s\n", strings.Join(c.Order, " -> "))
		}
		for _, e := range c.Edges {
			fmt.Fprintf(&sb, "    edge %s\n", describeEdge(Label(e.From), Label(e.To), parseEdgeKind(e.Kind)))
		}
	}
	return sb.String()
}

func parseEdgeKind(s string) EdgeKind {
	if s == EdgeConflict.String() {
		return EdgeConflict
	}
	return EdgeExplicit
}

// ToDOT renders the plan in Graphviz DOT format, one cluster per parallel
// level and one cluster per exclusive channel.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", p.Schedule))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, c := range p.Channels {
		if len(c.Systems) == 0 {
			continue
		}
		prefix := strings.ReplaceAll(c.Kind, "-", "_")
		for level, labels := range c.Levels {
			sb.WriteString(fmt.Sprintf("  subgraph cluster_%s_level_%d {\n", prefix, level))
			sb.WriteString(fmt.Sprintf("    label=\"%s level %d\";\n", c.Kind, level))
			sb.WriteString("    style=dashed;\n")
			for _, label := range labels {
				sb.WriteString(fmt.Sprintf("    %q [fillcolor=%q, style=\"filled,rounded\"];\n",
					label, channelColor(c.Kind)))
			}
			sb.WriteString("  }\n\n")
		}
		for _, e := range c.Edges {
			sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", e.From, e.To, edgeStyle(e.Kind)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func channelColor(kind string) string {
	switch kind {
	case ChannelExclusiveStart.String():
		return "lightyellow"
	case ChannelParallel.String():
		return "lightblue"
	case ChannelExclusiveEnd.String():
		return "lightgray"
	default:
		return "white"
	}
}

func edgeStyle(kind string) string {
	if kind == EdgeConflict.String() {
		return "style=dashed, color=red"
	}
	return "style=solid, color=black"
}
