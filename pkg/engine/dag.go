package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds the dependency graph of a transaction's actions.
// It validates dependencies, rejects cycles and assigns topological levels.
// All iteration follows insertion order so the resulting graph is stable.
type DAGBuilder struct {
	// actions maps action IDs to their actions
	actions map[string]*Action

	// order lists action IDs in insertion order
	order []string

	// dependents maps action IDs to the actions waiting on them
	dependents map[string][]string

	// dependencies maps action IDs to the actions they wait on
	dependencies map[string][]string

	// inDegree tracks the number of unresolved dependencies of each action
	inDegree map[string]int

	// levels maps topological level to action IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		actions:      make(map[string]*Action),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}
}

// BuildGraph constructs the action graph.
// Cycles are reported as configuration errors carrying the cycle path.
func (b *DAGBuilder) BuildGraph(actions []*Action) (*ActionGraph, error) {
	if len(actions) == 0 {
		return &ActionGraph{
			Nodes:  make(map[string]*GraphNode),
			Order:  []string{},
			Levels: [][]string{},
			Roots:  []string{},
		}, nil
	}

	if err := b.initialize(actions); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildActionGraph(), nil
}

// initialize indexes actions and builds adjacency lists.
func (b *DAGBuilder) initialize(actions []*Action) error {
	for _, action := range actions {
		if action == nil {
			return NewConfigurationError("nil action", nil).WithCode(ErrCodeValidation)
		}
		if action.ID == "" {
			return NewConfigurationError("action has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.actions[action.ID]; exists {
			return NewConfigurationError(fmt.Sprintf("duplicate action ID: %s", action.ID), nil).
				WithCode(ErrCodeValidation).WithAction(action.ID)
		}

		b.actions[action.ID] = action
		b.order = append(b.order, action.ID)
		b.inDegree[action.ID] = 0
	}

	for _, id := range b.order {
		action := b.actions[id]
		seen := make(map[string]bool, len(action.DependsOn))
		for _, dep := range action.DependsOn {
			if dep == id {
				return NewConfigurationError(fmt.Sprintf("circular dependency detected: %s -> %s", id, id), nil).
					WithCode(ErrCodeCycle).WithAction(id)
			}
			if _, exists := b.actions[dep]; !exists {
				return NewConfigurationError(
					fmt.Sprintf("action %s depends on non-existent action %s", id, dep),
					nil,
				).WithCode(ErrCodeValidation).WithAction(id)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			// Edge from dependency to action: the dependency must succeed first.
			b.dependents[dep] = append(b.dependents[dep], id)
			b.dependencies[id] = append(b.dependencies[id], dep)
			b.inDegree[id]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewConfigurationError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCycle).WithDetail("cycle", cycle)
		}
	}

	return nil
}

// detectCyclesUtil returns the cycle path reachable from nodeID, if any.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.dependents[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns topological levels using Kahn's algorithm.
// Every level is sorted by insertion order.
func (b *DAGBuilder) computeLevels() error {
	position := make(map[string]int, len(b.order))
	inDegree := make(map[string]int, len(b.inDegree))
	for i, id := range b.order {
		position[id] = i
		inDegree[id] = b.inDegree[id]
	}

	current := make([]string, 0)
	for _, id := range b.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		current = next
	}

	if processed != len(b.actions) {
		return NewConfigurationError("failed to order all actions - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildActionGraph creates the final ActionGraph structure.
func (b *DAGBuilder) buildActionGraph() *ActionGraph {
	graph := &ActionGraph{
		Nodes:  make(map[string]*GraphNode, len(b.actions)),
		Order:  append([]string{}, b.order...),
		Levels: b.levels,
		Roots:  make([]string, 0),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Kind:         b.actions[id].Kind,
				Level:        level,
				Dependencies: append([]string{}, b.dependencies[id]...),
				Dependents:   append([]string{}, b.dependents[id]...),
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	return graph
}

// GetLevels returns the computed topological levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Transaction {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			action := b.actions[id]
			label := fmt.Sprintf("%s\\n%s", action.DisplayName(), action.Kind)
			fmt.Fprintf(&sb, "    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, kindColor(action.Kind))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.order {
		action := b.actions[id]
		style := "style=solid, color=black"
		if !action.Reversible() {
			style = "style=bold, color=red"
		}
		for _, dep := range b.dependencies[id] {
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\" [%s];\n", dep, id, style)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// kindColor returns a color for visualizing action kinds.
func kindColor(kind ActionKind) string {
	switch {
	case kind.IsDestructive():
		return "lightcoral"
	case kind == ActionKindPauseCluster || kind == ActionKindPauseEnvironment:
		return "lightgray"
	case kind == ActionKindBuildImage:
		return "lightyellow"
	case strings.HasPrefix(string(kind), "provision_"):
		return "lightgreen"
	default:
		return "lightblue"
	}
}
