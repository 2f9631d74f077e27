package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is one declaration in the execution graph.
type GraphNode struct {
	Spec  *DesiredSpec
	Level int

	// Dependencies are the nodes that must finish before this one.
	Dependencies []int

	// Dependents are the nodes waiting on this one.
	Dependents []int
}

// GraphEdge orders From before To.
type GraphEdge struct {
	From int
	To   int
}

// ExecutionGraph is the dependency order of one run. Nodes are indexed by
// their position in the slice given to BuildGraph.
type ExecutionGraph struct {
	Nodes  []*GraphNode
	Edges  []GraphEdge
	Levels [][]int
}

// Order returns node indices level by level, in input order within a level.
func (g *ExecutionGraph) Order() []int {
	order := make([]int, 0, len(g.Nodes))
	for _, level := range g.Levels {
		order = append(order, level...)
	}
	return order
}

// DAGBuilder derives the execution order of declarations from the kind
// dependencies in the catalog. A prerequisite is created before its
// dependents and deleted after them; declarations with different states are
// not ordered against each other.
type DAGBuilder struct {
	catalog Catalog

	specs []*DesiredSpec

	// adjacency maps a node to its dependents
	adjacency [][]int

	// reverse maps a node to its dependencies
	reverse [][]int

	inDegree []int
	levels   [][]int
}

// NewDAGBuilder creates a DAG builder that reads kind dependencies from cat.
func NewDAGBuilder(cat Catalog) *DAGBuilder {
	return &DAGBuilder{catalog: cat}
}

// BuildGraph orders specs. Node ids are positions in specs.
func (b *DAGBuilder) BuildGraph(specs []*DesiredSpec) (*ExecutionGraph, error) {
	if len(specs) == 0 {
		return &ExecutionGraph{}, nil
	}

	if err := b.initialize(specs); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

func (b *DAGBuilder) initialize(specs []*DesiredSpec) error {
	n := len(specs)
	b.specs = specs
	b.adjacency = make([][]int, n)
	b.reverse = make([][]int, n)
	b.inDegree = make([]int, n)
	b.levels = nil

	for d, dependent := range specs {
		entry, err := b.catalog.Lookup(dependent.Kind)
		if err != nil {
			return NewError(KindCatalog, "cannot order declarations", err).WithCode(ErrCodeValidation)
		}
		for _, kind := range entry.DependsOn {
			// declarations of one kind are never ordered against each other
			if kind == dependent.Kind {
				continue
			}
			for p, prereq := range specs {
				if p == d || prereq.Kind != kind {
					continue
				}
				switch {
				case ordered(prereq.State) && ordered(dependent.State):
					b.addEdge(p, d)
				case prereq.State == StateAbsent && dependent.State == StateAbsent:
					b.addEdge(d, p)
				}
			}
		}
	}

	for i := range b.adjacency {
		sort.Ints(b.adjacency[i])
		sort.Ints(b.reverse[i])
	}
	return nil
}

func ordered(s State) bool {
	return s == StatePresent || s == StateQuery
}

func (b *DAGBuilder) addEdge(from, to int) {
	for _, x := range b.adjacency[from] {
		if x == to {
			return
		}
	}
	b.adjacency[from] = append(b.adjacency[from], to)
	b.reverse[to] = append(b.reverse[to], from)
	b.inDegree[to]++
}

// detectCycles uses depth-first search to find circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make([]bool, len(b.specs))
	onStack := make([]bool, len(b.specs))

	for i := range b.specs {
		if visited[i] {
			continue
		}
		if cycle := b.detectCyclesUtil(i, visited, onStack, nil); cycle != nil {
			return NewError(KindCatalog,
				fmt.Sprintf("circular dependency detected: %s", b.formatCycle(cycle)), nil).
				WithCode(ErrCodeCycle)
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(node int, visited, onStack []bool, path []int) []int {
	visited[node] = true
	onStack[node] = true
	path = append(path, node)

	for _, next := range b.adjacency[node] {
		if !visited[next] {
			if cycle := b.detectCyclesUtil(next, visited, onStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if onStack[next] {
			for i, id := range path {
				if id == next {
					return append(append([]int{}, path[i:]...), next)
				}
			}
		}
	}

	onStack[node] = false
	return nil
}

// computeLevels runs Kahn's algorithm, keeping input order within a level.
func (b *DAGBuilder) computeLevels() error {
	inDegree := append([]int(nil), b.inDegree...)

	var current []int
	for i, d := range inDegree {
		if d == 0 {
			current = append(current, i)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []int
		for _, node := range current {
			for _, dependent := range b.adjacency[node] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Ints(next)
		current = next
	}

	if processed != len(b.specs) {
		return NewError(KindCatalog, "failed to order all declarations, possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	g := &ExecutionGraph{
		Nodes:  make([]*GraphNode, len(b.specs)),
		Levels: b.levels,
	}
	for level, ids := range b.levels {
		for _, id := range ids {
			g.Nodes[id] = &GraphNode{
				Spec:         b.specs[id],
				Level:        level,
				Dependencies: b.reverse[id],
				Dependents:   b.adjacency[id],
			}
		}
	}
	for from, tos := range b.adjacency {
		for _, to := range tos {
			g.Edges = append(g.Edges, GraphEdge{From: from, To: to})
		}
	}
	return g
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]int {
	return b.levels
}

// ToDOT renders the graph in Graphviz DOT format.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ExecutionGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			spec := b.specs[id]
			sb.WriteString(fmt.Sprintf("    \"n%d\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, b.label(id), spec.State, stateColor(spec.State)))
		}
		sb.WriteString("  }\n\n")
	}

	for from, tos := range b.adjacency {
		for _, to := range tos {
			sb.WriteString(fmt.Sprintf("  \"n%d\" -> \"n%d\";\n", from, to))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (b *DAGBuilder) label(id int) string {
	spec := b.specs[id]
	if spec.Label != "" {
		return fmt.Sprintf("%s/%s", spec.Kind, spec.Label)
	}
	if entry, err := b.catalog.Lookup(spec.Kind); err == nil {
		return spec.Identity(entry)
	}
	return fmt.Sprintf("%s/#%d", spec.Kind, id)
}

func (b *DAGBuilder) formatCycle(cycle []int) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = b.label(id)
	}
	return strings.Join(parts, " -> ")
}

func stateColor(s State) string {
	switch s {
	case StatePresent:
		return "lightgreen"
	case StateAbsent:
		return "lightcoral"
	case StateQuery:
		return "lightgray"
	default:
		return "white"
	}
}
