package engine

import (
	"fmt"
	"strings"
)

// Vertex is one node of a dependency graph before it is built.
type Vertex struct {
	// ID is the unique identifier of the vertex.
	ID string

	// Label is the human-readable name used in errors and DOT output.
	Label string

	// Variant selects the vertex color in DOT output.
	Variant string
}

// Edge says that From must compile before To. Via names the control group
// that carries the dependency.
type Edge struct {
	From string
	To   string
	Via  string
}

// GraphVertex is a vertex of a built dependency graph.
type GraphVertex struct {
	ID           string
	Label        string
	Variant      string
	Level        int
	Dependencies []string
	Dependents   []string
}

// DependencyGraph is the result of DAGBuilder.Build.
type DependencyGraph struct {
	// Vertices maps vertex IDs to vertices.
	Vertices map[string]*GraphVertex

	// Edges are the deduplicated dependency edges.
	Edges []Edge

	// Roots are the vertices without dependencies.
	Roots []string

	// Order lists every vertex ID in a valid compile order.
	Order []string

	// Depth is the number of levels.
	Depth int
}

// DAGBuilder builds a directed acyclic graph (DAG) of compile dependencies
// between the nodes of a surface. It rejects cycles and assigns each vertex a
// level; vertices within a level do not depend on each other.
//
// Iteration follows insertion order so the resulting order is deterministic.
type DAGBuilder struct {
	// vertices maps vertex IDs to their definitions
	vertices map[string]Vertex

	// order is the insertion order of vertices
	order []string

	// adjacencyList maps vertex IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps vertex IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each vertex
	inDegree map[string]int

	// edges holds every distinct edge
	edges []Edge
	seen  map[[2]string]bool

	// levels maps level to vertex IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		vertices:             make(map[string]Vertex),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		seen:                 make(map[[2]string]bool),
		levels:               make([][]string, 0),
	}
}

// AddVertex registers a vertex.
func (b *DAGBuilder) AddVertex(v Vertex) error {
	if v.ID == "" {
		return NewStructuralError("vertex has empty ID", nil).
			WithCode(ErrCodeInvalidArgument)
	}
	if _, exists := b.vertices[v.ID]; exists {
		return NewStructuralError(fmt.Sprintf("duplicate vertex ID: %s", v.ID), nil).
			WithCode(ErrCodeInvalidArgument)
	}
	if v.Label == "" {
		v.Label = v.ID
	}
	b.vertices[v.ID] = v
	b.order = append(b.order, v.ID)
	b.adjacencyList[v.ID] = make([]string, 0)
	b.reverseAdjacencyList[v.ID] = make([]string, 0)
	b.inDegree[v.ID] = 0
	return nil
}

// AddEdge records that from must precede to. Repeated edges are ignored. An
// edge from a vertex to itself is kept and reported as a cycle by Build.
func (b *DAGBuilder) AddEdge(e Edge) error {
	for _, id := range []string{e.From, e.To} {
		if _, exists := b.vertices[id]; !exists {
			return NewStructuralError(fmt.Sprintf("edge references non-existent vertex %s", id), nil).
				WithCode(ErrCodeNotFound)
		}
	}
	key := [2]string{e.From, e.To}
	if b.seen[key] {
		return nil
	}
	b.seen[key] = true
	b.edges = append(b.edges, e)

	// The dependency must compile before its dependent.
	b.adjacencyList[e.From] = append(b.adjacencyList[e.From], e.To)
	b.reverseAdjacencyList[e.To] = append(b.reverseAdjacencyList[e.To], e.From)
	b.inDegree[e.To]++
	return nil
}

// Build detects cycles, computes levels and returns the graph.
func (b *DAGBuilder) Build() (*DependencyGraph, error) {
	if len(b.vertices) == 0 {
		return &DependencyGraph{
			Vertices: make(map[string]*GraphVertex),
			Edges:    make([]Edge, 0),
			Roots:    make([]string, 0),
			Order:    make([]string, 0),
		}, nil
	}

	// Detect circular dependencies
	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	// Compute topological levels
	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(), nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, id := range b.order {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, path); cycle != nil {
				return NewStructuralError(
					fmt.Sprintf("dependency cycle detected: %s", b.formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeCycle).WithDetail("cycle", cycle)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	id string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.adjacencyList[id] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			// Found a cycle - construct the cycle path
			for i, p := range path {
				if p == dependent {
					return append(append([]string(nil), path[i:]...), dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels assigns levels using Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, id := range currentLevel {
			for _, dependent := range b.adjacencyList[id] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	// Should never happen if cycle detection worked
	if processedCount != len(b.vertices) {
		return NewStructuralError("failed to order all vertices - possible cycle", nil).
			WithCode(ErrCodeCycle)
	}

	return nil
}

func (b *DAGBuilder) buildGraph() *DependencyGraph {
	graph := &DependencyGraph{
		Vertices: make(map[string]*GraphVertex, len(b.vertices)),
		Edges:    append([]Edge(nil), b.edges...),
		Roots:    make([]string, 0),
		Order:    make([]string, 0, len(b.vertices)),
		Depth:    len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			v := b.vertices[id]
			graph.Vertices[id] = &GraphVertex{
				ID:           id,
				Label:        v.Label,
				Variant:      v.Variant,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			graph.Order = append(graph.Order, id)
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	return graph
}

// Levels returns the computed levels.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph CompileOrder {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	// Group vertices by level for better visualization
	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			v := b.vertices[id]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, v.Label, v.Variant, variantColor(v.Variant)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, e := range b.edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"%s\"];\n", e.From, e.To, e.Via))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path of vertex IDs by label.
func (b *DAGBuilder) formatCycle(cycle []string) string {
	labels := make([]string, len(cycle))
	for i, id := range cycle {
		labels[i] = b.vertices[id].Label
	}
	return strings.Join(labels, " -> ")
}

func variantColor(variant string) string {
	switch variant {
	case "module":
		return "lightblue"
	case "io":
		return "lightgreen"
	case "custom":
		return "lightyellow"
	default:
		return "white"
	}
}
