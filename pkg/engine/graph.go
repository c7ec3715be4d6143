package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// EdgeKind distinguishes how a dependency edge was derived.
type EdgeKind string

const (
	// EdgeExplicit comes from a declared depends_on entry or an output
	// reference in the node's specification.
	EdgeExplicit EdgeKind = "explicit"

	// EdgeImplicitProvider links a node to the node producing its provider
	// handle.
	EdgeImplicitProvider EdgeKind = "implicit-provider"

	// EdgeImplicitNamespace links a namespace-scoped node to the node that
	// declares its namespace.
	EdgeImplicitNamespace EdgeKind = "implicit-namespace"
)

// Edge is a directed "must complete before" relationship: From must reach a
// terminal success status before To may start.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Graph is the dependency DAG over a registry's nodes, with Kahn levels
// precomputed for parallel execution.
type Graph struct {
	// Edges lists all derived dependency edges.
	Edges []Edge `json:"edges"`

	// Levels is the ordered sequence of node-ID sets; every node appears
	// after all of its transitive dependencies.
	Levels [][]string `json:"levels"`

	// dependencies maps a node to its direct dependencies.
	dependencies map[string][]string

	// dependents maps a node to its direct dependents.
	dependents map[string][]string
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// Dependents returns the direct dependents of a node.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Reverse returns the graph with every edge inverted. Destroy passes run on
// the reverse graph so dependents are deleted strictly before their
// dependencies.
func (g *Graph) Reverse() *Graph {
	rev := &Graph{
		Edges:        make([]Edge, 0, len(g.Edges)),
		dependencies: g.dependents,
		dependents:   g.dependencies,
	}
	for _, e := range g.Edges {
		rev.Edges = append(rev.Edges, Edge{From: e.To, To: e.From, Kind: e.Kind})
	}
	rev.Levels = make([][]string, len(g.Levels))
	for i := range g.Levels {
		rev.Levels[len(g.Levels)-1-i] = g.Levels[i]
	}
	return rev
}

// GraphBuilder derives the dependency DAG from a registry of declared nodes.
type GraphBuilder struct {
	registry *Registry
}

// NewGraphBuilder creates a graph builder over the given registry.
func NewGraphBuilder(registry *Registry) *GraphBuilder {
	return &GraphBuilder{registry: registry}
}

// Build derives all edges, rejects cycles, and computes execution levels.
func (b *GraphBuilder) Build() (*Graph, error) {
	nodes := b.registry.List()

	graph := &Graph{
		dependencies: make(map[string][]string, len(nodes)),
		dependents:   make(map[string][]string, len(nodes)),
	}
	seen := make(map[string]map[string]bool, len(nodes))
	for _, node := range nodes {
		graph.dependencies[node.ID] = nil
		graph.dependents[node.ID] = nil
		seen[node.ID] = make(map[string]bool)
	}

	addEdge := func(from, to string, kind EdgeKind) error {
		if from == to {
			return NewError(ErrCycleDetected,
				fmt.Sprintf("node %q depends on itself", to), nil).
				WithCycle([]string{to, to})
		}
		if _, exists := graph.dependencies[from]; !exists {
			return NewError(ErrValidation,
				fmt.Sprintf("node %q depends on undeclared node %q", to, from), nil).
				WithNode(to)
		}
		if seen[to][from] {
			return nil
		}
		seen[to][from] = true
		graph.Edges = append(graph.Edges, Edge{From: from, To: to, Kind: kind})
		graph.dependencies[to] = append(graph.dependencies[to], from)
		graph.dependents[from] = append(graph.dependents[from], to)
		return nil
	}

	for _, node := range nodes {
		// Rule (a): declared dependencies and output references.
		for _, dep := range node.DependsOn {
			if err := addEdge(dep, node.ID, EdgeExplicit); err != nil {
				return nil, err
			}
		}
		for _, ref := range outputReferences(node) {
			if err := addEdge(ref, node.ID, EdgeExplicit); err != nil {
				return nil, err
			}
		}

		// Rule (b): a node targeting a provider context depends on the node
		// that produces that handle.
		if node.Provider != "" {
			if producer, ok := b.registry.HandleProducer(node.Provider); ok {
				if err := addEdge(producer.ID, node.ID, EdgeImplicitProvider); err != nil {
					return nil, err
				}
			}
		}

		// Rule (c): a namespace-scoped node depends on the node declaring
		// its namespace, when one is in the same stack.
		if node.Namespace != "" && node.Kind.NamespaceScoped() {
			if owner, ok := b.registry.NamespaceOwner(node.Namespace); ok {
				if err := addEdge(owner.ID, node.ID, EdgeImplicitNamespace); err != nil {
					return nil, err
				}
			}
		}
	}

	if cycle := findCycle(graph); cycle != nil {
		return nil, NewError(ErrCycleDetected,
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil).
			WithCycle(cycle)
	}

	levels, err := computeLevels(graph, nodes)
	if err != nil {
		return nil, err
	}
	graph.Levels = levels

	return graph, nil
}

// outputReferences extracts node identifiers referenced by the spec fields
// the kind descriptor declares as output references. A reference has the
// form "<node>.<output>"; only the node part creates an edge.
func outputReferences(node *ResourceNode) []string {
	desc, err := DescriptorFor(node.Kind)
	if err != nil || len(desc.OutputRefFields) == 0 {
		return nil
	}

	var spec map[string]interface{}
	if err := json.Unmarshal(node.Spec, &spec); err != nil {
		return nil
	}

	var refs []string
	for _, field := range desc.OutputRefFields {
		val, ok := lookupPath(spec, field)
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
			continue
		}
		ref := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
		if idx := strings.IndexByte(ref, '.'); idx > 0 {
			refs = append(refs, ref[:idx])
		}
	}
	return refs
}

// lookupPath resolves a dotted path inside a decoded spec document.
func lookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// findCycle runs DFS over the dependency edges and returns the participating
// node identifiers of the first cycle found, nil if the graph is acyclic.
func findCycle(graph *Graph) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(graph.dependencies))

	ids := make([]string, 0, len(graph.dependencies))
	for id := range graph.dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)

		deps := append([]string(nil), graph.dependencies[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case grey:
				// Close the cycle from dep's position in the stack.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm with level tracking. Nodes in the same
// level have no dependency on each other and may execute in any order.
func computeLevels(graph *Graph, nodes []*ResourceNode) ([][]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for _, node := range nodes {
		inDegree[node.ID] = len(graph.dependencies[node.ID])
	}

	var current []string
	for _, node := range nodes {
		if inDegree[node.ID] == 0 {
			current = append(current, node.ID)
		}
	}
	sort.Strings(current)

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range graph.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	// Unreachable if findCycle ran first; kept as an invariant check.
	if processed != len(nodes) {
		return nil, NewError(ErrInternal, "level computation left unprocessed nodes", nil)
	}
	return levels, nil
}

// ToDOT renders the graph in Graphviz DOT format for inspection.
func (g *Graph) ToDOT(registry *Registry) string {
	var sb strings.Builder
	sb.WriteString("digraph stack {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			label := id
			if node, ok := registry.Get(id); ok {
				label = fmt.Sprintf("%s\\n%s", id, node.Kind)
			}
			fmt.Fprintf(&sb, "    %q [label=%q];\n", id, label)
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		fmt.Fprintf(&sb, "  %q -> %q [%s];\n", e.From, e.To, edgeStyle(e.Kind))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func edgeStyle(kind EdgeKind) string {
	switch kind {
	case EdgeImplicitProvider:
		return "style=dashed, color=blue"
	case EdgeImplicitNamespace:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
