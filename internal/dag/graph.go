package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"binforge/internal/core"
)

// GraphHash is the deterministic identity of a BuildGraph.
//
// It is computed solely from step definition content and dependency
// structure; it is stable across different insertion orders of steps and
// edges.
type GraphHash string

// String returns the string representation of the GraphHash.
func (h GraphHash) String() string { return string(h) }

// Edge represents a freshness dependency: To consumes what From produces,
// so To can only run after From finished successfully.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StepNode is an immutable node in the BuildGraph.
type StepNode struct {
	Name           string
	Step           core.Step
	DefinitionHash core.StepHash
	canonicalIndex int
}

// CanonicalIndex returns the node's deterministic position in the graph's
// canonical ordering.
func (n *StepNode) CanonicalIndex() int { return n.canonicalIndex }

type edgeIndex struct {
	from int
	to   int
}

// BuildGraph is an immutable, validated DAG of build steps.
//
// It is safe for concurrent read access.
type BuildGraph struct {
	nodesByName map[string]*StepNode
	nodes       []*StepNode // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index
	depth    []int   // by canonical index (topological depth)

	hash GraphHash
}

// NewBuildGraph builds and validates a BuildGraph.
//
// Validation runs immediately and rejects:
//   - empty graphs, invalid or duplicate step definitions
//   - edges referencing unknown steps
//   - duplicate edges and self-loops
//   - any cycle (direct or indirect)
func NewBuildGraph(steps []core.Step, edges []Edge) (*BuildGraph, error) {
	if len(steps) == 0 {
		return nil, invalidf("no steps")
	}

	nodesByName := make(map[string]*StepNode, len(steps))
	nodes := make([]*StepNode, 0, len(steps))

	for _, s := range steps {
		s := s
		if err := s.Validate(); err != nil {
			return nil, invalidf("%v", err)
		}
		if _, exists := nodesByName[s.Name]; exists {
			return nil, invalidf("duplicate step name: %q", s.Name)
		}

		node := &StepNode{Name: s.Name, Step: s, DefinitionHash: core.ComputeStepHash(&s)}
		nodesByName[s.Name] = node
		nodes = append(nodes, node)
	}

	// Canonicalize nodes: sort by definition hash primarily, then by name as
	// stable tie-breaker.
	sort.Slice(nodes, func(i, j int) bool {
		ai, aj := nodes[i], nodes[j]
		if ai.DefinitionHash != aj.DefinitionHash {
			return ai.DefinitionHash < aj.DefinitionHash
		}
		return ai.Name < aj.Name
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	nameToIndex := make(map[string]int, len(nodes))
	for _, n := range nodes {
		nameToIndex[n.Name] = n.canonicalIndex
	}

	// Canonicalize edges: map to indices, reject invalid, sort, reject duplicates.
	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		fromNode, okFrom := nodesByName[e.From]
		toNode, okTo := nodesByName[e.To]
		if !okFrom {
			return nil, invalidf("edge references unknown step (from): %q", e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown step (to): %q", e.To)
		}
		if fromNode.Name == toNode.Name {
			return nil, invalidf("self-loop: %q -> %q", e.From, e.To)
		}

		pair := edgeIndex{from: nameToIndex[fromNode.Name], to: nameToIndex[toNode.Name]}
		if _, exists := seen[pair]; exists {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}

	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}
	for i := range incoming {
		sort.Ints(incoming[i])
	}

	g := &BuildGraph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *BuildGraph) Hash() GraphHash { return g.hash }

// Node returns a node by name.
func (g *BuildGraph) Node(name string) (*StepNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *BuildGraph) Nodes() []*StepNode {
	out := make([]*StepNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the dependency edges as stable (From, To) name pairs in
// canonical order.
func (g *BuildGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Depth returns the deterministic topological depth of the given step name.
//
// Depth is defined as the length of the longest path from any root to the
// node.
func (g *BuildGraph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

// TopologicalOrder returns a deterministic topological ordering of step
// names. Since the graph is validated on construction, this cannot fail.
func (g *BuildGraph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

// Subgraph returns the graph induced by the named steps and all their
// transitive prerequisites. This is how build targets select the work that
// actually has to happen.
func (g *BuildGraph) Subgraph(targets ...string) (*BuildGraph, error) {
	if len(targets) == 0 {
		return nil, invalidf("no target steps")
	}

	keep := make([]bool, len(g.nodes))
	var visit func(idx int)
	visit = func(idx int) {
		if keep[idx] {
			return
		}
		keep[idx] = true
		for _, p := range g.incoming[idx] {
			visit(p)
		}
	}
	for _, name := range targets {
		n, ok := g.nodesByName[name]
		if !ok {
			return nil, invalidf("unknown target step: %q", name)
		}
		visit(n.canonicalIndex)
	}

	steps := make([]core.Step, 0)
	for _, n := range g.nodes {
		if keep[n.canonicalIndex] {
			steps = append(steps, n.Step)
		}
	}
	edges := make([]Edge, 0)
	for _, e := range g.edges {
		if keep[e.from] && keep[e.to] {
			edges = append(edges, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
		}
	}
	return NewBuildGraph(steps, edges)
}

func (g *BuildGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	order := g.topoOrderIndices()
	for _, u := range order {
		maxParent := 0
		for _, p := range g.incoming[u] {
			cand := depth[p] + 1
			if cand > maxParent {
				maxParent = cand
			}
		}
		depth[u] = maxParent
	}
	return depth
}

func (g *BuildGraph) computeGraphHash() GraphHash {
	h := sha256.New()

	writeField := func(data []byte) {
		length := uint64(len(data))
		lengthBytes := []byte{
			byte(length >> 56),
			byte(length >> 48),
			byte(length >> 40),
			byte(length >> 32),
			byte(length >> 24),
			byte(length >> 16),
			byte(length >> 8),
			byte(length),
		}
		h.Write(lengthBytes)
		h.Write(data)
	}

	// Nodes (canonical order)
	writeField([]byte{byte(len(g.nodes))})
	for _, n := range g.nodes {
		writeField([]byte(n.DefinitionHash))
	}

	// Edges (canonical order)
	writeField([]byte{byte(len(g.edges))})
	for _, e := range g.edges {
		writeField([]byte{byte(e.from >> 24), byte(e.from >> 16), byte(e.from >> 8), byte(e.from)})
		writeField([]byte{byte(e.to >> 24), byte(e.to >> 16), byte(e.to >> 8), byte(e.to)})
	}

	sum := h.Sum(nil)
	return GraphHash(hex.EncodeToString(sum))
}
