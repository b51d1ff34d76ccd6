package dag

import (
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"

	"pipeweaver/internal/analysis"
	"pipeweaver/internal/core"
)

type edgeIndex struct {
	from int
	to   int
}

// TargetGraph is an immutable, validated DAG of targets.
//
// It is safe for concurrent read access.
type TargetGraph struct {
	nodesByName map[string]*TargetNode
	nodes       []*TargetNode // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index
	depth    []int   // by canonical index (topological depth)

	hash GraphHash
}

// NewTargetGraph builds the graph of a plan from the analyzed dependencies of
// each target.
//
// Edges come from two sources:
//   - target reads: a command that references target a depends on a
//   - files: a target whose tracked input is another target's output depends on
//     the producer
//
// A target reading itself is a cycle. Two targets producing the same file is an
// invalid graph.
func NewTargetGraph(targets []core.Target, deps map[string]analysis.Deps) (*TargetGraph, error) {
	producers := make(map[string]string)
	for _, t := range targets {
		d := deps[t.Name]
		outs := append(append([]string(nil), d.Writes.FilesOut...), t.FileOutputs...)
		for _, f := range outs {
			if p, ok := producers[f]; ok && p != t.Name {
				return nil, invalidf("file %q is produced by both %q and %q", f, p, t.Name)
			}
			producers[f] = t.Name
		}
	}

	seen := make(map[Edge]struct{})
	var edges []Edge
	add := func(e Edge) {
		if _, ok := seen[e]; ok {
			return
		}
		seen[e] = struct{}{}
		edges = append(edges, e)
	}

	for _, t := range targets {
		d := deps[t.Name]
		for _, r := range d.Reads.Targets {
			if r == t.Name {
				return nil, &CyclicDependencyError{Cycle: []string{t.Name, t.Name}}
			}
			add(Edge{From: r, To: t.Name})
		}
		ins := append(append([]string(nil), d.Reads.FilesIn...), t.FileInputs...)
		for _, f := range ins {
			if p, ok := producers[f]; ok && p != t.Name {
				add(Edge{From: p, To: t.Name})
			}
		}
	}

	return NewTargetGraphFromEdges(targets, edges)
}

// NewTargetGraphFromEdges builds and validates a TargetGraph from explicit edges.
//
// Validation runs immediately and rejects:
//   - an empty plan
//   - empty or duplicate target names
//   - edges referencing unknown targets
//   - duplicate edges
//   - any cycle (direct or indirect), including self-loops
func NewTargetGraphFromEdges(targets []core.Target, edges []Edge) (*TargetGraph, error) {
	if len(targets) == 0 {
		return nil, invalidf("no targets")
	}

	nodesByName := make(map[string]*TargetNode, len(targets))
	nodes := make([]*TargetNode, 0, len(targets))

	for _, t := range targets {
		if t.Name == "" {
			return nil, invalidf("target name is required")
		}
		if _, exists := nodesByName[t.Name]; exists {
			return nil, invalidf("duplicate target name: %q", t.Name)
		}

		node := &TargetNode{Name: t.Name, Target: t, CommandHash: core.CommandHash(t.Command)}
		nodesByName[t.Name] = node
		nodes = append(nodes, node)
	}

	// Canonicalize nodes by name; plan order must not matter.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	// Canonicalize edges: map to indices, reject invalid, sort, reject duplicates.
	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		fromNode, okFrom := nodesByName[e.From]
		toNode, okTo := nodesByName[e.To]
		if !okFrom {
			return nil, invalidf("edge references unknown target (from): %q", e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown target (to): %q", e.To)
		}
		if fromNode == toNode {
			return nil, &CyclicDependencyError{Cycle: []string{e.From, e.To}}
		}

		pair := edgeIndex{from: fromNode.canonicalIndex, to: toNode.canonicalIndex}
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

	g := &TargetGraph{
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
func (g *TargetGraph) Hash() GraphHash { return g.hash }

// Len returns the number of targets.
func (g *TargetGraph) Len() int { return len(g.nodes) }

// Node returns a node by name.
func (g *TargetGraph) Node(name string) (*TargetNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *TargetGraph) Nodes() []*TargetNode {
	out := make([]*TargetNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the dependency edges as stable (From, To) name pairs in canonical order.
func (g *TargetGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Dependencies returns the direct dependencies of name, sorted.
func (g *TargetGraph) Dependencies(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.names(g.incoming[n.canonicalIndex])
}

// Dependents returns the targets that directly depend on name, sorted.
func (g *TargetGraph) Dependents(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.names(g.outgoing[n.canonicalIndex])
}

// Ancestors returns every target name depends on transitively, sorted.
func (g *TargetGraph) Ancestors(name string) []string {
	return g.reach(name, g.incoming)
}

// Descendants returns every target that transitively depends on name, sorted.
func (g *TargetGraph) Descendants(name string) []string {
	return g.reach(name, g.outgoing)
}

func (g *TargetGraph) reach(name string, adj [][]int) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	visited := make([]bool, len(g.nodes))
	stack := append([]int(nil), adj[n.canonicalIndex]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[u] {
			continue
		}
		visited[u] = true
		stack = append(stack, adj[u]...)
	}
	var out []int
	for i, v := range visited {
		if v {
			out = append(out, i)
		}
	}
	return g.names(out)
}

// names maps ascending canonical indices to names; canonical order is name order.
func (g *TargetGraph) names(idx []int) []string {
	if len(idx) == 0 {
		return nil
	}
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i].Name)
	}
	return out
}

// Depth returns the deterministic topological depth of the given node name.
//
// Depth is defined as the length of the longest path from any root to the node.
func (g *TargetGraph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *TargetGraph) computeDepth() []int {
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

// TopologicalOrder returns a deterministic topological ordering of target names.
//
// Since the graph is validated on construction, this method must not fail.
// Callers must not rely on the order beyond dependencies preceding dependents.
func (g *TargetGraph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

func (g *TargetGraph) computeGraphHash() GraphHash {
	h := blake3.New()

	writeUint := func(n uint64) {
		h.Write([]byte{
			byte(n >> 56),
			byte(n >> 48),
			byte(n >> 40),
			byte(n >> 32),
			byte(n >> 24),
			byte(n >> 16),
			byte(n >> 8),
			byte(n),
		})
	}
	writeField := func(data []byte) {
		writeUint(uint64(len(data)))
		h.Write(data)
	}

	// Nodes (canonical order)
	writeUint(uint64(len(g.nodes)))
	for _, n := range g.nodes {
		writeField([]byte(n.Name))
		writeField([]byte(n.CommandHash))
	}

	// Edges (canonical order)
	writeUint(uint64(len(g.edges)))
	for _, e := range g.edges {
		writeUint(uint64(e.from))
		writeUint(uint64(e.to))
	}

	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}
