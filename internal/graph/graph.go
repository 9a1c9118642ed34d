// Package graph turns definition JSON into a directed graph and checks its
// structure before a definition may be published.
package graph

import (
	"encoding/json"
	"fmt"

	"auditflow/internal/domain"
)

// Parse decodes the editor JSON. Node payloads are decoded by type; an
// unknown type or a duplicate node id is an error.
func Parse(data []byte) (domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("parse definition: %w", err)
	}
	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return domain.WorkflowDefinition{}, fmt.Errorf("parse definition: node without id")
		}
		if seen[n.ID] {
			return domain.WorkflowDefinition{}, fmt.Errorf("parse definition: duplicate node id %s", n.ID)
		}
		seen[n.ID] = true
	}
	if def.Nodes == nil {
		def.Nodes = []domain.Node{}
	}
	if def.Edges == nil {
		def.Edges = []domain.Edge{}
	}
	return def, nil
}

// Marshal encodes def in the editor JSON form accepted by Parse.
func Marshal(def domain.WorkflowDefinition) ([]byte, error) {
	return json.Marshal(def)
}

// Graph is an adjacency view over a node and edge list. Edge order is kept.
type Graph struct {
	Nodes    []domain.Node
	byID     map[string]int
	out      map[string][]domain.Edge
	in       map[string][]domain.Edge
	Dangling []domain.Edge
}

// Build indexes nodes and edges. Edges whose source or target is not a
// known node are collected in Dangling and left out of the adjacency.
func Build(nodes []domain.Node, edges []domain.Edge) *Graph {
	g := &Graph{
		Nodes: nodes,
		byID:  make(map[string]int, len(nodes)),
		out:   make(map[string][]domain.Edge),
		in:    make(map[string][]domain.Edge),
	}
	for i, n := range nodes {
		if _, dup := g.byID[n.ID]; !dup {
			g.byID[n.ID] = i
		}
	}
	for _, e := range edges {
		_, okS := g.byID[e.Source]
		_, okT := g.byID[e.Target]
		if !okS || !okT {
			g.Dangling = append(g.Dangling, e)
			continue
		}
		g.out[e.Source] = append(g.out[e.Source], e)
		g.in[e.Target] = append(g.in[e.Target], e)
	}
	return g
}

func (g *Graph) Node(id string) (domain.Node, bool) {
	i, ok := g.byID[id]
	if !ok {
		return domain.Node{}, false
	}
	return g.Nodes[i], true
}

func (g *Graph) Outgoing(id string) []domain.Edge { return g.out[id] }

func (g *Graph) Incoming(id string) []domain.Edge { return g.in[id] }

// OutgoingByHandle returns the first edge leaving id with the given handle.
func (g *Graph) OutgoingByHandle(id, handle string) (domain.Edge, bool) {
	for _, e := range g.out[id] {
		if e.SourceHandle == handle {
			return e, true
		}
	}
	return domain.Edge{}, false
}

// NodesOfType returns nodes of type t in definition order.
func (g *Graph) NodesOfType(t domain.NodeType) []domain.Node {
	var out []domain.Node
	for _, n := range g.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Reachable returns the set of node ids reachable from root, root included.
func (g *Graph) Reachable(root string) map[string]bool {
	seen := map[string]bool{}
	if _, ok := g.byID[root]; !ok {
		return seen
	}
	stack := []string{root}
	seen[root] = true
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.out[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	return seen
}

// BackEdges finds cycles with a depth-first walk that keeps a recursion
// stack; each returned edge closes one cycle. Every node is used as a root
// in definition order so cycles in unreachable parts are found too.
func (g *Graph) BackEdges() []domain.Edge {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.Nodes))
	var back []domain.Edge
	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, e := range g.out[id] {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case grey:
				back = append(back, e)
			}
		}
		color[id] = black
	}
	for _, n := range g.Nodes {
		if color[n.ID] == white {
			visit(n.ID)
		}
	}
	return back
}
