package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	ErrDanglingRef   = errors.New("graph: reference to unknown node")
	ErrBadSlot       = errors.New("graph: output slot out of range")
	ErrKindMismatch  = errors.New("graph: output slot kind mismatch")
	ErrCycleDetected = errors.New("graph: cycle detected, graph is not acyclic")
)

// NodeID identifies a node within one graph. IDs are assigned by the arena.
type NodeID string

// Ref points at output slot Slot of node Node.
type Ref struct {
	Node NodeID
	Slot int
}

// Node is one arena entry.
type Node struct {
	ID NodeID
	Op Op
}

// Graph is an append-only arena of nodes. A reference may only point at a node
// that was added earlier, so every Graph is acyclic.
type Graph struct {
	nodes []Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{}
}

// Add appends op after validating each of its references.
func (g *Graph) Add(op Op) (NodeID, error) {
	id := NodeID(strconv.Itoa(len(g.nodes) + 1))
	for _, in := range op.Inputs() {
		if in.Ref == nil {
			continue
		}
		if err := g.checkRef(*in.Ref, in.Want); err != nil {
			return "", fmt.Errorf("node %s (%s) input %q: %w", id, op.OpType(), in.Name, err)
		}
	}
	g.nodes = append(g.nodes, Node{ID: id, Op: op})
	return id, nil
}

func (g *Graph) checkRef(r Ref, want Kind) error {
	producer, ok := g.Node(r.Node)
	if !ok {
		return fmt.Errorf("%w %q", ErrDanglingRef, r.Node)
	}
	outs := producer.Op.Outputs()
	if r.Slot < 0 || r.Slot >= len(outs) {
		return fmt.Errorf("%w: %s has %d outputs, slot %d requested", ErrBadSlot, producer.Op.OpType(), len(outs), r.Slot)
	}
	if want != "" && outs[r.Slot] != want {
		return fmt.Errorf("%w: %s slot %d is %s, want %s", ErrKindMismatch, producer.Op.OpType(), r.Slot, outs[r.Slot], want)
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) (Node, bool) {
	i, err := strconv.Atoi(string(id))
	if err != nil || i < 1 || i > len(g.nodes) {
		return Node{}, false
	}
	return g.nodes[i-1], true
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// OpTypes returns the distinct operation types used, sorted.
func (g *Graph) OpTypes() []string {
	seen := make(map[string]bool)
	var types []string
	for _, n := range g.nodes {
		t := n.Op.OpType()
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// Sinks returns the nodes that write artifacts, in insertion order.
func (g *Graph) Sinks() []Node {
	var sinks []Node
	for _, n := range g.nodes {
		if _, ok := n.Op.(Sink); ok {
			sinks = append(sinks, n)
		}
	}
	return sinks
}

// RawNode is a node in the backend's wire format.
type RawNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Raw is a graph in the backend's wire format, keyed by node id.
type Raw map[string]RawNode

// Raw converts the graph to wire format. References become ["<id>", slot].
func (g *Graph) Raw() Raw {
	raw := make(Raw, len(g.nodes))
	for _, n := range g.nodes {
		inputs := make(map[string]any)
		for _, in := range n.Op.Inputs() {
			if in.Ref != nil {
				inputs[in.Name] = []any{string(in.Ref.Node), in.Ref.Slot}
				continue
			}
			inputs[in.Name] = in.Literal
		}
		raw[string(n.ID)] = RawNode{ClassType: n.Op.OpType(), Inputs: inputs}
	}
	return raw
}

// MarshalJSON encodes the graph in wire format.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Raw())
}
