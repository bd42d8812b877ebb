package loom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// --- Workflow graph model ---

// Built-in node type names.
const (
	TypeStart     = "start"
	TypeAgent     = "agent"
	TypeRouter    = "router"
	TypeParallel  = "parallel"
	TypeWhileLoop = "whileLoop"
	TypeTool      = "tool"
	TypeMemory    = "memory"
	TypeSubflow   = "subflow"
	TypeOutput    = "output"
)

// HandleError is the reserved source handle for error-mode branching.
const HandleError = "error"

// handleDefault marks an edge with no explicit source handle.
const handleDefault = ""

// Meta carries workflow-level metadata.
type Meta struct {
	Version     string `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Node is one vertex of the authored graph. Data is a type-specific
// attribute bag owned by the node's executor; Position is an opaque layout
// hint the engine never reads.
type Node struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position json.RawMessage `json:"position,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Edge is one arc of the authored graph. An empty SourceHandle means the
// single default output port.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Workflow is the authored graph, immutable during a run.
type Workflow struct {
	Meta  Meta   `json:"meta"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// currentVersion is the graph format version the engine executes.
const currentVersion = "2.0.0"

// LoadWorkflow parses a UTF-8 JSON workflow document. Version "1.x" graphs
// are accepted and upgraded in place to the current version; anything else
// that is not the current major version is rejected.
func LoadWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	switch {
	case wf.Meta.Version == "" || strings.HasPrefix(wf.Meta.Version, "1."):
		wf.Meta.Version = currentVersion
	case strings.HasPrefix(wf.Meta.Version, "2."):
		// current
	default:
		return nil, fmt.Errorf("unsupported workflow version %q", wf.Meta.Version)
	}
	return &wf, nil
}

// decodeData unmarshals a node's attribute bag into a typed struct.
func decodeData(n *Node, v any) error {
	if len(n.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Data, v); err != nil {
		return fmt.Errorf("node %s: decode %s data: %w", n.ID, n.Type, err)
	}
	return nil
}

// nodeLabel extracts the label attribute from a node's data bag.
// Falls back to the node id when the label is absent or not a string.
func nodeLabel(n *Node) string {
	var d struct {
		Label any `json:"label"`
	}
	if json.Unmarshal(n.Data, &d) == nil {
		if s, ok := d.Label.(string); ok && s != "" {
			return s
		}
	}
	return n.ID
}

// --- Graph index ---

// graphIndex provides O(1) node and edge lookups over a workflow.
// Built once per run; edge order is preserved from the input.
type graphIndex struct {
	wf          *Workflow
	nodes       map[string]*Node
	outgoing    map[string][]*Edge
	outByHandle map[string]map[string][]*Edge
	incoming    map[string][]*Edge
}

// newGraphIndex builds adjacency and reverse-adjacency maps in O(V+E).
func newGraphIndex(wf *Workflow) *graphIndex {
	idx := &graphIndex{
		wf:          wf,
		nodes:       make(map[string]*Node, len(wf.Nodes)),
		outgoing:    make(map[string][]*Edge, len(wf.Nodes)),
		outByHandle: make(map[string]map[string][]*Edge, len(wf.Nodes)),
		incoming:    make(map[string][]*Edge, len(wf.Nodes)),
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		idx.nodes[n.ID] = n
	}
	for i := range wf.Edges {
		e := &wf.Edges[i]
		idx.outgoing[e.Source] = append(idx.outgoing[e.Source], e)
		idx.incoming[e.Target] = append(idx.incoming[e.Target], e)
		byHandle := idx.outByHandle[e.Source]
		if byHandle == nil {
			byHandle = make(map[string][]*Edge)
			idx.outByHandle[e.Source] = byHandle
		}
		byHandle[e.SourceHandle] = append(byHandle[e.SourceHandle], e)
	}
	return idx
}

// node returns the node with the given id, or nil.
func (g *graphIndex) node(id string) *Node { return g.nodes[id] }

// out returns all outgoing edges of a node in declared order.
func (g *graphIndex) out(nodeID string) []*Edge { return g.outgoing[nodeID] }

// outOnHandle returns the outgoing edges on one handle in declared order.
func (g *graphIndex) outOnHandle(nodeID, handle string) []*Edge {
	return g.outByHandle[nodeID][handle]
}

// hasOut reports whether a node has at least one edge on the given handle.
func (g *graphIndex) hasOut(nodeID, handle string) bool {
	return len(g.outByHandle[nodeID][handle]) > 0
}

// startNode returns the unique start node, or nil when the graph has none
// (preflight rejects such graphs before the index is consulted).
func (g *graphIndex) startNode() *Node {
	for i := range g.wf.Nodes {
		if g.wf.Nodes[i].Type == TypeStart {
			return &g.wf.Nodes[i]
		}
	}
	return nil
}
