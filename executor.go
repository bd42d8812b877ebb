package loom

import (
	"context"
	"encoding/json"
)

// Result is what a node executor returns on success.
type Result struct {
	// Output is the node's terminal text, recorded under the node id and
	// flowing to successors as their input.
	Output string
	// RouteHint, when non-empty, names the source handle the driver must
	// follow out of this node. Routers and while loops set it; everyone
	// else leaves it empty and the driver follows all plain edges.
	RouteHint string
	// BranchOutputs holds per-branch outputs for parallel nodes, keyed by
	// branch node id.
	BranchOutputs map[string]string
	// Meta carries executor-specific extras surfaced on onNodeFinish
	// (e.g. rendered HTML from markdown output nodes).
	Meta map[string]string
}

// Issue is one finding from workflow validation.
type Issue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"` // "error" or "warning"
	NodeID   string `json:"nodeId,omitempty"`
	EdgeID   string `json:"edgeId,omitempty"`
	Message  string `json:"message"`
}

const (
	severityError   = "error"
	severityWarning = "warning"
)

// Handle describes one output port a node exposes.
type Handle struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// NodeExecutor implements the behavior of one node kind. Executors are
// stateless: all per-run state lives in the ExecContext.
type NodeExecutor interface {
	// Type returns the node kind this executor handles.
	Type() string
	// DefaultData returns the default configuration for new nodes of this
	// kind, merged under explicit fields when the node's data is decoded.
	DefaultData() json.RawMessage
	// Validate reports structural issues with a node of this kind. The
	// graph index is available for edge checks.
	Validate(node *Node, g *graphIndex) []Issue
	// Execute runs the node. Returning an error routes through the node's
	// error-handling config; a Result feeds the traversal.
	Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error)
	// DynamicOutputs returns the output handles a node of this kind
	// exposes given its configuration, or nil when the kind has a single
	// unnamed output.
	DynamicOutputs(node *Node) []Handle
}

// Registry maps node kinds to executors.
type Registry struct {
	executors map[string]NodeExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]NodeExecutor)}
}

// Register adds an executor, replacing any previous one for the same kind.
func (r *Registry) Register(e NodeExecutor) {
	r.executors[e.Type()] = e
}

// Lookup returns the executor for a node kind.
func (r *Registry) Lookup(kind string) (NodeExecutor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// mustLookup returns the executor for a node, or a VALIDATION error when the
// kind is unknown.
func (r *Registry) mustLookup(node *Node) (NodeExecutor, error) {
	e, ok := r.executors[node.Type]
	if !ok {
		return nil, nodeErr(node.ID, CodeValidation, "no executor registered for node type %q", node.Type)
	}
	return e, nil
}
