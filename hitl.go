package loom

// HITLDecision is the outcome of a human-in-the-loop gate.
type HITLDecision string

const (
	HITLApprove HITLDecision = "approve"
	HITLReject  HITLDecision = "reject"
	HITLSubmit  HITLDecision = "submit"
	HITLModify  HITLDecision = "modify"
	HITLSkip    HITLDecision = "skip"
)

// HITLRequest describes what the engine needs from the human.
type HITLRequest struct {
	// NodeID is the node whose execution is paused.
	NodeID string
	// Mode is the kind of gate: "approval" for yes/no decisions,
	// "input" for free-form responses.
	Mode string
	// Prompt is the natural-language question shown to the human.
	Prompt string
	// Metadata carries context for the handler (iteration counts,
	// tool names, etc).
	Metadata map[string]string
}

// HITLResponse is the human's reply.
type HITLResponse struct {
	Decision HITLDecision
	// Value carries text for submit/modify decisions.
	Value string
}

// Approved reports whether the decision allows execution to proceed.
func (r HITLResponse) Approved() bool {
	return r.Decision == HITLApprove || r.Decision == HITLSubmit
}
