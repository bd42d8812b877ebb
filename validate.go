package loom

import "fmt"

// Report is the outcome of preflight validation. Errors abort the run;
// warnings are surfaced but ignored.
type Report struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
	IsValid  bool    `json:"isValid"`
}

func (r *Report) add(issues ...Issue) {
	for _, is := range issues {
		if is.Severity == severityWarning {
			r.Warnings = append(r.Warnings, is)
		} else {
			r.Errors = append(r.Errors, is)
		}
	}
}

// Validate checks a workflow graph against the structural rules and each
// node's executor-specific rules. It never mutates the workflow.
func (e *Engine) Validate(wf *Workflow) Report {
	var report Report
	g := newGraphIndex(wf)

	starts := 0
	for i := range wf.Nodes {
		if wf.Nodes[i].Type == TypeStart {
			starts++
		}
	}
	switch {
	case starts == 0:
		report.add(Issue{Code: string(CodeNoStartNode), Severity: severityError,
			Message: "workflow has no start node"})
	case starts > 1:
		report.add(Issue{Code: string(CodeMultipleStartNodes), Severity: severityError,
			Message: fmt.Sprintf("workflow has %d start nodes", starts)})
	}

	for i := range wf.Edges {
		ed := &wf.Edges[i]
		if g.node(ed.Source) == nil || g.node(ed.Target) == nil {
			report.add(Issue{Code: string(CodeDanglingEdge), Severity: severityError, EdgeID: ed.ID,
				Message: fmt.Sprintf("edge %s references a missing node", ed.ID)})
		}
	}

	if starts == 1 {
		reachable := reachableFrom(g, g.startNode().ID)
		for i := range wf.Nodes {
			n := &wf.Nodes[i]
			if n.Type != TypeStart && !reachable[n.ID] {
				report.add(Issue{Code: string(CodeDisconnectedNode), Severity: severityError, NodeID: n.ID,
					Message: fmt.Sprintf("node %s is not reachable from start", n.ID)})
			}
		}
	}

	report.add(e.checkHandles(wf, g)...)

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		exec, ok := e.registry.Lookup(n.Type)
		if !ok {
			report.add(Issue{Code: string(CodeValidation), Severity: severityError, NodeID: n.ID,
				Message: fmt.Sprintf("unknown node type %q", n.Type)})
			continue
		}
		report.add(exec.Validate(n, g)...)
	}

	report.IsValid = len(report.Errors) == 0
	return report
}

// checkHandles verifies that every edge's sourceHandle is the error handle,
// the default handle, or one the node's executor exposes, and warns on
// duplicate router handles.
func (e *Engine) checkHandles(wf *Workflow, g *graphIndex) []Issue {
	var issues []Issue
	seen := make(map[string]bool)
	for i := range wf.Edges {
		ed := &wf.Edges[i]
		src := g.node(ed.Source)
		if src == nil {
			continue // reported as DANGLING_EDGE
		}
		if ed.SourceHandle != handleDefault && ed.SourceHandle != HandleError {
			if !e.handleExists(src, ed.SourceHandle) {
				issues = append(issues, Issue{Code: string(CodeUnknownHandle), Severity: severityError,
					NodeID: src.ID, EdgeID: ed.ID,
					Message: fmt.Sprintf("node %s has no output handle %q", src.ID, ed.SourceHandle)})
			}
		}
		if src.Type == TypeRouter {
			key := ed.Source + "\x00" + ed.SourceHandle
			if seen[key] {
				issues = append(issues, Issue{Code: string(CodeDuplicateSourceHandle), Severity: severityWarning,
					NodeID: src.ID, EdgeID: ed.ID,
					Message: fmt.Sprintf("router %s has multiple edges on handle %q", src.ID, ed.SourceHandle)})
			}
			seen[key] = true
		}
	}
	return issues
}

// handleExists reports whether a node's executor exposes the named handle.
func (e *Engine) handleExists(n *Node, handle string) bool {
	exec, ok := e.registry.Lookup(n.Type)
	if !ok {
		return false
	}
	for _, h := range exec.DynamicOutputs(n) {
		if h.ID == handle {
			return true
		}
	}
	return false
}

// reachableFrom walks outgoing edges from a node and returns the visited set.
func reachableFrom(g *graphIndex, from string) map[string]bool {
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, ed := range g.out(id) {
			if !visited[ed.Target] {
				visited[ed.Target] = true
				stack = append(stack, ed.Target)
			}
		}
	}
	return visited
}
