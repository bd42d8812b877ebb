package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Route is one selectable output of a router node.
type Route struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Router fallback behaviors.
const (
	fallbackFirst = "first"
	fallbackError = "error"
)

type routerData struct {
	Label            string  `json:"label"`
	Routes           []Route `json:"routes"`
	Prompt           string  `json:"prompt,omitempty"`
	Model            string  `json:"model,omitempty"`
	FallbackBehavior string  `json:"fallbackBehavior,omitempty"`
}

// routerExecutor classifies the input with one provider call and routes to
// the matching source handle.
type routerExecutor struct {
	eng *Engine
}

func (e *routerExecutor) Type() string { return TypeRouter }

func (e *routerExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"Router","routes":[],"fallbackBehavior":"first"}`)
}

func (e *routerExecutor) Validate(node *Node, g *graphIndex) []Issue {
	var d routerData
	if err := decodeData(node, &d); err != nil {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID, Message: err.Error()}}
	}
	var issues []Issue
	if len(d.Routes) == 0 {
		issues = append(issues, Issue{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID,
			Message: "router node has no routes"})
	}
	for _, r := range d.Routes {
		if r.ID == "" {
			issues = append(issues, Issue{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID,
				Message: "router route has an empty id"})
		}
	}
	return issues
}

func (e *routerExecutor) DynamicOutputs(node *Node) []Handle {
	var d routerData
	if decodeData(node, &d) != nil {
		return nil
	}
	handles := make([]Handle, 0, len(d.Routes))
	for _, r := range d.Routes {
		handles = append(handles, Handle{ID: r.ID, Label: r.Label})
	}
	return handles
}

func (e *routerExecutor) Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error) {
	var d routerData
	if err := decodeData(node, &d); err != nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "%v", err)
	}
	if len(d.Routes) == 0 {
		return Result{}, nodeErr(node.ID, CodeValidation, "router node has no routes")
	}
	model := e.eng.resolveModel(d.Model)
	if model == "" {
		return Result{}, nodeErr(node.ID, CodeMissingModel, "no model configured")
	}

	system := d.Prompt
	if system == "" {
		system = "You classify inputs into exactly one of the numbered options."
	}
	var b strings.Builder
	b.WriteString("Given the input and these options:\n")
	for i, r := range d.Routes {
		fmt.Fprintf(&b, "%d) %s\n", i+1, r.Label)
	}
	b.WriteString("Reply with a single number.\n\nInput: ")
	b.WriteString(ec.InputText())

	resp, err := e.eng.streamChat(ctx, ec, chatCall{
		nodeID: node.ID,
		req: ChatRequest{
			Model:    model,
			Messages: []ChatMessage{SystemMessage(system), UserMessage(b.String())},
		},
	})
	if err != nil {
		return Result{}, err
	}

	selected, fallback, err := pickRoute(node.ID, d, resp.Content)
	if err != nil {
		return Result{}, err
	}
	ec.sink.routeSelected(node.ID, selected, fallback)
	return Result{Output: resp.Content, RouteHint: selected}, nil
}

// pickRoute maps a classifier reply to a route id. The first integer in the
// reply wins; otherwise a case-insensitive label substring match; otherwise
// the node's fallback behavior decides.
func pickRoute(nodeID string, d routerData, reply string) (handle string, fallback bool, err error) {
	if n, ok := firstInt(reply); ok && n >= 1 && n <= len(d.Routes) {
		return d.Routes[n-1].ID, false, nil
	}
	lower := strings.ToLower(reply)
	for _, r := range d.Routes {
		if r.Label != "" && strings.Contains(lower, strings.ToLower(r.Label)) {
			return r.ID, true, nil
		}
	}
	if d.FallbackBehavior == fallbackError {
		return "", true, nodeErr(nodeID, CodeRouterInvalidRoute, "classifier reply %q matched no route", reply)
	}
	return d.Routes[0].ID, true, nil
}

// firstInt extracts the first decimal integer embedded in s.
func firstInt(s string) (int, bool) {
	start := -1
	for i, r := range s {
		if unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n := 0
	for _, c := range s[start:end] {
		n = n*10 + int(c-'0')
	}
	return n, true
}

var _ NodeExecutor = (*routerExecutor)(nil)
