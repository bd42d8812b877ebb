package loom

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
)

func agentWorkflow(data string) *Workflow {
	return mkWorkflow(
		[]Node{
			mkNode("start-1", TypeStart, `{"label":"Start"}`),
			mkNode("agent-1", TypeAgent, data),
		},
		[]Edge{mkEdge("start-1", "agent-1")},
	)
}

func searchToolSet(calls *atomic.Int32) *ToolSet {
	tools := NewToolSet()
	tools.Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        "search",
			Description: "searches the web",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		},
		Handler: func(_ context.Context, args string) (string, error) {
			calls.Add(1)
			return "search result", nil
		},
	})
	return tools
}

func searchCall() []ToolCall {
	return []ToolCall{{ID: "call-1", Name: "search", Args: json.RawMessage(`{"q":"weather"}`)}}
}

func TestAgentToolLoop(t *testing.T) {
	var toolCalls atomic.Int32
	p := &scriptedProvider{steps: []scriptStep{
		{toolCalls: searchCall()},
		{tokens: []string{"The answer is 42."}},
	}}
	eng := New(p, WithDefaultModel("m"), WithTools(searchToolSet(&toolCalls)))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","tools":["search"]}`)

	res := eng.Execute(context.Background(), wf, Input{Text: "question"}, Callbacks{})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != "The answer is 42." {
		t.Errorf("Output = %q, want %q", res.Output, "The answer is 42.")
	}
	if toolCalls.Load() != 1 {
		t.Errorf("tool invoked %d times, want 1", toolCalls.Load())
	}
	if p.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", p.callCount())
	}

	// The second request must carry the tool result back to the provider.
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != "search result" || last.ToolCallID != "call-1" {
		t.Errorf("tool result message = %+v, want role=tool content=%q id=call-1", last, "search result")
	}
}

func TestAgentToolCapWarning(t *testing.T) {
	var toolCalls atomic.Int32
	p := &scriptedProvider{
		steps:     []scriptStep{{toolCalls: searchCall()}},
		stickLast: true,
	}
	eng := New(p, WithDefaultModel("m"), WithTools(searchToolSet(&toolCalls)))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","tools":["search"],"maxToolIterations":2,"onMaxToolIterations":"warning"}`)

	res := eng.Execute(context.Background(), wf, Input{Text: "What is the weather?"}, Callbacks{})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if p.callCount() != 2 {
		t.Errorf("provider called %d times, want exactly 2", p.callCount())
	}
	want := "Warning: Maximum tool iterations (2) reached"
	if !strings.HasPrefix(res.Output, want) {
		t.Errorf("Output = %q, want prefix %q", res.Output, want)
	}
}

func TestAgentToolCapError(t *testing.T) {
	var toolCalls atomic.Int32
	p := &scriptedProvider{
		steps:     []scriptStep{{toolCalls: searchCall()}},
		stickLast: true,
	}
	eng := New(p, WithDefaultModel("m"), WithTools(searchToolSet(&toolCalls)))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","tools":["search"],"maxToolIterations":1,"onMaxToolIterations":"error"}`)

	res := eng.Execute(context.Background(), wf, Input{Text: "q"}, Callbacks{})
	if res.Success {
		t.Fatal("Execute succeeded, want tool cap failure")
	}
	if res.Error.Code != CodeToolIterationExceeded {
		t.Errorf("Error.Code = %s, want %s", res.Error.Code, CodeToolIterationExceeded)
	}
}

func TestAgentToolCapHITLApprove(t *testing.T) {
	var toolCalls atomic.Int32
	p := &scriptedProvider{steps: []scriptStep{
		{toolCalls: searchCall()},
		{tokens: []string{"Final"}},
	}}
	eng := New(p, WithDefaultModel("m"), WithTools(searchToolSet(&toolCalls)))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","tools":["search"],"maxToolIterations":1,"onMaxToolIterations":"hitl"}`)

	cb := Callbacks{
		OnHITLRequest: func(req HITLRequest) HITLResponse {
			return HITLResponse{Decision: HITLApprove}
		},
	}
	res := eng.Execute(context.Background(), wf, Input{Text: "q"}, cb)
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != "Final" {
		t.Errorf("Output = %q, want %q", res.Output, "Final")
	}
	if p.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", p.callCount())
	}
}

func TestAgentToolCapHITLReject(t *testing.T) {
	var toolCalls atomic.Int32
	p := &scriptedProvider{
		steps:     []scriptStep{{toolCalls: searchCall()}},
		stickLast: true,
	}
	eng := New(p, WithDefaultModel("m"), WithTools(searchToolSet(&toolCalls)))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","tools":["search"],"maxToolIterations":1,"onMaxToolIterations":"hitl"}`)

	cb := Callbacks{
		OnHITLRequest: func(req HITLRequest) HITLResponse {
			return HITLResponse{Decision: HITLReject}
		},
	}
	res := eng.Execute(context.Background(), wf, Input{Text: "q"}, cb)
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != "Tool iteration stopped by user" {
		t.Errorf("Output = %q, want %q", res.Output, "Tool iteration stopped by user")
	}
	if p.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", p.callCount())
	}
}

func TestAgentTokenConcatenationMatchesOutput(t *testing.T) {
	tokens := []string{"The ", "quick ", "brown ", "fox"}
	p := &scriptedProvider{steps: []scriptStep{{tokens: tokens}}}
	eng := New(p, WithDefaultModel("m"))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p"}`)

	var streamed strings.Builder
	cb := Callbacks{
		OnToken: func(_, token string) { streamed.WriteString(token) },
	}
	res := eng.Execute(context.Background(), wf, Input{Text: "q"}, cb)
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if streamed.String() != res.Outputs["agent-1"] {
		t.Errorf("streamed %q, recorded output %q", streamed.String(), res.Outputs["agent-1"])
	}
}

func TestAgentReasoningStream(t *testing.T) {
	p := &scriptedProvider{steps: []scriptStep{
		{reasoning: []string{"thinking", " hard"}, tokens: []string{"done thinking"}},
	}}
	eng := New(p, WithDefaultModel("m"))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p"}`)

	var log eventLog
	res := eng.Execute(context.Background(), wf, Input{Text: "q"}, log.callbacks())
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if got := log.filter("reasoning:"); len(got) != 2 {
		t.Errorf("reasoning events = %v, want 2", got)
	}
}

func TestAgentHITLGateModify(t *testing.T) {
	p := &scriptedProvider{steps: []scriptStep{{tokens: []string{"ok"}}}}
	eng := New(p, WithDefaultModel("m"))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","hitl":{"enabled":true,"prompt":"Proceed?"}}`)

	var gotReq HITLRequest
	cb := Callbacks{
		OnHITLRequest: func(req HITLRequest) HITLResponse {
			gotReq = req
			return HITLResponse{Decision: HITLModify, Value: "changed input"}
		},
	}
	res := eng.Execute(context.Background(), wf, Input{Text: "original input"}, cb)
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if gotReq.NodeID != "agent-1" || gotReq.Prompt != "Proceed?" {
		t.Errorf("HITL request = %+v", gotReq)
	}
	req := p.requests[0]
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "changed input" {
		t.Errorf("provider saw input %q, want %q", last.Content, "changed input")
	}
}

func TestAgentHITLGateReject(t *testing.T) {
	p := &scriptedProvider{}
	eng := New(p, WithDefaultModel("m"))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","hitl":{"enabled":true}}`)

	cb := Callbacks{
		OnHITLRequest: func(HITLRequest) HITLResponse {
			return HITLResponse{Decision: HITLReject}
		},
	}
	res := eng.Execute(context.Background(), wf, Input{Text: "q"}, cb)
	if res.Success {
		t.Fatal("Execute succeeded after rejection")
	}
	if res.Error.Code != CodeValidation {
		t.Errorf("Error.Code = %s, want %s", res.Error.Code, CodeValidation)
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times after rejection, want 0", p.callCount())
	}
}

func TestAgentHITLGateSkip(t *testing.T) {
	p := &scriptedProvider{}
	eng := New(p, WithDefaultModel("m"))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","hitl":{"enabled":true}}`)

	cb := Callbacks{
		OnHITLRequest: func(HITLRequest) HITLResponse {
			return HITLResponse{Decision: HITLSkip}
		},
	}
	res := eng.Execute(context.Background(), wf, Input{Text: "q"}, cb)
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Outputs["agent-1"] != "" {
		t.Errorf("Outputs[agent-1] = %q, want empty after skip", res.Outputs["agent-1"])
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times after skip, want 0", p.callCount())
	}
}

func TestAgentHITLGateNoHandlerProceeds(t *testing.T) {
	p := &scriptedProvider{steps: []scriptStep{{tokens: []string{"ok"}}}}
	eng := New(p, WithDefaultModel("m"))
	wf := agentWorkflow(`{"label":"Agent","prompt":"p","hitl":{"enabled":true}}`)

	res := eng.Execute(context.Background(), wf, Input{Text: "q"}, Callbacks{})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != "ok" {
		t.Errorf("Output = %q, want %q", res.Output, "ok")
	}
}
