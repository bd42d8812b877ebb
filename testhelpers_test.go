package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// --- Provider mocks (shared across engine_test.go, agent_test.go, ...) ---

// scriptStep is one canned provider response. Content is streamed one token
// at a time; delay is applied before responding and honors ctx cancellation.
type scriptStep struct {
	tokens    []string
	reasoning []string
	toolCalls []ToolCall
	err       error
	delay     time.Duration
}

func (s scriptStep) content() string {
	out := ""
	for _, t := range s.tokens {
		out += t
	}
	return out
}

// scriptedProvider replays steps in call order. When stickLast is set, the
// final step repeats forever once the script is exhausted.
type scriptedProvider struct {
	mu        sync.Mutex
	steps     []scriptStep
	stickLast bool
	calls     int
	requests  []ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) next(req ChatRequest) (scriptStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := p.calls
	p.calls++
	if i >= len(p.steps) {
		if p.stickLast && len(p.steps) > 0 {
			return p.steps[len(p.steps)-1], nil
		}
		return scriptStep{}, fmt.Errorf("scripted provider: unexpected call %d", i+1)
	}
	return p.steps[i], nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	step, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	return runStep(ctx, step, nil)
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) (ChatResponse, error) {
	step, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	return runStep(ctx, step, ch)
}

// promptProvider selects a step by the request's system message. Used when
// concurrent branches would race on a sequential script.
type promptProvider struct {
	steps map[string]scriptStep
}

func (p *promptProvider) Name() string { return "prompt-keyed" }

func (p *promptProvider) pick(req ChatRequest) scriptStep {
	for _, m := range req.Messages {
		if m.Role == "system" {
			if step, ok := p.steps[m.Content]; ok {
				return step
			}
		}
	}
	return scriptStep{}
}

func (p *promptProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return runStep(ctx, p.pick(req), nil)
}

func (p *promptProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) (ChatResponse, error) {
	return runStep(ctx, p.pick(req), ch)
}

// runStep executes one canned response, streaming into ch when non-nil.
func runStep(ctx context.Context, step scriptStep, ch chan<- StreamChunk) (ChatResponse, error) {
	if step.delay > 0 {
		select {
		case <-time.After(step.delay):
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	if step.err != nil {
		return ChatResponse{}, step.err
	}
	if ch != nil {
		for _, t := range step.reasoning {
			select {
			case ch <- StreamChunk{ReasoningDelta: t}:
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			}
		}
		for _, t := range step.tokens {
			select {
			case ch <- StreamChunk{ContentDelta: t}:
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			}
		}
	}
	reasoning := ""
	for _, t := range step.reasoning {
		reasoning += t
	}
	return ChatResponse{Content: step.content(), Reasoning: reasoning, ToolCalls: step.toolCalls}, nil
}

var (
	_ Provider = (*scriptedProvider)(nil)
	_ Provider = (*promptProvider)(nil)
)

// --- Graph builders ---

func mkNode(id, typ, data string) Node {
	return Node{ID: id, Type: typ, Data: json.RawMessage(data)}
}

func mkEdge(src, dst string) Edge {
	return Edge{ID: src + "->" + dst, Source: src, Target: dst}
}

func mkEdgeOn(src, dst, handle string) Edge {
	return Edge{ID: src + "-" + handle + "->" + dst, Source: src, Target: dst, SourceHandle: handle}
}

func mkWorkflow(nodes []Node, edges []Edge) *Workflow {
	return &Workflow{
		Meta:  Meta{Version: currentVersion, Name: "test"},
		Nodes: nodes,
		Edges: edges,
	}
}

// --- Event recorder ---

// eventLog records callback invocations as strings for order assertions.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// filter returns recorded events with the given prefix.
func (l *eventLog) filter(prefix string) []string {
	var out []string
	for _, e := range l.list() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) has(s string) bool {
	for _, e := range l.list() {
		if e == s {
			return true
		}
	}
	return false
}

func (l *eventLog) callbacks() Callbacks {
	return Callbacks{
		OnNodeStart: func(nodeID string, _ NodeInfo) {
			l.add("start:" + nodeID)
		},
		OnNodeFinish: func(nodeID, output string, _ NodeInfo) {
			l.add("finish:" + nodeID + ":" + output)
		},
		OnNodeError: func(nodeID string, err error) {
			l.add("error:" + nodeID)
		},
		OnToken: func(nodeID, token string) {
			l.add("token:" + nodeID + ":" + token)
		},
		OnReasoning: func(nodeID, token string) {
			l.add("reasoning:" + nodeID + ":" + token)
		},
		OnRouteSelected: func(nodeID, handleID string, fallback bool) {
			l.add(fmt.Sprintf("route:%s:%s:%t", nodeID, handleID, fallback))
		},
		OnBranchStart: func(nodeID, branchID, label string) {
			l.add("branchStart:" + nodeID + ":" + branchID)
		},
		OnBranchToken: func(nodeID, branchID, token string) {
			l.add("branchToken:" + nodeID + ":" + branchID + ":" + token)
		},
		OnBranchComplete: func(nodeID, branchID, label, output string) {
			l.add("branchComplete:" + nodeID + ":" + branchID + ":" + output)
		},
	}
}

// --- Executor stub ---

// stubExecutor is a minimal NodeExecutor for registry and validation tests.
type stubExecutor struct {
	kind    string
	handles []Handle
	run     func(ctx context.Context, ec *ExecContext, node *Node) (Result, error)
}

func (s stubExecutor) Type() string                        { return s.kind }
func (s stubExecutor) DefaultData() json.RawMessage        { return json.RawMessage(`{}`) }
func (s stubExecutor) Validate(*Node, *graphIndex) []Issue { return nil }
func (s stubExecutor) DynamicOutputs(*Node) []Handle       { return s.handles }

func (s stubExecutor) Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error) {
	if s.run != nil {
		return s.run(ctx, ec, node)
	}
	return Result{}, nil
}

var _ NodeExecutor = stubExecutor{}

// --- Memory mock ---

type fakeMemory struct {
	mu      sync.Mutex
	entries []MemoryEntry
	queries []MemoryQuery
}

func (m *fakeMemory) Query(_ context.Context, q MemoryQuery) ([]MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	out := make([]MemoryEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *fakeMemory) Store(_ context.Context, e MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

var _ MemoryAdapter = (*fakeMemory)(nil)
