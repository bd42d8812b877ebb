package loom

import (
	"context"
	"sync"
	"sync/atomic"
)

// Session is the ordered message log scoped to one run. The id is minted at
// run start; a subflow run configured with shareSession reuses the parent's
// Session.
type Session struct {
	id string

	mu       sync.Mutex
	messages []ChatMessage
}

// NewSession creates an empty session with a fresh id.
func NewSession() *Session {
	return &Session{id: NewID()}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Append adds messages to the session log.
func (s *Session) Append(msgs ...ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// Messages returns a snapshot of the session log.
func (s *Session) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// ExecContext is the mutable per-run state. It is created at Execute entry
// and destroyed when Execute returns. The traversal driver owns it; node
// executors receive a non-owning view and mutate only their own output key,
// the history (append-only except compaction), and the node chain.
type ExecContext struct {
	mu         sync.RWMutex
	input      Input
	inputText  string // current flowing input; while loops rewrite per iteration
	outputs    map[string]string
	lastOutput string
	history    []ChatMessage
	execCount  map[string]int
	steps      int
	nodeChain  []string

	session *Session
	tools   *ToolSet

	// Per-run wiring installed by the driver before dispatch.
	sink  *sink
	graph *graphIndex

	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// newExecContext creates the per-run state for the given input.
func newExecContext(input Input, tools *ToolSet, session *Session) *ExecContext {
	if session == nil {
		session = NewSession()
	}
	if tools == nil {
		tools = NewToolSet()
	}
	return &ExecContext{
		input:     input,
		inputText: input.Text,
		outputs:   make(map[string]string),
		execCount: make(map[string]int),
		session:   session,
		tools:     tools,
	}
}

// Input returns the raw run input.
func (c *ExecContext) Input() Input { return c.input }

// InputText returns the current flowing input text. Outside a while loop
// this is Input().Text; inside a loop body it is the previous iteration's
// terminal output.
func (c *ExecContext) InputText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inputText
}

// setInputText rewrites the flowing input. Only the while-loop executor
// calls this, from the single-threaded driver.
func (c *ExecContext) setInputText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputText = text
}

// Output returns the latest output recorded for a node.
func (c *ExecContext) Output(nodeID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[nodeID]
	return v, ok
}

// Outputs returns a snapshot of the outputs map.
func (c *ExecContext) Outputs() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// LastOutput returns the most recently recorded node output.
func (c *ExecContext) LastOutput() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastOutput
}

// recordOutput writes a node's output. For reasoning kinds (agent, router,
// parallel, whileLoop) the text is also appended to the conversation
// history as an assistant message; other kinds must not touch history.
func (c *ExecContext) recordOutput(node *Node, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[node.ID] = text
	c.lastOutput = text
	if isReasoningType(node.Type) {
		c.history = append(c.history, AssistantMessage(text))
		c.session.Append(AssistantMessage(text))
	}
}

// History returns a snapshot of the conversation history.
func (c *ExecContext) History() []ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

// setHistory replaces the history wholesale. Only compaction rewrites.
func (c *ExecContext) setHistory(msgs []ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = msgs
}

// bumpExec increments a node's execution counter and returns the new count.
func (c *ExecContext) bumpExec(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execCount[nodeID]++
	return c.execCount[nodeID]
}

// bumpSteps increments the global step counter and returns the new count.
func (c *ExecContext) bumpSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps++
	return c.steps
}

// appendChain records a visited node id for diagnostics.
func (c *ExecContext) appendChain(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeChain = append(c.nodeChain, nodeID)
}

// Chain returns a snapshot of the visited node ids in order.
func (c *ExecContext) Chain() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.nodeChain))
	copy(out, c.nodeChain)
	return out
}

// Session returns the run's session.
func (c *ExecContext) Session() *Session { return c.session }

// Tools returns the run's tool set.
func (c *ExecContext) Tools() *ToolSet { return c.tools }

// Cancel sets the cancellation token. Idempotent and one-way: once set, it
// stays set. Every blocking operation observes it at the next suspension
// point.
func (c *ExecContext) Cancel() {
	c.cancelled.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
}

// Cancelled reports whether the run has been cancelled.
func (c *ExecContext) Cancelled() bool { return c.cancelled.Load() }

// isReasoningType reports whether a node kind produces assistant messages
// (a provider call whose output joins the conversation history).
func isReasoningType(t string) bool {
	switch t {
	case TypeAgent, TypeRouter, TypeParallel, TypeWhileLoop:
		return true
	}
	return false
}
