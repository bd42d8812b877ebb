package loom

import (
	"context"
	"errors"
	"log/slog"
)

// Default traversal caps.
const (
	defaultMaxIterations     = 1000
	defaultMaxNodeExecutions = 100
	defaultMaxToolIterations = 10
)

// Engine executes workflow graphs against a chat provider. Construct once
// with New and reuse across runs; per-run state lives in the ExecContext.
type Engine struct {
	provider Provider
	logger   *slog.Logger
	registry *Registry

	defaultModel      string
	maxIterations     int
	maxNodeExecutions int
	maxToolIterations int
	preflight         bool

	memory     MemoryAdapter
	tools      *ToolSet
	subflows   SubflowRegistry
	evaluators map[string]LoopEvaluator
	compaction CompactionConfig
	guard      *InputGuard
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDefaultModel sets the model used by reasoning nodes that name none.
func WithDefaultModel(model string) Option {
	return func(e *Engine) { e.defaultModel = model }
}

// WithMaxIterations sets the global step cap (default 1000).
func WithMaxIterations(n int) Option {
	return func(e *Engine) { e.maxIterations = n }
}

// WithMaxNodeExecutions sets the per-node execution cap (default 100).
func WithMaxNodeExecutions(n int) Option {
	return func(e *Engine) { e.maxNodeExecutions = n }
}

// WithMaxToolIterations sets the default tool-loop cap (default 10).
// A node-level maxToolIterations overrides it.
func WithMaxToolIterations(n int) Option {
	return func(e *Engine) { e.maxToolIterations = n }
}

// WithPreflight enables or disables preflight validation (default enabled).
func WithPreflight(enabled bool) Option {
	return func(e *Engine) { e.preflight = enabled }
}

// WithMemory sets the memory adapter used by memory nodes.
func WithMemory(m MemoryAdapter) Option {
	return func(e *Engine) { e.memory = m }
}

// WithTools sets the host tool set available to agent and tool nodes.
func WithTools(t *ToolSet) Option {
	return func(e *Engine) { e.tools = t }
}

// WithToolFallback installs a handler for tool calls whose id is unknown.
func WithToolFallback(h ToolHandler) Option {
	return func(e *Engine) { e.tools.SetFallback(h) }
}

// WithSubflowRegistry sets the registry subflow nodes resolve against.
func WithSubflowRegistry(r SubflowRegistry) Option {
	return func(e *Engine) { e.subflows = r }
}

// WithCustomEvaluator registers a named loop condition evaluator.
func WithCustomEvaluator(name string, fn LoopEvaluator) Option {
	return func(e *Engine) { e.evaluators[name] = fn }
}

// WithCompaction sets the history compaction config.
func WithCompaction(cfg CompactionConfig) Option {
	return func(e *Engine) { e.compaction = cfg }
}

// WithInputGuard screens run inputs before dispatch; flagged inputs fail
// the run with a VALIDATION error.
func WithInputGuard(g *InputGuard) Option {
	return func(e *Engine) { e.guard = g }
}

// New creates an engine bound to a provider and registers the built-in
// node executors.
func New(provider Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:          provider,
		logger:            nopLogger,
		registry:          NewRegistry(),
		maxIterations:     defaultMaxIterations,
		maxNodeExecutions: defaultMaxNodeExecutions,
		maxToolIterations: defaultMaxToolIterations,
		preflight:         true,
		tools:             NewToolSet(),
		evaluators:        make(map[string]LoopEvaluator),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry.Register(startExecutor{})
	e.registry.Register(&agentExecutor{eng: e})
	e.registry.Register(&routerExecutor{eng: e})
	e.registry.Register(&parallelExecutor{eng: e})
	e.registry.Register(&whileLoopExecutor{eng: e})
	e.registry.Register(toolExecutor{})
	e.registry.Register(&memoryExecutor{eng: e})
	e.registry.Register(&subflowExecutor{eng: e})
	e.registry.Register(outputExecutor{})
	return e
}

// RegisterExecutor adds or replaces an executor for a node type. Extension
// types registered here become valid in workflows this engine runs.
func (e *Engine) RegisterExecutor(exec NodeExecutor) {
	e.registry.Register(exec)
}

// ExecutionResult is the terminal outcome of a run. Execute never returns a
// Go error; failures are reported here.
type ExecutionResult struct {
	Success   bool              `json:"success"`
	Output    string            `json:"output,omitempty"`
	Error     *NodeError        `json:"error,omitempty"`
	Outputs   map[string]string `json:"outputs"`
	NodeChain []string          `json:"nodeChain"`
	SessionID string            `json:"sessionId"`
}

// Execute runs a workflow to completion. Callbacks receive streaming events
// during the run; tokens already emitted are not retracted on failure.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, input Input, cb Callbacks) ExecutionResult {
	return e.execute(ctx, wf, input, cb, nil)
}

// execute is the shared entry for top-level and subflow runs. A non-nil
// session is reused instead of minting a fresh one.
func (e *Engine) execute(ctx context.Context, wf *Workflow, input Input, cb Callbacks, session *Session) ExecutionResult {
	ec := newExecContext(input, e.tools, session)
	ec.sink = newSink(cb)

	fail := func(err *NodeError) ExecutionResult {
		return ExecutionResult{
			Success:   false,
			Error:     err,
			Outputs:   ec.Outputs(),
			NodeChain: ec.Chain(),
			SessionID: ec.Session().ID(),
		}
	}

	if e.guard != nil {
		if err := e.guard.Check(input.Text); err != nil {
			return fail(&NodeError{Code: CodeValidation, Message: err.Error()})
		}
	}

	if e.preflight {
		report := e.Validate(wf)
		if !report.IsValid {
			first := report.Errors[0]
			return fail(&NodeError{
				NodeID:  first.NodeID,
				Code:    ErrorCode(first.Code),
				Message: first.Message,
			})
		}
	}

	g := newGraphIndex(wf)
	start := g.startNode()
	if start == nil {
		return fail(&NodeError{Code: CodeNoStartNode, Message: "workflow has no start node"})
	}
	ec.graph = g

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ec.cancel = cancel

	e.logger.Info("run started", "workflow", wf.Meta.Name, "session_id", ec.Session().ID())

	output, err := e.drive(runCtx, ec, []*Node{start}, "")
	if err != nil {
		var ne *NodeError
		if !errors.As(err, &ne) {
			ne = &NodeError{Code: classifyError(err), Message: err.Error()}
		}
		e.logger.Warn("run failed", "session_id", ec.Session().ID(), "code", ne.Code, "error", ne.Message)
		return fail(ne)
	}

	e.logger.Info("run completed", "session_id", ec.Session().ID(), "steps", ec.steps)
	return ExecutionResult{
		Success:   true,
		Output:    output,
		Outputs:   ec.Outputs(),
		NodeChain: ec.Chain(),
		SessionID: ec.Session().ID(),
	}
}

// drive is the traversal loop, used for the main graph and (recursively)
// for while-loop body subgraphs. seeds are dispatched in order; skipID, when
// non-empty, suppresses edges back to the owning loop node. Returns the
// last recorded output when the frontier drains.
func (e *Engine) drive(ctx context.Context, ec *ExecContext, seeds []*Node, skipID string) (string, error) {
	// DFS stack; seeds and successors are pushed in reverse so they pop
	// in declared order.
	stack := make([]*Node, 0, len(seeds))
	for i := len(seeds) - 1; i >= 0; i-- {
		stack = append(stack, seeds[i])
	}

	for len(stack) > 0 {
		if ec.Cancelled() || ctx.Err() != nil {
			return "", &NodeError{Code: CodeCancelled, Message: "run cancelled"}
		}
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		count := ec.bumpExec(node.ID)
		if count > e.maxNodeExecutions {
			return "", nodeErr(node.ID, CodeNodeCapExceeded,
				"node executed %d times, cap is %d", count, e.maxNodeExecutions)
		}
		if steps := ec.bumpSteps(); steps > e.maxIterations {
			return "", nodeErr(node.ID, CodeGlobalCapExceeded,
				"run exceeded %d steps", e.maxIterations)
		}
		ec.appendChain(node.ID)

		info := NodeInfo{ID: node.ID, Label: nodeLabel(node), Type: node.Type}
		ec.sink.nodeStart(node.ID, info)
		e.logger.Debug("dispatch", "node_id", node.ID, "type", node.Type, "count", count)

		exec, err := e.registry.mustLookup(node)
		var res Result
		if err == nil {
			res, err = executeWithRetry(ctx, ec, node, exec, e.logger)
		}

		if err != nil {
			var ne *NodeError
			if !errors.As(err, &ne) {
				ne = &NodeError{NodeID: node.ID, Code: classifyError(err), Message: err.Error()}
			}
			if ne.Code == CodeCancelled {
				return "", ne
			}
			mode := errorPolicyOf(node).Mode
			ec.sink.nodeError(node.ID, ne)
			switch mode {
			case errModeBranch:
				if ec.graph.hasOut(node.ID, HandleError) {
					stack = pushEdges(stack, ec.graph, ec.graph.outOnHandle(node.ID, HandleError), skipID)
					continue
				}
				return "", ne
			case errModeContinue:
				ec.recordOutput(node, "")
				stack = pushEdges(stack, ec.graph, ec.graph.outOnHandle(node.ID, handleDefault), skipID)
				continue
			default:
				return "", ne
			}
		}

		ec.recordOutput(node, res.Output)
		info.Meta = res.Meta
		ec.sink.nodeFinish(node.ID, res.Output, info)

		var edges []*Edge
		switch {
		case res.RouteHint != "":
			edges = ec.graph.outOnHandle(node.ID, res.RouteHint)
		case node.Type == TypeParallel:
			edges = nonErrorEdges(ec.graph.out(node.ID))
		default:
			edges = ec.graph.outOnHandle(node.ID, handleDefault)
		}
		stack = pushEdges(stack, ec.graph, edges, skipID)
	}

	return ec.LastOutput(), nil
}

// runSubgraph drives the subgraph hanging off one handle of a node,
// suppressing the natural back-edge to the node itself. Used by while loops
// for their body.
func (e *Engine) runSubgraph(ctx context.Context, ec *ExecContext, nodeID, handle string) (string, error) {
	edges := ec.graph.outOnHandle(nodeID, handle)
	seeds := make([]*Node, 0, len(edges))
	for _, ed := range edges {
		if n := ec.graph.node(ed.Target); n != nil {
			seeds = append(seeds, n)
		}
	}
	return e.drive(ctx, ec, seeds, nodeID)
}

// pushEdges pushes edge targets onto the DFS stack in reverse declared
// order, skipping back-edges to skipID.
func pushEdges(stack []*Node, g *graphIndex, edges []*Edge, skipID string) []*Node {
	for i := len(edges) - 1; i >= 0; i-- {
		ed := edges[i]
		if skipID != "" && ed.Target == skipID {
			continue
		}
		if n := g.node(ed.Target); n != nil {
			stack = append(stack, n)
		}
	}
	return stack
}

// nonErrorEdges filters out error-handle edges.
func nonErrorEdges(edges []*Edge) []*Edge {
	out := make([]*Edge, 0, len(edges))
	for _, ed := range edges {
		if ed.SourceHandle != HandleError {
			out = append(out, ed)
		}
	}
	return out
}

// --- Reasoning-call plumbing shared by executors ---

// chatCall bundles one streamed provider call. Nil emitters default to the
// node-scoped onToken / onReasoning events.
type chatCall struct {
	nodeID      string
	req         ChatRequest
	onToken     func(string)
	onReasoning func(string)
}

// streamChat performs a streaming provider call, forwarding deltas to the
// call's emitters in stream order.
func (e *Engine) streamChat(ctx context.Context, ec *ExecContext, call chatCall) (ChatResponse, error) {
	if e.provider == nil {
		return ChatResponse{}, nodeErr(call.nodeID, CodeLLMError, "no provider configured")
	}
	if ec.Cancelled() || ctx.Err() != nil {
		return ChatResponse{}, nodeErr(call.nodeID, CodeCancelled, "run cancelled")
	}
	onToken := call.onToken
	if onToken == nil {
		onToken = func(t string) { ec.sink.token(call.nodeID, t) }
	}
	onReasoning := call.onReasoning
	if onReasoning == nil {
		onReasoning = func(t string) { ec.sink.reasoning(call.nodeID, t) }
	}

	ch := make(chan StreamChunk, 64)
	done := make(chan struct{})
	var (
		resp ChatResponse
		err  error
	)
	go func() {
		defer close(done)
		resp, err = e.provider.ChatStream(ctx, call.req, ch)
	}()

	emit := func(chunk StreamChunk) {
		if chunk.ContentDelta != "" {
			onToken(chunk.ContentDelta)
		}
		if chunk.ReasoningDelta != "" {
			onReasoning(chunk.ReasoningDelta)
		}
	}
	for {
		select {
		case chunk := <-ch:
			emit(chunk)
		case <-done:
			for {
				select {
				case chunk := <-ch:
					emit(chunk)
				default:
					if err != nil {
						return ChatResponse{}, err
					}
					return resp, nil
				}
			}
		}
	}
}

// compactedHistory returns the run history, compacted when it exceeds the
// configured threshold. The compacted form is written back so later calls
// see it, which keeps repeated compaction a no-op.
func (e *Engine) compactedHistory(ctx context.Context, ec *ExecContext, model string) ([]ChatMessage, error) {
	h := ec.History()
	out, err := compactHistory(ctx, e.provider, e.compaction, model, h, e.logger)
	if err != nil {
		return nil, err
	}
	if len(out) != len(h) {
		ec.setHistory(out)
	}
	return out, nil
}

// resolveModel prefers the node's model over the engine default.
func (e *Engine) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return e.defaultModel
}

// resolveToolIterations prefers the node-level cap over the engine default.
func (e *Engine) resolveToolIterations(nodeCap int) int {
	if nodeCap > 0 {
		return nodeCap
	}
	if e.maxToolIterations > 0 {
		return e.maxToolIterations
	}
	return defaultMaxToolIterations
}
