package loom

import "sync"

// NodeInfo identifies a node to callback subscribers.
type NodeInfo struct {
	ID    string
	Label string
	Type  string
	// Meta carries executor-supplied result metadata on onNodeFinish
	// (e.g. rendered HTML for markdown output nodes).
	Meta map[string]string
}

// Callbacks is the typed event surface of a run. Every field is optional;
// nil hooks are skipped. Hooks are invoked from the driver goroutine and,
// for branch events, from parallel branch goroutines; the engine serializes
// invocations so each one is atomic from the subscriber's view and the
// sequence for a given node id / branch id pair is strictly ordered.
type Callbacks struct {
	OnNodeStart     func(nodeID string, info NodeInfo)
	OnNodeFinish    func(nodeID, output string, info NodeInfo)
	OnNodeError     func(nodeID string, err error)
	OnToken         func(nodeID, token string)
	OnReasoning     func(nodeID, token string)
	OnRouteSelected func(nodeID, handleID string, fallback bool)
	OnBranchStart   func(nodeID, branchID, label string)
	OnBranchToken   func(nodeID, branchID, token string)
	OnBranchComplete func(nodeID, branchID, label, output string)
	// OnHITLRequest pauses execution until the human decides. Called
	// without holding the event lock, so token delivery on concurrent
	// branches continues while the gate is open. A nil hook means no
	// human is available; executors fall back per their policy.
	OnHITLRequest func(req HITLRequest) HITLResponse
}

// sink serializes callback delivery. A single mutex makes every invocation
// atomic; panics in subscriber code are recovered so a misbehaving
// subscriber cannot abort a run.
type sink struct {
	mu sync.Mutex
	cb Callbacks
}

func newSink(cb Callbacks) *sink { return &sink{cb: cb} }

// emit runs one hook invocation under the lock with panic recovery.
func (s *sink) emit(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { recover() }()
	fn()
}

func (s *sink) nodeStart(nodeID string, info NodeInfo) {
	if s.cb.OnNodeStart == nil {
		return
	}
	s.emit(func() { s.cb.OnNodeStart(nodeID, info) })
}

func (s *sink) nodeFinish(nodeID, output string, info NodeInfo) {
	if s.cb.OnNodeFinish == nil {
		return
	}
	s.emit(func() { s.cb.OnNodeFinish(nodeID, output, info) })
}

func (s *sink) nodeError(nodeID string, err error) {
	if s.cb.OnNodeError == nil {
		return
	}
	s.emit(func() { s.cb.OnNodeError(nodeID, err) })
}

func (s *sink) token(nodeID, token string) {
	if s.cb.OnToken == nil || token == "" {
		return
	}
	s.emit(func() { s.cb.OnToken(nodeID, token) })
}

func (s *sink) reasoning(nodeID, token string) {
	if s.cb.OnReasoning == nil || token == "" {
		return
	}
	s.emit(func() { s.cb.OnReasoning(nodeID, token) })
}

func (s *sink) routeSelected(nodeID, handleID string, fallback bool) {
	if s.cb.OnRouteSelected == nil {
		return
	}
	s.emit(func() { s.cb.OnRouteSelected(nodeID, handleID, fallback) })
}

func (s *sink) branchStart(nodeID, branchID, label string) {
	if s.cb.OnBranchStart == nil {
		return
	}
	s.emit(func() { s.cb.OnBranchStart(nodeID, branchID, label) })
}

func (s *sink) branchToken(nodeID, branchID, token string) {
	if s.cb.OnBranchToken == nil || token == "" {
		return
	}
	s.emit(func() { s.cb.OnBranchToken(nodeID, branchID, token) })
}

func (s *sink) branchComplete(nodeID, branchID, label, output string) {
	if s.cb.OnBranchComplete == nil {
		return
	}
	s.emit(func() { s.cb.OnBranchComplete(nodeID, branchID, label, output) })
}

// hitl delivers a HITL request and blocks for the response. Runs outside
// the event lock; returns ok=false when no handler is installed.
func (s *sink) hitl(req HITLRequest) (HITLResponse, bool) {
	fn := s.cb.OnHITLRequest
	if fn == nil {
		return HITLResponse{}, false
	}
	var resp HITLResponse
	func() {
		defer func() {
			if recover() != nil {
				resp = HITLResponse{Decision: HITLReject}
			}
		}()
		resp = fn(req)
	}()
	return resp, true
}

// AccumulatorCallbacks wraps raw callbacks so that every node event carries
// a resolved (id, label, type) triple looked up in the workflow, for
// consumers that want label/type resolution without tracking the graph
// themselves. Unknown nodes yield (id, id, "unknown"); non-string labels
// are replaced by the node id. The wrapper is pure: it only delegates.
func AccumulatorCallbacks(wf *Workflow, cb Callbacks) Callbacks {
	byID := make(map[string]*Node, len(wf.Nodes))
	for i := range wf.Nodes {
		byID[wf.Nodes[i].ID] = &wf.Nodes[i]
	}
	resolve := func(nodeID string, info NodeInfo) NodeInfo {
		if info.ID != "" && info.Label != "" && info.Type != "" {
			return info
		}
		n, ok := byID[nodeID]
		if !ok {
			return NodeInfo{ID: nodeID, Label: nodeID, Type: "unknown", Meta: info.Meta}
		}
		return NodeInfo{ID: nodeID, Label: nodeLabel(n), Type: n.Type, Meta: info.Meta}
	}

	out := cb
	if cb.OnNodeStart != nil {
		inner := cb.OnNodeStart
		out.OnNodeStart = func(nodeID string, info NodeInfo) {
			inner(nodeID, resolve(nodeID, info))
		}
	}
	if cb.OnNodeFinish != nil {
		inner := cb.OnNodeFinish
		out.OnNodeFinish = func(nodeID, output string, info NodeInfo) {
			inner(nodeID, output, resolve(nodeID, info))
		}
	}
	return out
}
