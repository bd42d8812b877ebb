package loom

import "testing"

func TestRecordOutputHistoryOnlyForReasoningNodes(t *testing.T) {
	ec := newExecContext(Input{Text: "in"}, nil, nil)

	toolNode := mkNode("tool-1", TypeTool, `{}`)
	ec.recordOutput(&toolNode, "tool output")
	if len(ec.History()) != 0 {
		t.Errorf("tool output entered history: %v", ec.History())
	}

	agentNode := mkNode("agent-1", TypeAgent, `{}`)
	ec.recordOutput(&agentNode, "agent output")
	h := ec.History()
	if len(h) != 1 || h[0].Role != "assistant" || h[0].Content != "agent output" {
		t.Errorf("history = %v, want one assistant message", h)
	}
	if got := ec.Session().Messages(); len(got) != 1 {
		t.Errorf("session log = %v, want one message", got)
	}

	if out, ok := ec.Output("tool-1"); !ok || out != "tool output" {
		t.Errorf("Output(tool-1) = (%q, %t)", out, ok)
	}
	if ec.LastOutput() != "agent output" {
		t.Errorf("LastOutput = %q", ec.LastOutput())
	}
}

func TestInputTextRewrite(t *testing.T) {
	ec := newExecContext(Input{Text: "original"}, nil, nil)
	if ec.InputText() != "original" {
		t.Errorf("InputText = %q", ec.InputText())
	}
	ec.setInputText("iteration output")
	if ec.InputText() != "iteration output" {
		t.Errorf("InputText after rewrite = %q", ec.InputText())
	}
	if ec.Input().Text != "original" {
		t.Errorf("raw input mutated: %q", ec.Input().Text)
	}
}

func TestCancelIdempotent(t *testing.T) {
	ec := newExecContext(Input{}, nil, nil)
	if ec.Cancelled() {
		t.Fatal("fresh context reports cancelled")
	}
	ec.Cancel()
	ec.Cancel()
	if !ec.Cancelled() {
		t.Error("Cancelled() = false after Cancel")
	}
}

func TestSessionReuse(t *testing.T) {
	s := NewSession()
	ec := newExecContext(Input{}, nil, s)
	if ec.Session() != s {
		t.Error("provided session not reused")
	}
	fresh := newExecContext(Input{}, nil, nil)
	if fresh.Session().ID() == "" || fresh.Session().ID() == s.ID() {
		t.Error("fresh session id missing or colliding")
	}
}

func TestBumpCounters(t *testing.T) {
	ec := newExecContext(Input{}, nil, nil)
	if ec.bumpExec("n1") != 1 || ec.bumpExec("n1") != 2 || ec.bumpExec("n2") != 1 {
		t.Error("per-node execution counts broken")
	}
	if ec.bumpSteps() != 1 || ec.bumpSteps() != 2 {
		t.Error("global step count broken")
	}
}
