package loom

import (
	"context"
	"strings"
	"testing"
	"time"
)

func parallelWorkflow(data string) *Workflow {
	return mkWorkflow(
		[]Node{
			mkNode("start-1", TypeStart, `{"label":"Start"}`),
			mkNode("parallel-1", TypeParallel, data),
		},
		[]Edge{mkEdge("start-1", "parallel-1")},
	)
}

func TestParallelBranchesComplete(t *testing.T) {
	p := &promptProvider{steps: map[string]scriptStep{
		"alpha prompt": {tokens: []string{"Alpha result"}},
		"beta prompt":  {tokens: []string{"Beta result"}},
	}}
	eng := New(p, WithDefaultModel("m"))
	wf := parallelWorkflow(`{"label":"Parallel","mergeEnabled":false,"branches":[
		{"id":"alpha","label":"Alpha","prompt":"alpha prompt"},
		{"id":"beta","label":"Beta","prompt":"beta prompt"}]}`)

	var log eventLog
	res := eng.Execute(context.Background(), wf, Input{Text: "analyze"}, log.callbacks())
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}

	want := "[Alpha]: Alpha result\n[Beta]: Beta result"
	if res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
	for _, ev := range []string{
		"branchStart:parallel-1:alpha",
		"branchStart:parallel-1:beta",
		"branchComplete:parallel-1:alpha:Alpha result",
		"branchComplete:parallel-1:beta:Beta result",
	} {
		if !log.has(ev) {
			t.Errorf("missing event %q, got %v", ev, log.list())
		}
	}
}

func TestParallelBranchTimeout(t *testing.T) {
	p := &promptProvider{steps: map[string]scriptStep{
		"fast prompt": {tokens: []string{"Fast", " response"}},
		"slow prompt": {tokens: []string{"Slow response"}, delay: 2 * time.Second},
	}}
	eng := New(p, WithDefaultModel("m"))
	wf := parallelWorkflow(`{"label":"Parallel","mergeEnabled":false,"branchTimeout":150,"branches":[
		{"id":"fast","label":"Fast","prompt":"fast prompt"},
		{"id":"slow","label":"Slow","prompt":"slow prompt"}]}`)

	var log eventLog
	start := time.Now()
	res := eng.Execute(context.Background(), wf, Input{Text: "analyze"}, log.callbacks())
	elapsed := time.Since(start)

	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if elapsed >= 2*time.Second {
		t.Errorf("run took %v, timeout did not fire", elapsed)
	}
	if !log.has("branchComplete:parallel-1:fast:Fast response") {
		t.Errorf("missing fast branch completion, got %v", log.list())
	}
	if !log.has("branchComplete:parallel-1:slow:"+branchTimeoutMarker) {
		t.Errorf("missing slow branch timeout, got %v", log.list())
	}
	if !strings.Contains(res.Output, "Fast response") {
		t.Errorf("Output = %q, want it to contain the fast result", res.Output)
	}
	if !strings.Contains(res.Output, branchTimeoutMarker) {
		t.Errorf("Output = %q, want it to contain %q", res.Output, branchTimeoutMarker)
	}
}

func TestParallelMergeCall(t *testing.T) {
	p := &promptProvider{steps: map[string]scriptStep{
		"alpha prompt": {tokens: []string{"Alpha result"}},
		"beta prompt":  {tokens: []string{"Beta result"}},
		"merge prompt": {tokens: []string{"Merged answer"}},
	}}
	eng := New(p, WithDefaultModel("m"))
	wf := parallelWorkflow(`{"label":"Parallel","mergePrompt":"merge prompt","branches":[
		{"id":"alpha","label":"Alpha","prompt":"alpha prompt"},
		{"id":"beta","label":"Beta","prompt":"beta prompt"}]}`)

	res := eng.Execute(context.Background(), wf, Input{Text: "analyze"}, Callbacks{})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != "Merged answer" {
		t.Errorf("Output = %q, want %q", res.Output, "Merged answer")
	}
}

func TestParallelBranchTokensAttributed(t *testing.T) {
	p := &promptProvider{steps: map[string]scriptStep{
		"alpha prompt": {tokens: []string{"a1", "a2"}},
	}}
	eng := New(p, WithDefaultModel("m"))
	wf := parallelWorkflow(`{"label":"Parallel","mergeEnabled":false,"branches":[
		{"id":"alpha","label":"Alpha","prompt":"alpha prompt"}]}`)

	var log eventLog
	res := eng.Execute(context.Background(), wf, Input{Text: "x"}, log.callbacks())
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	events := log.list()
	complete := -1
	var tokens []int
	for i, ev := range events {
		switch {
		case strings.HasPrefix(ev, "branchToken:parallel-1:alpha:"):
			tokens = append(tokens, i)
		case strings.HasPrefix(ev, "branchComplete:parallel-1:alpha:"):
			complete = i
		}
	}
	if len(tokens) != 2 {
		t.Fatalf("branch token events = %d, want 2 (events %v)", len(tokens), events)
	}
	if complete < 0 {
		t.Fatal("missing branch completion event")
	}
	for _, i := range tokens {
		if i > complete {
			t.Errorf("branch token at %d fired after completion at %d", i, complete)
		}
	}
}

func TestParallelNoBranchesRejected(t *testing.T) {
	eng := New(nil, WithDefaultModel("m"))
	wf := parallelWorkflow(`{"label":"Parallel","branches":[]}`)

	res := eng.Execute(context.Background(), wf, Input{Text: "x"}, Callbacks{})
	if res.Success {
		t.Fatal("Execute succeeded with no branches")
	}
	if res.Error.Code != CodeValidation {
		t.Errorf("Error.Code = %s, want %s", res.Error.Code, CodeValidation)
	}
}
