package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// branchTimeoutMarker is the output recorded for a branch that exceeded the
// per-branch timeout.
const branchTimeoutMarker = "[branch timed out]"

// Branch is one concurrent sub-task of a parallel node.
type Branch struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

type parallelData struct {
	Label         string   `json:"label"`
	Branches      []Branch `json:"branches"`
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt,omitempty"`
	BranchTimeout int      `json:"branchTimeout,omitempty"` // ms
	MergeEnabled  *bool    `json:"mergeEnabled,omitempty"`
	MergePrompt   string   `json:"mergePrompt,omitempty"`
}

// parallelExecutor fans the input out to N concurrent reasoning calls and
// optionally merges their outputs with one more provider call.
type parallelExecutor struct {
	eng *Engine
}

func (e *parallelExecutor) Type() string { return TypeParallel }

func (e *parallelExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"Parallel","branches":[],"mergeEnabled":true}`)
}

func (e *parallelExecutor) Validate(node *Node, g *graphIndex) []Issue {
	var d parallelData
	if err := decodeData(node, &d); err != nil {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID, Message: err.Error()}}
	}
	var issues []Issue
	if len(d.Branches) == 0 {
		issues = append(issues, Issue{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID,
			Message: "parallel node has no branches"})
	}
	if d.Model == "" && e.eng.defaultModel == "" {
		allOwnModel := len(d.Branches) > 0
		for _, b := range d.Branches {
			if b.Model == "" {
				allOwnModel = false
			}
		}
		if !allOwnModel {
			issues = append(issues, Issue{Code: string(CodeMissingModel), Severity: severityError, NodeID: node.ID,
				Message: "parallel node has no model and the engine has no default model"})
		}
	}
	return issues
}

func (e *parallelExecutor) DynamicOutputs(*Node) []Handle { return nil }

func (e *parallelExecutor) Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error) {
	var d parallelData
	if err := decodeData(node, &d); err != nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "%v", err)
	}
	if len(d.Branches) == 0 {
		return Result{}, nodeErr(node.ID, CodeValidation, "parallel node has no branches")
	}

	input := ec.InputText()
	history := ec.History() // independent snapshot shared read-only by all branches

	outputs := make([]string, len(d.Branches))
	var wg sync.WaitGroup
	for i, br := range d.Branches {
		wg.Add(1)
		go func(i int, br Branch) {
			defer wg.Done()
			outputs[i] = e.runBranch(ctx, ec, node, d, br, input, history)
		}(i, br)
	}
	wg.Wait()

	if ec.Cancelled() {
		return Result{}, nodeErr(node.ID, CodeCancelled, "run cancelled")
	}

	branchOutputs := make(map[string]string, len(d.Branches))
	for i, br := range d.Branches {
		branchOutputs[br.ID] = outputs[i]
	}

	merged, err := e.mergeOutputs(ctx, ec, node, d, input, outputs)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: merged, BranchOutputs: branchOutputs}, nil
}

// runBranch executes one branch to completion or timeout. Failures never
// propagate; they are captured as the branch's output text.
func (e *parallelExecutor) runBranch(ctx context.Context, ec *ExecContext, node *Node, d parallelData, br Branch, input string, history []ChatMessage) string {
	ec.sink.branchStart(node.ID, br.ID, br.Label)

	model := br.Model
	if model == "" {
		model = d.Model
	}
	model = e.eng.resolveModel(model)
	prompt := br.Prompt
	if prompt == "" {
		prompt = d.Prompt
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	if prompt != "" {
		messages = append(messages, SystemMessage(prompt))
	}
	messages = append(messages, history...)
	messages = append(messages, UserMessage(input))

	branchCtx := ctx
	var cancel context.CancelFunc
	if d.BranchTimeout > 0 {
		branchCtx, cancel = context.WithTimeout(ctx, time.Duration(d.BranchTimeout)*time.Millisecond)
	} else {
		branchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type callResult struct {
		resp ChatResponse
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		resp, err := e.eng.streamChat(branchCtx, ec, chatCall{
			nodeID: node.ID,
			req:    ChatRequest{Model: model, Messages: messages},
			onToken: func(t string) {
				if branchCtx.Err() != nil {
					return // timed out; branchComplete already fired
				}
				ec.sink.branchToken(node.ID, br.ID, t)
			},
		})
		done <- callResult{resp, err}
	}()

	var output string
	select {
	case r := <-done:
		switch {
		case r.err == nil:
			output = r.resp.Content
		case branchCtx.Err() == context.DeadlineExceeded:
			output = branchTimeoutMarker
		default:
			output = "Error: " + r.err.Error()
		}
	case <-branchCtx.Done():
		if branchCtx.Err() == context.DeadlineExceeded {
			output = branchTimeoutMarker
		} else {
			output = "Error: " + branchCtx.Err().Error()
		}
	}

	ec.sink.branchComplete(node.ID, br.ID, br.Label, output)
	return output
}

// mergeOutputs combines branch outputs, either with a merge reasoning call
// or by plain concatenation when merging is disabled.
func (e *parallelExecutor) mergeOutputs(ctx context.Context, ec *ExecContext, node *Node, d parallelData, input string, outputs []string) (string, error) {
	lines := make([]string, len(d.Branches))
	for i, br := range d.Branches {
		lines[i] = fmt.Sprintf("[%s]: %s", br.Label, outputs[i])
	}
	joined := strings.Join(lines, "\n")

	if d.MergeEnabled != nil && !*d.MergeEnabled {
		return joined, nil
	}
	model := e.eng.resolveModel(d.Model)
	if model == "" {
		return joined, nil
	}

	system := d.MergePrompt
	if system == "" {
		system = "Combine the following branch results into one coherent answer."
	}
	user := fmt.Sprintf("Input: %s\n\nBranch results:\n%s", input, joined)
	resp, err := e.eng.streamChat(ctx, ec, chatCall{
		nodeID: node.ID,
		req: ChatRequest{
			Model:    model,
			Messages: []ChatMessage{SystemMessage(system), UserMessage(user)},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

var _ NodeExecutor = (*parallelExecutor)(nil)
