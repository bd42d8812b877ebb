package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Tool-iteration cap policies.
const (
	toolCapWarning = "warning"
	toolCapError   = "error"
	toolCapHITL    = "hitl"
)

// agentData is the attribute bag of an agent node.
type agentData struct {
	Label             string   `json:"label"`
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	Tools             []string `json:"tools,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	MaxTokens         int      `json:"maxTokens,omitempty"`
	MaxToolIterations int      `json:"maxToolIterations,omitempty"`
	OnMaxToolIterations string `json:"onMaxToolIterations,omitempty"`
	HITL              *struct {
		Enabled bool   `json:"enabled"`
		Prompt  string `json:"prompt,omitempty"`
	} `json:"hitl,omitempty"`
}

// agentExecutor runs reasoning nodes: compose messages, stream the provider
// response, and drive the tool-calling loop.
type agentExecutor struct {
	eng *Engine
}

func (e *agentExecutor) Type() string { return TypeAgent }

func (e *agentExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"Agent","model":"","prompt":"","maxToolIterations":10,"onMaxToolIterations":"warning"}`)
}

func (e *agentExecutor) Validate(node *Node, g *graphIndex) []Issue {
	var d agentData
	if err := decodeData(node, &d); err != nil {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID, Message: err.Error()}}
	}
	var issues []Issue
	if d.Model == "" && e.eng.defaultModel == "" {
		issues = append(issues, Issue{Code: string(CodeMissingModel), Severity: severityError, NodeID: node.ID,
			Message: "agent node has no model and the engine has no default model"})
	}
	if strings.TrimSpace(d.Prompt) == "" {
		issues = append(issues, Issue{Code: string(CodeEmptyPrompt), Severity: severityWarning, NodeID: node.ID,
			Message: "agent node has an empty prompt"})
	}
	return issues
}

func (e *agentExecutor) DynamicOutputs(*Node) []Handle { return nil }

func (e *agentExecutor) Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error) {
	var d agentData
	if err := decodeData(node, &d); err != nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "%v", err)
	}
	model := e.eng.resolveModel(d.Model)
	if model == "" {
		return Result{}, nodeErr(node.ID, CodeMissingModel, "no model configured")
	}

	input := ec.InputText()
	if d.HITL != nil && d.HITL.Enabled {
		next, proceed, err := e.gate(ec, node, d, input)
		if err != nil {
			return Result{}, err
		}
		if !proceed {
			return Result{}, nil
		}
		input = next
	}

	history, err := e.eng.compactedHistory(ctx, ec, model)
	if err != nil {
		return Result{}, err
	}
	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, SystemMessage(d.Prompt))
	messages = append(messages, history...)
	messages = append(messages, UserMessage(input))

	output, err := e.toolLoop(ctx, ec, node, d, model, messages)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: output}, nil
}

// gate runs the optional pre-execution approval. Returns the (possibly
// modified) input and whether execution should proceed.
func (e *agentExecutor) gate(ec *ExecContext, node *Node, d agentData, input string) (string, bool, error) {
	prompt := d.HITL.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Approve execution of %s?", nodeLabel(node))
	}
	resp, ok := ec.sink.hitl(HITLRequest{NodeID: node.ID, Mode: "approval", Prompt: prompt})
	if !ok {
		return input, true, nil
	}
	switch resp.Decision {
	case HITLApprove:
		return input, true, nil
	case HITLSubmit, HITLModify:
		if resp.Value != "" {
			return resp.Value, true, nil
		}
		return input, true, nil
	case HITLSkip:
		return input, false, nil
	default:
		return "", false, nodeErr(node.ID, CodeValidation, "execution rejected by user")
	}
}

// toolLoop streams provider calls until the provider stops requesting tools
// or the iteration cap fires. The cap counts provider calls.
func (e *agentExecutor) toolLoop(ctx context.Context, ec *ExecContext, node *Node, d agentData, model string, messages []ChatMessage) (string, error) {
	limit := e.eng.resolveToolIterations(d.MaxToolIterations)
	policy := d.OnMaxToolIterations
	if policy == "" {
		policy = toolCapWarning
	}
	defs := ec.Tools().Definitions(d.Tools)

	lastContent := ""
	for calls := 0; ; {
		if calls >= limit {
			out, more, err := e.applyCapPolicy(ec, node, policy, limit, lastContent)
			if !more {
				return out, err
			}
			limit++ // hitl granted one more call
		}
		resp, err := e.eng.streamChat(ctx, ec, chatCall{
			nodeID: node.ID,
			req: ChatRequest{
				Model:       model,
				Messages:    messages,
				Tools:       defs,
				Temperature: d.Temperature,
				MaxTokens:   d.MaxTokens,
			},
		})
		if err != nil {
			return "", err
		}
		calls++
		lastContent = resp.Content
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			if ec.Cancelled() {
				return "", nodeErr(node.ID, CodeCancelled, "run cancelled")
			}
			content, terr := ec.Tools().Invoke(ctx, tc.Name, string(tc.Args))
			if terr != nil {
				content = "Error: " + terr.Error()
			}
			messages = append(messages, ToolResultMessage(tc.ID, tc.Name, content))
		}
	}
}

// applyCapPolicy resolves a tool-iteration overrun per the node's policy.
// more=true means a human approved one extra provider call.
func (e *agentExecutor) applyCapPolicy(ec *ExecContext, node *Node, policy string, limit int, lastContent string) (out string, more bool, err error) {
	switch policy {
	case toolCapError:
		return "", false, nodeErr(node.ID, CodeToolIterationExceeded, "maximum tool iterations (%d) reached", limit)
	case toolCapHITL:
		resp, ok := ec.sink.hitl(HITLRequest{
			NodeID:   node.ID,
			Mode:     "approval",
			Prompt:   fmt.Sprintf("Maximum tool iterations (%d) reached. Continue?", limit),
			Metadata: map[string]string{"iterations": fmt.Sprintf("%d", limit)},
		})
		if !ok {
			return warnToolCap(limit, lastContent), false, nil
		}
		if resp.Approved() {
			return "", true, nil
		}
		if lastContent != "" {
			return "Tool iteration stopped by user\n\n" + lastContent, false, nil
		}
		return "Tool iteration stopped by user", false, nil
	default:
		return warnToolCap(limit, lastContent), false, nil
	}
}

func warnToolCap(limit int, lastContent string) string {
	warning := fmt.Sprintf("Warning: Maximum tool iterations (%d) reached", limit)
	if lastContent != "" {
		return warning + "\n\n" + lastContent
	}
	return warning
}

var _ NodeExecutor = (*agentExecutor)(nil)
