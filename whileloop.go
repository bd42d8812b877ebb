package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
)

// While-loop handles.
const (
	HandleBody = "body"
	HandleDone = "done"
)

// Iteration-cap policies.
const (
	loopCapWarning  = "warning"
	loopCapContinue = "continue"
	loopCapError    = "error"
)

// LoopState is what a loop condition evaluator observes: the number of
// completed iterations and the input as it was at iteration entry.
type LoopState struct {
	Iteration int
	Input     string
}

// LoopEvaluator is a caller-provided loop condition. Returning true
// continues the loop.
type LoopEvaluator func(ctx context.Context, ec *ExecContext, state LoopState) (bool, error)

type whileLoopData struct {
	Label           string `json:"label"`
	ConditionPrompt string `json:"conditionPrompt,omitempty"`
	ConditionExpr   string `json:"conditionExpr,omitempty"`
	ConditionModel  string `json:"conditionModel,omitempty"`
	CustomEvaluator string `json:"customEvaluator,omitempty"`
	MaxIterations   int    `json:"maxIterations,omitempty"`
	OnMaxIterations string `json:"onMaxIterations,omitempty"`
}

// whileLoopExecutor evaluates a continue/done condition once per iteration
// and drives the body subgraph while it holds, bounded by maxIterations.
type whileLoopExecutor struct {
	eng *Engine
}

func (e *whileLoopExecutor) Type() string { return TypeWhileLoop }

func (e *whileLoopExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"While Loop","conditionPrompt":"","maxIterations":10,"onMaxIterations":"warning"}`)
}

func (e *whileLoopExecutor) Validate(node *Node, g *graphIndex) []Issue {
	var d whileLoopData
	if err := decodeData(node, &d); err != nil {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID, Message: err.Error()}}
	}
	var issues []Issue
	if d.ConditionPrompt == "" && d.ConditionExpr == "" && d.CustomEvaluator == "" {
		issues = append(issues, Issue{Code: string(CodeMissingConditionPrompt), Severity: severityError, NodeID: node.ID,
			Message: "while loop has no condition prompt, expression, or custom evaluator"})
	}
	if d.CustomEvaluator != "" {
		if _, ok := e.eng.evaluators[d.CustomEvaluator]; !ok {
			issues = append(issues, Issue{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID,
				Message: fmt.Sprintf("custom evaluator %q is not registered", d.CustomEvaluator)})
		}
	}
	if d.ConditionExpr != "" {
		if _, err := expr.Compile(d.ConditionExpr, expr.AsBool()); err != nil {
			issues = append(issues, Issue{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID,
				Message: fmt.Sprintf("condition expression: %v", err)})
		}
	}
	if d.MaxIterations < 0 {
		issues = append(issues, Issue{Code: string(CodeInvalidMaxIterations), Severity: severityError, NodeID: node.ID,
			Message: "maxIterations must be non-negative"})
	}
	if g != nil && !g.hasOut(node.ID, HandleBody) {
		issues = append(issues, Issue{Code: string(CodeMissingRequiredPort), Severity: severityError, NodeID: node.ID,
			Message: "while loop has no edge on its body handle"})
	}
	return issues
}

func (e *whileLoopExecutor) DynamicOutputs(*Node) []Handle {
	return []Handle{{ID: HandleBody, Label: "Body"}, {ID: HandleDone, Label: "Done"}}
}

func (e *whileLoopExecutor) Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error) {
	var d whileLoopData
	if err := decodeData(node, &d); err != nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "%v", err)
	}
	maxIter := d.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}
	evaluate, err := e.conditionFunc(node, d)
	if err != nil {
		return Result{}, err
	}

	for iteration := 0; ; iteration++ {
		if ec.Cancelled() {
			return Result{}, nodeErr(node.ID, CodeCancelled, "run cancelled")
		}
		// The evaluator sees the input as it was at iteration entry,
		// never state written by the same iteration's body.
		input := ec.InputText()
		cont, err := evaluate(ctx, ec, LoopState{Iteration: iteration, Input: input})
		if err != nil {
			return Result{}, err
		}
		if !cont {
			return Result{Output: input, RouteHint: HandleDone}, nil
		}
		if iteration >= maxIter {
			switch d.OnMaxIterations {
			case loopCapError:
				return Result{}, nodeErr(node.ID, CodeNodeCapExceeded, "loop reached maximum iterations (%d)", maxIter)
			case loopCapContinue:
				return Result{Output: input, RouteHint: HandleDone}, nil
			default:
				e.eng.logger.Warn("loop reached maximum iterations", "node_id", node.ID, "max_iterations", maxIter)
				return Result{Output: input, RouteHint: HandleDone}, nil
			}
		}

		bodyOut, err := e.eng.runSubgraph(ctx, ec, node.ID, HandleBody)
		if err != nil {
			return Result{}, err
		}
		ec.setInputText(bodyOut)
	}
}

// conditionFunc selects the evaluator for a loop node: custom evaluator,
// compiled expression, or provider call, in that order of precedence.
func (e *whileLoopExecutor) conditionFunc(node *Node, d whileLoopData) (LoopEvaluator, error) {
	if d.CustomEvaluator != "" {
		fn, ok := e.eng.evaluators[d.CustomEvaluator]
		if !ok {
			return nil, nodeErr(node.ID, CodeValidation, "custom evaluator %q is not registered", d.CustomEvaluator)
		}
		return fn, nil
	}
	if d.ConditionExpr != "" {
		prog, err := expr.Compile(d.ConditionExpr, expr.AsBool())
		if err != nil {
			return nil, nodeErr(node.ID, CodeValidation, "condition expression: %v", err)
		}
		return func(_ context.Context, ec *ExecContext, state LoopState) (bool, error) {
			out, err := expr.Run(prog, map[string]any{
				"iteration": state.Iteration,
				"input":     state.Input,
				"outputs":   ec.Outputs(),
			})
			if err != nil {
				return false, nodeErr(node.ID, CodeValidation, "condition expression: %v", err)
			}
			return out.(bool), nil
		}, nil
	}
	if d.ConditionPrompt == "" {
		return nil, nodeErr(node.ID, CodeMissingConditionPrompt, "while loop has no condition")
	}
	return e.providerCondition(node, d), nil
}

var doneWord = regexp.MustCompile(`(?i)\bdone\b`)

// providerCondition asks the provider whether to continue. A reply
// containing the word "done" exits the loop.
func (e *whileLoopExecutor) providerCondition(node *Node, d whileLoopData) LoopEvaluator {
	return func(ctx context.Context, ec *ExecContext, state LoopState) (bool, error) {
		model := e.eng.resolveModel(d.ConditionModel)
		if model == "" {
			return false, nodeErr(node.ID, CodeMissingModel, "no model configured for loop condition")
		}
		user := fmt.Sprintf("%s\n\nCurrent input: %s\nIteration: %d\n\nReply \"done\" to stop, anything else to continue.",
			d.ConditionPrompt, state.Input, state.Iteration)
		resp, err := e.eng.provider.Chat(ctx, ChatRequest{
			Model:    model,
			Messages: []ChatMessage{UserMessage(user)},
		})
		if err != nil {
			return false, err
		}
		return !doneWord.MatchString(resp.Content), nil
	}
}

var _ NodeExecutor = (*whileLoopExecutor)(nil)
