package loom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"github.com/yuin/goldmark"
)

// --- Start ---

// startExecutor passes the run input through unchanged.
type startExecutor struct{}

func (startExecutor) Type() string { return TypeStart }

func (startExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"Start"}`)
}

func (startExecutor) Validate(*Node, *graphIndex) []Issue { return nil }

func (startExecutor) DynamicOutputs(*Node) []Handle { return nil }

func (startExecutor) Execute(_ context.Context, ec *ExecContext, _ *Node) (Result, error) {
	return Result{Output: ec.InputText()}, nil
}

// --- Tool ---

type toolData struct {
	Label  string `json:"label"`
	ToolID string `json:"toolId"`
}

// toolExecutor invokes a host-provided tool handler with the current input.
type toolExecutor struct{}

func (toolExecutor) Type() string { return TypeTool }

func (toolExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"Tool","toolId":""}`)
}

func (toolExecutor) Validate(node *Node, _ *graphIndex) []Issue {
	var d toolData
	if err := decodeData(node, &d); err != nil {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID, Message: err.Error()}}
	}
	if d.ToolID == "" {
		return []Issue{{Code: string(CodeMissingRequiredPort), Severity: severityError, NodeID: node.ID,
			Message: "tool node has no toolId"}}
	}
	return nil
}

func (toolExecutor) DynamicOutputs(*Node) []Handle { return nil }

func (toolExecutor) Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error) {
	var d toolData
	if err := decodeData(node, &d); err != nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "%v", err)
	}
	spec, ok := ec.Tools().Lookup(d.ToolID)
	if !ok {
		return Result{}, nodeErr(node.ID, CodeMissingRequiredPort, "tool %q is not registered", d.ToolID)
	}
	out, err := spec.Handler(ctx, ec.InputText())
	if err != nil {
		return Result{}, retryableErr(node.ID, CodeUnknown, "tool %s: %v", d.ToolID, err)
	}
	return Result{Output: out}, nil
}

// --- Memory ---

type memoryData struct {
	Label     string            `json:"label"`
	Operation string            `json:"operation"` // "query" or "store"
	Limit     int               `json:"limit,omitempty"`
	Filter    map[string]string `json:"filter,omitempty"`
}

// memoryExecutor bridges memory nodes to the configured MemoryAdapter.
type memoryExecutor struct {
	eng *Engine
}

func (e *memoryExecutor) Type() string { return TypeMemory }

func (e *memoryExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"Memory","operation":"query"}`)
}

func (e *memoryExecutor) Validate(node *Node, _ *graphIndex) []Issue {
	var d memoryData
	if err := decodeData(node, &d); err != nil {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID, Message: err.Error()}}
	}
	if d.Operation != "query" && d.Operation != "store" {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID,
			Message: fmt.Sprintf("memory operation must be query or store, got %q", d.Operation)}}
	}
	return nil
}

func (e *memoryExecutor) DynamicOutputs(*Node) []Handle { return nil }

func (e *memoryExecutor) Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error) {
	var d memoryData
	if err := decodeData(node, &d); err != nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "%v", err)
	}
	if e.eng.memory == nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "no memory adapter configured")
	}
	input := ec.InputText()
	switch d.Operation {
	case "store":
		err := e.eng.memory.Store(ctx, MemoryEntry{
			ID:      NewID(),
			Content: input,
			Metadata: map[string]string{
				"timestamp":  fmt.Sprintf("%d", NowUnix()),
				"session_id": ec.Session().ID(),
				"node_id":    node.ID,
			},
			CreatedAt: NowUnix(),
		})
		if err != nil {
			return Result{}, retryableErr(node.ID, CodeUnknown, "memory store: %v", err)
		}
		return Result{Output: input}, nil
	default: // query
		entries, err := e.eng.memory.Query(ctx, MemoryQuery{
			Text:      input,
			SessionID: ec.Session().ID(),
			Limit:     d.Limit,
			Filter:    d.Filter,
		})
		if err != nil {
			return Result{}, retryableErr(node.ID, CodeUnknown, "memory query: %v", err)
		}
		parts := make([]string, len(entries))
		for i, en := range entries {
			parts[i] = en.Content
		}
		return Result{Output: strings.Join(parts, "\n")}, nil
	}
}

// --- Subflow ---

type subflowData struct {
	Label         string            `json:"label"`
	SubflowID     string            `json:"subflowId"`
	InputMappings map[string]string `json:"inputMappings"`
	ShareSession  bool              `json:"shareSession,omitempty"`
}

// subflowExecutor runs a registered sub-workflow with a mapped input.
type subflowExecutor struct {
	eng *Engine
}

func (e *subflowExecutor) Type() string { return TypeSubflow }

func (e *subflowExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"Subflow","subflowId":"","inputMappings":{}}`)
}

func (e *subflowExecutor) Validate(node *Node, _ *graphIndex) []Issue {
	var d subflowData
	if err := decodeData(node, &d); err != nil {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID, Message: err.Error()}}
	}
	var issues []Issue
	if d.SubflowID == "" {
		issues = append(issues, Issue{Code: string(CodeMissingSubflowID), Severity: severityError, NodeID: node.ID,
			Message: "subflow node has no subflowId"})
	} else if e.eng.subflows != nil {
		if _, ok := e.eng.subflows.Subflow(d.SubflowID); !ok {
			issues = append(issues, Issue{Code: string(CodeSubflowNotFound), Severity: severityError, NodeID: node.ID,
				Message: fmt.Sprintf("subflow %q is not registered", d.SubflowID)})
		}
	}
	if len(d.InputMappings) == 0 {
		issues = append(issues, Issue{Code: string(CodeMissingInputMapping), Severity: severityError, NodeID: node.ID,
			Message: "subflow node has no input mappings"})
	}
	return issues
}

func (e *subflowExecutor) DynamicOutputs(*Node) []Handle { return nil }

var outputsRef = regexp.MustCompile(`^\{\{outputs\.([^}]+)\}\}$`)

func (e *subflowExecutor) Execute(ctx context.Context, ec *ExecContext, node *Node) (Result, error) {
	var d subflowData
	if err := decodeData(node, &d); err != nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "%v", err)
	}
	if e.eng.subflows == nil {
		return Result{}, nodeErr(node.ID, CodeSubflowNotFound, "no subflow registry configured")
	}
	wf, ok := e.eng.subflows.Subflow(d.SubflowID)
	if !ok {
		return Result{}, nodeErr(node.ID, CodeSubflowNotFound, "subflow %q is not registered", d.SubflowID)
	}

	input := Input{Text: e.mapInput(ec, d.InputMappings)}
	var session *Session
	if d.ShareSession {
		session = ec.Session()
	}
	res := e.eng.execute(ctx, wf, input, ec.sink.cb, session)
	if !res.Success {
		code := CodeUnknown
		msg := "subflow failed"
		if res.Error != nil {
			code = res.Error.Code
			msg = res.Error.Message
		}
		return Result{}, nodeErr(node.ID, code, "subflow %s: %s", d.SubflowID, msg)
	}
	return Result{Output: res.Output}, nil
}

// mapInput resolves input mappings into the sub-run's input text. A "text"
// key wins; otherwise entries render as "key: value" lines in key order.
// Values are literals, "{{output}}" for the latest output, or
// "{{outputs.<nodeId>}}" for a specific node's output.
func (e *subflowExecutor) mapInput(ec *ExecContext, mappings map[string]string) string {
	resolve := func(v string) string {
		if v == "{{output}}" {
			return ec.LastOutput()
		}
		if m := outputsRef.FindStringSubmatch(v); m != nil {
			out, _ := ec.Output(m[1])
			return out
		}
		return v
	}
	if text, ok := mappings["text"]; ok {
		return resolve(text)
	}
	keys := make([]string, 0, len(mappings))
	for k := range mappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf("%s: %s", k, resolve(mappings[k]))
	}
	return strings.Join(lines, "\n")
}

// --- Output ---

type outputData struct {
	Label           string          `json:"label"`
	Format          string          `json:"format"` // "text", "json", "markdown"
	Template        string          `json:"template,omitempty"`
	IncludeMetadata bool            `json:"includeMetadata,omitempty"`
	Schema          json.RawMessage `json:"schema,omitempty"`
}

// outputExecutor renders the terminal output from a template and applies
// format post-processing.
type outputExecutor struct{}

func (outputExecutor) Type() string { return TypeOutput }

func (outputExecutor) DefaultData() json.RawMessage {
	return json.RawMessage(`{"label":"Output","format":"text"}`)
}

func (outputExecutor) Validate(node *Node, _ *graphIndex) []Issue {
	var d outputData
	if err := decodeData(node, &d); err != nil {
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID, Message: err.Error()}}
	}
	switch d.Format {
	case "", "text", "json", "markdown":
		return nil
	default:
		return []Issue{{Code: string(CodeValidation), Severity: severityError, NodeID: node.ID,
			Message: fmt.Sprintf("output format must be text, json, or markdown, got %q", d.Format)}}
	}
}

func (outputExecutor) DynamicOutputs(*Node) []Handle { return nil }

var templateRef = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

func (outputExecutor) Execute(_ context.Context, ec *ExecContext, node *Node) (Result, error) {
	var d outputData
	if err := decodeData(node, &d); err != nil {
		return Result{}, nodeErr(node.ID, CodeValidation, "%v", err)
	}

	composed := ec.InputText()
	if d.Template != "" {
		composed = templateRef.ReplaceAllStringFunc(d.Template, func(m string) string {
			key := templateRef.FindStringSubmatch(m)[1]
			if key == "output" {
				return ec.LastOutput()
			}
			if out, ok := ec.Output(key); ok {
				return out
			}
			return m // unresolved placeholders stay literal
		})
	}

	switch d.Format {
	case "json":
		if len(d.Schema) > 0 {
			loader := gojsonschema.NewBytesLoader(d.Schema)
			doc := gojsonschema.NewStringLoader(composed)
			result, err := gojsonschema.Validate(loader, doc)
			if err != nil {
				return Result{}, nodeErr(node.ID, CodeOutputSchemaInvalid, "%v", err)
			}
			if !result.Valid() {
				msgs := make([]string, 0, len(result.Errors()))
				for _, desc := range result.Errors() {
					msgs = append(msgs, desc.String())
				}
				return Result{}, nodeErr(node.ID, CodeOutputSchemaInvalid, "%s", strings.Join(msgs, "; "))
			}
		}
		return Result{Output: composed}, nil
	case "markdown":
		res := Result{Output: composed}
		if d.IncludeMetadata {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(composed), &buf); err == nil {
				res.Meta = map[string]string{"html": buf.String()}
			}
		}
		return res, nil
	default:
		return Result{Output: composed}, nil
	}
}

var (
	_ NodeExecutor = startExecutor{}
	_ NodeExecutor = toolExecutor{}
	_ NodeExecutor = (*memoryExecutor)(nil)
	_ NodeExecutor = (*subflowExecutor)(nil)
	_ NodeExecutor = outputExecutor{}
)
