// Package loom is an agentic-workflow execution engine for Go.
//
// It interprets a user-authored directed graph whose nodes are
// language-model calls, routing decisions, parallel fan-outs, loops, tool
// invocations, memory operations, sub-workflow invocations, and terminal
// outputs. Given a graph and a user input, the engine traverses the graph,
// invokes a chat-completion provider for reasoning nodes, streams produced
// tokens to subscribers, and returns a final aggregated output.
//
// # Quick Start
//
//	provider := openai.New(apiKey, openai.BaseURL(baseURL))
//	engine := loom.New(provider,
//		loom.WithDefaultModel("gpt-4o-mini"),
//		loom.WithLogger(logger),
//	)
//
//	wf, err := loom.LoadWorkflow(data)
//	result := engine.Execute(ctx, wf, loom.Input{Text: "Hello"}, loom.Callbacks{
//		OnToken: func(nodeID, token string) { fmt.Print(token) },
//	})
//
// # Core Interfaces
//
// The root package defines the contracts all components implement:
//
//   - [Provider] — chat backend (completion, tool calling, streaming)
//   - [NodeExecutor] — behavior of one node kind; built-ins cover start,
//     agent, router, parallel, whileLoop, tool, memory, subflow, output
//   - [MemoryAdapter] — persistent memory backend for memory nodes
//   - [SubflowRegistry] — sub-workflow resolution for subflow nodes
//   - [Callbacks] — typed streaming event surface of a run
//
// # Included Implementations
//
// Providers: provider/openai (any OpenAI-compatible chat API).
// Memory: memory/sqlite (local), memory/postgres.
// Tools: tools/webfetch, tools/pdftext.
// Telemetry: observer (OpenTelemetry spans and counters over callbacks).
//
// See cmd/loom for a complete reference CLI.
package loom
