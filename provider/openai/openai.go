// Package openai implements loom.Provider over any OpenAI-compatible chat
// completion API, including streaming and tool calls.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomworks/loom"
)

// Client is an OpenAI-compatible chat provider.
type Client struct {
	api  *openai.Client
	name string
}

// Option configures a Client.
type Option func(*settings)

type settings struct {
	baseURL    string
	httpClient *http.Client
	name       string
}

// BaseURL points the client at an OpenAI-compatible endpoint
// (e.g. a local inference server or a hosted gateway).
func BaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// HTTPClient sets the underlying HTTP client.
func HTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// Name overrides the provider name reported to callers (default "openai").
func Name(name string) Option {
	return func(s *settings) { s.name = name }
}

// New creates a provider for the given API key.
func New(apiKey string, opts ...Option) *Client {
	s := settings{name: "openai"}
	for _, opt := range opts {
		opt(&s)
	}
	cfg := openai.DefaultConfig(apiKey)
	if s.baseURL != "" {
		cfg.BaseURL = s.baseURL
	}
	if s.httpClient != nil {
		cfg.HTTPClient = s.httpClient
	}
	return &Client{api: openai.NewClientWithConfig(cfg), name: s.name}
}

// Name implements loom.Provider.
func (c *Client) Name() string { return c.name }

// Chat implements loom.Provider.
func (c *Client) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	resp, err := c.api.CreateChatCompletion(ctx, toRequest(req))
	if err != nil {
		return loom.ChatResponse{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return loom.ChatResponse{}, fmt.Errorf("openai chat: empty response")
	}
	choice := resp.Choices[0]
	return loom.ChatResponse{
		Content:   choice.Message.Content,
		Reasoning: choice.Message.ReasoningContent,
		ToolCalls: fromToolCalls(choice.Message.ToolCalls),
		Usage: loom.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// ChatStream implements loom.Provider. Deltas are forwarded to ch in stream
// order; tool-call fragments are accumulated and returned whole on the final
// response. ch is never closed.
func (c *Client) ChatStream(ctx context.Context, req loom.ChatRequest, ch chan<- loom.StreamChunk) (loom.ChatResponse, error) {
	r := toRequest(req)
	r.Stream = true
	stream, err := c.api.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return loom.ChatResponse{}, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var (
		content   string
		reasoning string
		calls     = map[int]*openai.ToolCall{}
		usage     loom.Usage
	)
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if isStreamEOF(err) {
				break
			}
			return loom.ChatResponse{}, fmt.Errorf("openai stream: %w", err)
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" || delta.ReasoningContent != "" {
			content += delta.Content
			reasoning += delta.ReasoningContent
			select {
			case ch <- loom.StreamChunk{ContentDelta: delta.Content, ReasoningDelta: delta.ReasoningContent}:
			case <-ctx.Done():
				return loom.ChatResponse{}, ctx.Err()
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &openai.ToolCall{}
				calls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	return loom.ChatResponse{
		Content:   content,
		Reasoning: reasoning,
		ToolCalls: collectCalls(calls),
		Usage:     usage,
	}, nil
}

func toRequest(req loom.ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromToolCalls(calls []openai.ToolCall) []loom.ToolCall {
	out := make([]loom.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, loom.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// collectCalls orders accumulated tool calls by stream index.
func collectCalls(calls map[int]*openai.ToolCall) []loom.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(calls))
	for i := range calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]loom.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		tc := calls[i]
		out = append(out, loom.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func isStreamEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

var _ loom.Provider = (*Client)(nil)
