package loom

import "context"

// Provider abstracts the chat-completion backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams deltas into ch, then returns the final response.
	// Implementations must not close ch; the caller owns its lifetime.
	// Tool-call fragments are accumulated internally and returned whole
	// on the final ChatResponse.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}
