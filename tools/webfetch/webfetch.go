// Package webfetch provides a host tool that fetches a URL and returns its
// readable text content, for registration in a loom.ToolSet.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/loomworks/loom"
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client   *http.Client
	maxChars int
}

// New creates a fetch tool with a 15-second timeout and an 8000-character
// output cap.
func New() *Tool {
	return &Tool{
		client:   &http.Client{Timeout: 15 * time.Second},
		maxChars: 8000,
	}
}

// Spec returns the tool for registration in a loom.ToolSet.
func (t *Tool) Spec() loom.ToolSpec {
	return loom.ToolSpec{
		Definition: loom.ToolDefinition{
			Name:        "web_fetch",
			Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
		},
		Handler: t.Handle,
	}
}

// Handle accepts either a JSON object {"url": ...} or a bare URL string.
func (t *Tool) Handle(ctx context.Context, args string) (string, error) {
	rawURL := strings.TrimSpace(args)
	var params struct {
		URL string `json:"url"`
	}
	if json.Unmarshal([]byte(args), &params) == nil && params.URL != "" {
		rawURL = params.URL
	}
	content, err := t.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if len(content) > t.maxChars {
		content = content[:t.maxChars] + "\n... (truncated)"
	}
	return content, nil
}

// Fetch downloads a URL and extracts readable text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; LoomBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		// Not an article page; return the raw body as a fallback.
		return string(body), nil
	}
	if article.TextContent == "" {
		return string(body), nil
	}
	return article.TextContent, nil
}
