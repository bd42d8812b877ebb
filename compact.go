package loom

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Compaction strategies.
const (
	CompactTruncate  = "truncate"
	CompactSummarize = "summarize"
	CompactCustom    = "custom"
)

// Compactor is a caller-provided compaction function. It receives the older
// slice of the history (everything except the preserved recent messages) and
// returns its replacement.
type Compactor func(ctx context.Context, older []ChatMessage) ([]ChatMessage, error)

// CompactionConfig controls how conversation history is shrunk to fit the
// model's context window before a provider call.
type CompactionConfig struct {
	// Strategy is one of truncate, summarize, custom. Default truncate.
	Strategy string
	// ModelLimit is the model's context window in tokens. Default 128000.
	ModelLimit int
	// Margin is subtracted from ModelLimit to form the compaction
	// threshold. Default 10000; the threshold never drops below 1000.
	Margin int
	// PreserveRecent is how many trailing messages are never compacted.
	// Default 5.
	PreserveRecent int
	// Model is used for summarize calls; falls back to the calling node's
	// model when empty.
	Model string
	// Custom is required when Strategy is custom.
	Custom Compactor
}

func (c CompactionConfig) withDefaults() CompactionConfig {
	if c.Strategy == "" {
		c.Strategy = CompactTruncate
	}
	if c.ModelLimit <= 0 {
		c.ModelLimit = 128000
	}
	if c.Margin <= 0 {
		c.Margin = 10000
	}
	if c.PreserveRecent <= 0 {
		c.PreserveRecent = 5
	}
	return c
}

// threshold is the estimated token count above which compaction triggers.
func (c CompactionConfig) threshold() int {
	t := c.ModelLimit - c.Margin
	if t < 1000 {
		t = 1000
	}
	return t
}

// estimateTokens approximates the token count of a message sequence:
// ceil(total content bytes / 4). Deliberately cheap; compaction only needs
// an order-of-magnitude signal.
func estimateTokens(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return (total + 3) / 4
}

const summaryPrefix = "[Previous conversation summary]: "

// compactHistory shrinks msgs below the threshold, preserving the most
// recent messages untouched. Already-fitting histories are returned
// unchanged, which makes compaction idempotent. Summarize failures fall
// back to truncation rather than failing the node.
func compactHistory(ctx context.Context, p Provider, cfg CompactionConfig, model string, msgs []ChatMessage, logger *slog.Logger) ([]ChatMessage, error) {
	cfg = cfg.withDefaults()
	if len(msgs) <= cfg.PreserveRecent || estimateTokens(msgs) <= cfg.threshold() {
		return msgs, nil
	}

	split := len(msgs) - cfg.PreserveRecent
	older, recent := msgs[:split], msgs[split:]

	var replaced []ChatMessage
	switch cfg.Strategy {
	case CompactCustom:
		if cfg.Custom == nil {
			return nil, fmt.Errorf("compaction: custom strategy with no compactor")
		}
		out, err := cfg.Custom(ctx, older)
		if err != nil {
			return nil, fmt.Errorf("compaction: custom compactor: %w", err)
		}
		replaced = out
	case CompactSummarize:
		summary, err := summarizeMessages(ctx, p, cfg, model, older)
		if err != nil {
			logger.Warn("summarize compaction failed, truncating instead", "error", err)
			replaced = older[len(older)/2:]
			break
		}
		replaced = []ChatMessage{SystemMessage(summaryPrefix + summary)}
	default: // truncate drops the older half
		replaced = older[len(older)/2:]
	}

	out := make([]ChatMessage, 0, len(replaced)+len(recent))
	out = append(out, replaced...)
	out = append(out, recent...)
	logger.Info("history compacted",
		"strategy", cfg.Strategy,
		"before", len(msgs),
		"after", len(out))
	return out, nil
}

// summarizeMessages asks the provider for a short summary of older messages.
func summarizeMessages(ctx context.Context, p Provider, cfg CompactionConfig, model string, older []ChatMessage) (string, error) {
	if p == nil {
		return "", fmt.Errorf("no provider for summarization")
	}
	if cfg.Model != "" {
		model = cfg.Model
	}
	var b strings.Builder
	b.WriteString("Summarize the following conversation concisely, preserving facts, decisions, and open tasks:\n\n")
	for _, m := range older {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	resp, err := p.Chat(ctx, ChatRequest{
		Model:    model,
		Messages: []ChatMessage{UserMessage(b.String())},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
