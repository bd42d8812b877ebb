package loom

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// longHistory builds n assistant messages of 300 bytes each.
func longHistory(n int) []ChatMessage {
	msgs := make([]ChatMessage, n)
	filler := strings.Repeat("x", 290)
	for i := range msgs {
		msgs[i] = AssistantMessage(fmt.Sprintf("msg-%04d-%s", i, filler))
	}
	return msgs
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(nil); got != 0 {
		t.Errorf("estimateTokens(nil) = %d, want 0", got)
	}
	msgs := []ChatMessage{UserMessage("abcd"), UserMessage("efgh")}
	if got := estimateTokens(msgs); got != 2 {
		t.Errorf("estimateTokens = %d, want 2", got)
	}
	if got := estimateTokens([]ChatMessage{UserMessage("abcde")}); got != 2 {
		t.Errorf("estimateTokens rounds up, got %d, want 2", got)
	}
}

func TestCompactHistoryBelowThresholdUnchanged(t *testing.T) {
	msgs := longHistory(6)
	out, err := compactHistory(context.Background(), nil, CompactionConfig{}, "m", msgs, nopLogger)
	if err != nil {
		t.Fatalf("compactHistory error: %v", err)
	}
	if len(out) != len(msgs) {
		t.Errorf("compaction shrank a fitting history: %d -> %d", len(msgs), len(out))
	}
}

func TestCompactHistoryTruncate(t *testing.T) {
	cfg := CompactionConfig{Strategy: CompactTruncate, ModelLimit: 1100, Margin: 100, PreserveRecent: 5}
	msgs := longHistory(20) // ~6000 bytes, ~1500 estimated tokens, threshold 1000

	out, err := compactHistory(context.Background(), nil, cfg, "m", msgs, nopLogger)
	if err != nil {
		t.Fatalf("compactHistory error: %v", err)
	}
	// older 15 halves to 8, plus the 5 preserved.
	if len(out) != 13 {
		t.Fatalf("compacted length = %d, want 13", len(out))
	}
	for i := 0; i < 5; i++ {
		want := msgs[len(msgs)-5+i]
		got := out[len(out)-5+i]
		if got.Content != want.Content {
			t.Errorf("preserved message %d changed", i)
		}
	}
}

func TestCompactHistoryIdempotent(t *testing.T) {
	cfg := CompactionConfig{Strategy: CompactTruncate, ModelLimit: 1100, Margin: 100, PreserveRecent: 5}
	msgs := longHistory(20)

	once, err := compactHistory(context.Background(), nil, cfg, "m", msgs, nopLogger)
	if err != nil {
		t.Fatalf("first compaction error: %v", err)
	}
	twice, err := compactHistory(context.Background(), nil, cfg, "m", once, nopLogger)
	if err != nil {
		t.Fatalf("second compaction error: %v", err)
	}
	if len(twice) != len(once) {
		t.Errorf("second compaction changed length: %d -> %d", len(once), len(twice))
	}
}

func TestCompactHistorySummarize(t *testing.T) {
	p := &scriptedProvider{steps: []scriptStep{{tokens: []string{"old stuff happened"}}}}
	cfg := CompactionConfig{Strategy: CompactSummarize, ModelLimit: 1100, Margin: 100, PreserveRecent: 5}
	msgs := longHistory(20)

	out, err := compactHistory(context.Background(), p, cfg, "m", msgs, nopLogger)
	if err != nil {
		t.Fatalf("compactHistory error: %v", err)
	}
	if len(out) != 6 {
		t.Fatalf("compacted length = %d, want 6 (summary + 5 preserved)", len(out))
	}
	if out[0].Role != "system" {
		t.Errorf("summary role = %q, want system", out[0].Role)
	}
	want := summaryPrefix + "old stuff happened"
	if out[0].Content != want {
		t.Errorf("summary = %q, want %q", out[0].Content, want)
	}
}

func TestCompactHistorySummarizeFallsBackToTruncate(t *testing.T) {
	p := &scriptedProvider{steps: []scriptStep{{err: fmt.Errorf("provider unavailable")}}}
	cfg := CompactionConfig{Strategy: CompactSummarize, ModelLimit: 1100, Margin: 100, PreserveRecent: 5}
	msgs := longHistory(20)

	out, err := compactHistory(context.Background(), p, cfg, "m", msgs, nopLogger)
	if err != nil {
		t.Fatalf("compactHistory error: %v", err)
	}
	if len(out) != 13 {
		t.Errorf("fallback length = %d, want 13", len(out))
	}
}

func TestCompactHistoryCustom(t *testing.T) {
	cfg := CompactionConfig{
		Strategy: CompactCustom, ModelLimit: 1100, Margin: 100, PreserveRecent: 5,
		Custom: func(_ context.Context, older []ChatMessage) ([]ChatMessage, error) {
			return []ChatMessage{SystemMessage(fmt.Sprintf("compacted %d messages", len(older)))}, nil
		},
	}
	msgs := longHistory(20)

	out, err := compactHistory(context.Background(), nil, cfg, "m", msgs, nopLogger)
	if err != nil {
		t.Fatalf("compactHistory error: %v", err)
	}
	if len(out) != 6 {
		t.Fatalf("compacted length = %d, want 6", len(out))
	}
	if out[0].Content != "compacted 15 messages" {
		t.Errorf("custom summary = %q", out[0].Content)
	}
}

func TestCompactHistoryCustomMissingCompactor(t *testing.T) {
	cfg := CompactionConfig{Strategy: CompactCustom, ModelLimit: 1100, Margin: 100, PreserveRecent: 5}
	if _, err := compactHistory(context.Background(), nil, cfg, "m", longHistory(20), nopLogger); err == nil {
		t.Fatal("compactHistory accepted custom strategy with no compactor")
	}
}

func TestCompactionThresholdFloor(t *testing.T) {
	cfg := CompactionConfig{ModelLimit: 1200, Margin: 900}.withDefaults()
	if got := cfg.threshold(); got != 1000 {
		t.Errorf("threshold = %d, want floor 1000", got)
	}
}
