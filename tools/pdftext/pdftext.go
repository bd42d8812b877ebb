// Package pdftext provides a host tool that extracts plain text from a PDF
// file, for registration in a loom.ToolSet.
package pdftext

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/loomworks/loom"
)

// Tool extracts plain text from local PDF files under a root directory.
type Tool struct {
	root     string
	maxChars int
}

// New creates a PDF text tool rooted at dir. Paths outside dir are rejected.
func New(dir string) *Tool {
	return &Tool{root: dir, maxChars: 16000}
}

// Spec returns the tool for registration in a loom.ToolSet.
func (t *Tool) Spec() loom.ToolSpec {
	return loom.ToolSpec{
		Definition: loom.ToolDefinition{
			Name:        "pdf_text",
			Description: "Extract plain text from a PDF file. Use for reading reports, papers, and scanned documents with embedded text.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path to the PDF file"}},"required":["path"]}`),
		},
		Handler: t.Handle,
	}
}

// Handle accepts either a JSON object {"path": ...} or a bare path string.
func (t *Tool) Handle(_ context.Context, args string) (string, error) {
	path := strings.TrimSpace(args)
	var params struct {
		Path string `json:"path"`
	}
	if json.Unmarshal([]byte(args), &params) == nil && params.Path != "" {
		path = params.Path
	}
	return t.Extract(path)
}

// Extract reads the PDF at path and returns its plain text.
func (t *Tool) Extract(path string) (string, error) {
	full := filepath.Join(t.root, filepath.Clean("/"+path))
	f, r, err := pdf.Open(full)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	var b strings.Builder
	if _, err := io.Copy(&b, reader); err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	text := b.String()
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + "\n... (truncated)"
	}
	return text, nil
}
