package loom

import "context"

// MemoryEntry is one record in a memory backend.
type MemoryEntry struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// MemoryQuery selects entries from a memory backend.
type MemoryQuery struct {
	Text      string            `json:"text"`
	SessionID string            `json:"session_id,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Filter    map[string]string `json:"filter,omitempty"`
}

// MemoryAdapter abstracts the persistent memory backend used by memory
// nodes. Implementations live under memory/ (sqlite, postgres).
type MemoryAdapter interface {
	Query(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error)
	Store(ctx context.Context, e MemoryEntry) error
}

// SubflowRegistry resolves subflow ids to workflows for subflow nodes.
type SubflowRegistry interface {
	Subflow(id string) (*Workflow, bool)
}

// SubflowMap is a map-backed SubflowRegistry.
type SubflowMap map[string]*Workflow

func (m SubflowMap) Subflow(id string) (*Workflow, bool) {
	wf, ok := m[id]
	return wf, ok
}
