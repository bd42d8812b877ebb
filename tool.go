package loom

import (
	"context"
	"fmt"
	"sort"
)

// ToolHandler executes a host-provided tool. args is the raw JSON argument
// string produced by the provider (or the node input for tool nodes).
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolSpec pairs a tool's schema with its handler.
type ToolSpec struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// ToolSet holds the host-provided tools available to a run, keyed by tool id.
// An optional fallback handler receives calls whose id is not registered.
type ToolSet struct {
	specs    map[string]ToolSpec
	fallback ToolHandler
}

// NewToolSet creates an empty tool set.
func NewToolSet() *ToolSet {
	return &ToolSet{specs: make(map[string]ToolSpec)}
}

// Register adds a tool under its definition name, overwriting any previous
// registration with the same id.
func (t *ToolSet) Register(spec ToolSpec) {
	t.specs[spec.Definition.Name] = spec
}

// SetFallback installs a handler for tool ids with no registration.
func (t *ToolSet) SetFallback(h ToolHandler) { t.fallback = h }

// Lookup returns the spec registered under id.
func (t *ToolSet) Lookup(id string) (ToolSpec, bool) {
	spec, ok := t.specs[id]
	return spec, ok
}

// Definitions returns the definitions for the named tools in the given
// order. Unknown names are skipped. With no names, all definitions are
// returned sorted by tool id for determinism.
func (t *ToolSet) Definitions(names []string) []ToolDefinition {
	if len(names) > 0 {
		defs := make([]ToolDefinition, 0, len(names))
		for _, name := range names {
			if spec, ok := t.specs[name]; ok {
				defs = append(defs, spec.Definition)
			}
		}
		return defs
	}
	ids := make([]string, 0, len(t.specs))
	for id := range t.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	defs := make([]ToolDefinition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, t.specs[id].Definition)
	}
	return defs
}

// Invoke dispatches a call by id, falling back to the fallback handler when
// the id is unknown. The returned error is the handler's error, or a
// missing-tool error when neither a registration nor a fallback exists.
func (t *ToolSet) Invoke(ctx context.Context, id, args string) (string, error) {
	if spec, ok := t.specs[id]; ok {
		return spec.Handler(ctx, args)
	}
	if t.fallback != nil {
		return t.fallback(ctx, args)
	}
	return "", fmt.Errorf("unknown tool: %s", id)
}
