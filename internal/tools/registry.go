package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"codi/internal/logging"
	"codi/internal/provider"
)

// Registry is an immutable set of tools. Handles are safe to share across
// goroutines and agents; a different tool set is a different handle.
type Registry struct {
	tools map[string]*Tool
	names []string
}

// Builder accumulates registrations and produces a Registry.
type Builder struct {
	tools map[string]*Tool
	err   error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{tools: make(map[string]*Tool)}
}

// From seeds a builder with an existing registry's tools, for extension.
func From(r *Registry) *Builder {
	b := NewBuilder()
	for name, tool := range r.tools {
		b.tools[name] = tool
	}
	return b
}

// Register adds a tool. Errors are deferred to Build so registrations
// chain.
func (b *Builder) Register(tool *Tool) *Builder {
	if b.err != nil {
		return b
	}
	if err := tool.Validate(); err != nil {
		b.err = err
		return b
	}
	if _, exists := b.tools[tool.Name]; exists {
		b.err = fmt.Errorf("tool %s already registered", tool.Name)
		return b
	}
	b.tools[tool.Name] = tool
	return b
}

// Build produces the immutable registry.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make(map[string]*Tool, len(b.tools))
	for name, tool := range b.tools {
		tools[name] = tool
	}

	logging.ToolsDebug("Built registry with %d tools: %v", len(names), names)
	return &Registry{tools: tools, names: names}, nil
}

// MustBuild builds or panics. For static registries assembled at startup.
func (b *Builder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build tool registry: %v", err))
	}
	return r
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// ReadOnly returns a new registry containing only read-only tools, for
// reader children.
func (r *Registry) ReadOnly() *Registry {
	b := NewBuilder()
	for _, tool := range r.tools {
		if tool.ReadOnly {
			b.Register(tool)
		}
	}
	return b.MustBuild()
}

// Subset returns a new registry restricted to the named tools. Unknown
// names are skipped.
func (r *Registry) Subset(names []string) *Registry {
	b := NewBuilder()
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			b.Register(tool)
		}
	}
	return b.MustBuild()
}

// Definitions renders the registry as provider tool definitions.
func (r *Registry) Definitions() []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0, len(r.names))
	for _, name := range r.names {
		t := r.tools[name]
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// DefinitionJSON renders the serialized tool definitions, for token
// estimation.
func (r *Registry) DefinitionJSON() []string {
	defs := r.Definitions()
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		data, err := json.Marshal(d)
		if err != nil {
			continue
		}
		out = append(out, string(data))
	}
	return out
}
