// Package tools defines the tool registry and the builtin filesystem and
// shell tools the agent loop dispatches. The registry handle is immutable:
// extension happens through a Builder that produces a new handle, never by
// mutating a shared map.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrToolNotFound is returned when a tool name has no registration.
var ErrToolNotFound = errors.New("tool not found")

// ToolError wraps a tool execution failure. It flows back to the model as
// an is_error tool_result rather than aborting the turn.
type ToolError struct {
	Tool   string
	Detail error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Detail) }
func (e *ToolError) Unwrap() error { return e.Detail }

// Env is the execution environment a tool runs in.
type Env struct {
	// WorkDir is the directory file paths resolve against: the project
	// root for the parent agent, the worktree for a worker.
	WorkDir string

	// ScopePrefix, when set, bounds filesystem access for readers. Paths
	// outside the prefix are refused.
	ScopePrefix string
}

// ResolvePath resolves a tool-supplied path against the environment and
// enforces the scope prefix.
func (e *Env) ResolvePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.WorkDir, p)
	}
	abs = filepath.Clean(abs)

	if e.ScopePrefix != "" {
		prefix := filepath.Clean(e.ScopePrefix)
		if abs != prefix && !strings.HasPrefix(abs, prefix+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the allowed scope %s", p, e.ScopePrefix)
		}
	}
	return abs, nil
}

// ExecuteFunc runs a tool against parsed input.
type ExecuteFunc func(ctx context.Context, input json.RawMessage, env *Env) (string, error)

// SubjectFunc extracts the tool's primary argument for permission matching:
// the command for bash, the path for filesystem tools.
type SubjectFunc func(input json.RawMessage) string

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	ReadOnly    bool
	Execute     ExecuteFunc
	Subject     SubjectFunc
}

// Validate reports structural problems with a tool registration.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Description == "" {
		return fmt.Errorf("tool %s: description is required", t.Name)
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %s: execute function is required", t.Name)
	}
	return nil
}

// stringField pulls one string field out of raw JSON input, for subject
// extraction.
func stringField(input json.RawMessage, field string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[field], &s); err != nil {
		return ""
	}
	return s
}
