// Package ipc carries orchestrator/child traffic over UNIX-domain stream
// sockets. Framing is newline-delimited JSON, one message per line; every
// message is an envelope {id, type, timestamp, ...payload} with the payload
// fields flattened alongside the header.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"codi/internal/types"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypeHandshake          MessageType = "handshake"
	TypeHandshakeAck       MessageType = "handshake_ack"
	TypePermissionRequest  MessageType = "permission_request"
	TypePermissionResponse MessageType = "permission_response"
	TypeStatusUpdate       MessageType = "status_update"
	TypeLog                MessageType = "log"
	TypeTaskComplete       MessageType = "task_complete"
	TypeTaskError          MessageType = "task_error"
	TypeCancel             MessageType = "cancel"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
)

// Header is the part of every message common to all types.
type Header struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handshake is the child's opening message. Readers omit the worktree and
// branch fields and carry a scope prefix instead.
type Handshake struct {
	ChildID     string `json:"child_id"`
	Kind        string `json:"kind"` // "worker" or "reader"
	Worktree    string `json:"worktree,omitempty"`
	Branch      string `json:"branch,omitempty"`
	ScopePrefix string `json:"scope_prefix,omitempty"`
	Task        string `json:"task"`
}

// HandshakeAck is the parent's reply.
type HandshakeAck struct {
	Accepted      bool     `json:"accepted"`
	Reason        string   `json:"reason,omitempty"`
	ModelOverride string   `json:"model_override,omitempty"`
	Tools         []string `json:"tools"`
	AutoApprove   []string `json:"auto_approve"`
}

// PermissionRequest escalates a tool confirmation to the parent.
type PermissionRequest struct {
	Tool        string          `json:"tool"`
	Input       json.RawMessage `json:"input"`
	Subject     string          `json:"subject"`
	IsDangerous bool            `json:"is_dangerous"`
	Reason      string          `json:"reason,omitempty"`
}

// PermissionDecision enumerates the parent's possible answers.
type PermissionDecision string

const (
	DecisionApprove         PermissionDecision = "approve"
	DecisionDeny            PermissionDecision = "deny"
	DecisionAbort           PermissionDecision = "abort"
	DecisionApprovePattern  PermissionDecision = "approve_pattern"
	DecisionApproveCategory PermissionDecision = "approve_category"
)

// PermissionResponse answers a PermissionRequest; correlated by the
// request's envelope ID.
type PermissionResponse struct {
	Decision PermissionDecision `json:"decision"`
	Pattern  string             `json:"pattern,omitempty"`
	Category string             `json:"category,omitempty"`
}

// StatusUpdate reports child progress.
type StatusUpdate struct {
	Status      types.WorkerStatus `json:"status"`
	CurrentTool string             `json:"current_tool,omitempty"`
	Progress    int                `json:"progress,omitempty"`
	TokensUsed  *types.TokenUsage  `json:"tokens_used,omitempty"`
}

// LogMessage forwards child log output.
type LogMessage struct {
	Level   string `json:"level"`
	Content string `json:"content"`
}

// TaskComplete is the child's terminal success message.
type TaskComplete struct {
	Response      string           `json:"response"`
	Commits       []string         `json:"commits,omitempty"`
	FilesChanged  []string         `json:"files_changed,omitempty"`
	PRURL         string           `json:"pr_url,omitempty"`
	ToolCallCount int              `json:"tool_call_count"`
	TokensUsed    types.TokenUsage `json:"tokens_used"`
}

// TaskError is the child's terminal failure message.
type TaskError struct {
	Message string `json:"message"`
}

// Cancel tells a child to stop.
type Cancel struct {
	Reason string `json:"reason,omitempty"`
}

// Error wraps IPC failures with their kind.
type Error struct {
	Kind   string // "disconnect", "parse", "protocol"
	Detail error
}

func (e *Error) Error() string { return fmt.Sprintf("ipc %s: %v", e.Kind, e.Detail) }
func (e *Error) Unwrap() error { return e.Detail }

// Encode flattens a payload into an envelope line (without the trailing
// newline). A fresh envelope ID is generated when id is empty.
func Encode(id string, msgType MessageType, payload any) ([]byte, string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	merged := map[string]json.RawMessage{}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, "", &Error{Kind: "protocol", Detail: err}
		}
		if err := json.Unmarshal(body, &merged); err != nil {
			return nil, "", &Error{Kind: "protocol", Detail: err}
		}
	}

	head, err := json.Marshal(Header{ID: id, Type: msgType, Timestamp: time.Now().UTC()})
	if err != nil {
		return nil, "", &Error{Kind: "protocol", Detail: err}
	}
	var headMap map[string]json.RawMessage
	if err := json.Unmarshal(head, &headMap); err != nil {
		return nil, "", &Error{Kind: "protocol", Detail: err}
	}
	for k, v := range headMap {
		merged[k] = v
	}

	line, err := json.Marshal(merged)
	if err != nil {
		return nil, "", &Error{Kind: "protocol", Detail: err}
	}
	return line, id, nil
}

// DecodeHeader reads the envelope header from a raw line.
func DecodeHeader(line []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return h, &Error{Kind: "parse", Detail: err}
	}
	if h.Type == "" {
		return h, &Error{Kind: "protocol", Detail: fmt.Errorf("missing message type")}
	}
	return h, nil
}

// DecodePayload unmarshals the flattened payload fields of a raw line.
func DecodePayload(line []byte, out any) error {
	if err := json.Unmarshal(line, out); err != nil {
		return &Error{Kind: "parse", Detail: err}
	}
	return nil
}

// SocketPath returns the default orchestrator socket path for a pid.
func SocketPath(pid int) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf(`\\.\pipe\codi-%d`, pid)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("codi-orchestrator-%d.sock", pid))
}
