// Package ui renders the core's event stream and confirmation prompts on
// the terminal. The core produces tagged values; this package decides how
// they look.
package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"codi/internal/agent"
	"codi/internal/ipc"
)

var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")).Bold(true)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5f6c7b")).Italic(true)
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")).Bold(true)
	dangerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107")).Bold(true)
	resultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4db6ac"))
	confirmFrame = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Console renders events and asks for confirmations over stdio.
type Console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewConsole creates a console on the given streams.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// Prompt prints the input prompt.
func (c *Console) Prompt() {
	fmt.Fprint(c.out, promptStyle.Render("codi> "))
}

// HandleEvent renders one agent event.
func (c *Console) HandleEvent(ev agent.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case agent.EventTextDelta:
		fmt.Fprint(c.out, ev.Text)
	case agent.EventTextFinal:
		fmt.Fprintln(c.out)
	case agent.EventToolStart:
		fmt.Fprintln(c.out, toolStyle.Render(fmt.Sprintf("⚙ %s", ev.Tool)))
	case agent.EventToolEnd:
		if ev.IsError {
			fmt.Fprintln(c.out, errorStyle.Render(fmt.Sprintf("✗ %s: %s", ev.Tool, ev.Text)))
		}
	case agent.EventCompaction:
		fmt.Fprintln(c.out, statusStyle.Render("· compacted older conversation turns"))
	case agent.EventError:
		fmt.Fprintln(c.out, errorStyle.Render(ev.Text))
	}
}

// Status prints a muted status line.
func (c *Console) Status(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, statusStyle.Render(fmt.Sprintf(format, args...)))
}

// Result prints an emphasized result line.
func (c *Console) Result(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, resultStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (c *Console) Error(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, errorStyle.Render(fmt.Sprintf(format, args...)))
}

// RequestPermission implements agent.PermissionGateway for the parent loop.
func (c *Console) RequestPermission(ctx context.Context, req agent.ConfirmationRequest) (agent.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Tool: %s\n", req.Tool))
	if req.Subject != "" {
		b.WriteString(fmt.Sprintf("Args: %s\n", req.Subject))
	}
	if req.IsDangerous {
		b.WriteString(dangerStyle.Render(fmt.Sprintf("⚠ dangerous: %s", req.Reason)) + "\n")
	}
	b.WriteString("[y]es / [n]o / [a]lways (pattern) / a[b]ort")
	fmt.Fprintln(c.out, confirmFrame.Render(b.String()))
	fmt.Fprint(c.out, promptStyle.Render("? "))

	answer, err := c.readLine(ctx)
	if err != nil {
		return agent.Decision{Kind: "abort"}, nil
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return agent.Decision{Kind: "approve"}, nil
	case "a", "always":
		return agent.Decision{Kind: "approve_pattern", Pattern: req.SuggestedPattern}, nil
	case "b", "abort":
		return agent.Decision{Kind: "abort"}, nil
	default:
		return agent.Decision{Kind: "deny"}, nil
	}
}

// Confirm implements the orchestrator's ConfirmationUI for child requests.
func (c *Console) Confirm(ctx context.Context, childID string, req ipc.PermissionRequest) (ipc.PermissionResponse, error) {
	decision, err := c.RequestPermission(ctx, agent.ConfirmationRequest{
		Tool:        req.Tool,
		Subject:     req.Subject,
		Input:       req.Input,
		IsDangerous: req.IsDangerous,
		Reason:      fmt.Sprintf("[%s] %s", childID, req.Reason),
	})
	if err != nil {
		return ipc.PermissionResponse{Decision: ipc.DecisionAbort}, err
	}
	return ipc.PermissionResponse{
		Decision: ipc.PermissionDecision(decision.Kind),
		Pattern:  decision.Pattern,
		Category: decision.Category,
	}, nil
}

// ReadLine reads one line of user input.
func (c *Console) ReadLine(ctx context.Context) (string, error) {
	return c.readLine(ctx)
}

func (c *Console) readLine(ctx context.Context) (string, error) {
	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- lineResult{line: strings.TrimRight(line, "\n"), err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}
