// Package child bootstraps worker and reader agents: it connects back to
// the orchestrator, performs the handshake, and runs an agent loop whose
// permission gateway escalates over IPC.
package child

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"codi/internal/agent"
	"codi/internal/budget"
	"codi/internal/ipc"
	"codi/internal/logging"
	"codi/internal/permission"
	"codi/internal/provider"
	"codi/internal/tokens"
	"codi/internal/tools"
	"codi/internal/types"
)

// Options configures a child bootstrap. Fields map to the environment the
// orchestrator passes when spawning.
type Options struct {
	SocketPath  string
	ChildID     string
	Kind        string // "worker" or "reader"
	Worktree    string
	Branch      string
	BaseBranch  string
	ScopePrefix string
	Task        string

	// NewProvider builds the model backend; the orchestrator's ack may
	// override the model.
	NewProvider func(model string) (provider.ModelProvider, error)
}

// OptionsFromEnv reads the child environment set by the orchestrator.
func OptionsFromEnv(kind string) Options {
	return Options{
		SocketPath:  os.Getenv("CODI_SOCKET"),
		ChildID:     os.Getenv("CODI_CHILD_ID"),
		Kind:        kind,
		Worktree:    os.Getenv("CODI_WORKTREE"),
		Branch:      os.Getenv("CODI_BRANCH"),
		BaseBranch:  os.Getenv("CODI_BASE_BRANCH"),
		ScopePrefix: os.Getenv("CODI_SCOPE"),
		Task:        os.Getenv("CODI_TASK"),
	}
}

// ipcGateway routes permission requests to the parent and blocks on the
// correlated response.
type ipcGateway struct {
	client *ipc.Client
}

func (g *ipcGateway) RequestPermission(ctx context.Context, req agent.ConfirmationRequest) (agent.Decision, error) {
	reply, err := g.client.Request(ctx, ipc.TypePermissionRequest, ipc.PermissionRequest{
		Tool:        req.Tool,
		Input:       req.Input,
		Subject:     req.Subject,
		IsDangerous: req.IsDangerous,
		Reason:      req.Reason,
	})
	if err != nil {
		// A dropped connection is an implicit abort.
		return agent.Decision{Kind: "abort"}, nil
	}
	var resp ipc.PermissionResponse
	if err := ipc.DecodePayload(reply, &resp); err != nil {
		return agent.Decision{}, err
	}
	return agent.Decision{
		Kind:     string(resp.Decision),
		Pattern:  resp.Pattern,
		Category: resp.Category,
	}, nil
}

// Run executes the child lifecycle: connect, handshake, run the task, and
// report the terminal result. The returned error is for the process exit
// code only; failures are also reported over IPC when possible.
func Run(ctx context.Context, opts Options) error {
	if opts.SocketPath == "" || opts.ChildID == "" {
		return fmt.Errorf("child requires CODI_SOCKET and CODI_CHILD_ID")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancels from the parent end the task.
	client, err := ipc.Dial(opts.SocketPath, func(header ipc.Header, line []byte) {
		if header.Type == ipc.TypeCancel {
			logging.Agent("Cancel received from orchestrator")
			cancel()
		}
	})
	if err != nil {
		return err
	}
	defer client.Close()

	hs := ipc.Handshake{
		ChildID: opts.ChildID,
		Kind:    opts.Kind,
		Task:    opts.Task,
	}
	if opts.Kind == "worker" {
		hs.Worktree = opts.Worktree
		hs.Branch = opts.Branch
	} else {
		hs.ScopePrefix = opts.ScopePrefix
	}

	reply, err := client.Request(ctx, ipc.TypeHandshake, hs)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	var ack ipc.HandshakeAck
	if err := ipc.DecodePayload(reply, &ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("handshake rejected: %s", ack.Reason)
	}

	modelProvider, err := opts.NewProvider(ack.ModelOverride)
	if err != nil {
		client.Send(ipc.TypeTaskError, ipc.TaskError{Message: fmt.Sprintf("provider: %v", err)})
		return err
	}

	loop := buildLoop(opts, ack, modelProvider, client)

	response, err := loop.RunTurn(ctx, opts.Task)
	if err != nil {
		client.Send(ipc.TypeTaskError, ipc.TaskError{Message: err.Error()})
		return err
	}

	complete := ipc.TaskComplete{
		Response:      response,
		ToolCallCount: loop.ToolCallCount(),
		TokensUsed:    loop.TokensUsed(),
	}
	if opts.Kind == "worker" {
		complete.Commits = gitCommits(ctx, opts.Worktree, opts.BaseBranch)
		complete.FilesChanged = gitFilesChanged(ctx, opts.Worktree, opts.BaseBranch)
	}
	if _, err := client.Send(ipc.TypeTaskComplete, complete); err != nil {
		return err
	}
	return nil
}

// buildLoop assembles the child's agent loop from the handshake grant.
func buildLoop(opts Options, ack ipc.HandshakeAck, p provider.ModelProvider, client *ipc.Client) *agent.Loop {
	registry := tools.Builtin()
	if opts.Kind == "reader" {
		registry = registry.ReadOnly()
	}
	if len(ack.Tools) > 0 {
		registry = registry.Subset(ack.Tools)
	}

	workDir := opts.Worktree
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	env := &tools.Env{WorkDir: workDir}
	if opts.Kind == "reader" && opts.ScopePrefix != "" {
		env.ScopePrefix = opts.ScopePrefix
	}

	est := tokens.NewEstimator()
	loop := agent.New(agent.Config{
		Provider:     p,
		Registry:     registry,
		Permissions:  permission.NewEngine(ack.AutoApprove, nil),
		Budget:       budget.NewManager(ack.ModelOverride, est, &providerSummarizer{p}),
		Estimator:    est,
		Gateway:      &ipcGateway{client: client},
		Env:          env,
		SystemPrompt: childSystemPrompt(opts),
		OnEvent: func(ev agent.Event) {
			forwardEvent(client, ev)
		},
	})
	return loop
}

// providerSummarizer adapts the model provider to the budget manager's
// synchronous summary call.
type providerSummarizer struct {
	p provider.ModelProvider
}

func (s *providerSummarizer) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := s.p.Complete(ctx, &provider.Request{
		SystemPrompt: system,
		Messages:     []types.Message{types.UserMessage(prompt)},
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, blk := range resp.Blocks {
		if blk.Type == types.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String(), nil
}

// forwardEvent maps loop events onto IPC status/log traffic.
func forwardEvent(client *ipc.Client, ev agent.Event) {
	switch ev.Kind {
	case agent.EventStatus:
		status := statusFor(ev.State)
		if status == "" {
			return
		}
		client.Send(ipc.TypeStatusUpdate, ipc.StatusUpdate{Status: status})
	case agent.EventToolStart:
		client.Send(ipc.TypeStatusUpdate, ipc.StatusUpdate{
			Status:      types.StatusToolCall,
			CurrentTool: ev.Tool,
		})
	case agent.EventError:
		client.Send(ipc.TypeLog, ipc.LogMessage{Level: "error", Content: ev.Text})
	}
}

func statusFor(s agent.State) types.WorkerStatus {
	switch s {
	case agent.StateIdle:
		return types.StatusIdle
	case agent.StateThinking:
		return types.StatusThinking
	case agent.StateWaitingPermission:
		return types.StatusWaitingPermission
	case agent.StateToolExecuting:
		return types.StatusToolCall
	default:
		return ""
	}
}

func childSystemPrompt(opts Options) string {
	if opts.Kind == "reader" {
		scope := opts.ScopePrefix
		if scope == "" {
			scope = "the project"
		}
		return fmt.Sprintf("You are a read-only research agent. Investigate %s and answer the task. You cannot modify files.", scope)
	}
	return fmt.Sprintf("You are a coding agent working on branch %s in an isolated worktree. Complete the task, committing your changes as you go.", opts.Branch)
}

// gitCommits lists commits made on the worker branch since base.
func gitCommits(ctx context.Context, dir, base string) []string {
	if base == "" {
		base = "HEAD"
	}
	out, err := runGit(ctx, dir, "log", "--format=%H", base+"..HEAD")
	if err != nil {
		return nil
	}
	var commits []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			commits = append(commits, line)
		}
	}
	return commits
}

// gitFilesChanged lists paths touched since base.
func gitFilesChanged(ctx context.Context, dir, base string) []string {
	if base == "" {
		return nil
	}
	out, err := runGit(ctx, dir, "diff", "--name-only", base)
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}
