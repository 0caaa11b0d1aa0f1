// Package orchestrator supervises worker and reader children: it spawns
// them as subprocesses in a dedicated mode, tracks their lifecycle over
// IPC, routes their permission requests to the single parent UI, and
// aggregates their results.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"codi/internal/ipc"
	"codi/internal/logging"
	"codi/internal/types"
	"codi/internal/worktree"
)

// defaultResultTTL is how long a finished child's entry and result are
// retained.
const defaultResultTTL = 30 * time.Minute

// spawnFunc launches a child process. Overridable in tests to run fake
// children in-process.
type spawnFunc func(ctx context.Context, kind string, env []string) (stop func(), err error)

// worktreeManager is the slice of the worktree manager the orchestrator
// uses; narrowed to an interface so tests can fake git.
type worktreeManager interface {
	Create(ctx context.Context, branch, baseBranch string) (string, error)
	Remove(ctx context.Context, path string) error
}

// childEntry tracks one worker or reader.
type childEntry struct {
	kind         string // "worker" or "reader"
	workerConfig types.WorkerConfig
	readerConfig types.ReaderConfig

	status      types.WorkerStatus
	currentTool string
	progress    int
	tokensUsed  types.TokenUsage
	startedAt   time.Time
	completedAt *time.Time
	errMsg      string

	worktreePath string
	stop         func()

	result   chan any // one WorkerResult or ReaderResult
	done     chan struct{}
	reapedAt time.Time
}

// Config assembles an orchestrator.
type Config struct {
	SocketPath  string
	RepoRoot    string
	WorktreeDir string
	UI          ConfirmationUI
	ResultTTL   time.Duration

	// ExecPath is the binary spawned in child mode; defaults to the
	// current executable.
	ExecPath string

	// Tools and AutoApprove are advertised to children in the handshake
	// ack.
	WorkerTools        []string
	ReaderTools        []string
	DefaultAutoApprove []string
}

// Orchestrator is the supervisor.
type Orchestrator struct {
	config    Config
	server    *ipc.Server
	worktrees worktreeManager
	broker    *Broker
	spawn     spawnFunc

	mu       sync.Mutex
	children map[string]*childEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and starts an orchestrator listening on its socket.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = ipc.SocketPath(os.Getpid())
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	if cfg.ExecPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.ExecPath = exe
	}
	if len(cfg.ReaderTools) == 0 {
		cfg.ReaderTools = []string{"read", "grep", "glob", "list"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:    cfg,
		worktrees: worktree.NewManager(cfg.RepoRoot, cfg.WorktreeDir),
		broker:    NewBroker(cfg.UI),
		children:  make(map[string]*childEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
	o.spawn = o.spawnProcess

	server, err := ipc.NewServer(cfg.SocketPath, o)
	if err != nil {
		cancel()
		return nil, err
	}
	o.server = server
	server.Start(ctx)
	go server.PingLoop(ctx, 0)

	logging.Orchestrator("Orchestrator ready on %s", cfg.SocketPath)
	return o, nil
}

// SocketPath returns the IPC socket children connect to.
func (o *Orchestrator) SocketPath() string { return o.server.Path() }

// spawnProcess launches the real child subprocess.
func (o *Orchestrator) spawnProcess(ctx context.Context, kind string, env []string) (func(), error) {
	cmd := exec.CommandContext(ctx, o.config.ExecPath, kind)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go cmd.Wait()
	return func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}, nil
}

// SpawnWorker creates a worktree and starts a writer child in it. The
// returned channel delivers the WorkerResult exactly once.
func (o *Orchestrator) SpawnWorker(ctx context.Context, cfg types.WorkerConfig) (<-chan any, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "SpawnWorker")
	defer timer.Stop()

	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if !worktree.ValidBranchName(cfg.Branch) {
		return nil, fmt.Errorf("invalid branch name %q", cfg.Branch)
	}

	o.mu.Lock()
	if _, exists := o.children[cfg.ID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("child %s already exists", cfg.ID)
	}
	o.mu.Unlock()

	wtPath, err := o.worktrees.Create(ctx, cfg.Branch, cfg.BaseBranch)
	if err != nil {
		// No child is spawned when worktree creation fails.
		return nil, err
	}

	entry := &childEntry{
		kind:         "worker",
		workerConfig: cfg,
		status:       types.StatusStarting,
		startedAt:    time.Now(),
		worktreePath: wtPath,
		result:       make(chan any, 1),
		done:         make(chan struct{}),
	}

	env := []string{
		"CODI_SOCKET=" + o.server.Path(),
		"CODI_CHILD_ID=" + cfg.ID,
		"CODI_WORKTREE=" + wtPath,
		"CODI_BRANCH=" + cfg.Branch,
		"CODI_BASE_BRANCH=" + cfg.BaseBranch,
		"CODI_TASK=" + cfg.Task,
	}
	stop, err := o.spawn(o.ctx, "worker", env)
	if err != nil {
		o.worktrees.Remove(context.Background(), wtPath)
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	entry.stop = stop

	o.mu.Lock()
	o.children[cfg.ID] = entry
	o.mu.Unlock()

	logging.Orchestrator("Worker %s spawned (branch %s, worktree %s)", cfg.ID, cfg.Branch, wtPath)
	return entry.result, nil
}

// SpawnReader starts a read-only child in place, with no worktree.
func (o *Orchestrator) SpawnReader(ctx context.Context, cfg types.ReaderConfig) (<-chan any, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("reader id is required")
	}

	o.mu.Lock()
	if _, exists := o.children[cfg.ID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("child %s already exists", cfg.ID)
	}
	entry := &childEntry{
		kind:         "reader",
		readerConfig: cfg,
		status:       types.StatusStarting,
		startedAt:    time.Now(),
		result:       make(chan any, 1),
		done:         make(chan struct{}),
	}
	o.children[cfg.ID] = entry
	o.mu.Unlock()

	env := []string{
		"CODI_SOCKET=" + o.server.Path(),
		"CODI_CHILD_ID=" + cfg.ID,
		"CODI_SCOPE=" + cfg.ScopePrefix,
		"CODI_TASK=" + cfg.Task,
	}
	stop, err := o.spawn(o.ctx, "reader", env)
	if err != nil {
		o.mu.Lock()
		delete(o.children, cfg.ID)
		o.mu.Unlock()
		return nil, fmt.Errorf("spawn reader: %w", err)
	}

	o.mu.Lock()
	entry.stop = stop
	o.mu.Unlock()

	logging.Orchestrator("Reader %s spawned (scope %q)", cfg.ID, cfg.ScopePrefix)
	return entry.result, nil
}

// OnMessage implements ipc.Handler: the server delivers child traffic here
// in receive order.
func (o *Orchestrator) OnMessage(conn *ipc.Conn, header ipc.Header, line []byte) {
	switch header.Type {
	case ipc.TypeHandshake:
		o.handleHandshake(conn, header, line)
	case ipc.TypePermissionRequest:
		var req ipc.PermissionRequest
		if err := ipc.DecodePayload(line, &req); err == nil {
			o.broker.Submit(o.ctx, conn.ChildID(), header, req, conn)
			o.updateStatus(conn.ChildID(), func(e *childEntry) {
				e.status = types.StatusWaitingPermission
			})
		}
	case ipc.TypeStatusUpdate:
		var su ipc.StatusUpdate
		if err := ipc.DecodePayload(line, &su); err == nil {
			o.updateStatus(conn.ChildID(), func(e *childEntry) {
				e.status = su.Status
				e.currentTool = su.CurrentTool
				e.progress = su.Progress
				if su.TokensUsed != nil {
					e.tokensUsed = *su.TokensUsed
				}
			})
		}
	case ipc.TypeLog:
		var lm ipc.LogMessage
		if err := ipc.DecodePayload(line, &lm); err == nil {
			logging.Get(logging.CategoryOrchestrator).Info("[%s] %s: %s", conn.ChildID(), lm.Level, lm.Content)
		}
	case ipc.TypeTaskComplete:
		var tc ipc.TaskComplete
		if err := ipc.DecodePayload(line, &tc); err == nil {
			o.finish(conn.ChildID(), types.StatusComplete, "", &tc)
		}
	case ipc.TypeTaskError:
		var te ipc.TaskError
		if err := ipc.DecodePayload(line, &te); err == nil {
			o.finish(conn.ChildID(), types.StatusFailed, te.Message, nil)
		}
	}
}

// handleHandshake registers the child and replies with its tool grant.
func (o *Orchestrator) handleHandshake(conn *ipc.Conn, header ipc.Header, line []byte) {
	var hs ipc.Handshake
	if err := ipc.DecodePayload(line, &hs); err != nil {
		return
	}

	o.mu.Lock()
	entry, ok := o.children[hs.ChildID]
	if ok && entry.status == types.StatusStarting {
		entry.status = types.StatusIdle
	}
	o.mu.Unlock()

	if !ok {
		conn.Send(header.ID, ipc.TypeHandshakeAck, ipc.HandshakeAck{
			Accepted: false,
			Reason:   fmt.Sprintf("unknown child id %s", hs.ChildID),
		})
		return
	}

	ack := ipc.HandshakeAck{Accepted: true, AutoApprove: o.config.DefaultAutoApprove}
	switch entry.kind {
	case "reader":
		ack.Tools = o.config.ReaderTools
	default:
		ack.Tools = o.config.WorkerTools
		ack.ModelOverride = entry.workerConfig.Model
		ack.AutoApprove = append(ack.AutoApprove, entry.workerConfig.AutoApproveTools...)
	}
	conn.Send(header.ID, ipc.TypeHandshakeAck, ack)
	logging.Orchestrator("Child %s handshake complete (%s)", hs.ChildID, entry.kind)
}

// OnDisconnect implements ipc.Handler. A child dropping its connection
// before a terminal message is a failure.
func (o *Orchestrator) OnDisconnect(conn *ipc.Conn, childID string) {
	if childID == "" {
		return
	}
	o.broker.Drop(childID)

	o.mu.Lock()
	entry, ok := o.children[childID]
	terminal := ok && entry.status.Terminal()
	o.mu.Unlock()
	if !ok || terminal {
		return
	}
	o.finish(childID, types.StatusFailed, "IPC disconnect", nil)
}

// updateStatus applies a mutation to a live child entry.
func (o *Orchestrator) updateStatus(childID string, fn func(*childEntry)) {
	if childID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.children[childID]
	if !ok || entry.status.Terminal() {
		return
	}
	fn(entry)
}

// finish drives a child to a terminal state, cleans up its worktree, and
// emits its result.
func (o *Orchestrator) finish(childID string, status types.WorkerStatus, errMsg string, tc *ipc.TaskComplete) {
	o.mu.Lock()
	entry, ok := o.children[childID]
	if !ok || entry.status.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	entry.status = status
	entry.completedAt = &now
	entry.errMsg = errMsg
	entry.reapedAt = now
	if tc != nil {
		entry.tokensUsed = tc.TokensUsed
	}
	o.mu.Unlock()

	if entry.stop != nil {
		entry.stop()
	}
	if entry.worktreePath != "" {
		if err := o.worktrees.Remove(context.Background(), entry.worktreePath); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("Worktree cleanup for %s failed: %v", childID, err)
		}
	}

	duration := now.Sub(entry.startedAt).Milliseconds()
	var result any
	if entry.kind == "worker" {
		r := types.WorkerResult{
			WorkerID:   childID,
			Branch:     entry.workerConfig.Branch,
			Success:    status == types.StatusComplete,
			DurationMs: duration,
			TokensUsed: entry.tokensUsed,
			Error:      errMsg,
		}
		if tc != nil {
			r.Response = tc.Response
			r.Commits = tc.Commits
			r.FilesChanged = tc.FilesChanged
			r.PRURL = tc.PRURL
			r.ToolCallCount = tc.ToolCallCount
		}
		result = r
	} else {
		r := types.ReaderResult{
			ReaderID:   childID,
			Success:    status == types.StatusComplete,
			DurationMs: duration,
			TokensUsed: entry.tokensUsed,
			Error:      errMsg,
		}
		if tc != nil {
			r.Response = tc.Response
			r.ToolCallCount = tc.ToolCallCount
		}
		result = r
	}

	entry.result <- result
	close(entry.done)
	logging.Orchestrator("Child %s finished: %s (%dms)", childID, status, duration)

	// Reap the entry once the TTL has passed. Reading the result does not
	// remove it earlier.
	go func() {
		timer := time.NewTimer(o.config.ResultTTL)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-o.ctx.Done():
		}
		o.mu.Lock()
		delete(o.children, childID)
		o.mu.Unlock()
	}()
}

// Cancel stops a child: pending confirmations are voided, the child is told
// to stop, and its state becomes cancelled.
func (o *Orchestrator) Cancel(childID, reason string) error {
	o.mu.Lock()
	entry, ok := o.children[childID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no child %s", childID)
	}
	if entry.status.Terminal() {
		return nil
	}

	o.broker.Void(childID)
	o.server.Cancel(childID, reason)
	o.finish(childID, types.StatusCancelled, reason, nil)
	return nil
}

// WaitAll blocks until every child reached a terminal state or ctx ends.
func (o *Orchestrator) WaitAll(ctx context.Context) error {
	for {
		o.mu.Lock()
		var pending []chan struct{}
		for _, entry := range o.children {
			if !entry.status.Terminal() {
				pending = append(pending, entry.done)
			}
		}
		o.mu.Unlock()

		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pending[0]:
		}
	}
}

// GetWorker returns a snapshot of one worker's state.
func (o *Orchestrator) GetWorker(id string) (types.WorkerState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.children[id]
	if !ok || entry.kind != "worker" {
		return types.WorkerState{}, false
	}
	return types.WorkerState{
		Config:      entry.workerConfig,
		Status:      entry.status,
		CurrentTool: entry.currentTool,
		Progress:    entry.progress,
		TokensUsed:  entry.tokensUsed,
		StartedAt:   entry.startedAt,
		CompletedAt: entry.completedAt,
		Error:       entry.errMsg,
	}, true
}

// GetReader returns a snapshot of one reader's state.
func (o *Orchestrator) GetReader(id string) (types.ReaderState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.children[id]
	if !ok || entry.kind != "reader" {
		return types.ReaderState{}, false
	}
	return types.ReaderState{
		Config:      entry.readerConfig,
		Status:      entry.status,
		CurrentTool: entry.currentTool,
		Progress:    entry.progress,
		TokensUsed:  entry.tokensUsed,
		StartedAt:   entry.startedAt,
		CompletedAt: entry.completedAt,
		Error:       entry.errMsg,
	}, true
}

// Workers enumerates worker IDs.
func (o *Orchestrator) Workers() []string { return o.ids("worker") }

// Readers enumerates reader IDs.
func (o *Orchestrator) Readers() []string { return o.ids("reader") }

func (o *Orchestrator) ids(kind string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for id, entry := range o.children {
		if entry.kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// Shutdown cancels every live child, waits for cleanup up to deadline, and
// closes the server.
func (o *Orchestrator) Shutdown(deadline time.Duration) {
	o.mu.Lock()
	var live []string
	for id, entry := range o.children {
		if !entry.status.Terminal() {
			live = append(live, id)
		}
	}
	o.mu.Unlock()

	for _, id := range live {
		o.Cancel(id, "orchestrator shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	o.WaitAll(ctx)

	o.broker.Stop()
	o.cancel()
	o.server.Close()
	logging.Orchestrator("Orchestrator shut down")
}
