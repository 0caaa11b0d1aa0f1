// Package worktree creates and removes the per-worker git worktrees that
// isolate writer children from the parent checkout. All git interaction is
// subprocess plumbing.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"codi/internal/logging"
)

// Error wraps a failed git operation.
type Error struct {
	Op     string
	Detail string
}

func (e *Error) Error() string { return fmt.Sprintf("worktree %s: %s", e.Op, e.Detail) }

// branchNamePattern is the allowed branch name shape. Enforced here on
// behalf of callers constructing branches from task labels.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// ValidBranchName reports whether name is an acceptable branch name.
func ValidBranchName(name string) bool {
	return name != "" && branchNamePattern.MatchString(name)
}

// gitRunner abstracts subprocess execution so tests can fake git.
type gitRunner func(ctx context.Context, dir string, args ...string) (string, error)

func realGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Manager creates worktrees under worktreeDir for one repository.
type Manager struct {
	repoRoot    string
	worktreeDir string
	git         gitRunner
}

// NewManager creates a manager for the repository at repoRoot. Worktrees
// are created under worktreeDir, defaulting to <tmpdir>/codi-worktrees.
func NewManager(repoRoot, worktreeDir string) *Manager {
	if worktreeDir == "" {
		worktreeDir = filepath.Join(os.TempDir(), "codi-worktrees")
	}
	return &Manager{
		repoRoot:    repoRoot,
		worktreeDir: worktreeDir,
		git:         realGit,
	}
}

// Create makes a new worktree on a new branch off baseBranch and returns
// its path.
func (m *Manager) Create(ctx context.Context, branch, baseBranch string) (string, error) {
	timer := logging.StartTimer(logging.CategoryWorktree, "Create")
	defer timer.Stop()

	if !ValidBranchName(branch) {
		return "", &Error{Op: "create", Detail: fmt.Sprintf("invalid branch name %q", branch)}
	}
	if baseBranch == "" {
		baseBranch = "HEAD"
	}

	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", &Error{Op: "create", Detail: err.Error()}
	}

	// Unique directory per branch; slashes in branch names flatten out.
	dirName := fmt.Sprintf("codi-%s", strings.ReplaceAll(branch, "/", "-"))
	path := filepath.Join(m.worktreeDir, dirName)

	if _, err := m.git(ctx, m.repoRoot, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return "", &Error{Op: "create", Detail: err.Error()}
	}

	logging.Worktree("Created worktree %s (branch %s from %s)", path, branch, baseBranch)
	return path, nil
}

// Remove detaches and deletes a worktree.
func (m *Manager) Remove(ctx context.Context, path string) error {
	timer := logging.StartTimer(logging.CategoryWorktree, "Remove")
	defer timer.Stop()

	if _, err := m.git(ctx, m.repoRoot, "worktree", "remove", "--force", path); err != nil {
		// The checkout may already be gone; prune bookkeeping either way.
		m.git(ctx, m.repoRoot, "worktree", "prune")
		if _, statErr := os.Stat(path); statErr == nil {
			return &Error{Op: "remove", Detail: err.Error()}
		}
	}

	logging.Worktree("Removed worktree %s", path)
	return nil
}

// List enumerates the repository's worktrees (the main checkout included).
func (m *Manager) List(ctx context.Context) ([]string, error) {
	out, err := m.git(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, &Error{Op: "list", Detail: err.Error()}
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, rest)
		}
	}
	return paths, nil
}

// Cleanup prunes dangling worktree records and removes any leftover codi
// worktrees from earlier runs.
func (m *Manager) Cleanup(ctx context.Context) error {
	if _, err := m.git(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		return &Error{Op: "cleanup", Detail: err.Error()}
	}

	paths, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if filepath.Dir(p) == m.worktreeDir && strings.HasPrefix(filepath.Base(p), "codi-") {
			if err := m.Remove(ctx, p); err != nil {
				logging.Get(logging.CategoryWorktree).Warn("Cleanup of %s failed: %v", p, err)
			}
		}
	}
	return nil
}
