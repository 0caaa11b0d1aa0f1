package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codi/internal/config"
	"codi/internal/orchestrator"
	"codi/internal/types"

	"codi/cmd/codi/ui"
)

var (
	flagTasks      []string
	flagBaseBranch string
	flagReaders    []string
	flagScope      string
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run tasks in parallel child agents",
	Long: `Spawns one writer child per --task, each in its own git worktree and
branch, plus one read-only child per --read task. Permission requests from
all children funnel to this terminal, one at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(flagTasks) == 0 && len(flagReaders) == 0 {
			return fmt.Errorf("at least one --task or --read is required")
		}

		root := projectRoot()
		cfg, err := config.Load(root)
		if err != nil {
			return err
		}

		console := ui.NewConsole(os.Stdin, os.Stdout)
		orch, err := orchestrator.New(orchestrator.Config{
			RepoRoot:           root,
			WorktreeDir:        cfg.WorktreeDir,
			UI:                 console,
			DefaultAutoApprove: cfg.ApprovalPatterns,
		})
		if err != nil {
			return err
		}
		defer orch.Shutdown(30 * time.Second)

		var results []<-chan any
		for i, task := range flagTasks {
			id := fmt.Sprintf("worker-%d", i+1)
			branch := fmt.Sprintf("codi/task-%d-%s", i+1, uuid.NewString()[:8])
			ch, err := orch.SpawnWorker(cmd.Context(), types.WorkerConfig{
				ID:         id,
				Branch:     branch,
				Task:       task,
				BaseBranch: flagBaseBranch,
				Model:      flagModel,
			})
			if err != nil {
				return err
			}
			logger.Info("Spawning worker",
				zap.String("id", id),
				zap.String("branch", branch),
				zap.String("task", task))
			console.Status("spawned %s on %s: %s", id, branch, task)
			results = append(results, ch)
		}
		for i, task := range flagReaders {
			id := fmt.Sprintf("reader-%d", i+1)
			ch, err := orch.SpawnReader(cmd.Context(), types.ReaderConfig{
				ID:          id,
				Task:        task,
				ScopePrefix: flagScope,
				Model:       flagModel,
			})
			if err != nil {
				return err
			}
			logger.Info("Spawning reader", zap.String("id", id), zap.String("task", task))
			console.Status("spawned %s: %s", id, task)
			results = append(results, ch)
		}

		failed := 0
		for _, ch := range results {
			select {
			case raw := <-ch:
				switch r := raw.(type) {
				case types.WorkerResult:
					if r.Success {
						console.Result("%s done on %s: %d commits, %d files (%dms)",
							r.WorkerID, r.Branch, len(r.Commits), len(r.FilesChanged), r.DurationMs)
					} else {
						failed++
						logger.Warn("Worker failed", zap.String("id", r.WorkerID), zap.String("error", r.Error))
						console.Error("%s failed: %s", r.WorkerID, r.Error)
					}
				case types.ReaderResult:
					if r.Success {
						console.Result("%s:\n%s", r.ReaderID, r.Response)
					} else {
						failed++
						console.Error("%s failed: %s", r.ReaderID, r.Error)
					}
				}
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d children failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	orchestrateCmd.Flags().StringArrayVarP(&flagTasks, "task", "t", nil, "writer task (repeatable)")
	orchestrateCmd.Flags().StringVar(&flagBaseBranch, "base", "main", "base branch for worker branches")
	orchestrateCmd.Flags().StringArrayVarP(&flagReaders, "read", "r", nil, "read-only task (repeatable)")
	orchestrateCmd.Flags().StringVar(&flagScope, "scope", "", "scope prefix for read-only tasks")
}
