package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codi/internal/child"
)

// Hidden child-agent modes, spawned by the orchestrator with their
// parameters in the environment.

var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Run as a writer child agent (internal)",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := child.OptionsFromEnv("worker")
		opts.NewProvider = buildProvider
		logger.Info("Worker child starting",
			zap.String("id", opts.ChildID),
			zap.String("branch", opts.Branch),
			zap.String("worktree", opts.Worktree))
		if err := child.Run(cmd.Context(), opts); err != nil {
			logger.Error("Worker child failed", zap.String("id", opts.ChildID), zap.Error(err))
			return err
		}
		return nil
	},
}

var readerCmd = &cobra.Command{
	Use:    "reader",
	Hidden: true,
	Short:  "Run as a read-only child agent (internal)",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := child.OptionsFromEnv("reader")
		opts.NewProvider = buildProvider
		logger.Info("Reader child starting",
			zap.String("id", opts.ChildID),
			zap.String("scope", opts.ScopePrefix))
		if err := child.Run(cmd.Context(), opts); err != nil {
			logger.Error("Reader child failed", zap.String("id", opts.ChildID), zap.Error(err))
			return err
		}
		return nil
	},
}
