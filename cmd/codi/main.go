// Package main implements the codi CLI - a terminal AI coding assistant
// with a retrieval index and an orchestrator for parallel child agents.
//
// Command layout:
//   - main.go            - entry point, rootCmd, global flags
//   - chat.go            - interactive chat loop (default command)
//   - index_cmd.go       - index / search commands
//   - orchestrate_cmd.go - parallel worker orchestration
//   - worker_cmd.go      - hidden child-agent modes (worker, reader)
//   - setup.go           - shared wiring: config, store, engine, provider
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codi/internal/logging"
)

// Exit codes: 0 success, 1 unrecoverable error, 130 SIGINT.
const exitSIGINT = 130

var (
	flagProject string
	flagModel   string
	flagVerbose bool

	// Logger for CLI output in non-interactive commands
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "codi",
	Short: "codi is a terminal AI coding assistant",
	Long: `codi is a terminal AI coding assistant with semantic code retrieval,
context compaction, and an orchestrator that runs isolated child agents
in parallel git worktrees.

Run without arguments to start the interactive chat interface.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip zap init for interactive mode (it has its own console rendering)
		if cmd.Use == "codi" && cmd.CalledAs() == "codi" {
			if err := logging.Initialize(projectRoot()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
			}
			return nil
		}

		// Initialize zap logger for CLI output
		config := zap.NewProductionConfig()
		if flagVerbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		// Initialize the file-based logging system for telemetry/debugging
		// alongside it; this enables .codi/logs/ output for non-interactive
		// commands
		if err := logging.Initialize(projectRoot()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "project root (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "model identifier override")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug output")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(orchestrateCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(readerCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		os.Exit(exitSIGINT)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func projectRoot() string {
	if flagProject != "" {
		return flagProject
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
