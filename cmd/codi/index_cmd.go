package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codi/internal/config"
	"codi/internal/retrieval"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build or refresh the semantic code index",
	RunE: func(cmd *cobra.Command, args []string) error {
		root := projectRoot()
		cfg, err := config.Load(root)
		if err != nil {
			return err
		}
		engine, err := buildEngine(root, cfg)
		if err != nil {
			return err
		}
		logger.Info("Indexing project",
			zap.String("root", root),
			zap.String("engine", engine.Name()),
			zap.Int("parallel_jobs", cfg.ParallelJobs))

		store, err := openStore(root, engine)
		if err != nil {
			return err
		}

		ix := buildIndexer(root, cfg, store, engine)
		ix.OnError = func(path string, err error) {
			logger.Warn("File indexing failed", zap.String("path", path), zap.Error(err))
		}
		stats, err := ix.FullScan(cmd.Context())
		if err != nil {
			return err
		}

		count, size := store.Stats()
		fmt.Printf("indexed %d files (%d chunks stored, %d removed, %d skipped, %d errors)\n",
			stats.FilesIndexed, stats.ChunksStored, stats.FilesRemoved, stats.FilesSkipped, stats.Errors)
		fmt.Printf("store: %d chunks, %d bytes, %s\n", count, size, engine.Name())
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the semantic code index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := projectRoot()
		cfg, err := config.Load(root)
		if err != nil {
			return err
		}
		engine, err := buildEngine(root, cfg)
		if err != nil {
			return err
		}
		store, err := openStore(root, engine)
		if err != nil {
			return err
		}
		r, err := buildRetriever(cfg, store, engine)
		if err != nil {
			return err
		}

		query := strings.Join(args, " ")
		logger.Debug("Searching index", zap.String("query", query), zap.Int("top_k", cfg.TopK))
		results, err := r.Search(cmd.Context(), query, cfg.TopK, cfg.MinScore)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no matches")
			return nil
		}
		fmt.Print(retrieval.FormatAsToolOutput(results))
		return nil
	},
}
