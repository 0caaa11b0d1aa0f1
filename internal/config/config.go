// Package config loads the project configuration file (.codi.json) and the
// YAML model map. It reads no environment variables; API keys are read from
// the environment by the provider and embedding constructors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DangerousPattern is a user-supplied rule extending the built-in dangerous
// command classifier.
type DangerousPattern struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Block       bool   `json:"block,omitempty"`
}

// DebugConfig controls categorized file logging.
type DebugConfig struct {
	Enabled    bool            `json:"enabled"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
	JSONFormat bool            `json:"json_format,omitempty"`
}

// Config is the parsed .codi.json.
type Config struct {
	IncludePatterns []string `json:"includePatterns,omitempty"`
	ExcludePatterns []string `json:"excludePatterns,omitempty"`

	// EmbeddingProvider: "auto", "openai", "ollama", or "modelmap".
	EmbeddingProvider string `json:"embeddingProvider,omitempty"`
	OpenAIModel       string `json:"openaiModel,omitempty"`
	OllamaModel       string `json:"ollamaModel,omitempty"`
	OllamaBaseURL     string `json:"ollamaBaseUrl,omitempty"`

	TopK     int     `json:"topK,omitempty"`
	MinScore float64 `json:"minScore,omitempty"`

	AutoIndex    *bool `json:"autoIndex,omitempty"`
	WatchFiles   *bool `json:"watchFiles,omitempty"`
	ParallelJobs int   `json:"parallelJobs,omitempty"`

	ApprovalPatterns  []string           `json:"approvalPatterns,omitempty"`
	DangerousPatterns []DangerousPattern `json:"dangerousPatterns,omitempty"`

	// ModelMapPath points at the YAML model map; used when
	// EmbeddingProvider is "modelmap".
	ModelMapPath string `json:"modelMapPath,omitempty"`

	Debug DebugConfig `json:"debug,omitempty"`

	// WorktreeDir is where worker worktrees are created. Defaults to
	// <tmpdir>/codi-worktrees.
	WorktreeDir string `json:"worktreeDir,omitempty"`
}

// FileName is the project configuration file name.
const FileName = ".codi.json"

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		IncludePatterns:   []string{"**/*"},
		EmbeddingProvider: "auto",
		TopK:              8,
		MinScore:          0.2,
		ParallelJobs:      4,
	}
}

// Load reads .codi.json from the project root. A missing file yields the
// defaults; a malformed file is an error.
func Load(projectRoot string) (Config, error) {
	cfg := Default()

	path := filepath.Join(projectRoot, FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", FileName, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", FileName, err)
	}

	if cfg.EmbeddingProvider == "" {
		cfg.EmbeddingProvider = "auto"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.ParallelJobs == 0 {
		cfg.ParallelJobs = 4
	}
	if len(cfg.IncludePatterns) == 0 {
		cfg.IncludePatterns = []string{"**/*"}
	}
	return cfg, nil
}

// AutoIndexEnabled resolves the tri-state autoIndex flag (default true).
func (c Config) AutoIndexEnabled() bool {
	return c.AutoIndex == nil || *c.AutoIndex
}

// WatchFilesEnabled resolves the tri-state watchFiles flag (default true).
func (c Config) WatchFilesEnabled() bool {
	return c.WatchFiles == nil || *c.WatchFiles
}

// IndexDir is the on-disk location of the vector index for a project.
func IndexDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".codi", "index")
}

// CacheFile is the incremental indexer cache sidecar for a project.
func CacheFile(projectRoot string) string {
	return filepath.Join(projectRoot, ".codi", "index-cache.json")
}
