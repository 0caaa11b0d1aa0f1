package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.EmbeddingProvider)
	assert.Equal(t, 4, cfg.ParallelJobs)
	assert.True(t, cfg.AutoIndexEnabled())
	assert.True(t, cfg.WatchFilesEnabled())
}

func TestLoad_ParsesRecognizedKeys(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"includePatterns": ["src/**/*.ts"],
		"excludePatterns": ["**/*.test.ts"],
		"embeddingProvider": "ollama",
		"ollamaModel": "nomic-embed-text",
		"topK": 12,
		"minScore": 0.4,
		"autoIndex": false,
		"parallelJobs": 8,
		"approvalPatterns": ["read:*", "bash:npm test"],
		"dangerousPatterns": [{"pattern": "drop table", "description": "sql", "block": true}]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.EmbeddingProvider)
	assert.Equal(t, 12, cfg.TopK)
	assert.Equal(t, 8, cfg.ParallelJobs)
	assert.False(t, cfg.AutoIndexEnabled())
	assert.Len(t, cfg.ApprovalPatterns, 2)
	require.Len(t, cfg.DangerousPatterns, 1)
	assert.True(t, cfg.DangerousPatterns[0].Block)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

const modelMapYAML = `
version: 1
models:
  fast-embed:
    provider: openai
    model: text-embedding-3-small
  local-embed:
    provider: ollama
    model: nomic-embed-text
    baseUrl: http://localhost:11434
tasks:
  embeddings:
    model: fast-embed
  embeddings-local:
    model: local-embed
fallbacks:
  embeddings: [local-embed]
`

func TestLoadModelMap_ResolvesTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(modelMapYAML), 0644))

	m, err := LoadModelMap(path)
	require.NoError(t, err)

	def, err := m.ResolveTask("embeddings")
	require.NoError(t, err)
	assert.Equal(t, "openai", def.Provider)
	assert.Equal(t, "text-embedding-3-small", def.Model)

	local, err := m.ResolveTask("embeddings-local")
	require.NoError(t, err)
	assert.Equal(t, "ollama", local.Provider)
	assert.Equal(t, "http://localhost:11434", local.BaseURL)

	fbs := m.TaskFallbacks("embeddings")
	require.Len(t, fbs, 1)
	assert.Equal(t, "ollama", fbs[0].Provider)
}

func TestLoadModelMap_UnknownTaskModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("version: 1\nmodels: {}\ntasks:\n  embeddings:\n    model: ghost\n"), 0644))
	_, err := LoadModelMap(path)
	assert.Error(t, err)
}

func TestLoadModelMap_BadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 2\n"), 0644))
	_, err := LoadModelMap(path)
	assert.Error(t, err)
}

func TestResolveTask_Missing(t *testing.T) {
	m := &ModelMap{Version: 1, Models: map[string]ModelDef{}, Tasks: map[string]TaskDef{}}
	_, err := m.ResolveTask("embeddings")
	assert.Error(t, err)
}
