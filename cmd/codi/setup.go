package main

import (
	"fmt"
	"os"
	"path/filepath"

	"codi/internal/config"
	"codi/internal/embedding"
	"codi/internal/indexer"
	"codi/internal/logging"
	"codi/internal/provider"
	"codi/internal/retrieval"
	"codi/internal/vectorstore"
)

// buildEngine resolves the configured embedding provider, consulting the
// model map when embeddingProvider is "modelmap".
func buildEngine(root string, cfg config.Config) (embedding.Engine, error) {
	ecfg := embedding.DefaultConfig()
	ecfg.Provider = cfg.EmbeddingProvider
	if cfg.OpenAIModel != "" {
		ecfg.OpenAIModel = cfg.OpenAIModel
	}
	if cfg.OllamaModel != "" {
		ecfg.OllamaModel = cfg.OllamaModel
	}
	if cfg.OllamaBaseURL != "" {
		ecfg.OllamaEndpoint = cfg.OllamaBaseURL
	}

	if cfg.EmbeddingProvider != "modelmap" {
		return embedding.NewEngine(ecfg)
	}

	mapPath := cfg.ModelMapPath
	if mapPath == "" {
		mapPath = filepath.Join(root, "models.yaml")
	}
	m, err := config.LoadModelMap(mapPath)
	if err != nil {
		return nil, fmt.Errorf("embeddingProvider is modelmap: %w", err)
	}
	def, err := m.ResolveTask("embeddings")
	if err != nil {
		return nil, err
	}

	primary := engineConfigFor(ecfg, def)
	var fallbacks []embedding.Config
	for _, fb := range m.TaskFallbacks("embeddings") {
		fallbacks = append(fallbacks, engineConfigFor(ecfg, fb))
	}
	return embedding.NewEngineWithFallbacks(primary, fallbacks...)
}

// engineConfigFor projects one model map entry onto an engine config.
func engineConfigFor(base embedding.Config, def config.ModelDef) embedding.Config {
	out := base
	out.Provider = def.Provider
	switch def.Provider {
	case "openai":
		out.OpenAIModel = def.Model
	case "ollama":
		out.OllamaModel = def.Model
		if def.BaseURL != "" {
			out.OllamaEndpoint = def.BaseURL
		}
	case "genai":
		out.GenAIModel = def.Model
	}
	return out
}

// openStore opens (or rebuilds) the on-disk vector store for the engine.
func openStore(root string, engine embedding.Engine) (*vectorstore.Store, error) {
	dir := config.IndexDir(root)
	store, err := vectorstore.Open(dir, engine.Provider(), engine.Name())
	if err == nil {
		return store, nil
	}

	// Corruption or dimension mismatch: rebuild from scratch, wiping the
	// incremental cache so the next scan starts clean.
	logging.Get(logging.CategoryStore).Warn("Index unusable (%v); rebuilding", err)
	os.RemoveAll(dir)
	os.Remove(config.CacheFile(root))
	return vectorstore.New(dir, engine.Provider(), engine.Name()), nil
}

// buildIndexer wires the indexer for a project.
func buildIndexer(root string, cfg config.Config, store *vectorstore.Store, engine embedding.Engine) *indexer.Indexer {
	ix := indexer.New(root, config.CacheFile(root), store, engine, indexer.Config{
		IncludePatterns: cfg.IncludePatterns,
		ExcludePatterns: cfg.ExcludePatterns,
		ParallelJobs:    cfg.ParallelJobs,
		AutoIndex:       cfg.AutoIndexEnabled(),
		WatchFiles:      cfg.WatchFilesEnabled(),
	})
	ix.OnError = func(path string, err error) {
		fmt.Fprintf(os.Stderr, "index: %s: %v\n", path, err)
	}
	return ix
}

// buildRetriever wires retrieval for a project. It fails when the store was
// built with a different embedding provider than engine.
func buildRetriever(cfg config.Config, store *vectorstore.Store, engine embedding.Engine) (*retrieval.Retriever, error) {
	return retrieval.New(store, engine, cfg.TopK, cfg.MinScore)
}

// buildProvider constructs the model backend from the environment.
func buildProvider(model string) (provider.ModelProvider, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	return provider.NewAnthropicProvider(key, model)
}
