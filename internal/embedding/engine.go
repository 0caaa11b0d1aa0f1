// Package embedding provides vector embedding generation for the retrieval
// index. Supported backends: Ollama (local), OpenAI, and Google GenAI; the
// active backend is chosen by configuration or resolved through the model
// map.
package embedding

import (
	"context"
	"fmt"
	"os"

	"codi/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string

	// Provider returns the backend identifier ("ollama", "openai", "genai")
	Provider() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "auto", "ollama", "openai", or "genai". "modelmap" is
	// resolved by the caller into one of the concrete providers before the
	// factory runs.
	Provider string `json:"provider"`

	// Ollama
	OllamaEndpoint string `json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `json:"ollama_model"`    // Default: "nomic-embed-text"

	// OpenAI
	OpenAIAPIKey string `json:"openai_api_key"`
	OpenAIModel  string `json:"openai_model"` // Default: "text-embedding-3-small"

	// GenAI
	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `json:"task_type"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "auto",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "nomic-embed-text",
		OpenAIModel:    "text-embedding-3-small",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "SEMANTIC_SIMILARITY",
	}
}

// NewEngine creates an embedding engine based on configuration. "auto"
// prefers OpenAI when an API key is available and falls back to local
// Ollama otherwise.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	provider := cfg.Provider
	if provider == "" || provider == "auto" {
		if key := firstNonEmpty(cfg.OpenAIAPIKey, os.Getenv("OPENAI_API_KEY")); key != "" {
			cfg.OpenAIAPIKey = key
			provider = "openai"
		} else {
			provider = "ollama"
		}
		logging.Embedding("Auto-selected embedding provider: %s", provider)
	}

	var engine Engine
	var err error
	switch provider {
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "openai":
		key := firstNonEmpty(cfg.OpenAIAPIKey, os.Getenv("OPENAI_API_KEY"))
		engine, err = NewOpenAIEngine(key, cfg.OpenAIModel)
	case "genai":
		key := firstNonEmpty(cfg.GenAIAPIKey, os.Getenv("GEMINI_API_KEY"))
		engine, err = NewGenAIEngine(key, cfg.GenAIModel, cfg.TaskType)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'auto', 'ollama', 'openai', or 'genai')", provider)
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// NewEngineWithFallbacks tries each configuration in order, returning the
// first engine that constructs. Fallbacks are consulted on explicit
// construction error only.
func NewEngineWithFallbacks(primary Config, fallbacks ...Config) (Engine, error) {
	engine, err := NewEngine(primary)
	if err == nil {
		return engine, nil
	}
	for i, fb := range fallbacks {
		logging.Embedding("Primary embedding engine failed (%v), trying fallback %d", err, i+1)
		engine, ferr := NewEngine(fb)
		if ferr == nil {
			return engine, nil
		}
		err = ferr
	}
	return nil, fmt.Errorf("no embedding engine available: %w", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
