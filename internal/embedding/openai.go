package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"codi/internal/logging"
)

// =============================================================================
// OPENAI EMBEDDING ENGINE
// =============================================================================

// Embedding batches above this size are split; the API caps request sizes.
const openaiMaxBatch = 2048

// openaiDims maps known embedding models to their dimensionality.
var openaiDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEngine generates embeddings using the OpenAI embeddings API.
type OpenAIEngine struct {
	client openai.Client
	model  string
	dims   int
}

// NewOpenAIEngine creates a new OpenAI embedding engine.
func NewOpenAIEngine(apiKey, model string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}

	dims, ok := openaiDims[model]
	if !ok {
		dims = 1536
	}

	logging.Embedding("Creating OpenAI embedding engine: model=%s, dims=%d", model, dims)

	return &OpenAIEngine{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		dims:   dims,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	batch, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return batch[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call,
// splitting into sub-batches when the input exceeds the API limit.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "OpenAI.EmbedBatch")
	defer timer.Stop()

	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += openaiMaxBatch {
		end := start + openaiMaxBatch
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts[start:end],
			},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			logging.Get(logging.CategoryEmbedding).Error("OpenAI.EmbedBatch: API call failed: %v", err)
			return nil, fmt.Errorf("openai embeddings failed: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), end-start)
		}

		for _, item := range resp.Data {
			vec := make([]float32, len(item.Embedding))
			for i, v := range item.Embedding {
				vec[i] = float32(v)
			}
			out = append(out, vec)
		}
	}

	logging.EmbeddingDebug("OpenAI.EmbedBatch: processed %d texts", len(texts))
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *OpenAIEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *OpenAIEngine) Name() string { return fmt.Sprintf("openai:%s", e.model) }

// Provider returns the backend identifier.
func (e *OpenAIEngine) Provider() string { return "openai" }
