// Package retrieval answers semantic code queries against the vector store
// and formats the hits for context injection or tool output.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"codi/internal/embedding"
	"codi/internal/logging"
	"codi/internal/vectorstore"
)

// Truncation limits for formatted chunk contents.
const (
	contextTruncateAt    = 2000
	toolOutputTruncateAt = 3000
)

const truncationMarker = "\n... [truncated]"

// Retriever embeds queries with the same engine that built the store and
// runs similarity search.
type Retriever struct {
	store  *vectorstore.Store
	engine embedding.Engine

	defaultTopK     int
	defaultMinScore float64
}

// New creates a retriever. The engine must match the store's manifest; a
// store built by one embedding provider cannot answer queries embedded by
// another.
func New(store *vectorstore.Store, engine embedding.Engine, topK int, minScore float64) (*Retriever, error) {
	manifest := store.Manifest()
	if manifest.Provider != "" && manifest.Provider != engine.Provider() {
		return nil, fmt.Errorf("store was built with provider %q but engine is %q; re-index required",
			manifest.Provider, engine.Provider())
	}
	if topK <= 0 {
		topK = 8
	}
	return &Retriever{
		store:           store,
		engine:          engine,
		defaultTopK:     topK,
		defaultMinScore: minScore,
	}, nil
}

// Search embeds the query and returns the most similar chunks. Zero topK
// uses the retriever default.
func (r *Retriever) Search(ctx context.Context, query string, topK int, minScore float64) ([]vectorstore.QueryResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	if topK == 0 {
		topK = r.defaultTopK
	}
	if minScore == 0 {
		minScore = r.defaultMinScore
	}

	vec, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results := r.store.Query(vec, topK, minScore)
	logging.Retrieval("Search %q: %d results", query, len(results))
	return results, nil
}

// FormatForContext renders results as the markdown block injected into the
// model's context.
func FormatForContext(results []vectorstore.QueryResult) string {
	return format(results, contextTruncateAt)
}

// FormatAsToolOutput renders results in the tool-output format the CLI
// search prints, with a larger truncation allowance.
func FormatAsToolOutput(results []vectorstore.QueryResult) string {
	return format(results, toolOutputTruncateAt)
}

func format(results []vectorstore.QueryResult, truncateAt int) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Relevant Code Context\n")
	for _, res := range results {
		chunk := res.Chunk
		b.WriteString(fmt.Sprintf("\n### %s:%d-%d (%.0f%% match)\n",
			chunk.RelativePath, chunk.StartLine, chunk.EndLine, res.Score*100))
		if chunk.Name != "" {
			b.WriteString(fmt.Sprintf("%s `%s`\n", chunk.Kind, chunk.Name))
		} else {
			b.WriteString(fmt.Sprintf("%s\n", chunk.Kind))
		}

		content := chunk.Content
		if len(content) > truncateAt {
			content = content[:truncateAt] + truncationMarker
		}
		b.WriteString(fmt.Sprintf("```%s\n%s\n```\n", chunk.Language, content))
	}
	return b.String()
}
