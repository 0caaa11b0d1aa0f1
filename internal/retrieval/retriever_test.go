package retrieval

import (
	"context"
	"strings"
	"testing"

	"codi/internal/chunker"
	"codi/internal/vectorstore"
)

type fixedEngine struct {
	provider string
	vec      []float32
}

func (f *fixedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

func (f *fixedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fixedEngine) Dimensions() int  { return len(f.vec) }
func (f *fixedEngine) Name() string     { return "fixed" }
func (f *fixedEngine) Provider() string { return f.provider }

func seededStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	s := vectorstore.New(t.TempDir(), "test", "fixed")
	chunk := chunker.Chunk{
		ID:           chunker.ChunkID("/p/auth.go", 10),
		RelativePath: "auth.go",
		AbsolutePath: "/p/auth.go",
		Language:     "go",
		StartLine:    10,
		EndLine:      30,
		Content:      "func Authenticate() {}",
		Kind:         chunker.KindFunction,
		Name:         "Authenticate",
	}
	if err := s.Upsert(chunk, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNew_ProviderMismatchIsHardError(t *testing.T) {
	s := seededStore(t)
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	_, err := New(s, &fixedEngine{provider: "other", vec: []float32{1, 0}}, 5, 0)
	if err == nil {
		t.Fatalf("provider mismatch should be a hard error")
	}
}

func TestSearch_ReturnsFormattedResults(t *testing.T) {
	s := seededStore(t)
	r, err := New(s, &fixedEngine{provider: "test", vec: []float32{1, 0}}, 5, 0)
	if err != nil {
		t.Fatal(err)
	}

	results, err := r.Search(context.Background(), "authentication", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	out := FormatForContext(results)
	for _, want := range []string{"## Relevant Code Context", "auth.go:10-30", "function `Authenticate`", "```go"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted output missing %q:\n%s", want, out)
		}
	}
}

func TestFormat_TruncatesLongContent(t *testing.T) {
	long := strings.Repeat("x", 5000)
	results := []vectorstore.QueryResult{{
		Chunk: chunker.Chunk{RelativePath: "big.go", Content: long, Kind: chunker.KindFile},
		Score: 0.9,
	}}

	ctxOut := FormatForContext(results)
	if !strings.Contains(ctxOut, "[truncated]") {
		t.Errorf("context format should truncate")
	}
	toolOut := FormatAsToolOutput(results)
	if len(toolOut) <= len(ctxOut) {
		t.Errorf("tool output should allow more content than context format")
	}
}

func TestFormat_EmptyResults(t *testing.T) {
	if got := FormatForContext(nil); got != "" {
		t.Errorf("empty results should format to empty string, got %q", got)
	}
}
