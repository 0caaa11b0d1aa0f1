package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testChunker() *Chunker {
	return New(Config{MinChunkSize: 1, MaxChunkSize: 4096, ChunkOverlap: 64})
}

func TestChunkFile_Empty(t *testing.T) {
	c := testChunker()
	if got := c.ChunkFile("/p/empty.ts", "empty.ts", ""); len(got) != 0 {
		t.Errorf("empty file should produce zero chunks, got %d", len(got))
	}
}

// A TypeScript file with one exported function (lines 10-30) and one class
// with a method (lines 32-50) produces function, class, method chunks in
// start-line order with no overlaps.
func TestChunkFile_TypeScriptSemantic(t *testing.T) {
	var lines []string
	for i := 1; i <= 9; i++ {
		lines = append(lines, fmt.Sprintf("// header %d", i))
	}
	lines = append(lines, "export function foo() {") // line 10
	for i := 11; i <= 29; i++ {
		lines = append(lines, "  compute();")
	}
	lines = append(lines, "}") // line 30
	lines = append(lines, "") // line 31
	lines = append(lines, "class Bar {") // line 32
	lines = append(lines, "  m() {") // line 33
	for i := 34; i <= 48; i++ {
		lines = append(lines, "    work();")
	}
	lines = append(lines, "  }") // line 49
	lines = append(lines, "}") // line 50

	c := testChunker()
	chunks := c.ChunkFile("/p/a.ts", "a.ts", strings.Join(lines, "\n"))

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	var gotKinds []ChunkKind
	var gotNames []string
	for _, chunk := range chunks {
		gotKinds = append(gotKinds, chunk.Kind)
		gotNames = append(gotNames, chunk.Name)
	}
	if diff := cmp.Diff([]ChunkKind{KindFunction, KindClass, KindMethod}, gotKinds); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"foo", "Bar", "m"}, gotNames); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if chunks[0].StartLine != 10 || chunks[0].EndLine != 30 {
		t.Errorf("function range = %d-%d, want 10-30", chunks[0].StartLine, chunks[0].EndLine)
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartLine <= chunks[i-1].EndLine {
			t.Errorf("chunks %d and %d overlap", i-1, i)
		}
	}
}

func TestChunkFile_PythonIndentation(t *testing.T) {
	content := strings.Join([]string{
		"def top():",
		"    a = 1",
		"    return a",
		"",
		"class Widget:",
		"    def render(self):",
		"        return 'x'",
		"",
		"print(top())",
	}, "\n")

	c := testChunker()
	chunks := c.ChunkFile("/p/m.py", "m.py", content)

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Kind != KindFunction || chunks[0].Name != "top" {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if chunks[0].EndLine != 3 {
		t.Errorf("top() should end at line 3, got %d", chunks[0].EndLine)
	}
	if chunks[1].Kind != KindClass || chunks[1].Name != "Widget" {
		t.Errorf("chunk 1 = %+v", chunks[1])
	}
	if chunks[2].Kind != KindMethod || chunks[2].Name != "render" {
		t.Errorf("chunk 2 = %+v", chunks[2])
	}
}

func TestChunkFile_GoMethodsAndTypes(t *testing.T) {
	content := strings.Join([]string{
		"package main",
		"",
		"type Server struct {",
		"\taddr string",
		"}",
		"",
		"func (s *Server) Serve() error {",
		"\treturn nil",
		"}",
		"",
		"func main() {",
		"\t_ = new(Server)",
		"}",
	}, "\n")

	c := testChunker()
	chunks := c.ChunkFile("/p/main.go", "main.go", content)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	wantKinds := []ChunkKind{KindClass, KindMethod, KindFunction}
	for i, chunk := range chunks {
		if chunk.Kind != wantKinds[i] {
			t.Errorf("chunk %d kind = %s, want %s", i, chunk.Kind, wantKinds[i])
		}
	}
}

func TestChunkFile_FallbackWholeFile(t *testing.T) {
	c := testChunker()
	content := "plain text with no recognizable structure\nsecond line"
	chunks := c.ChunkFile("/p/notes.txt", "notes.txt", content)
	if len(chunks) != 1 {
		t.Fatalf("expected one whole-file chunk, got %d", len(chunks))
	}
	if chunks[0].Kind != KindFile {
		t.Errorf("fallback kind = %s, want file", chunks[0].Kind)
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 2 {
		t.Errorf("fallback range = %d-%d", chunks[0].StartLine, chunks[0].EndLine)
	}
}

func TestChunkFile_ExactlyMaxSize(t *testing.T) {
	c := New(Config{MinChunkSize: 1, MaxChunkSize: 100, ChunkOverlap: 10})
	content := strings.Repeat("x", 100)
	chunks := c.ChunkFile("/p/data.txt", "data.txt", content)
	if len(chunks) != 1 {
		t.Fatalf("file of exactly max size should be one chunk, got %d", len(chunks))
	}
}

func TestChunkFile_OversizeSplitsIntoBlocks(t *testing.T) {
	c := New(Config{MinChunkSize: 1, MaxChunkSize: 120, ChunkOverlap: 24})
	var lines []string
	lines = append(lines, "export function big() {")
	for i := 0; i < 40; i++ {
		lines = append(lines, "  someWork();")
	}
	lines = append(lines, "}")

	chunks := c.ChunkFile("/p/big.ts", "big.ts", strings.Join(lines, "\n"))
	if len(chunks) < 2 {
		t.Fatalf("oversize function should split, got %d chunks", len(chunks))
	}
	if chunks[0].Kind != KindFunction || chunks[0].Name != "big" {
		t.Errorf("first sub-chunk should keep kind and name: %+v", chunks[0])
	}
	for _, chunk := range chunks[1:] {
		if chunk.Kind != KindBlock {
			t.Errorf("later sub-chunks should be blocks, got %s", chunk.Kind)
		}
	}
	for _, chunk := range chunks {
		if len(chunk.Content) > 120 {
			t.Errorf("sub-chunk exceeds max size: %d bytes", len(chunk.Content))
		}
	}
}

func TestChunkFile_MinSizeDrops(t *testing.T) {
	c := New(Config{MinChunkSize: 200, MaxChunkSize: 4096, ChunkOverlap: 0})
	content := "func tiny() {\n\treturn\n}"
	chunks := c.ChunkFile("/p/t.go", "t.go", content)
	if len(chunks) != 0 {
		t.Errorf("undersized chunk should be dropped, got %d", len(chunks))
	}
}

func TestChunkID_StableAndShort(t *testing.T) {
	a := ChunkID("/p/a.go", 10)
	b := ChunkID("/p/a.go", 10)
	if a != b {
		t.Errorf("chunk id not stable: %s vs %s", a, b)
	}
	if len(a) != 12 {
		t.Errorf("chunk id length = %d, want 12", len(a))
	}
	if a == ChunkID("/p/a.go", 11) {
		t.Errorf("different start lines should give different ids")
	}
}
