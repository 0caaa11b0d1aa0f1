package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/goleak"

	"codi/internal/vectorstore"
)

// hashEngine is a deterministic embedding engine for tests: the vector is a
// function of the text, so identical content always embeds identically.
type hashEngine struct {
	calls int
}

func (h *hashEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	h.calls++
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	for i := range vec {
		bits := binary.BigEndian.Uint32(sum[i*4 : i*4+4])
		vec[i] = float32(bits%1000)/1000 - 0.5
	}
	return vec, nil
}

func (h *hashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEngine) Dimensions() int  { return 8 }
func (h *hashEngine) Name() string     { return "hash:test" }
func (h *hashEngine) Provider() string { return "test" }

func testTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		os.MkdirAll(filepath.Dir(path), 0755)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("src/a.go", goFixture("a", "Alpha", 1))
	write("src/b.go", goFixture("b", "Beta", 2))
	write("src/c.go", goFixture("c", "Gamma", 3))
	write("node_modules/dep/index.js", "module.exports = 1;\n")
	return root
}

// goFixture produces a file comfortably above the chunker's minimum chunk
// size.
func goFixture(pkg, fn string, n int) string {
	return "package " + pkg + "\n\n" +
		"func " + fn + "() int {\n" +
		"\ttotal := 0\n" +
		"\tfor i := 0; i < 10; i++ {\n" +
		"\t\ttotal += i * " + string(rune('0'+n)) + "\n" +
		"\t}\n" +
		"\treturn total\n" +
		"}\n"
}

func newTestIndexer(t *testing.T, root string) (*Indexer, *vectorstore.Store, *hashEngine) {
	t.Helper()
	store := vectorstore.New(filepath.Join(root, ".codi", "index"), "test", "hash")
	engine := &hashEngine{}
	ix := New(root, filepath.Join(root, ".codi", "index-cache.json"), store, engine, Config{
		IncludePatterns: []string{"**/*.go", "**/*.js"},
		ParallelJobs:    2,
		AutoIndex:       true,
	})
	return ix, store, engine
}

func TestFullScan_IndexesTree(t *testing.T) {
	root := testTree(t)
	ix, store, _ := newTestIndexer(t, root)

	stats, err := ix.FullScan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if stats.FilesIndexed != 3 {
		t.Errorf("indexed %d files, want 3", stats.FilesIndexed)
	}
	files := store.FilesIndexed()
	if len(files) != 3 {
		t.Errorf("store has %d files, want 3: %v", len(files), files)
	}
	for f := range files {
		if filepath.Base(filepath.Dir(f)) == "node_modules" {
			t.Errorf("hard exclusion violated: %s", f)
		}
	}
}

func TestFullScan_IncrementalOnlyChangedFiles(t *testing.T) {
	root := testTree(t)
	ix, store, engine := newTestIndexer(t, root)

	if _, err := ix.FullScan(context.Background()); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	idsBefore := store.ChunkIDs()
	callsAfterFirst := engine.calls

	// Modify only b.go; ensure the mtime actually moves.
	bPath := filepath.Join(root, "src", "b.go")
	os.WriteFile(bPath, []byte(goFixture("b", "Beta", 7)), 0644)
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(bPath, future, future)

	stats, err := ix.FullScan(context.Background())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if stats.FilesIndexed != 1 {
		t.Errorf("second scan indexed %d files, want 1", stats.FilesIndexed)
	}
	if engine.calls <= callsAfterFirst {
		t.Errorf("changed file was not re-embedded")
	}

	// a.go and c.go chunk ids must be stable.
	idsAfter := store.ChunkIDs()
	if !reflect.DeepEqual(idsBefore, idsAfter) {
		t.Errorf("chunk ids changed: %v -> %v", idsBefore, idsAfter)
	}
}

func TestFullScan_IdempotentWhenUnchanged(t *testing.T) {
	root := testTree(t)
	ix, store, _ := newTestIndexer(t, root)

	if _, err := ix.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	countBefore, _ := store.Stats()
	idsBefore := store.ChunkIDs()

	stats, err := ix.FullScan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.FilesIndexed != 0 {
		t.Errorf("unchanged rescan indexed %d files", stats.FilesIndexed)
	}
	countAfter, _ := store.Stats()
	if countBefore != countAfter || !reflect.DeepEqual(idsBefore, store.ChunkIDs()) {
		t.Errorf("rescan changed store contents")
	}
}

func TestFullScan_RemovesDeletedFiles(t *testing.T) {
	root := testTree(t)
	ix, store, _ := newTestIndexer(t, root)

	if _, err := ix.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(root, "src", "c.go"))

	stats, err := ix.FullScan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.FilesRemoved != 1 {
		t.Errorf("removed %d files, want 1", stats.FilesRemoved)
	}
	if store.FilesIndexed()[filepath.Join(root, "src", "c.go")] {
		t.Errorf("deleted file still in store")
	}
}

func TestFullScan_SkipsBinaryAndOversize(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "bin.go"), append([]byte("package x\x00"), make([]byte, 100)...), 0644)
	big := make([]byte, maxFileSize+1)
	for i := range big {
		big[i] = 'a'
	}
	os.WriteFile(filepath.Join(root, "big.go"), big, 0644)
	os.WriteFile(filepath.Join(root, "ok.go"), []byte(goFixture("x", "F", 1)), 0644)

	ix, store, _ := newTestIndexer(t, root)
	if _, err := ix.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	files := store.FilesIndexed()
	if len(files) != 1 || !files[filepath.Join(root, "ok.go")] {
		t.Errorf("binary/oversize files should be skipped: %v", files)
	}
}

func TestFullScan_PerFileErrorsReported(t *testing.T) {
	root := testTree(t)
	unreadable := filepath.Join(root, "src", "locked.go")
	os.WriteFile(unreadable, []byte("package locked\n"), 0000)

	ix, _, _ := newTestIndexer(t, root)
	var errPaths []string
	ix.OnError = func(path string, err error) {
		errPaths = append(errPaths, path)
	}

	if _, err := ix.FullScan(context.Background()); err != nil {
		t.Fatalf("scan should continue past per-file errors: %v", err)
	}
	if len(errPaths) == 0 {
		t.Skip("running as root; unreadable file cannot be simulated")
	}
}

func TestNew_DiscardsStaleCacheForEmptyStore(t *testing.T) {
	root := testTree(t)
	cachePath := filepath.Join(root, ".codi", "index-cache.json")
	stale := newCache()
	stale.Files["/ghost/file.go"] = FileStamp{MtimeMs: 1, SizeBytes: 2}
	if err := stale.save(cachePath); err != nil {
		t.Fatal(err)
	}

	ix, _, _ := newTestIndexer(t, root)
	if len(ix.cache.Files) != 0 {
		t.Errorf("stale cache should be discarded when store is empty, got %v", ix.cache.Files)
	}
}

func TestClampJobs(t *testing.T) {
	cases := map[int]int{0: 4, -3: 4, 1: 1, 4: 4, 16: 16, 99: 16}
	for in, want := range cases {
		if got := clampJobs(in); got != want {
			t.Errorf("clampJobs(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestIsBinary(t *testing.T) {
	if isBinary([]byte("plain text\nwith lines\n")) {
		t.Errorf("text misclassified as binary")
	}
	if !isBinary([]byte{'a', 0, 'b'}) {
		t.Errorf("null byte should be binary")
	}
	ctrl := make([]byte, 100)
	for i := range ctrl {
		ctrl[i] = 1
	}
	if !isBinary(ctrl) {
		t.Errorf("control characters should be binary")
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"**/*.go", "src/deep/a.go", true},
		{"**/*.go", "a.go", true},
		{"src/**/*.ts", "src/x/y.ts", true},
		{"src/**/*.ts", "lib/x.ts", false},
		{"*.md", "docs/readme.md", true}, // basename fallback
		{"src/*.go", "src/a.go", true},
		{"src/*.go", "src/sub/a.go", false},
	}
	for _, c := range cases {
		if got := matchAny([]string{c.pattern}, c.path); got != c.want {
			t.Errorf("matchAny(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestWatcher_ReindexesChangedFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := testTree(t)
	store := vectorstore.New(filepath.Join(root, ".codi", "index"), "test", "hash")
	engine := &hashEngine{}
	ix := New(root, filepath.Join(root, ".codi", "index-cache.json"), store, engine, Config{
		IncludePatterns: []string{"**/*.go"},
		ParallelJobs:    2,
		AutoIndex:       true,
		WatchFiles:      true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ix.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ix.Stop()

	newFile := filepath.Join(root, "src", "d.go")
	os.WriteFile(newFile, []byte(goFixture("d", "Delta", 4)), 0644)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.FilesIndexed()[newFile] {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("watcher did not index new file within deadline")
}
