// Package indexer keeps the vector store consistent with the project tree.
// A full scan enumerates candidate files, prepares changed ones in parallel
// (read, chunk, embed) and commits to the store sequentially; a filesystem
// watcher feeds incremental updates through a coalescing queue between
// scans.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"codi/internal/chunker"
	"codi/internal/embedding"
	"codi/internal/logging"
	"codi/internal/vectorstore"
)

// Files larger than this are never indexed.
const maxFileSize = 1 << 20 // 1 MB

// hardExclusions are directory names that are never indexed, regardless of
// include patterns.
var hardExclusions = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	".bundle":      true,
	"__pycache__":  true,
	".next":        true,
}

// Config tunes the indexer.
type Config struct {
	IncludePatterns []string
	ExcludePatterns []string
	ParallelJobs    int // clamped to [1,16], default 4
	AutoIndex       bool
	WatchFiles      bool
}

// clampJobs coerces ParallelJobs into the supported range silently.
func clampJobs(jobs int) int {
	if jobs <= 0 {
		return 4
	}
	if jobs < 1 {
		return 1
	}
	if jobs > 16 {
		return 16
	}
	return jobs
}

// Stats summarizes one scan.
type Stats struct {
	FilesSeen    int
	FilesIndexed int
	FilesRemoved int
	FilesSkipped int
	ChunksStored int
	Errors       int
}

// Indexer drives scanning and watching for one project root.
type Indexer struct {
	root      string
	cachePath string
	store     *vectorstore.Store
	engine    embedding.Engine
	chunks    *chunker.Chunker
	config    Config

	// OnError receives per-file failures; the run continues.
	OnError func(path string, err error)

	mu       sync.Mutex // serializes scans and watcher flushes
	cache    *Cache
	watcher  *watcher
	scanning bool
}

// New creates an indexer. The cache sidecar lives at cachePath. If the
// store is empty but the cache claims indexed files, the cache is stale
// state from a wiped index and is discarded.
func New(root, cachePath string, store *vectorstore.Store, engine embedding.Engine, cfg Config) *Indexer {
	cfg.ParallelJobs = clampJobs(cfg.ParallelJobs)

	cache := loadCache(cachePath)
	itemCount, _ := store.Stats()
	if itemCount == 0 && len(cache.Files) > 0 {
		logging.Indexer("Store empty but cache lists %d files; discarding cache", len(cache.Files))
		cache = newCache()
	}

	return &Indexer{
		root:      root,
		cachePath: cachePath,
		store:     store,
		engine:    engine,
		chunks:    chunker.New(chunker.DefaultConfig()),
		config:    cfg,
		cache:     cache,
	}
}

// Start runs the initial scan when auto-indexing is on and starts the
// watcher when watching is on. Watch failures are logged, not fatal.
func (ix *Indexer) Start(ctx context.Context) error {
	if ix.config.AutoIndex {
		if _, err := ix.FullScan(ctx); err != nil {
			return err
		}
	}
	if ix.config.WatchFiles {
		w, err := newWatcher(ix)
		if err != nil {
			logging.Get(logging.CategoryIndexer).Warn("File watching unavailable: %v", err)
			return nil
		}
		ix.watcher = w
		w.start(ctx)
	}
	return nil
}

// Stop shuts the watcher down and persists state.
func (ix *Indexer) Stop() {
	if ix.watcher != nil {
		ix.watcher.stop()
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.persistLocked()
}

// FullScan brings the store in sync with the tree: new and changed files
// are re-indexed, deleted files are removed. Per-file failures surface
// through OnError without aborting the scan.
func (ix *Indexer) FullScan(ctx context.Context) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryIndexer, "FullScan")
	defer timer.StopWithThreshold(10 * time.Second)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.scanning = true
	defer func() { ix.scanning = false }()

	var stats Stats

	candidates, err := ix.enumerate()
	if err != nil {
		return stats, fmt.Errorf("enumerate: %w", err)
	}
	stats.FilesSeen = len(candidates)

	// Drop cache and store entries for files that no longer exist.
	present := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		present[c.absPath] = true
	}
	for cached := range ix.cache.Files {
		if !present[cached] {
			ix.store.DeleteByFile(cached)
			delete(ix.cache.Files, cached)
			stats.FilesRemoved++
		}
	}

	// Keep only new or changed files.
	var changed []candidate
	for _, c := range candidates {
		if stamp, ok := ix.cache.Files[c.absPath]; ok && stamp == c.stamp {
			stats.FilesSkipped++
			continue
		}
		changed = append(changed, c)
	}

	logging.Indexer("FullScan: %d candidates, %d changed, %d removed",
		len(candidates), len(changed), stats.FilesRemoved)

	// Prepare in batches of ParallelJobs; commit sequentially in batch
	// order so store writes stay serialized.
	for start := 0; start < len(changed); start += ix.config.ParallelJobs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		end := start + ix.config.ParallelJobs
		if end > len(changed) {
			end = len(changed)
		}
		batch := changed[start:end]

		prepared := make([]*preparedFile, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range batch {
			g.Go(func() error {
				p, err := ix.prepare(gctx, c)
				if err != nil {
					ix.reportError(c.absPath, err)
					return nil
				}
				prepared[i] = p
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}

		for _, p := range prepared {
			if p == nil {
				stats.Errors++
				continue
			}
			if p.skipped {
				stats.FilesSkipped++
				ix.cache.Files[p.absPath] = p.stamp
				continue
			}
			if err := ix.commit(p); err != nil {
				ix.reportError(p.absPath, err)
				stats.Errors++
				continue
			}
			ix.cache.Files[p.absPath] = p.stamp
			stats.FilesIndexed++
			stats.ChunksStored += len(p.chunks)
		}
	}

	if err := ix.persistLocked(); err != nil {
		return stats, err
	}
	return stats, nil
}

// candidate is one file passing the include/exclude rules.
type candidate struct {
	absPath string
	relPath string
	stamp   FileStamp
}

// enumerate walks the tree applying hard exclusions and the configured
// patterns.
func (ix *Indexer) enumerate() ([]candidate, error) {
	var out []candidate
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			ix.reportError(path, err)
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if hardExclusions[name] || (strings.HasPrefix(name, ".") && path != ix.root) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(ix.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if !matchAny(ix.config.IncludePatterns, rel) {
			return nil
		}
		if matchAny(ix.config.ExcludePatterns, rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			ix.reportError(path, err)
			return nil
		}
		out = append(out, candidate{absPath: path, relPath: rel, stamp: stampOf(info)})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].absPath < out[j].absPath })
	return out, err
}

// preparedFile carries one file's chunks and embeddings, ready to commit.
type preparedFile struct {
	absPath string
	stamp   FileStamp
	skipped bool
	chunks  []chunker.Chunk
	vectors [][]float32
}

// prepare reads, chunks, and embeds one file. Binary and oversized files
// are skipped but still stamped so they are not revisited every scan.
func (ix *Indexer) prepare(ctx context.Context, c candidate) (*preparedFile, error) {
	info, err := os.Stat(c.absPath)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileSize {
		logging.IndexerDebug("Skipping %s: %d bytes over limit", c.relPath, info.Size())
		return &preparedFile{absPath: c.absPath, stamp: c.stamp, skipped: true}, nil
	}

	data, err := os.ReadFile(c.absPath)
	if err != nil {
		return nil, err
	}
	if isBinary(data) {
		logging.IndexerDebug("Skipping %s: binary", c.relPath)
		return &preparedFile{absPath: c.absPath, stamp: c.stamp, skipped: true}, nil
	}

	chunks := ix.chunks.ChunkFile(c.absPath, c.relPath, string(data))
	if len(chunks) == 0 {
		return &preparedFile{absPath: c.absPath, stamp: c.stamp, skipped: true}, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	vectors, err := ix.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	return &preparedFile{absPath: c.absPath, stamp: c.stamp, chunks: chunks, vectors: vectors}, nil
}

// commit writes one prepared file's records to the store.
func (ix *Indexer) commit(p *preparedFile) error {
	return ix.store.BatchUpsert(p.chunks, p.vectors)
}

// indexOne handles a single watcher-reported file outside a full scan.
func (ix *Indexer) indexOne(ctx context.Context, absPath string) {
	info, err := os.Stat(absPath)
	if err != nil {
		// Raced with a delete.
		ix.removeOne(absPath)
		return
	}
	if info.IsDir() {
		return
	}

	rel, err := filepath.Rel(ix.root, absPath)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if !matchAny(ix.config.IncludePatterns, rel) || matchAny(ix.config.ExcludePatterns, rel) {
		return
	}
	for _, seg := range strings.Split(rel, "/") {
		if hardExclusions[seg] {
			return
		}
	}

	c := candidate{absPath: absPath, relPath: rel, stamp: stampOf(info)}
	p, err := ix.prepare(ctx, c)
	if err != nil {
		ix.reportError(absPath, err)
		return
	}
	if !p.skipped {
		if err := ix.commit(p); err != nil {
			ix.reportError(absPath, err)
			return
		}
	}
	ix.cache.Files[absPath] = p.stamp
	logging.IndexerDebug("Re-indexed %s (%d chunks)", rel, len(p.chunks))
}

// removeOne drops a deleted file's records and cache entry.
func (ix *Indexer) removeOne(absPath string) {
	ix.store.DeleteByFile(absPath)
	delete(ix.cache.Files, absPath)
	logging.IndexerDebug("Removed %s from index", absPath)
}

// persistLocked saves the store and cache. Caller holds mu.
func (ix *Indexer) persistLocked() error {
	if err := ix.store.Save(); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	if err := ix.cache.save(ix.cachePath); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	return nil
}

func (ix *Indexer) reportError(path string, err error) {
	logging.Get(logging.CategoryIndexer).Warn("Indexing %s failed: %v", path, err)
	if ix.OnError != nil {
		ix.OnError(path, err)
	}
}

// isBinary samples the first bytes of data: binary if any null byte or more
// than 10% non-printable characters (excluding TAB/LF/CR).
func isBinary(data []byte) bool {
	sample := data
	if len(sample) > 1000 {
		sample = sample[:1000]
	}
	if len(sample) == 0 {
		return false
	}
	nonPrintable := 0
	for _, b := range sample {
		if b == 0 {
			return true
		}
		if b < 32 && b != '\t' && b != '\n' && b != '\r' {
			nonPrintable++
		}
	}
	return nonPrintable*10 > len(sample)
}
