package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codi/internal/logging"
)

// debounceWindow is how long the event queue must be quiet before it
// flushes.
const debounceWindow = 500 * time.Millisecond

// watcher feeds filesystem changes into the indexer. Events are coalesced
// per path and flushed after a quiet period; flushes take the indexer mutex
// so they never interleave with a full scan.
type watcher struct {
	ix *Indexer
	fw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWatcher(ix *Indexer) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		ix:      ix,
		fw:      fw,
		pending: make(map[string]fsnotify.Op),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	// fsnotify has no recursive mode; watch every non-excluded directory.
	if err := w.addRecursive(ix.root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if hardExclusions[name] || (strings.HasPrefix(name, ".") && path != root) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

func (w *watcher) start(ctx context.Context) {
	logging.Indexer("File watcher started on %s", w.ix.root)
	go w.run(ctx)
}

func (w *watcher) stop() {
	close(w.stopCh)
	<-w.doneCh
	w.fw.Close()
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.enqueue(ctx, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIndexer).Warn("Watcher error: %v", err)
		}
	}
}

// enqueue coalesces an event and (re)arms the debounce timer.
func (w *watcher) enqueue(ctx context.Context, event fsnotify.Event) {
	// New directories must be watched before files appear inside them.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !hardExclusions[filepath.Base(event.Name)] {
				w.addRecursive(event.Name)
			}
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] |= event.Op
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		w.flush(ctx)
	})
}

// flush drains the coalesced queue sequentially under the indexer mutex.
func (w *watcher) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	// Queued files drain between scans, never during one.
	w.ix.mu.Lock()
	defer w.ix.mu.Unlock()

	logging.IndexerDebug("Watcher flush: %d paths", len(batch))
	for path, op := range batch {
		switch {
		case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
			w.ix.removeOne(path)
		case op.Has(fsnotify.Create) || op.Has(fsnotify.Write):
			w.ix.indexOne(ctx, path)
		}
	}

	if err := w.ix.persistLocked(); err != nil {
		logging.Get(logging.CategoryIndexer).Warn("Watcher persist failed: %v", err)
	}
}
