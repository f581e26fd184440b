package runtime

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentmcp/internal/logging"
	"agentmcp/internal/rag"
)

// watcher observes the project tree and triggers a hash-gated reindex
// after changes settle. fsnotify does not recurse, so every non-ignored
// directory is added individually and new directories are picked up
// from create events.
type watcher struct {
	root     string
	debounce time.Duration
	ignore   map[string]bool
	indexer  *rag.Indexer

	dirty bool
	last  time.Time
}

func newWatcher(root string, debounce time.Duration, ignoreDirs []string, ix *rag.Indexer) *watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	ignore := map[string]bool{
		".agent": true, ".git": true, "node_modules": true,
		"vendor": true, "__pycache__": true,
	}
	for _, d := range ignoreDirs {
		ignore[d] = true
	}
	return &watcher{root: root, debounce: debounce, ignore: ignore, indexer: ix}
}

func (w *watcher) run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logging.RuntimeWarn("file watcher unavailable: %v", err)
		return nil
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		logging.RuntimeWarn("file watcher setup incomplete: %v", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, ev.Name); err != nil {
						logging.RuntimeDebug("watch add for %s failed: %v", ev.Name, err)
					}
				}
			}
			w.dirty = true
			w.last = time.Now()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.RuntimeDebug("file watcher error: %v", err)

		case <-ticker.C:
			if !w.dirty || time.Since(w.last) < w.debounce {
				continue
			}
			w.dirty = false
			stats, err := w.indexer.IndexProject(ctx, w.root, false)
			if err != nil {
				logging.RuntimeWarn("background reindex failed: %v", err)
				continue
			}
			if stats.FilesProcessed > 0 {
				logging.Runtime("background reindex: %d files, %d chunks",
					stats.FilesProcessed, stats.ChunksCreated)
			}
		}
	}
}

// addTree watches dir and every non-ignored directory beneath it.
func (w *watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			logging.RuntimeDebug("cannot watch %s: %v", path, err)
		}
		return nil
	})
}

// ignored reports whether path sits under an ignored directory.
func (w *watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for rel != "." && rel != "" {
		if w.ignore[filepath.Base(rel)] {
			return true
		}
		rel = filepath.Dir(rel)
	}
	return false
}
