package patterns

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kalambet/qroute/internal/logging"
)

// Watcher reloads a Store whenever the pattern file changes on disk. Bursts of
// events are debounced; a reload that fails to parse keeps the previous
// snapshot in place.
type Watcher struct {
	path     string
	store    *Store
	logger   *zap.Logger
	debounce time.Duration
	load     func(path string) ([]Record, error)

	mu      sync.Mutex
	reloads int
	errors  int
}

// NewWatcher creates a Watcher for path. If debounce is <= 0 it defaults to 250ms.
func NewWatcher(path string, store *Store, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:     path,
		store:    store,
		logger:   logging.OrNop(logger),
		debounce: debounce,
		load:     LoadFile,
	}
}

// ReloadNow loads the file and swaps the snapshot in.
func (w *Watcher) ReloadNow() (*Snapshot, error) {
	records, err := w.load(w.path)
	if err != nil {
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		return nil, err
	}
	snap := w.store.Reload(records)
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("patterns: reloaded",
		zap.String("path", w.path),
		zap.Uint64("generation", snap.Generation()),
		zap.Int("records", snap.Len()),
	)
	return snap, nil
}

// Stats returns the number of successful and failed reloads.
func (w *Watcher) Stats() (reloads, errors int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.errors
}

// Run watches the file's directory until ctx is cancelled. The directory is
// watched rather than the file so editors that replace via rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(w.path)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("patterns: watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			if _, err := w.ReloadNow(); err != nil {
				w.logger.Warn("patterns: reload failed, keeping previous snapshot",
					zap.String("path", w.path), zap.Error(err))
			}
		}
	}
}
