package tier

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the tier manifest when graph.yml changes on disk.
// Long-lived control-plane processes pick up tier changes without a
// restart; a malformed manifest keeps the previous one.
type Watcher struct {
	catalog *Catalog
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher starts watching the directory holding the catalog's manifest.
// The catalog must have loaded once so its source path is known.
func NewWatcher(catalog *Catalog, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.L()
	}

	catalog.mu.RLock()
	source := catalog.source
	catalog.mu.RUnlock()
	if source == "" {
		return nil, fmt.Errorf("tier catalog has no loaded manifest to watch")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config mounts
	// replace the file, which drops a direct file watch.
	if err := fsWatcher.Add(filepath.Dir(source)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(source), err)
	}

	w := &Watcher{
		catalog: catalog,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
	}
	go w.watchLoop(source)

	logger.Info("Tier manifest hot reloading enabled", zap.String("path", source))
	return w, nil
}

func (w *Watcher) watchLoop(source string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != source {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.catalog.Reload(); err != nil {
				w.logger.Warn("Tier manifest reload failed, keeping previous manifest",
					zap.String("path", source),
					zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Tier manifest watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}
