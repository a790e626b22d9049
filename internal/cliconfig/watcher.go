package cliconfig

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/relaycore/pkg/log"
)

// Reload carries the settings that may change while the daemon runs.
// Everything else requires a restart.
type Reload struct {
	LogLevel      string
	QueueCapacity int
}

// ReloadFunc is invoked with the new dynamic settings after the config file
// changes and the debounce window passes.
type ReloadFunc func(Reload)

// Watcher monitors the daemon's config file for changes. Editors often
// produce bursts of write/rename events for one save, so reloads are
// debounced.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   log.Logger

	mu      sync.Mutex
	timer   *time.Timer
	last    Reload
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for the given config file path. current
// seeds change detection so an unchanged file does not trigger a reload.
func NewWatcher(path string, debounce time.Duration, current Reload, onReload ReloadFunc, logger log.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
		last:     current,
	}
}

// Start begins watching. The directory is watched rather than the file so
// rename-based saves keep working.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop halts the watcher and any pending debounce.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", log.Err(err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", log.String("path", w.path), log.Err(err))
		return
	}

	next := Reload{LogLevel: fc.LogLevel, QueueCapacity: fc.QueueCapacity}

	w.mu.Lock()
	if next.LogLevel == "" {
		next.LogLevel = w.last.LogLevel
	}
	if next.QueueCapacity <= 0 {
		next.QueueCapacity = w.last.QueueCapacity
	}
	changed := next != w.last
	w.last = next
	w.mu.Unlock()

	if !changed {
		return
	}
	w.logger.Info("config reloaded",
		log.String("log_level", next.LogLevel),
		log.Int("queue_capacity", next.QueueCapacity))
	if w.onReload != nil {
		w.onReload(next)
	}
}
