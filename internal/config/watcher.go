package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the manager's config when the YAML file changes on
// disk. Events are debounced so editors that write in several steps
// trigger a single reload. A failed reload keeps the previous snapshot.
type Watcher struct {
	manager  *Manager
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	running bool
}

// NewWatcher creates a watcher for the manager's config file.
func NewWatcher(manager *Manager, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Watcher{
		manager:  manager,
		debounce: debounce,
		logger:   logger,
	}
}

// Start begins watching the config file's directory.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	configFile, err := filepath.Abs(w.manager.ConfigFile())
	if err != nil {
		_ = fsWatcher.Close()
		return err
	}

	if err := fsWatcher.Add(filepath.Dir(configFile)); err != nil {
		_ = fsWatcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fsWatcher
	w.cancel = cancel
	w.running = true

	go w.watchLoop(watchCtx, fsWatcher, configFile)

	w.logger.Info("Started watching configuration file", "path", configFile)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.cancel()
	_ = w.watcher.Close()
	w.watcher = nil
	w.running = false
	w.logger.Info("Stopped watching configuration file")
}

func (w *Watcher) watchLoop(ctx context.Context, fsWatcher *fsnotify.Watcher, configFile string) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			eventPath, err := filepath.Abs(event.Name)
			if err != nil || eventPath != configFile {
				continue
			}

			// Debounce bursts of events for the same save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.reload()
			})

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	if err := w.manager.Reload(); err != nil {
		w.logger.Error("Failed to reload configuration, keeping previous snapshot", "err", err)
		return
	}
	w.logger.Info("Configuration reloaded")
}
