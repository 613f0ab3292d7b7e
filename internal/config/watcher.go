package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 500 * time.Millisecond

// Watcher watches a job file and reloads it on change.
type Watcher struct {
	path     string
	onReload func(*Config, error)
	current  *Config
	mu       sync.RWMutex
	reloads  atomic.Uint32
	fsw      *fsnotify.Watcher
	done     chan struct{}
	once     sync.Once
}

// NewWatcher loads the job file at path and starts watching it. onReload is
// called after every change with either the new config or the load error.
func NewWatcher(path string, onReload func(*Config, error)) (*Watcher, error) {
	cfg, err := LoadAndValidate(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory so editors that replace the file on save are seen.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		current:  cfg,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.watch()

	return w, nil
}

func (w *Watcher) watch() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	count := w.reloads.Add(1)
	slog.Info("Reloading job file", "path", w.path, "count", count)

	cfg, err := LoadAndValidate(w.path)
	if err != nil {
		slog.Error("Failed to reload job file", "error", err)
		w.onReload(nil, err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	slog.Info("Job file reloaded successfully", "count", count, "jobs", len(cfg.Jobs))
	w.onReload(cfg, nil)
}

// Snapshot returns the current config snapshot (thread-safe).
func (w *Watcher) Snapshot() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.current
}

// ReloadCount returns the number of times the config has been reloaded.
func (w *Watcher) ReloadCount() uint32 {
	return w.reloads.Load()
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
